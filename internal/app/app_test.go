package app

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"

	"github.com/legatoproject/legato-af-sub020/internal/cgroup"
	"github.com/legatoproject/legato-af-sub020/internal/process"
)

func testCgroupDriver(t *testing.T) *cgroup.Driver {
	t.Helper()
	root := t.TempDir()
	for _, s := range []cgroup.Subsystem{cgroup.CPU, cgroup.Memory, cgroup.Freezer} {
		must.NoError(t, os.MkdirAll(filepath.Join(root, string(s)), 0o755))
	}
	return cgroup.New(root, "", hclog.NewNullLogger())
}

func TestAcquireHandle_SingleOwner(t *testing.T) {
	a := New("svc", false, false, nil, testCgroupDriver(t), hclog.NewNullLogger())
	must.NoError(t, a.AcquireHandle("session-a"))
	must.ErrorContains(t, a.AcquireHandle("session-b"), "already held")
}

func TestReleaseHandle_ClearsOverrides(t *testing.T) {
	cg := testCgroupDriver(t)
	p := process.New(process.Config{Name: "worker", RunOnStart: true}, hclog.NewNullLogger())
	a := New("svc", false, false, []*process.Process{p}, cg, hclog.NewNullLogger())

	must.NoError(t, a.AcquireHandle("s1"))
	must.NoError(t, a.SetRun("s1", "worker", false))
	must.True(t, a.runSuppressed("worker"))

	must.NoError(t, a.ReleaseHandle("s1"))
	must.False(t, a.runSuppressed("worker"))
	must.Eq(t, "", a.HandleOwner())
}

func TestSetRun_RequiresHandle(t *testing.T) {
	cg := testCgroupDriver(t)
	p := process.New(process.Config{Name: "worker"}, hclog.NewNullLogger())
	a := New("svc", false, false, []*process.Process{p}, cg, hclog.NewNullLogger())
	must.ErrorContains(t, a.SetRun("nobody", "worker", false), "handle not held")
}

func TestStart_Idempotent(t *testing.T) {
	cg := testCgroupDriver(t)
	a := New("svc", false, false, nil, cg, hclog.NewNullLogger())
	must.NoError(t, a.Start())
	must.Eq(t, Running, a.State())
	must.ErrorIs(t, a.Start(), ErrAlreadyRunning)
}

func TestStop_OnStoppedApp_ReturnsNotRunning(t *testing.T) {
	cg := testCgroupDriver(t)
	a := New("svc", false, false, nil, cg, hclog.NewNullLogger())
	err := a.Stop(0, func(*App) {})
	must.ErrorIs(t, err, ErrNotRunning)
}

func TestTryCompleteStop_NoPendingStop_ReturnsFalse(t *testing.T) {
	cg := testCgroupDriver(t)
	a := New("svc", false, false, nil, cg, hclog.NewNullLogger())
	completed, err := a.TryCompleteStop()
	must.NoError(t, err)
	must.False(t, completed)
}

func TestTryCompleteStop_CompletesWhenBothConditionsHold(t *testing.T) {
	cg := testCgroupDriver(t)
	a := New("svc", false, false, nil, cg, hclog.NewNullLogger())
	must.NoError(t, a.Start())

	called := false
	a.pendingStop = func(*App) { called = true }

	completed, err := a.TryCompleteStop()
	must.NoError(t, err)
	must.True(t, completed)
	must.True(t, called)
	must.Eq(t, Stopped, a.State())
}

func TestRestartProcess_SkipsWhenSuppressed(t *testing.T) {
	cg := testCgroupDriver(t)
	p := process.New(process.Config{Name: "worker"}, hclog.NewNullLogger())
	a := New("svc", false, false, []*process.Process{p}, cg, hclog.NewNullLogger())
	must.NoError(t, a.AcquireHandle("s1"))
	must.NoError(t, a.SetRun("s1", "worker", false))

	must.NoError(t, a.RestartProcess(p))
	must.Eq(t, process.Stopped, p.State())
}

func TestRestartApp_RunsOnCompletedStop(t *testing.T) {
	cg := testCgroupDriver(t)
	p := process.New(process.Config{Name: "worker"}, hclog.NewNullLogger())
	a := New("svc", false, false, []*process.Process{p}, cg, hclog.NewNullLogger())
	must.NoError(t, a.Start())
	p.MarkRunning(424242)

	restarted := false
	must.NoError(t, a.RestartApp(func(*App) { restarted = true }))

	p.MarkStopped()
	completed, err := a.TryCompleteStop()
	must.NoError(t, err)
	must.True(t, completed)
	must.True(t, restarted)
	must.Eq(t, Running, a.State())
}

func TestTryCompleteStop_RetryLimitExceeded(t *testing.T) {
	cg := testCgroupDriver(t)
	p := process.New(process.Config{Name: "stuck"}, hclog.NewNullLogger())
	a := New("svc", false, false, []*process.Process{p}, cg, hclog.NewNullLogger())
	must.NoError(t, a.Start())
	// Simulate: freezer empty, but the process object never reaped — a
	// cgroup-notification bug where the stop never genuinely completes.
	a.pendingStop = func(*App) {}
	p.MarkRunning(99999) // simulate a process the reaper never confirmed dead

	var err error
	for i := 0; i < StopRetryLimit+1; i++ {
		_, err = a.TryCompleteStop()
	}
	must.ErrorIs(t, err, ErrStopRetryLimitExceeded)
}
