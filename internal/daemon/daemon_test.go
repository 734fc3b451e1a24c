package daemon

import (
	"os/exec"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"go.uber.org/goleak"

	"github.com/legatoproject/legato-af-sub020/internal/killer"
)

func trueBin(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("true")
	must.NoError(t, err)
	return path
}

func catBin(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("cat")
	must.NoError(t, err)
	return path
}

func TestStartAll_WaitsForReadyBarrier(t *testing.T) {
	defer goleak.VerifyNone(t)

	specs := []Spec{
		{Name: "svcdir", Path: trueBin(t)},
		{Name: "logger", Path: trueBin(t)},
	}
	o := New(specs, killer.New(), hclog.NewNullLogger())
	must.NoError(t, o.StartAll())

	for _, d := range o.daemons {
		must.True(t, d.pid > 0)
	}
}

func TestStartAll_FailsOnMissingBinary(t *testing.T) {
	specs := []Spec{{Name: "bogus", Path: "/nonexistent/binary-xyz"}}
	o := New(specs, killer.New(), hclog.NewNullLogger())
	must.Error(t, o.StartAll())
}

func TestShutdown_ReverseOrder_FiresHooks(t *testing.T) {
	specs := []Spec{
		{Name: "svcdir", Path: catBin(t)},
		{Name: "logger", Path: catBin(t)},
	}
	o := New(specs, killer.New(), hclog.NewNullLogger())

	// Simulate already-running daemons without the real ready-barrier
	// handshake (cat never closes stdin on its own), so drive state
	// directly instead of calling StartAll.
	cmds := make([]*exec.Cmd, len(specs))
	for i, s := range specs {
		cmd := exec.Command(s.Path)
		stdin, err := cmd.StdinPipe()
		must.NoError(t, err)
		must.NoError(t, cmd.Start())
		o.daemons[i].pid = cmd.Process.Pid
		o.daemons[i].alive = true
		cmds[i] = cmd
		_ = stdin
	}

	var intermediate, final bool
	o.OnIntermediateShutdown = func() { intermediate = true }
	o.OnFinalShutdown = func() { final = true }

	o.BeginShutdown()
	must.False(t, intermediate)
	must.False(t, final)

	// logger (index 1) dies first.
	_ = cmds[1].Process.Kill()
	_, _ = cmds[1].Process.Wait()
	o.NotifyExit(cmds[1].Process.Pid)
	must.True(t, intermediate)
	must.False(t, final)

	// svcdir (index 0) dies last.
	_ = cmds[0].Process.Kill()
	_, _ = cmds[0].Process.Wait()
	o.NotifyExit(cmds[0].Process.Pid)
	must.True(t, final)
}

func TestIsFrameworkDaemon(t *testing.T) {
	o := New([]Spec{{Name: "svcdir", Path: trueBin(t)}}, killer.New(), hclog.NewNullLogger())
	must.NoError(t, o.StartAll())
	must.True(t, o.IsFrameworkDaemon(o.daemons[0].pid))
	must.False(t, o.IsFrameworkDaemon(999999))
	time.Sleep(10 * time.Millisecond)
}
