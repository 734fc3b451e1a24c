package cgroup

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
)

// newTestDriver builds a Driver over a throwaway directory tree with the
// three subsystem roots already present, bypassing Init's real mount(2)
// calls (which require root and a live cgroupfs).
func newTestDriver(t *testing.T) *Driver {
	t.Helper()
	root := t.TempDir()
	for _, s := range allSubsystems {
		must.NoError(t, os.MkdirAll(filepath.Join(root, string(s)), 0o755))
	}
	return New(root, "", hclog.NewNullLogger())
}

func TestCreate_Idempotent(t *testing.T) {
	d := newTestDriver(t)
	status, err := d.Create(CPU, "myapp")
	must.NoError(t, err)
	must.Eq(t, OK, status)

	status, err = d.Create(CPU, "myapp")
	must.NoError(t, err)
	must.Eq(t, AlreadyExists, status)
}

func TestCreate_Freezer_SetsNotifyOnRelease(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Create(Freezer, "myapp")
	must.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(d.subsystemRoot(Freezer), "myapp", "notify_on_release"))
	must.NoError(t, err)
	must.Eq(t, "1", string(data))
}

func TestDelete_BusyWhenNonEmpty(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Create(CPU, "myapp")
	must.NoError(t, err)
	// Simulate a non-empty directory by leaving a stray file in it; rmdir
	// on a non-empty directory returns ENOTEMPTY, which this driver maps
	// to Busy the same way a populated cgroup would.
	must.NoError(t, os.WriteFile(filepath.Join(d.leaf(CPU, "myapp"), "cgroup.procs"), []byte("123\n"), 0o644))

	status, err := d.Delete(CPU, "myapp")
	must.NoError(t, err)
	must.Eq(t, Busy, status)
}

func TestDelete_MissingIsOK(t *testing.T) {
	d := newTestDriver(t)
	status, err := d.Delete(CPU, "never-created")
	must.NoError(t, err)
	must.Eq(t, OK, status)
}

func TestIsEmpty(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Create(Freezer, "myapp")
	must.NoError(t, err)

	empty, err := d.IsEmpty(Freezer, "myapp")
	must.NoError(t, err)
	must.True(t, empty)

	must.NoError(t, os.WriteFile(filepath.Join(d.leaf(Freezer, "myapp"), "tasks"), []byte("42\n"), 0o644))
	empty, err = d.IsEmpty(Freezer, "myapp")
	must.NoError(t, err)
	must.False(t, empty)
}

func TestListProcs(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Create(CPU, "myapp")
	must.NoError(t, err)
	must.NoError(t, os.WriteFile(filepath.Join(d.leaf(CPU, "myapp"), "cgroup.procs"), []byte("1\n2\n3\n"), 0o644))

	procs, err := d.ListProcs(CPU, "myapp")
	must.NoError(t, err)
	must.Eq(t, []int{1, 2, 3}, procs)
}

func TestSetMemLimit_ExistingFile_NoError(t *testing.T) {
	d := newTestDriver(t)
	_, err := d.Create(Memory, "myapp")
	must.NoError(t, err)
	// A plain file stands in for memory.limit_in_bytes. It reads back what
	// was written, so this only checks that SetMemLimit succeeds; the
	// kernel-rounding warning path is not exercised here.
	path := filepath.Join(d.leaf(Memory, "myapp"), "memory.limit_in_bytes")
	must.NoError(t, os.WriteFile(path, []byte("0"), 0o644))
	err = d.SetMemLimit("myapp", 4096)
	must.NoError(t, err)
}

func TestProcState_MissingPid(t *testing.T) {
	must.Eq(t, byte(0), procState(1<<30))
}
