//go:build linux

package reaper

import (
	"os/exec"
	"testing"
	"time"

	"github.com/shoenig/test/must"
)

func waitPeeked(t *testing.T, pid int) {
	t.Helper()
	for i := 0; i < 200; i++ {
		got, err := PeekAnyChild()
		must.NoError(t, err)
		if got == pid {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("pid %d never became waitable", pid)
}

func TestPeekAndReap_ExitZero_NoFault(t *testing.T) {
	cmd := exec.Command("/bin/true")
	must.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	waitPeeked(t, pid)

	status, err := ReapChild(pid)
	must.NoError(t, err)
	out := Classify(status)
	must.True(t, out.NormalExit())
}

func TestPeekAndReap_ExitNonzero_IsFault(t *testing.T) {
	cmd := exec.Command("/bin/false")
	must.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	waitPeeked(t, pid)

	status, err := ReapChild(pid)
	must.NoError(t, err)
	out := Classify(status)
	must.False(t, out.NormalExit())
	must.True(t, out.Exited)
	must.Eq(t, 1, out.ExitCode)
}

func TestReapChild_UnknownPid_IsFatal(t *testing.T) {
	_, err := ReapChild(1 << 30)
	must.ErrorIs(t, err, ErrFatal)
}
