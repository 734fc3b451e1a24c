//go:build linux

package killer

import (
	"os/exec"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shoenig/test/must"
	"go.uber.org/goleak"
)

func TestSoftKill_DeadCancelsTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	cmd := exec.Command("/bin/sleep", "10")
	must.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer cmd.Process.Kill()

	k := New()
	var fired int32
	must.NoError(t, k.SoftKill(pid, 50*time.Millisecond, func(int) {
		atomic.AddInt32(&fired, 1)
	}))

	k.Dead(pid)
	time.Sleep(150 * time.Millisecond)
	must.Eq(t, int32(0), atomic.LoadInt32(&fired))
}

func TestSoftKill_TimeoutFiresWhenNotDead(t *testing.T) {
	defer goleak.VerifyNone(t)

	cmd := exec.Command("/bin/sleep", "10")
	must.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	defer cmd.Process.Kill()

	k := New()
	done := make(chan int, 1)
	must.NoError(t, k.SoftKill(pid, 20*time.Millisecond, func(p int) {
		done <- p
	}))

	select {
	case p := <-done:
		must.Eq(t, pid, p)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout callback never fired")
	}
}
