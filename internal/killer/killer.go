// Package killer implements soft-then-hard process termination with a
// deadline: SIGTERM immediately, SIGKILL if the target hasn't died by
// the deadline. Killer arms one deadline timer per pid and runs the
// timeout callback on that timer's own goroutine; it must be told
// explicitly when a pid has died so it can cancel the stale timer.
package killer

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultDeadline is the soft-to-hard kill grace period.
const DefaultDeadline = 1000 * time.Millisecond

// Killer tracks one soft-kill deadline per pid currently being terminated.
type Killer struct {
	mu      sync.Mutex
	timers  map[int]*time.Timer
	afterFn func(time.Duration, func()) *time.Timer // overridable for tests
}

func New() *Killer {
	return &Killer{
		timers:  make(map[int]*time.Timer),
		afterFn: time.AfterFunc,
	}
}

// SoftKill sends SIGTERM to pid and arms a deadline timer; if the timer
// fires before Dead(pid) is called, onTimeout is invoked (the caller is
// expected to send SIGKILL from it, typically via Kill(pid, SIGKILL)).
func (k *Killer) SoftKill(pid int, deadline time.Duration, onTimeout func(pid int)) error {
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.timers[pid]; ok {
		existing.Stop()
	}
	var timer *time.Timer
	timer = k.afterFn(deadline, func() {
		k.mu.Lock()
		cur, ok := k.timers[pid]
		if ok && cur == timer {
			delete(k.timers, pid)
		}
		k.mu.Unlock()
		if ok && cur == timer {
			onTimeout(pid)
		}
	})
	k.timers[pid] = timer
	return nil
}

// Dead cancels any pending SIGKILL timer for pid. Must be called as soon
// as the reaper confirms the pid has exited, to avoid a stale SIGKILL
// reaching a recycled pid.
func (k *Killer) Dead(pid int) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if timer, ok := k.timers[pid]; ok {
		timer.Stop()
		delete(k.timers, pid)
	}
}

// Kill sends sig to pid directly, ignoring ESRCH (already dead).
func Kill(pid int, sig unix.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
