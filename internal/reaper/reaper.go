// Package reaper wraps wait()-family syscalls so the supervisor kernel can
// identify which subsystem owns a waitable child before reaping it:
// peek without reaping, then a targeted reap that must succeed or is
// fatal.
package reaper

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrFatal marks an error that the caller must treat as an OS-contract
// violation: the supervisor believed a pid was waitable and
// the kernel disagreed.
var ErrFatal = errors.New("reaper: fatal wait error")

// siginfoChild mirrors the kernel's siginfo_t layout for the CLD_* union
// member that waitid(2) fills in: 3 leading int32s (signo, errno, code),
// one word of padding for 8-byte alignment, then si_pid/si_uid/si_status.
// This layout is identical across amd64 and arm64. unix.Siginfo only
// exposes the first three fields plus an opaque byte blob, so si_pid is
// read by reinterpreting that blob rather than by field name.
type siginfoChild struct {
	Signo, Errno, Code, _ int32
	Pid                   int32
	Uid                   uint32
	Status                int32
}

// PeekAnyChild returns the pid of any child in a waitable state without
// reaping it, or 0 if none is currently waitable. It retries on EINTR and
// never blocks (WNOHANG|WNOWAIT).
func PeekAnyChild() (int, error) {
	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_ALL, 0, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
		if err == nil {
			child := (*siginfoChild)(unsafe.Pointer(&info))
			return int(child.Pid), nil
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.ECHILD {
			return 0, nil // no children at all, so none is waitable
		}
		return 0, fmt.Errorf("%w: waitid: %v", ErrFatal, err)
	}
}

// ReapChild reaps a specific child that must already be in a waitable
// state (typically discovered via PeekAnyChild). It retries on EINTR, never
// blocks, and returns the raw wait status. Failing to find the child in a
// waitable state is treated as a fatal OS-contract violation.
func ReapChild(pid int) (unix.WaitStatus, error) {
	var status unix.WaitStatus
	for {
		got, err := unix.Wait4(pid, &status, unix.WNOHANG, nil)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return 0, fmt.Errorf("%w: waitpid(%d): %v", ErrFatal, pid, err)
		}
		if got == 0 {
			return 0, fmt.Errorf("%w: could not reap child %d", ErrFatal, pid)
		}
		return status, nil
	}
}

// Outcome classifies a raw wait status the way the process package's
// fault evaluator needs it: whether the process exited, its code if so,
// or the signal that killed it.
type Outcome struct {
	Exited   bool
	ExitCode int
	Signaled bool
	Signal   unix.Signal
}

// Classify turns a raw WaitStatus into an Outcome.
func Classify(status unix.WaitStatus) Outcome {
	switch {
	case status.Exited():
		return Outcome{Exited: true, ExitCode: status.ExitStatus()}
	case status.Signaled():
		return Outcome{Signaled: true, Signal: status.Signal()}
	default:
		return Outcome{}
	}
}

// NormalExit reports whether the outcome represents a clean exit(0), the
// only case the fault evaluator treats as "no fault".
func (o Outcome) NormalExit() bool {
	return o.Exited && o.ExitCode == 0
}
