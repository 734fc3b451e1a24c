// Package rlimit translates per-process resource-limit configuration into
// setrlimit(2) calls applied in the child between fork and exec.
//
// Defaults and the NOFILE cap (applied to soft and hard limit alike) are pinned to the values Legato AF's
// resourceLimits.c uses.
package rlimit

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/runc/libcontainer/configs"
	"golang.org/x/sys/unix"
)

// Defaults, in the unit each resource is naturally expressed in.
const (
	DefaultCoreBytes        = 8192
	DefaultFSizeBytes       = 90112
	DefaultMemlockBytes     = 8192
	DefaultNoFile           = 256
	DefaultStackBytes       = 0 // 0 means "leave at the OS default"
	DefaultMsgQueueBytes    = 512
	DefaultNProc            = 20
	DefaultSigPending       = 100
	MaxLimitFileDescriptors = 1024
)

// Limits holds the eight resource limits, each expressed as a single
// value since soft and hard limits are always set equal.
type Limits struct {
	CoreBytes     uint64
	FSizeBytes    uint64
	MemlockBytes  uint64
	NoFile        uint64
	StackBytes    uint64 // 0 means OS default; never passed to setrlimit
	MsgQueueBytes uint64
	NProc         uint64
	SigPending    uint64
}

// Default returns the documented default Limits.
func Default() Limits {
	return Limits{
		CoreBytes:     DefaultCoreBytes,
		FSizeBytes:    DefaultFSizeBytes,
		MemlockBytes:  DefaultMemlockBytes,
		NoFile:        DefaultNoFile,
		StackBytes:    DefaultStackBytes,
		MsgQueueBytes: DefaultMsgQueueBytes,
		NProc:         DefaultNProc,
		SigPending:    DefaultSigPending,
	}
}

// Clamp enforces the unconditional NOFILE cap, applied regardless of
// config.
func (l Limits) Clamp() Limits {
	if l.NoFile > MaxLimitFileDescriptors {
		l.NoFile = MaxLimitFileDescriptors
	}
	return l
}

// configRlimits converts Limits into the runc libcontainer representation,
// the typed carrier used across the pack's executor code for per-process
// rlimit specs. Zero-valued Stack is omitted so it falls through to the OS
// default rather than clamping the process to a zero stack.
func (l Limits) configRlimits() []configs.Rlimit {
	rl := []configs.Rlimit{
		{Type: unix.RLIMIT_CORE, Hard: l.CoreBytes, Soft: l.CoreBytes},
		{Type: unix.RLIMIT_FSIZE, Hard: l.FSizeBytes, Soft: l.FSizeBytes},
		{Type: unix.RLIMIT_MEMLOCK, Hard: l.MemlockBytes, Soft: l.MemlockBytes},
		{Type: unix.RLIMIT_NOFILE, Hard: l.NoFile, Soft: l.NoFile},
		{Type: unix.RLIMIT_MSGQUEUE, Hard: l.MsgQueueBytes, Soft: l.MsgQueueBytes},
		{Type: unix.RLIMIT_NPROC, Hard: l.NProc, Soft: l.NProc},
		{Type: unix.RLIMIT_SIGPENDING, Hard: l.SigPending, Soft: l.SigPending},
	}
	if l.StackBytes > 0 {
		rl = append(rl, configs.Rlimit{Type: unix.RLIMIT_STACK, Hard: l.StackBytes, Soft: l.StackBytes})
	}
	return rl
}

// Apply sets the rlimits in the calling process: all eight, except that
// RLIMIT_STACK is left untouched when StackBytes is 0. It must be called
// after fork and before exec, i.e. from within the forked child — it is not
// safe to call from the parent since setrlimit is per-process.
func Apply(l Limits) error {
	l = l.Clamp()
	var result *multierror.Error
	for _, rl := range l.configRlimits() {
		lim := unix.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := unix.Setrlimit(int(rl.Type), &lim); err != nil {
			result = multierror.Append(result, fmt.Errorf("setrlimit(%d): %w", rl.Type, err))
		}
	}
	return result.ErrorOrNil()
}

// FromConfig reads the eight resource-limit nodes under an app/process
// config reader, falling back to documented defaults for anything missing
// or empty.
type ConfigReader interface {
	Int(path string, def int) int
}

func FromConfig(r ConfigReader) Limits {
	d := Default()
	return Limits{
		CoreBytes:     uint64(r.Int("limits/maxCoreDumpFileBytes", int(d.CoreBytes))),
		FSizeBytes:    uint64(r.Int("limits/maxFileBytes", int(d.FSizeBytes))),
		MemlockBytes:  uint64(r.Int("limits/maxLockedMemoryBytes", int(d.MemlockBytes))),
		NoFile:        uint64(r.Int("limits/maxFileDescriptors", int(d.NoFile))),
		StackBytes:    uint64(r.Int("limits/maxStackBytes", int(d.StackBytes))),
		MsgQueueBytes: uint64(r.Int("limits/maxMQueueBytes", int(d.MsgQueueBytes))),
		NProc:         uint64(r.Int("limits/maxThreads", int(d.NProc))),
		SigPending:    uint64(r.Int("limits/maxQueuedSignals", int(d.SigPending))),
	}
}
