//go:build linux

package process

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/legatoproject/legato-af-sub020/internal/rlimit"
)

// reexecEnv carries the JSON-encoded childSpec to the reexec'd child-init
// stage. Go's os/exec has no hook to run code between fork and exec, so —
// like docker-init/runc's nsexec and nomad's self-reexec "executor"
// plugin — the child re-enters this same binary, applies everything that
// must happen before exec, then syscall.Exec()s into the real target.
const reexecEnv = "_LEGATO_SUPERVISOR_CHILD_INIT"

type childSpec struct {
	ExecPath   string
	Args       []string
	Priority   string
	RTLevel    int
	UID, GID   int
	Groups     []int
	SmackLabel string
	Limits     rlimit.Limits
	Debug      bool
}

// ReexecChild must be called as the first statement of main(). If the
// process was launched as a child-init reexec (the environment carries
// reexecEnv), it applies priority, rlimits, identity, and the SMACK label,
// then execs into the real binary and never returns. Otherwise it returns
// immediately so normal supervisor startup proceeds.
func ReexecChild() {
	raw := os.Getenv(reexecEnv)
	if raw == "" {
		return
	}
	os.Unsetenv(reexecEnv)

	var spec childSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "child-init: decode spec: %v\n", err)
		os.Exit(127)
	}
	if err := applyChildSetup(spec); err != nil {
		fmt.Fprintf(os.Stderr, "child-init: %v\n", err)
		os.Exit(127)
	}

	argv := append([]string{spec.ExecPath}, spec.Args...)
	err := syscall.Exec(spec.ExecPath, argv, os.Environ())
	fmt.Fprintf(os.Stderr, "child-init: exec %s: %v\n", spec.ExecPath, err)
	os.Exit(127)
}

func applyChildSetup(spec childSpec) error {
	if err := rlimit.Apply(spec.Limits); err != nil {
		return fmt.Errorf("rlimits: %w", err)
	}

	if err := applyPriority(Priority(spec.Priority), spec.RTLevel); err != nil {
		return fmt.Errorf("priority: %w", err)
	}

	if len(spec.Groups) > 0 {
		if err := unix.Setgroups(spec.Groups); err != nil {
			return fmt.Errorf("setgroups: %w", err)
		}
	}
	if spec.GID != 0 {
		if err := unix.Setgid(spec.GID); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}
	if spec.UID != 0 {
		if err := unix.Setuid(spec.UID); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}

	if spec.SmackLabel != "" {
		_ = os.WriteFile("/proc/self/attr/current", []byte(spec.SmackLabel), 0o200)
	}

	if spec.Debug {
		if err := unix.PtraceTraceme(); err != nil {
			return fmt.Errorf("ptrace(TRACEME): %w", err)
		}
		if err := unix.Kill(os.Getpid(), unix.SIGSTOP); err != nil {
			return fmt.Errorf("raise(SIGSTOP): %w", err)
		}
	}
	return nil
}

func applyPriority(p Priority, rtLevel int) error {
	if p.IsRealtime() {
		return unix.SchedSetscheduler(0, unix.SCHED_RR, &unix.SchedParam{Priority: int32(rtLevel)})
	}
	niceByClass := map[Priority]int{
		PriorityIdle:   19,
		PriorityLow:    10,
		PriorityMedium: 0,
		PriorityHigh:   -10,
	}
	nice, ok := niceByClass[p]
	if !ok {
		nice = 0
	}
	return unix.Setpriority(unix.PRIO_PROCESS, 0, nice)
}

// configureSysProcAttr wires up the exec.Cmd to reexec through this
// binary's child-init stage rather than invoking ExecPath directly.
func configureSysProcAttr(cmd *exec.Cmd, cfg Config) {
	self, err := os.Executable()
	if err != nil {
		self = os.Args[0]
	}

	spec := childSpec{
		ExecPath:   cmd.Path,
		Args:       cmd.Args[1:],
		Priority:   string(cfg.Priority),
		RTLevel:    cfg.Priority.RTLevel(),
		UID:        cfg.UID,
		GID:        cfg.GID,
		Groups:     cfg.Groups,
		SmackLabel: cfg.SmackLabel,
		Limits:     cfg.Limits,
		Debug:      cfg.Debug,
	}
	encoded, _ := json.Marshal(spec)

	cmd.Path = self
	cmd.Args = []string{self}
	cmd.Env = append(os.Environ(), reexecEnv+"="+string(encoded))
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}
}
