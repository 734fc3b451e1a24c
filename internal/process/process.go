// Package process implements the supervisor's in-memory description of
// a configured or client-injected process, its start sequence, and its
// fault-action evaluation after it terminates.
//
// All mutation happens on the supervisor's single event-loop goroutine;
// nothing in this package takes a lock.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/armon/circbuf"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/legatoproject/legato-af-sub020/internal/reaper"
	"github.com/legatoproject/legato-af-sub020/internal/rlimit"
)

// State is a process object's lifecycle state.
type State int

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "RUNNING"
	}
	return "STOPPED"
}

// Priority is the scheduling class applied to the child before exec.
// Values "rt1".."rt32" map to SCHED_RR priorities 1-32, matching the
// Legato AF priority classes.
type Priority string

const (
	PriorityIdle   Priority = "idle"
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// IsRealtime reports whether p is one of the "rtN" classes. Realtime
// processes are not added to the cpu cgroup.
func (p Priority) IsRealtime() bool {
	return len(p) > 2 && p[:2] == "rt"
}

// RTLevel returns the SCHED_RR priority (1-32) for an "rtN" class, or 0 if
// p is not realtime.
func (p Priority) RTLevel() int {
	if !p.IsRealtime() {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(string(p), "rt%d", &n); err != nil {
		return 0
	}
	if n < 1 {
		n = 1
	}
	if n > 32 {
		n = 32
	}
	return n
}

// FaultAction is the policy applied when a managed process terminates
// abnormally, or the result of SIGCHLD fault evaluation overall.
// WatchdogAction shares this set plus Handled.
type FaultAction int

const (
	ActionIgnore FaultAction = iota
	ActionRestart
	ActionRestartApp
	ActionStopApp
	ActionReboot
	ActionHandled // watchdog-only: the app itself reported having handled the kick
)

func (a FaultAction) String() string {
	switch a {
	case ActionIgnore:
		return "ignore"
	case ActionRestart:
		return "restart"
	case ActionRestartApp:
		return "restartApp"
	case ActionStopApp:
		return "stopApp"
	case ActionReboot:
		return "reboot"
	case ActionHandled:
		return "handled"
	default:
		return "unknown"
	}
}

// Streams configures the child's standard file descriptors. A nil field
// defaults to /dev/null for Stdin and, for Stdout/Stderr, to the process's
// logger, with a copy kept in the tail buffer read by TailOutput.
type Streams struct {
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Config is the static, config-tree-sourced description of a process,
// plus client overrides layered on top by the app handle.
type Config struct {
	Name           string
	ExecPath       string
	Args           []string
	ArgsOverridden bool
	Priority       Priority
	FaultAction    FaultAction
	WatchdogAction FaultAction
	Debug          bool
	RunOnStart     bool
	UID, GID       int
	Groups         []int
	SmackLabel     string
	Limits         rlimit.Limits
	Probation      time.Duration // default 30s
}

// DefaultProbation is used when Config.Probation is zero.
const DefaultProbation = 30 * time.Second

func (c Config) probation() time.Duration {
	if c.Probation <= 0 {
		return DefaultProbation
	}
	return c.Probation
}

// Process is the runtime object for one configured or injected process.
type Process struct {
	Config

	state State
	pid   int

	lastFault  time.Time
	faultCount int
	probeTimer *time.Timer // cancels fault history after Config.probation()
	tailBuf    *circbuf.Buffer

	logger hclog.Logger
}

// New constructs a Process in the Stopped state.
func New(cfg Config, logger hclog.Logger) *Process {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	buf, _ := circbuf.NewBuffer(16 * 1024)
	return &Process{Config: cfg, logger: logger.Named("process." + cfg.Name), tailBuf: buf}
}

func (p *Process) State() State { return p.state }
func (p *Process) PID() int     { return p.pid }

// Start forks and execs the process. It prepares standard streams,
// forks, and — in the parent — records the pid and transitions to
// Running. Priority, rlimits, identity drop and the SMACK label are applied
// in the child through the self-reexec that configureSysProcAttr sets up
// (childinit.go). Cgroup membership is not handled here: the app object
// adds the pid to its cgroups once Start returns.
func (p *Process) Start(streams Streams) error {
	if p.state == Running {
		return fmt.Errorf("process %s: already running", p.Name)
	}

	args := append([]string{p.ExecPath}, p.Args...)
	cmd := exec.Command(p.ExecPath, args[1:]...)
	cmd.Stdin = streams.Stdin
	cmd.Stdout = streams.Stdout
	cmd.Stderr = streams.Stderr
	if p.tailBuf != nil && (cmd.Stdout == nil || cmd.Stderr == nil) {
		capture := io.MultiWriter(p.tailBuf, p.logger.StandardWriter(&hclog.StandardLoggerOptions{}))
		if cmd.Stdout == nil {
			cmd.Stdout = capture
		}
		if cmd.Stderr == nil {
			cmd.Stderr = capture
		}
	}

	configureSysProcAttr(cmd, p.Config)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("process %s: start: %w", p.Name, err)
	}

	p.pid = cmd.Process.Pid
	p.state = Running
	p.logger.Info("started", "pid", p.pid, "priority", p.Priority)
	return nil
}

// MarkRunning records pid and transitions to Running directly, without
// forking, for a process whose pid is already known.
func (p *Process) MarkRunning(pid int) {
	p.pid = pid
	p.state = Running
}

// MarkStopped clears pid and transitions to Stopped. Evaluate calls it once
// the reaped outcome shows the OS process is gone.
func (p *Process) MarkStopped() {
	p.state = Stopped
	p.pid = 0
	if p.probeTimer != nil {
		p.probeTimer.Stop()
		p.probeTimer = nil
	}
}

// TailOutput returns the captured tail of the process's stdout/stderr,
// used for fault diagnostics when no explicit stream override was given.
func (p *Process) TailOutput() string {
	if p.tailBuf == nil {
		return ""
	}
	return string(p.tailBuf.Bytes())
}

// Evaluate classifies a reaped wait outcome into the fault action that
// should be applied. It also updates the fault-history state used for
// the two-fault-within-probation rule.
//
// ArmProbation schedules ClearFaultHistory after the process's
// probation interval elapses with no further fault; the caller (the app
// object) is responsible for actually restarting the process and
// re-arming once it is alive again, since Evaluate only classifies — it
// does not restart.
func (p *Process) Evaluate(out reaper.Outcome, now time.Time) FaultAction {
	if out.NormalExit() {
		p.MarkStopped()
		return ActionIgnore
	}

	p.MarkStopped()
	withinProbation := !p.lastFault.IsZero() && now.Sub(p.lastFault) < p.probation()
	p.lastFault = now
	if withinProbation {
		p.faultCount++
	} else {
		p.faultCount = 1
	}

	if p.faultCount >= 2 && withinProbation {
		p.logger.Warn("fault limit reached within probation; forcing stopApp",
			"faults", p.faultCount, "probation", p.probation())
		return ActionStopApp
	}
	return p.FaultAction
}

// ArmProbation schedules ClearFaultHistory to run via onClear after the
// process has been continuously alive for its probation interval. The
// caller must invoke this once after every successful (re)start.
func (p *Process) ArmProbation(onClear func()) {
	if p.probeTimer != nil {
		p.probeTimer.Stop()
	}
	p.probeTimer = time.AfterFunc(p.probation(), func() {
		p.ClearFaultHistory()
		if onClear != nil {
			onClear()
		}
	})
}

// ClearFaultHistory resets the fault record, as though the process had
// never faulted.
func (p *Process) ClearFaultHistory() {
	p.lastFault = time.Time{}
	p.faultCount = 0
}

// Signal sends sig directly to the process if it is running.
func (p *Process) Signal(sig unix.Signal) error {
	if p.state != Running || p.pid == 0 {
		return nil
	}
	if err := unix.Kill(p.pid, sig); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}
