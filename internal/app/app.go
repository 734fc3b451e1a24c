// Package app implements the collection-of-processes state machine for
// one installed application, including asynchronous stop completion.
package app

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/legatoproject/legato-af-sub020/internal/cgroup"
	"github.com/legatoproject/legato-af-sub020/internal/killer"
	"github.com/legatoproject/legato-af-sub020/internal/process"
)

// State is an application's lifecycle state.
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

// StopRetryLimit bounds the number of stop-completion grace-timer
// retries attempted before giving up; exceeding it is a fatal invariant
// violation.
const StopRetryLimit = 10

// DefaultStopDeadline is the per-app soft-to-hard kill deadline.
const DefaultStopDeadline = killer.DefaultDeadline

// Overrides are the client-handle-mutable per-process settings. Zero
// value means "use config".
type Overrides struct {
	// RunSuppressed lists process names whose run flag is forced false.
	RunSuppressed map[string]bool
	// DebugEnabled lists process names with debug forced true.
	DebugEnabled map[string]bool
}

func newOverrides() Overrides {
	return Overrides{RunSuppressed: map[string]bool{}, DebugEnabled: map[string]bool{}}
}

// StopHandler is invoked once an app's stop has completed (both the
// freezer cgroup is empty and every process object reports Stopped). It
// decides what happens next: reply to a client, restart the app, or
// advance a shutdown cursor.
type StopHandler func(a *App)

// App is the runtime object for one installed application. All mutation
// happens on the supervisor's single event-loop goroutine.
type App struct {
	Name       string
	Sandboxed  bool
	AutoStart  bool
	CPUShare   int
	MemLimitKB int
	Processes  []*process.Process

	state       State
	overrides   Overrides
	handleOwner string // opaque client session id, "" if unheld

	pendingStop       StopHandler
	stopRetries       int
	stopDeadlineTimer *time.Timer

	cgroups *cgroup.Driver
	logger  hclog.Logger
}

// New constructs an App in the Stopped state.
func New(name string, sandboxed, autoStart bool, procs []*process.Process, cgroups *cgroup.Driver, logger hclog.Logger) *App {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &App{
		Name:      name,
		Sandboxed: sandboxed,
		AutoStart: autoStart,
		CPUShare:  cgroup.DefaultCPUShare,
		Processes: procs,
		overrides: newOverrides(),
		cgroups:   cgroups,
		logger:    logger.Named("app." + name),
	}
}

func (a *App) State() State { return a.state }

// Process looks up a configured process by name.
func (a *App) Process(name string) *process.Process {
	for _, p := range a.Processes {
		if p.Name == name {
			return p
		}
	}
	return nil
}

// HandleOwner returns the opaque session id currently holding the app
// handle, or "" if none.
func (a *App) HandleOwner() string { return a.handleOwner }

// AcquireHandle grants ownership to sessionID. Fails if already held by
// someone else.
func (a *App) AcquireHandle(sessionID string) error {
	if a.handleOwner != "" && a.handleOwner != sessionID {
		return fmt.Errorf("app %s: handle already held", a.Name)
	}
	a.handleOwner = sessionID
	return nil
}

// ReleaseHandle reverts all overrides and clears ownership.
func (a *App) ReleaseHandle(sessionID string) error {
	if a.handleOwner != sessionID {
		return fmt.Errorf("app %s: handle not held by session", a.Name)
	}
	a.handleOwner = ""
	a.overrides = newOverrides()
	return nil
}

// SetRun suppresses (run=false) or restores (run=true) a process's launch
// on the next Start. Requires the caller to hold the handle.
func (a *App) SetRun(sessionID, procName string, run bool) error {
	if a.handleOwner != sessionID {
		return fmt.Errorf("app %s: handle not held", a.Name)
	}
	if a.Process(procName) == nil {
		return fmt.Errorf("app %s: no such process %s", a.Name, procName)
	}
	if run {
		delete(a.overrides.RunSuppressed, procName)
	} else {
		a.overrides.RunSuppressed[procName] = true
	}
	return nil
}

// SetDebug enables/disables the debug (ptrace-stop-before-exec) override
// on a process. Requires the caller to hold the handle.
func (a *App) SetDebug(sessionID, procName string, debug bool) error {
	if a.handleOwner != sessionID {
		return fmt.Errorf("app %s: handle not held", a.Name)
	}
	if a.Process(procName) == nil {
		return fmt.Errorf("app %s: no such process %s", a.Name, procName)
	}
	if debug {
		a.overrides.DebugEnabled[procName] = true
	} else {
		delete(a.overrides.DebugEnabled, procName)
	}
	return nil
}

func (a *App) runSuppressed(name string) bool   { return a.overrides.RunSuppressed[name] }
func (a *App) debugOverridden(name string) bool { return a.overrides.DebugEnabled[name] }

// Start creates the app's cgroups, applies cpu/memory limits, and starts
// every configured process whose run flag is true (config default, unless
// overridden) in configuration order.
func (a *App) Start() error {
	if a.state == Running {
		return ErrAlreadyRunning
	}

	for _, s := range []cgroup.Subsystem{cgroup.CPU, cgroup.Memory, cgroup.Freezer} {
		if status, err := a.cgroups.Create(s, a.Name); err != nil {
			return fmt.Errorf("app %s: create %s cgroup: %w", a.Name, s, err)
		} else if status == cgroup.Fail {
			return fmt.Errorf("app %s: failed to create %s cgroup", a.Name, s)
		}
	}
	if err := a.cgroups.SetCPUShare(a.Name, a.CPUShare); err != nil {
		a.logger.Warn("set cpu share failed", "error", err)
	}
	if a.MemLimitKB > 0 {
		if err := a.cgroups.SetMemLimit(a.Name, a.MemLimitKB); err != nil {
			a.logger.Warn("set mem limit failed", "error", err)
		}
	}

	for _, p := range a.Processes {
		if !p.RunOnStart || a.runSuppressed(p.Name) {
			continue
		}
		if err := a.startOneProcess(p); err != nil {
			a.logger.Error("process start failed", "process", p.Name, "error", err)
		}
	}

	a.state = Running
	return nil
}

// startOneProcess applies handle overrides, forks the process, and adds
// it to this app's cgroups (realtime-priority processes are exempt from
// the cpu cgroup). Shared by Start (every launch-on-start process) and
// RestartProcess (a single fault-driven relaunch).
func (a *App) startOneProcess(p *process.Process) error {
	cfg := p.Config
	cfg.Debug = cfg.Debug || a.debugOverridden(p.Name)
	p.Config = cfg

	if err := p.Start(process.Streams{}); err != nil {
		return err
	}

	for _, s := range []cgroup.Subsystem{cgroup.Memory, cgroup.Freezer} {
		if _, err := a.cgroups.AddProc(s, a.Name, p.PID()); err != nil {
			a.logger.Warn("add to cgroup failed", "process", p.Name, "subsystem", s, "error", err)
		}
	}
	if !p.Priority.IsRealtime() {
		if _, err := a.cgroups.AddProc(cgroup.CPU, a.Name, p.PID()); err != nil {
			a.logger.Warn("add to cpu cgroup failed", "process", p.Name, "error", err)
		}
	}
	return nil
}

// RestartProcess relaunches a single process after a fault evaluator
// verdict of ActionRestart and re-arms its probation
// timer. The app itself stays Running throughout.
func (a *App) RestartProcess(p *process.Process) error {
	if a.runSuppressed(p.Name) {
		return nil
	}
	if err := a.startOneProcess(p); err != nil {
		return err
	}
	p.ArmProbation(nil)
	return nil
}

// InjectProcess appends a client-injected process description to the
// app and launches it: if the app itself isn't running yet, Start also
// launches every other RunOnStart process alongside it; if the app is
// already running, the new process is launched on its own.
func (a *App) InjectProcess(p *process.Process) error {
	a.Processes = append(a.Processes, p)
	if a.state != Running {
		return a.Start()
	}
	if err := a.startOneProcess(p); err != nil {
		return err
	}
	p.ArmProbation(nil)
	return nil
}

// RestartApp is the ActionRestartApp verdict: stop, then
// (once stop completes) start again. onRestarted fires after the
// relaunch so the caller can re-activate the app in the registry.
func (a *App) RestartApp(onRestarted func(a *App)) error {
	return a.Stop(DefaultStopDeadline, func(a *App) {
		if err := a.Start(); err != nil {
			a.logger.Error("restart failed to relaunch", "error", err)
			return
		}
		if onRestarted != nil {
			onRestarted(a)
		}
	})
}

// ErrAlreadyRunning/ErrNotRunning back the idempotence laws of .
var (
	ErrAlreadyRunning = fmt.Errorf("app already running")
	ErrNotRunning     = fmt.Errorf("app not running")
)

// Stop begins an asynchronous stop: SIGTERM to every freezer cgroup
// member, a deadline after which survivors get SIGKILL. onComplete is
// stashed as the pending stop-handler and invoked once TryCompleteStop
// observes both the freezer cgroup empty and every process stopped.
func (a *App) Stop(deadline time.Duration, onComplete StopHandler) error {
	if a.state != Running {
		return ErrNotRunning
	}
	a.pendingStop = onComplete
	a.stopRetries = 0

	escalate, err := a.cgroups.SendSignal(a.Name, unix.SIGTERM)
	if err != nil {
		return fmt.Errorf("app %s: signal freezer cgroup: %w", a.Name, err)
	}
	if escalate {
		return ErrUnkillable
	}

	if deadline <= 0 {
		deadline = DefaultStopDeadline
	}
	a.stopDeadlineTimer = time.AfterFunc(deadline, func() {
		escalate, err := a.cgroups.SendSignal(a.Name, unix.SIGKILL)
		if err != nil {
			a.logger.Error("hard kill pass failed", "error", err)
			return
		}
		if escalate {
			a.logger.Error("process unkillable after SIGKILL pass; fatal")
		}
	})
	return nil
}

// ErrUnkillable signals that a process survived two signal passes and is
// still stuck in D state. The caller (the supervisor kernel) must treat
// this as fatal and escalate to reboot.
var ErrUnkillable = fmt.Errorf("app: process unkillable (D state)")

// AllProcessesStopped reports whether every configured process object is
// in the Stopped state.
func (a *App) AllProcessesStopped() bool {
	for _, p := range a.Processes {
		if p.State() == process.Running {
			return false
		}
	}
	return true
}

// FreezerEmpty reports whether the app's freezer cgroup has no members
// ( condition (a), the cgroup-notifier ground truth).
func (a *App) FreezerEmpty() (bool, error) {
	return a.cgroups.IsEmpty(cgroup.Freezer, a.Name)
}

// TryCompleteStop checks both StopComplete conditions and, if satisfied,
// finalizes the stop and invokes the pending handler. It returns
// ErrStopRetryLimitExceeded once StopRetryLimit has been reached without
// reaching completion — a fatal invariant violation.8.
func (a *App) TryCompleteStop() (completed bool, err error) {
	if a.pendingStop == nil {
		return false, nil
	}

	freezerEmpty, ferr := a.FreezerEmpty()
	if ferr != nil {
		return false, fmt.Errorf("app %s: check freezer empty: %w", a.Name, ferr)
	}
	if !freezerEmpty {
		return false, nil
	}
	if !a.AllProcessesStopped() {
		a.stopRetries++
		if a.stopRetries > StopRetryLimit {
			return false, fmt.Errorf("%w: app %s exceeded %d stop-completion retries",
				ErrStopRetryLimitExceeded, a.Name, StopRetryLimit)
		}
		return false, nil
	}

	a.finishStop()
	return true, nil
}

// ErrStopRetryLimitExceeded reports a per-app (not global, see
// DESIGN.md) retry-budget exhaustion and is treated as fatal.
var ErrStopRetryLimitExceeded = fmt.Errorf("app: stop-completion retry budget exceeded")

func (a *App) finishStop() {
	if a.stopDeadlineTimer != nil {
		a.stopDeadlineTimer.Stop()
		a.stopDeadlineTimer = nil
	}
	for _, s := range []cgroup.Subsystem{cgroup.CPU, cgroup.Memory, cgroup.Freezer} {
		if status, err := a.cgroups.Delete(s, a.Name); err != nil {
			a.logger.Warn("delete cgroup failed", "subsystem", s, "error", err)
		} else if status == cgroup.Busy {
			a.logger.Warn("cgroup still busy at stop completion", "subsystem", s)
		}
	}
	a.state = Stopped
	handler := a.pendingStop
	a.pendingStop = nil
	a.stopRetries = 0
	if handler != nil {
		handler(a)
	}
}
