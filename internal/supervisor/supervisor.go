// Package supervisor implements the top-level kernel state machine,
// startup sequence, and SIGCHLD dispatch loop that ties every other
// internal package together into a single-threaded event loop.
package supervisor

import (
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/legatoproject/legato-af-sub020/internal/app"
	"github.com/legatoproject/legato-af-sub020/internal/cgroup"
	"github.com/legatoproject/legato-af-sub020/internal/daemon"
	"github.com/legatoproject/legato-af-sub020/internal/killer"
	"github.com/legatoproject/legato-af-sub020/internal/notifier"
	"github.com/legatoproject/legato-af-sub020/internal/process"
	"github.com/legatoproject/legato-af-sub020/internal/reaper"
	"github.com/legatoproject/legato-af-sub020/internal/registry"
)

// State is the supervisor kernel's own lifecycle state.
type State int

const (
	Starting State = iota
	Normal
	Stopping
	Restarting
	RestartingManual
)

func (s State) String() string {
	switch s {
	case Starting:
		return "STARTING"
	case Normal:
		return "NORMAL"
	case Stopping:
		return "STOPPING"
	case Restarting:
		return "RESTARTING"
	case RestartingManual:
		return "RESTARTING_MANUAL"
	default:
		return "UNKNOWN"
	}
}

// WatchdogAlarm bounds framework-daemon startup:
// if it isn't complete within this window, the kernel treats the system
// as wedged and reboots.
const WatchdogAlarm = 30 * time.Second

// Kernel owns the top-level state and glues the daemon orchestrator, app
// registry, cgroup driver, and stop notifier into the SIGCHLD dispatch
// loop. Every exported method here runs only on the single event-loop
// goroutine — nothing in Kernel takes a lock.
type Kernel struct {
	state State

	cgroups  *cgroup.Driver
	daemons  *daemon.Orchestrator
	registry *registry.Registry
	notify   *notifier.Notifier
	kill     *killer.Killer

	logger hclog.Logger

	// Reboot is invoked on an unrecoverable OS-contract violation. The
	// default only logs; cmd/supervisord replaces it with one that logs
	// and exits non-zero. No log snapshot is taken.
	Reboot func(reason error)
}

// New wires the kernel's dependencies. cgroups/daemons/notify may be nil
// in unit tests that only exercise the dispatch loop's pure logic.
func New(cgroups *cgroup.Driver, daemons *daemon.Orchestrator, reg *registry.Registry, notify *notifier.Notifier, kill *killer.Killer, logger hclog.Logger) *Kernel {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if reg == nil {
		reg = registry.New(logger)
	}
	if kill == nil {
		kill = killer.New()
	}
	k := &Kernel{
		state:    Starting,
		cgroups:  cgroups,
		daemons:  daemons,
		registry: reg,
		notify:   notify,
		kill:     kill,
		logger:   logger.Named("supervisor"),
	}
	k.Reboot = func(reason error) {
		k.logger.Error("fatal: rebooting", "reason", reason)
	}
	return k
}

func (k *Kernel) State() State { return k.state }

// StartFramework brings up cgroups and every framework daemon, in order,
// subject to WatchdogAlarm. On success the kernel moves to Normal and the
// caller is expected to auto-start apps per --start-apps.
func (k *Kernel) StartFramework() error {
	done := make(chan error, 1)
	go func() {
		if k.cgroups != nil {
			if err := k.cgroups.Init(); err != nil {
				done <- fmt.Errorf("cgroup init: %w", err)
				return
			}
		}
		if k.daemons != nil {
			if err := k.daemons.StartAll(); err != nil {
				done <- fmt.Errorf("daemon startup: %w", err)
				return
			}
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return err
		}
		k.state = Normal
		if k.notify != nil {
			go k.notify.Run()
		}
		return nil
	case <-time.After(WatchdogAlarm):
		err := fmt.Errorf("framework startup exceeded %s", WatchdogAlarm)
		k.Reboot(err)
		return err
	}
}

// AutoStartApps installs every app in apps and starts those whose
// AutoStart flag is set, in the order given.
func (k *Kernel) AutoStartApps(apps []*app.App) {
	for _, a := range apps {
		k.registry.Install(a)
		if !a.AutoStart {
			continue
		}
		if err := a.Start(); err != nil {
			k.logger.Error("auto-start failed", "app", a.Name, "error", err)
			continue
		}
		if err := k.registry.Activate(a.Name); err != nil {
			k.logger.Error("activate after auto-start failed", "app", a.Name, "error", err)
		}
	}
}

// DispatchChild is the SIGCHLD handler's deferred work, run from the
// event loop: peek for a waitable child, classify which subsystem owns
// it, reap it, and route the outcome. It should be called in a loop
// until PeekAnyChild reports no child pending, since multiple children
// can exit between signal deliveries.
func (k *Kernel) DispatchChild() (handled bool, err error) {
	pid, err := reaper.PeekAnyChild()
	if err != nil {
		return false, err
	}
	if pid == 0 {
		return false, nil
	}

	if k.daemons != nil && k.daemons.IsFrameworkDaemon(pid) {
		if _, err := reaper.ReapChild(pid); err != nil {
			return false, err
		}
		k.daemons.NotifyExit(pid)
		return true, nil
	}

	a, p := k.registry.FindAppOwningPid(pid)
	if a == nil {
		if _, err := reaper.ReapChild(pid); err != nil {
			return false, err
		}
		k.logger.Warn("reaped unknown pid", "pid", pid)
		return true, nil
	}

	status, err := reaper.ReapChild(pid)
	if err != nil {
		return false, err
	}
	outcome := reaper.Classify(status)
	action := p.Evaluate(outcome, time.Now())
	k.ApplyFaultAction(a, p, action)
	return true, nil
}

// ApplyFaultAction routes a fault-action verdict (produced either by
// Process.Evaluate after a reap, or by a WatchdogKicked RPC evaluating
// Config.WatchdogAction) to its effect. ActionHandled is the
// watchdog-only verdict meaning the kick itself counts as proof of life:
// it only clears the fault history, it does not restart anything.
func (k *Kernel) ApplyFaultAction(a *app.App, p *process.Process, action process.FaultAction) {
	switch action {
	case process.ActionIgnore:
		return
	case process.ActionHandled:
		p.ClearFaultHistory()
	case process.ActionRestart:
		if err := a.RestartProcess(p); err != nil {
			k.logger.Error("process restart failed", "app", a.Name, "process", p.Name, "error", err)
		}
	case process.ActionRestartApp:
		name := a.Name
		if err := a.RestartApp(func(a *app.App) {
			if err := k.registry.Activate(a.Name); err != nil {
				k.logger.Error("activate after restartApp failed", "app", a.Name, "error", err)
			}
		}); err != nil {
			k.logger.Error("restartApp failed", "app", name, "error", err)
		}
	case process.ActionStopApp:
		if err := a.Stop(app.DefaultStopDeadline, func(a *app.App) {
			_ = k.registry.Deactivate(a.Name)
		}); err != nil {
			k.logger.Error("stopApp failed", "app", a.Name, "error", err)
		}
	case process.ActionReboot:
		k.Reboot(fmt.Errorf("process %s in app %s: fault action reboot", p.Name, a.Name))
	}
}

// HandleStopNotify drains one app-stopped notification and advances the
// app's stop-completion check. Call in a loop draining Notifier.Names
// from the event loop.
func (k *Kernel) HandleStopNotify(appName string, apps map[string]*app.App) {
	a, ok := apps[appName]
	if !ok {
		k.logger.Warn("stop notification for unknown app", "app", appName)
		return
	}
	completed, err := a.TryCompleteStop()
	if err != nil {
		if errors.Is(err, app.ErrStopRetryLimitExceeded) {
			k.Reboot(err)
			return
		}
		k.logger.Error("stop completion check failed", "app", appName, "error", err)
		return
	}
	if completed {
		if err := k.registry.Deactivate(appName); err != nil {
			k.logger.Error("deactivate after stop failed", "app", appName, "error", err)
		}
	}
}

// BeginShutdown transitions to Stopping and starts stopping every active
// app; once all are stopped the caller is expected to call
// daemon.Orchestrator.BeginShutdown.
func (k *Kernel) BeginShutdown(apps []*app.App, onAllAppsStopped func()) {
	k.state = Stopping
	remaining := 0
	for _, a := range apps {
		if a.State() != app.Running {
			continue
		}
		remaining++
	}
	if remaining == 0 {
		if onAllAppsStopped != nil {
			onAllAppsStopped()
		}
		return
	}
	for _, a := range apps {
		if a.State() != app.Running {
			continue
		}
		name := a.Name
		if err := a.Stop(app.DefaultStopDeadline, func(_ *app.App) {
			remaining--
			_ = k.registry.Deactivate(name)
			if remaining == 0 && onAllAppsStopped != nil {
				onAllAppsStopped()
			}
		}); err != nil {
			k.logger.Error("stop during shutdown failed", "app", name, "error", err)
			remaining--
		}
	}
}

// ShutdownDaemons begins the reverse-ordered framework-daemon shutdown;
// call once BeginShutdown's onAllAppsStopped hook fires.
func (k *Kernel) ShutdownDaemons() {
	if k.daemons != nil {
		k.daemons.BeginShutdown()
	}
}

// SIGCHLD, SIGTERM and SIGINT re-export the golang.org/x/sys/unix signal
// constants under this package. cmd/supervisord does not use them; it
// names the signals through golang.org/x/sys/unix directly.
var (
	SIGCHLD = unix.SIGCHLD
	SIGTERM = unix.SIGTERM
	SIGINT  = unix.SIGINT
)
