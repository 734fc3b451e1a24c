// Package daemon implements the framework-daemon orchestrator — an
// ordered, ready-barriered startup and a reverse-ordered, asynchronous
// shutdown of the auxiliary daemons (service-directory, logger,
// config-tree, updater, watchdog) that must exist before any app starts.
package daemon

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/legatoproject/legato-af-sub020/internal/killer"
)

// Spec describes one framework daemon to launch.
type Spec struct {
	Name       string
	Path       string
	Args       []string
	SmackLabel string
}

type running struct {
	Spec
	pid   int
	alive bool
}

// Orchestrator starts the configured daemons in order with a per-daemon
// ready barrier, and shuts them down in reverse order, soft-then-hard
// killing each and waiting for its SIGCHLD before proceeding to the next.
type Orchestrator struct {
	daemons []*running
	kill    *killer.Killer
	logger  hclog.Logger

	shuttingDown  bool
	shutdownIndex int // index (in daemons) of the daemon currently being stopped

	OnIntermediateShutdown func() // fires once every daemon but the last (index 0) has died
	OnFinalShutdown        func() // fires once the last (index 0) has died
}

// New builds an Orchestrator for the given ordered daemon specs. Index 0
// is the service-directory (or equivalent "must outlive everything else"
// daemon) by convention — see OnIntermediateShutdown.
func New(specs []Spec, kill *killer.Killer, logger hclog.Logger) *Orchestrator {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	daemons := make([]*running, len(specs))
	for i, s := range specs {
		daemons[i] = &running{Spec: s}
	}
	return &Orchestrator{daemons: daemons, kill: kill, logger: logger.Named("daemon")}
}

// ReadyTimeout bounds how long StartAll waits for each daemon's ready
// barrier before failing startup.
const ReadyTimeout = 30 * time.Second

// StartAll launches every daemon in order, waiting for each one's ready
// barrier (closing its inherited stdin) before starting the next. Any
// failure aborts startup — the caller is expected to treat that as
// fatal (the kernel's watchdog alarm covers the same window from the
// supervisor side).
func (o *Orchestrator) StartAll() error {
	for _, d := range o.daemons {
		if err := o.startOne(d); err != nil {
			return fmt.Errorf("daemon %s: %w", d.Name, err)
		}
		o.logger.Info("daemon ready", "name", d.Name, "pid", d.pid)
	}
	return nil
}

func (o *Orchestrator) startOne(d *running) error {
	r, w, err := os.Pipe()
	if err != nil {
		return err
	}
	defer r.Close()

	cmd := exec.Command(d.Path, d.Args...)
	cmd.Stdin = w // child inherits the write end on fd 0; it signals ready by closing it
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		w.Close()
		return fmt.Errorf("start: %w", err)
	}
	w.Close() // parent's copy of the write end; only the child's remains

	d.pid = cmd.Process.Pid
	d.alive = true

	readyErrCh := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, bufio.NewReader(r))
		readyErrCh <- err
	}()

	select {
	case err := <-readyErrCh:
		if err != nil {
			return fmt.Errorf("ready barrier: %w", err)
		}
		return nil
	case <-time.After(ReadyTimeout):
		return fmt.Errorf("ready barrier: timed out after %s", ReadyTimeout)
	}
}

// IsFrameworkDaemon reports whether pid belongs to one of the orchestrated
// daemons (used by SIGCHLD dispatch in the supervisor kernel).
func (o *Orchestrator) IsFrameworkDaemon(pid int) bool {
	_, ok := o.findByPid(pid)
	return ok
}

func (o *Orchestrator) findByPid(pid int) (*running, bool) {
	for _, d := range o.daemons {
		if d.alive && d.pid == pid {
			return d, true
		}
	}
	return nil, false
}

// BeginShutdown starts the reverse-ordered asynchronous shutdown: soft-kill
// the last live daemon and wait for its SIGCHLD.
func (o *Orchestrator) BeginShutdown() {
	o.shuttingDown = true
	o.shutdownIndex = len(o.daemons) - 1
	o.killCurrent()
}

func (o *Orchestrator) killCurrent() {
	for o.shutdownIndex >= 0 && !o.daemons[o.shutdownIndex].alive {
		o.shutdownIndex--
	}
	if o.shutdownIndex < 0 {
		return
	}
	d := o.daemons[o.shutdownIndex]
	if err := o.kill.SoftKill(d.pid, killer.DefaultDeadline, func(pid int) {
		_ = killer.Kill(pid, 9) // SIGKILL
	}); err != nil {
		o.logger.Error("soft kill failed", "daemon", d.Name, "error", err)
	}
}

// NotifyExit advances the shutdown cursor when a framework daemon's pid
// is reaped during shutdown (called from the kernel's SIGCHLD dispatch). It
// fires OnIntermediateShutdown once every daemon but index 0 has died,
// and OnFinalShutdown once index 0 (the service-directory) has died too.
func (o *Orchestrator) NotifyExit(pid int) {
	d, ok := o.findByPid(pid)
	if !ok {
		return
	}
	d.alive = false
	o.kill.Dead(pid)

	if !o.shuttingDown {
		return
	}

	if o.shutdownIndex == 0 {
		if o.OnFinalShutdown != nil {
			o.OnFinalShutdown()
		}
		return
	}
	if o.allButFirstDead() && o.OnIntermediateShutdown != nil {
		o.OnIntermediateShutdown()
	}

	o.shutdownIndex--
	o.killCurrent()
}

func (o *Orchestrator) allButFirstDead() bool {
	for i := 1; i < len(o.daemons); i++ {
		if o.daemons[i].alive {
			return false
		}
	}
	return true
}
