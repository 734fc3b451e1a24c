// Package registry implements the active/inactive app lists, handle and
// injected-process session tracking, and install/uninstall observers.
package registry

import (
	"fmt"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-uuid"

	"github.com/legatoproject/legato-af-sub020/internal/app"
	"github.com/legatoproject/legato-af-sub020/internal/process"
)

// Registry holds the two app lists (active/inactive), session-reference
// maps for handles and injected processes, and dispatches
// install/uninstall observers.
type Registry struct {
	active   map[string]*app.App
	inactive map[string]*app.App

	// sessionHandles maps an opaque session id to the set of app names
	// whose handle it holds.
	sessionHandles map[string]map[string]bool
	// sessionProcs maps a session id to the injected processes it owns,
	// keyed by (app name, process name).
	sessionProcs map[string]map[injectedKey]bool

	logger hclog.Logger
}

type injectedKey struct {
	app, proc string
}

func New(logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		active:         map[string]*app.App{},
		inactive:       map[string]*app.App{},
		sessionHandles: map[string]map[string]bool{},
		sessionProcs:   map[string]map[injectedKey]bool{},
		logger:         logger.Named("registry"),
	}
}

// NewSessionID mints an opaque client-session token.
func NewSessionID() (string, error) {
	return uuid.GenerateUUID()
}

// Lookup finds an app by name in either list.
func (r *Registry) Lookup(name string) (*app.App, bool) {
	if a, ok := r.active[name]; ok {
		return a, true
	}
	if a, ok := r.inactive[name]; ok {
		return a, true
	}
	return nil, false
}

// IsActive reports whether name is currently in the active list.
func (r *Registry) IsActive(name string) bool {
	_, ok := r.active[name]
	return ok
}

// Install adds a (lazily created) app object to the inactive list. If a
// stale inactive object of the same name exists, it is replaced.
func (r *Registry) Install(a *app.App) {
	delete(r.active, a.Name) // shouldn't happen, but keep invariant 1 safe
	r.inactive[a.Name] = a
}

// Uninstall deletes the inactive app object of the given name — the
// installer is expected to have stopped it first. Returns
// false if the app was still active (caller error: stop it first).
func (r *Registry) Uninstall(name string) bool {
	if _, ok := r.active[name]; ok {
		return false
	}
	delete(r.inactive, name)
	return true
}

// Activate moves name from inactive to active on a successful start.
func (r *Registry) Activate(name string) error {
	a, ok := r.inactive[name]
	if !ok {
		return fmt.Errorf("registry: %s is not inactive", name)
	}
	delete(r.inactive, name)
	r.active[name] = a
	return nil
}

// Deactivate moves name from active to inactive on StopComplete.
func (r *Registry) Deactivate(name string) error {
	a, ok := r.active[name]
	if !ok {
		return fmt.Errorf("registry: %s is not active", name)
	}
	delete(r.active, name)
	r.inactive[name] = a
	return nil
}

// Names reports every installed app name split by inactive/active, for
// the List RPC.
func (r *Registry) Names() (installed, active []string) {
	for name := range r.inactive {
		installed = append(installed, name)
	}
	for name := range r.active {
		active = append(active, name)
	}
	return installed, active
}

// FindAppOwningPid scans active apps for a process object whose current
// pid matches, for SIGCHLD dispatch in the supervisor kernel.
func (r *Registry) FindAppOwningPid(pid int) (*app.App, *process.Process) {
	for _, a := range r.active {
		for _, p := range a.Processes {
			if p.State() == process.Running && p.PID() == pid {
				return a, p
			}
		}
	}
	return nil, nil
}

// GetHandle grants sessionID the handle on name, returning NotFound if no
// such app exists or Duplicate if another session already holds it.
func (r *Registry) GetHandle(sessionID, name string) error {
	a, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("registry: %w: %s", ErrNotFound, name)
	}
	if err := a.AcquireHandle(sessionID); err != nil {
		return fmt.Errorf("registry: %w: %s", ErrDuplicate, name)
	}
	if r.sessionHandles[sessionID] == nil {
		r.sessionHandles[sessionID] = map[string]bool{}
	}
	r.sessionHandles[sessionID][name] = true
	return nil
}

// ReleaseHandle releases sessionID's handle on name.
func (r *Registry) ReleaseHandle(sessionID, name string) error {
	a, ok := r.Lookup(name)
	if !ok {
		return fmt.Errorf("registry: %w: %s", ErrNotFound, name)
	}
	if err := a.ReleaseHandle(sessionID); err != nil {
		return err
	}
	delete(r.sessionHandles[sessionID], name)
	return nil
}

// TrackInjectedProcess records that sessionID owns an injected process, so
// it can be torn down on disconnect.
func (r *Registry) TrackInjectedProcess(sessionID, appName, procName string) {
	if r.sessionProcs[sessionID] == nil {
		r.sessionProcs[sessionID] = map[injectedKey]bool{}
	}
	r.sessionProcs[sessionID][injectedKey{appName, procName}] = true
}

// OnClientDisconnect releases every handle and deletes every injected
// process owned by sessionID.
func (r *Registry) OnClientDisconnect(sessionID string) {
	for name := range r.sessionHandles[sessionID] {
		if a, ok := r.Lookup(name); ok {
			_ = a.ReleaseHandle(sessionID)
		}
	}
	delete(r.sessionHandles, sessionID)

	for key := range r.sessionProcs[sessionID] {
		if a, ok := r.Lookup(key.app); ok {
			a.Processes = removeProcess(a.Processes, key.proc)
		}
	}
	delete(r.sessionProcs, sessionID)
}

func removeProcess(procs []*process.Process, name string) []*process.Process {
	out := procs[:0]
	for _, p := range procs {
		if p.Name != name {
			out = append(out, p)
		}
	}
	return out
}

// ErrNotFound and ErrDuplicate back the RPC result-code mapping.
var (
	ErrNotFound  = fmt.Errorf("not found")
	ErrDuplicate = fmt.Errorf("duplicate handle")
)
