// Package rpc implements the control-plane RPC surface exposed over
// a UNIX socket, wire-coded with msgpack the way nomad's own RPC layer is
// coded, and net/rpc-shaped ("Service.Method") the way nomad registers
// its endpoints.
//
// Every service method funnels its mutation through a Queue so that only
// one goroutine — the caller-supplied event loop — ever touches the
// supervisor kernel, app registry, or any app/process object.
// Operations that complete synchronously reply as soon
// as the event loop runs them; operations whose completion is itself
// asynchronous (Stop, Restart) register a "tagged variant" pending reply
// that is resolved later, from the event loop, once the underlying
// condition (stop completion) is observed.
package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"os"
	"sync"

	"github.com/hashicorp/go-hclog"
	msgpackrpc "github.com/hashicorp/net-rpc-msgpackrpc/v2"

	"github.com/legatoproject/legato-af-sub020/internal/app"
	"github.com/legatoproject/legato-af-sub020/internal/process"
	"github.com/legatoproject/legato-af-sub020/internal/registry"
	"github.com/legatoproject/legato-af-sub020/internal/result"
	"github.com/legatoproject/legato-af-sub020/internal/supervisor"
)

// Reply is what a queued command eventually produces.
type Reply struct {
	Code result.Code
	Err  error
}

// Command is one piece of work to run on the event-loop goroutine.
type Command struct {
	Exec  func()
	Reply chan Reply
}

// Queue serializes every RPC-triggered mutation onto a single consumer
// goroutine, while letting net/rpc's one-goroutine-per-connection model
// submit concurrently.
type Queue struct {
	Commands chan *Command

	mu      sync.Mutex
	pending map[string]chan Reply
}

// NewQueue creates a Queue with the given command-channel buffer depth.
func NewQueue(buffer int) *Queue {
	return &Queue{
		Commands: make(chan *Command, buffer),
		pending:  map[string]chan Reply{},
	}
}

// Run is the event loop's consumer side: call it from the single owning
// goroutine. It returns when Commands is closed.
func (q *Queue) Run() {
	for cmd := range q.Commands {
		cmd.Exec()
	}
}

// Submit runs exec on the event loop and blocks for its synchronous
// result.
func (q *Queue) Submit(exec func() (result.Code, error)) (result.Code, error) {
	reply := make(chan Reply, 1)
	q.Commands <- &Command{
		Exec: func() {
			code, err := exec()
			reply <- Reply{code, err}
		},
	}
	r := <-reply
	return r.Code, r.Err
}

// SubmitAsync registers tag against a fresh reply channel, then runs exec
// on the event loop (exec is expected to arrange for Resolve(tag, ...) to
// be called later, typically from an app's stop-completion handler), and
// blocks until Resolve(tag, ...) fires.
func (q *Queue) SubmitAsync(tag string, exec func()) (result.Code, error) {
	reply := make(chan Reply, 1)
	q.mu.Lock()
	q.pending[tag] = reply
	q.mu.Unlock()

	q.Commands <- &Command{Exec: exec, Reply: nil}

	r := <-reply
	return r.Code, r.Err
}

// Resolve fulfills the pending reply registered under tag, if any. Called
// from the event loop once an asynchronous operation (e.g. app stop
// completion) finishes.
func (q *Queue) Resolve(tag string, code result.Code, err error) {
	q.mu.Lock()
	ch, ok := q.pending[tag]
	delete(q.pending, tag)
	q.mu.Unlock()
	if ok {
		ch <- Reply{code, err}
	}
}

// Service is the net/rpc-registered type; every method here runs on an
// RPC connection's own goroutine and must go through q before touching
// any shared state.
type Service struct {
	q        *Queue
	kernel   *supervisor.Kernel
	registry *registry.Registry
	logger   hclog.Logger
}

// NewService builds the RPC-visible surface over an already-wired kernel
// and registry, dispatching all mutation through q.
func NewService(q *Queue, k *supervisor.Kernel, reg *registry.Registry, logger hclog.Logger) *Service {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Service{q: q, kernel: k, registry: reg, logger: logger.Named("rpc")}
}

// --- args/reply types, one pair per RPC operation ---

type AppRequest struct{ App string }
type AppReply struct{ Code result.Code }

type ProcRequest struct{ App, Process string }
type ProcReply struct{ Code result.Code }

type RunBoolRequest struct {
	SessionID, App, Process string
	Value                   bool
}
type RunBoolReply struct{ Code result.Code }

type HandleRequest struct {
	SessionID, App string
}
type HandleReply struct{ Code result.Code }

// Empty is the args type for RPC methods that take no parameters.
type Empty struct{}

type ListReply struct {
	Installed []string
	Active    []string
}

type StatusRequest struct{ App string }
type StatusReply struct {
	Code  result.Code
	State string
}

type InfoReply struct {
	Code    result.Code
	Version string
}

type ImportRequest struct {
	SessionID, App, Process, ExecPath string
	Args                              []string
}
type ImportReply struct{ Code result.Code }

type DevicePermRequest struct {
	App, DevicePath string
}
type DevicePermReply struct{ Code result.Code }

type WatchdogKickedRequest struct{ App, Process string }
type WatchdogKickedReply struct{ Code result.Code }

// --- methods ---

// Start begins an installed app.
func (s *Service) Start(args *AppRequest, reply *AppReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			return result.NotInstalled, nil
		}
		if err := a.Start(); err != nil {
			if err == app.ErrAlreadyRunning {
				return result.AlreadyRunning, nil
			}
			return result.Failed, err
		}
		_ = s.registry.Activate(args.App)
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

// Stop begins an asynchronous app stop and blocks the RPC caller until
// stop completion is observed.
func (s *Service) Stop(args *AppRequest, reply *AppReply) error {
	code, err := s.q.SubmitAsync(args.App, func() {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			s.q.Resolve(args.App, result.NotInstalled, nil)
			return
		}
		err := a.Stop(app.DefaultStopDeadline, func(a *app.App) {
			_ = s.registry.Deactivate(a.Name)
			s.q.Resolve(args.App, result.OK, nil)
		})
		if err != nil {
			if err == app.ErrNotRunning {
				s.q.Resolve(args.App, result.NotRunning, nil)
				return
			}
			s.q.Resolve(args.App, result.Failed, err)
		}
	})
	reply.Code = code
	return wireErr(err)
}

// Restart is Stop-then-Start, using the app object's own restart
// orchestration so the relaunch happens only once stop genuinely
// completes.
func (s *Service) Restart(args *AppRequest, reply *AppReply) error {
	code, err := s.q.SubmitAsync(args.App, func() {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			s.q.Resolve(args.App, result.NotInstalled, nil)
			return
		}
		err := a.RestartApp(func(a *app.App) {
			_ = s.registry.Activate(a.Name)
			s.q.Resolve(args.App, result.OK, nil)
		})
		if err != nil {
			if err == app.ErrNotRunning {
				s.q.Resolve(args.App, result.NotRunning, nil)
				return
			}
			s.q.Resolve(args.App, result.Failed, err)
		}
	})
	reply.Code = code
	return wireErr(err)
}

// StopSelf and RestartSelf are the same operations invoked by the app on
// itself (the caller resolves App from its own connection identity at
// the transport layer); the control-plane logic is identical to
// Stop/Restart, so they are thin aliases.
func (s *Service) StopSelf(args *AppRequest, reply *AppReply) error {
	return s.Stop(args, reply)
}

func (s *Service) RestartSelf(args *AppRequest, reply *AppReply) error {
	return s.Restart(args, reply)
}

// Remove uninstalls an inactive app.
func (s *Service) Remove(args *AppRequest, reply *AppReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		if _, ok := s.registry.Lookup(args.App); !ok {
			return result.NotInstalled, nil
		}
		if !s.registry.Uninstall(args.App) {
			return result.AlreadyRunning, nil
		}
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

// List reports every installed app split by active/inactive.
func (s *Service) List(args *Empty, reply *ListReply) error {
	_, err := s.q.Submit(func() (result.Code, error) {
		installed, active := s.registry.Names()
		reply.Installed = installed
		reply.Active = active
		return result.OK, nil
	})
	return wireErr(err)
}

// Status reports one app's running/stopped state.
func (s *Service) Status(args *StatusRequest, reply *StatusReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			return result.NotInstalled, nil
		}
		reply.State = a.State().String()
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

// Info reports framework identity.
func (s *Service) Info(args *Empty, reply *InfoReply) error {
	reply.Code = result.OK
	reply.Version = Version
	return nil
}

// Version is the framework version string, set at build time via
// -ldflags, matching how appCtrl.c's --version surfaces the build.
var Version = "dev"

// GetHandle/ReleaseHandle wrap the registry's single-owner override
// token acquire/release calls.
func (s *Service) GetHandle(args *HandleRequest, reply *HandleReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		if err := s.registry.GetHandle(args.SessionID, args.App); err != nil {
			if errors.Is(err, registry.ErrNotFound) {
				return result.NotFound, nil
			}
			return result.Duplicate, nil
		}
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

func (s *Service) ReleaseHandle(args *HandleRequest, reply *HandleReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		if err := s.registry.ReleaseHandle(args.SessionID, args.App); err != nil {
			return result.Failed, err
		}
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

// SetRun and SetDebug require the caller to already hold the handle.
func (s *Service) SetRun(args *RunBoolRequest, reply *RunBoolReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			return result.NotInstalled, nil
		}
		if err := a.SetRun(args.SessionID, args.Process, args.Value); err != nil {
			return result.BadParameter, err
		}
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

func (s *Service) SetDebug(args *RunBoolRequest, reply *RunBoolReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			return result.NotInstalled, nil
		}
		if err := a.SetDebug(args.SessionID, args.Process, args.Value); err != nil {
			return result.BadParameter, err
		}
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

// Import creates a client-injected process on the app and starts it,
// starting the app itself first if it wasn't already running. The
// process is tracked against the caller's session so it is torn down on
// disconnect.
func (s *Service) Import(args *ImportRequest, reply *ImportReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			return result.NotInstalled, nil
		}
		if a.HandleOwner() != args.SessionID {
			return result.BadParameter, fmt.Errorf("rpc: import requires the app handle")
		}
		if a.Process(args.Process) != nil {
			return result.BadParameter, fmt.Errorf("rpc: process %s already exists", args.Process)
		}
		wasRunning := a.State() == app.Running
		p := process.New(process.Config{
			Name:        args.Process,
			ExecPath:    args.ExecPath,
			Args:        args.Args,
			Priority:    process.PriorityMedium,
			FaultAction: process.ActionIgnore,
			RunOnStart:  true,
		}, s.logger)
		if err := a.InjectProcess(p); err != nil {
			return result.Failed, err
		}
		s.registry.TrackInjectedProcess(args.SessionID, args.App, args.Process)
		if !wasRunning {
			_ = s.registry.Activate(args.App)
		}
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

// SetDevicePerm is not implemented (this supervisor does not own device
// node management); it always reports BadParameter so callers get a
// defined answer instead of silently doing nothing.
func (s *Service) SetDevicePerm(args *DevicePermRequest, reply *DevicePermReply) error {
	reply.Code = result.BadParameter
	return nil
}

// RunProc is the same injection path as Import, kept as a distinct
// method name because appCtrl.c exposes it as its own subcommand.
func (s *Service) RunProc(args *ImportRequest, reply *ImportReply) error {
	return s.Import(args, reply)
}

// WatchdogKicked evaluates the configured watchdog action for a process
// that reported a kick and applies it through the same fault-action
// dispatch a reaped process goes through. WatchdogAction defaults to
// ActionHandled (just clear the fault history) when unset.
func (s *Service) WatchdogKicked(args *WatchdogKickedRequest, reply *WatchdogKickedReply) error {
	code, err := s.q.Submit(func() (result.Code, error) {
		a, ok := s.registry.Lookup(args.App)
		if !ok {
			return result.NotInstalled, nil
		}
		p := a.Process(args.Process)
		if p == nil {
			return result.NotFound, nil
		}
		action := p.WatchdogAction
		if action == process.ActionIgnore {
			action = process.ActionHandled
		}
		s.kernel.ApplyFaultAction(a, p, action)
		return result.OK, nil
	})
	reply.Code = code
	return wireErr(err)
}

func wireErr(err error) error {
	if err == nil {
		return nil
	}
	return err
}

// Server owns the RPC UNIX socket listener.
type Server struct {
	path     string
	listener net.Listener
	logger   hclog.Logger
}

// Listen binds the RPC socket at path, removing any stale file left by a
// previous run, and serves one msgpack-coded net/rpc
// connection per accepted client the way nomad's own RPC listener does.
func Listen(path string, svc *Service, logger hclog.Logger) (*Server, error) {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	_ = os.Remove(path)

	server := rpc.NewServer()
	if err := server.RegisterName("Service", svc); err != nil {
		return nil, fmt.Errorf("rpc: register: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("rpc: listen: %w", err)
	}

	s := &Server{path: path, listener: ln, logger: logger.Named("rpc")}
	go s.acceptLoop(server)
	return s, nil
}

func (s *Server) acceptLoop(server *rpc.Server) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go server.ServeCodec(msgpackrpc.NewServerCodec(conn))
	}
}

// Close stops accepting connections and removes the socket file.
func (s *Server) Close() error {
	err := s.listener.Close()
	_ = os.Remove(s.path)
	return err
}
