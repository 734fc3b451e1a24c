// Command supervisord is the application supervisor daemon: the kernel
// wired to every internal package, driven by a single select loop over
// OS signals, the stop notifier, and the RPC command queue.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"

	"github.com/gofrs/flock"
	"github.com/hashicorp/go-hclog"
	"golang.org/x/sys/unix"

	"github.com/legatoproject/legato-af-sub020/internal/app"
	"github.com/legatoproject/legato-af-sub020/internal/cgroup"
	"github.com/legatoproject/legato-af-sub020/internal/config"
	"github.com/legatoproject/legato-af-sub020/internal/daemon"
	"github.com/legatoproject/legato-af-sub020/internal/killer"
	"github.com/legatoproject/legato-af-sub020/internal/notifier"
	"github.com/legatoproject/legato-af-sub020/internal/process"
	"github.com/legatoproject/legato-af-sub020/internal/registry"
	"github.com/legatoproject/legato-af-sub020/internal/rlimit"
	"github.com/legatoproject/legato-af-sub020/internal/rpc"
	"github.com/legatoproject/legato-af-sub020/internal/supervisor"
)

// Exit codes.
const (
	exitOK          = 0
	exitLockHeld    = 2
	exitStartupFail = 3
)

func main() {
	process.ReexecChild() // never returns if this is a reexec'd child-init

	var (
		startApps   = flag.String("start-apps", "auto", "auto|none")
		noDaemonize = flag.Bool("no-daemonize", false, "stay in the foreground")
		configPath  = flag.String("config", "", "path to a JSON bundled-defaults config file")
		lockPath    = flag.String("lock-file", "/var/run/supervisor.lock", "single-instance lock file")
		sockPath    = flag.String("rpc-socket", "/var/run/supervisor.sock", "control-plane RPC socket")
		notifySock  = flag.String("notify-socket", "/var/run/supervisor-notify.sock", "cgroup release-agent notify socket")
		cgroupRoot  = flag.String("cgroup-root", cgroup.DefaultRoot, "cgroup v1 tmpfs root")
		releaseBin  = flag.String("release-agent", "/sbin/release-agent", "release-agent helper binary path")
	)
	flag.Parse()
	_ = noDaemonize // daemonization itself is a process-group/session concern left to the init system

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "supervisord",
		Level: hclog.Info,
	})

	lock := flock.New(*lockPath)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		logger.Error("another instance holds the lock", "path", *lockPath, "error", err)
		os.Exit(exitLockHeld)
	}
	defer lock.Unlock()

	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		logger.Warn("prctl(PR_SET_CHILD_SUBREAPER) failed", "error", err)
	}

	tree, err := loadConfigTree(*configPath)
	if err != nil {
		logger.Error("loading config", "error", err)
		os.Exit(exitStartupFail)
	}

	cg := cgroup.New(*cgroupRoot, *releaseBin, logger)
	kill := killer.New()
	reg := registry.New(logger)

	daemons := buildDaemonOrchestrator(tree, kill, logger)

	notify, err := notifier.New(*notifySock, logger)
	if err != nil {
		logger.Error("binding notify socket", "error", err)
		os.Exit(exitStartupFail)
	}

	kernel := supervisor.New(cg, daemons, reg, notify, kill, logger)
	kernel.Reboot = func(reason error) {
		logger.Error("fatal: supervisor rebooting", "reason", reason)
		os.Exit(exitStartupFail)
	}

	daemons.OnFinalShutdown = func() {
		logger.Info("framework shutdown complete")
		os.Exit(exitOK)
	}

	if err := kernel.StartFramework(); err != nil {
		logger.Error("framework startup failed", "error", err)
		os.Exit(exitStartupFail)
	}

	apps := loadApps(tree, cg, logger)
	appsByName := make(map[string]*app.App, len(apps))
	for _, a := range apps {
		appsByName[a.Name] = a
	}
	if *startApps == "auto" {
		kernel.AutoStartApps(apps)
	} else {
		for _, a := range apps {
			reg.Install(a)
		}
	}

	queue := rpc.NewQueue(64)
	svc := rpc.NewService(queue, kernel, reg, logger)
	rpcServer, err := rpc.Listen(*sockPath, svc, logger)
	if err != nil {
		logger.Error("starting RPC listener", "error", err)
		os.Exit(exitStartupFail)
	}
	defer rpcServer.Close()

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh, unix.SIGCHLD, unix.SIGTERM, unix.SIGINT)

	runEventLoop(kernel, appsByName, notify, queue, sigCh)
}

// runEventLoop is the single goroutine that owns every mutable
// supervisor, app, process, and registry object. Every
// other goroutine in this program only ever hands work to it over a
// channel.
func runEventLoop(kernel *supervisor.Kernel, apps map[string]*app.App, notify *notifier.Notifier, queue *rpc.Queue, sigCh chan os.Signal) {
	shuttingDown := false
	for {
		select {
		case sig := <-sigCh:
			switch sig {
			case unix.SIGCHLD:
				for {
					handled, err := kernel.DispatchChild()
					if err != nil {
						kernel.Reboot(err)
						return
					}
					if !handled {
						break
					}
				}
			case unix.SIGTERM, unix.SIGINT:
				if shuttingDown {
					continue
				}
				shuttingDown = true
				appList := make([]*app.App, 0, len(apps))
				for _, a := range apps {
					appList = append(appList, a)
				}
				kernel.BeginShutdown(appList, kernel.ShutdownDaemons)
			}

		case name := <-notify.Names:
			kernel.HandleStopNotify(name, apps)

		case cmd := <-queue.Commands:
			cmd.Exec()
		}
	}
}

func loadConfigTree(path string) (config.Tree, error) {
	if path == "" {
		return config.NewStaticTree(nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var root map[string]any
	if err := json.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return config.NewStaticTree(root), nil
}

// buildDaemonOrchestrator reads the ordered framework-daemon list from
// "daemons" in the config tree; each child node names its
// binary path, argv, and SMACK label.
func buildDaemonOrchestrator(tree config.Tree, kill *killer.Killer, logger hclog.Logger) *daemon.Orchestrator {
	r, err := tree.Txn("daemons")
	if err != nil {
		logger.Warn("no daemons config node; framework daemon list is empty", "error", err)
		return daemon.New(nil, kill, logger)
	}
	defer r.Close()

	var specs []daemon.Spec
	for _, name := range r.Children("") {
		specs = append(specs, daemon.Spec{
			Name:       name,
			Path:       r.String(name+"/path", ""),
			Args:       stringList(r, name+"/args"),
			SmackLabel: r.String(name+"/smack", ""),
		})
	}
	return daemon.New(specs, kill, logger)
}

// loadApps reads every child of "apps" into an app.App, and every child
// of "apps/<name>/processes" into a process.Process.
func loadApps(tree config.Tree, cg *cgroup.Driver, logger hclog.Logger) []*app.App {
	root, err := tree.Txn("apps")
	if err != nil {
		return nil
	}
	defer root.Close()

	var apps []*app.App
	for _, name := range root.Children("") {
		r, err := tree.Txn("apps/" + name)
		if err != nil {
			logger.Warn("skipping app with unreadable config", "app", name, "error", err)
			continue
		}

		var procs []*process.Process
		for _, pname := range r.Children("processes") {
			pr, err := tree.Txn(fmt.Sprintf("apps/%s/processes/%s", name, pname))
			if err != nil {
				continue
			}
			cfg := process.Config{
				Name:           pname,
				ExecPath:       pr.String("execPath", ""),
				Args:           stringList(pr, "args"),
				Priority:       process.Priority(pr.String("priority", string(process.PriorityMedium))),
				FaultAction:    parseFaultAction(pr.String("faultAction", "restart")),
				WatchdogAction: parseFaultAction(pr.String("watchdogAction", "handled")),
				Debug:          pr.Bool("debug", false),
				RunOnStart:     pr.Bool("runOnStart", true),
				UID:            pr.Int("uid", 0),
				GID:            pr.Int("gid", 0),
				Groups:         intList(pr, "groups"),
				SmackLabel:     pr.String("smack", ""),
				Limits:         rlimit.FromConfig(pr).Clamp(),
			}
			procs = append(procs, process.New(cfg, logger))
			pr.Close()
		}

		a := app.New(name, r.Bool("sandboxed", true), r.Bool("autoStart", true), procs, cg, logger)
		a.CPUShare = r.Int("cpuShare", cgroup.DefaultCPUShare)
		a.MemLimitKB = r.Int("maxMemoryBytes", 0) / 1024
		apps = append(apps, a)
		r.Close()
	}
	return apps
}

func parseFaultAction(s string) process.FaultAction {
	switch s {
	case "ignore":
		return process.ActionIgnore
	case "restartApp":
		return process.ActionRestartApp
	case "stopApp":
		return process.ActionStopApp
	case "reboot":
		return process.ActionReboot
	case "handled":
		return process.ActionHandled
	default:
		return process.ActionRestart
	}
}

// stringList reads an ordered string array stored as integer-indexed
// child nodes under path (the config-tree convention for lists), e.g.
// "args/0", "args/1", ...
func stringList(r config.Reader, path string) []string {
	children := r.Children(path)
	if len(children) == 0 {
		return nil
	}
	sortIndexed(children)
	out := make([]string, 0, len(children))
	for _, c := range children {
		out = append(out, r.String(path+"/"+c, ""))
	}
	return out
}

// intList is stringList's counterpart for integer arrays (e.g. supplementary
// group ids).
func intList(r config.Reader, path string) []int {
	children := r.Children(path)
	if len(children) == 0 {
		return nil
	}
	sortIndexed(children)
	out := make([]int, 0, len(children))
	for _, c := range children {
		out = append(out, r.Int(path+"/"+c, 0))
	}
	return out
}

// sortIndexed orders config-tree child names numerically when they are
// all integers (the normal case for array nodes), falling back to a
// lexical sort otherwise.
func sortIndexed(names []string) {
	allNumeric := true
	for _, n := range names {
		if _, err := strconv.Atoi(n); err != nil {
			allNumeric = false
			break
		}
	}
	if allNumeric {
		sort.Slice(names, func(i, j int) bool {
			a, _ := strconv.Atoi(names[i])
			b, _ := strconv.Atoi(names[j])
			return a < b
		})
	} else {
		sort.Strings(names)
	}
}
