// Package cgroup owns the three cgroup v1 hierarchies (cpu, memory,
// freezer) the supervisor uses to bound and observe applications.
//
// File-level reads/writes are grounded on
// github.com/opencontainers/runc/libcontainer/cgroups, the same helper
// package nomad's own cgutil tests use for "WriteFile"/"ReadFile"/
// "RemovePath" against raw cgroupfs paths.
package cgroup

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	ps "github.com/mitchellh/go-ps"
	"github.com/opencontainers/runc/libcontainer/cgroups"
	"golang.org/x/sys/unix"
)

// Subsystem is one of the three cgroup v1 controllers this driver owns.
type Subsystem string

const (
	CPU     Subsystem = "cpu"
	Memory  Subsystem = "memory"
	Freezer Subsystem = "freezer"
)

var allSubsystems = []Subsystem{CPU, Memory, Freezer}

// Status is the result of a cgroup mutation.1.
type Status int

const (
	OK Status = iota
	AlreadyExists
	Fail
	Busy
	NoSuchProcess
)

// DefaultRoot is the tmpfs mountpoint cgroup v1 hierarchies are rooted
// under.
const DefaultRoot = "/sys/fs/cgroup"

// DefaultCPUShare is the relative weight applied when no share is
// configured.
const DefaultCPUShare = 1024

// Driver mounts and owns the three cgroup v1 hierarchies and performs all
// per-app leaf operations against them.
type Driver struct {
	root             string // e.g. /sys/fs/cgroup
	releaseAgentPath string // path to the bundled release-agent helper binary
	logger           hclog.Logger
}

// New constructs a Driver rooted at root (DefaultRoot in production),
// invoking the release-agent helper at releaseAgentPath when a freezer
// cgroup empties.
func New(root, releaseAgentPath string, logger hclog.Logger) *Driver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Driver{root: root, releaseAgentPath: releaseAgentPath, logger: logger.Named("cgroup")}
}

// Init mounts the tmpfs root and each subsystem hierarchy if not already
// mounted. If the tmpfs exists but not every subsystem is mounted under
// it, the partial state is treated as unrecoverable: detach the root
// and remount everything from scratch.
func (d *Driver) Init() error {
	mounted, err := isMountpoint(d.root)
	if err != nil {
		return fmt.Errorf("cgroup: checking tmpfs root: %w", err)
	}

	if mounted {
		missing := d.missingSubsystems()
		if len(missing) == 0 {
			return d.writeReleaseAgent()
		}
		d.logger.Error("cgroup root mounted but subsystems incomplete; remounting from scratch",
			"missing", missing)
		if err := d.teardownRoot(); err != nil {
			return fmt.Errorf("cgroup: remount teardown: %w", err)
		}
		mounted = false
	}

	if !mounted {
		if err := os.MkdirAll(d.root, 0o755); err != nil {
			return fmt.Errorf("cgroup: mkdir root: %w", err)
		}
		if err := unix.Mount("tmpfs", d.root, "tmpfs", 0, "mode=755"); err != nil {
			return fmt.Errorf("cgroup: mount tmpfs root: %w", err)
		}
	}

	var result *multierror.Error
	for _, s := range allSubsystems {
		if err := d.mountSubsystem(s); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		return err
	}
	return d.writeReleaseAgent()
}

func (d *Driver) mountSubsystem(s Subsystem) error {
	dir := d.subsystemRoot(s)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cgroup: mkdir %s: %w", dir, err)
	}
	mounted, err := isMountpoint(dir)
	if err != nil {
		return err
	}
	if mounted {
		return nil
	}
	data := string(s)
	if s == Freezer {
		data = "freezer"
	}
	if err := unix.Mount("cgroup", dir, "cgroup", 0, data); err != nil {
		return fmt.Errorf("cgroup: mount %s: %w", s, err)
	}
	return nil
}

func (d *Driver) missingSubsystems() []Subsystem {
	var missing []Subsystem
	for _, s := range allSubsystems {
		ok, err := isMountpoint(d.subsystemRoot(s))
		if err != nil || !ok {
			missing = append(missing, s)
		}
	}
	return missing
}

func (d *Driver) teardownRoot() error {
	for _, s := range allSubsystems {
		_ = unix.Unmount(d.subsystemRoot(s), 0)
	}
	if err := unix.Unmount(d.root, 0); err != nil && err != unix.EINVAL {
		return err
	}
	return nil
}

func (d *Driver) writeReleaseAgent() error {
	if d.releaseAgentPath == "" {
		return nil
	}
	path := filepath.Join(d.subsystemRoot(Freezer), "release_agent")
	if err := cgroups.WriteFile(d.subsystemRoot(Freezer), "release_agent", d.releaseAgentPath); err != nil {
		return fmt.Errorf("cgroup: write release_agent at %s: %w", path, err)
	}
	return nil
}

func (d *Driver) subsystemRoot(s Subsystem) string {
	return filepath.Join(d.root, string(s))
}

func (d *Driver) leaf(s Subsystem, name string) string {
	return filepath.Join(d.subsystemRoot(s), name)
}

// Create makes the per-app leaf directory under subsys.
func (d *Driver) Create(s Subsystem, name string) (Status, error) {
	dir := d.leaf(s, name)
	if err := os.Mkdir(dir, 0o755); err != nil {
		if os.IsExist(err) {
			return AlreadyExists, nil
		}
		return Fail, fmt.Errorf("cgroup: mkdir %s: %w", dir, err)
	}
	if s == Freezer {
		if err := cgroups.WriteFile(dir, "notify_on_release", "1"); err != nil {
			return Fail, fmt.Errorf("cgroup: notify_on_release: %w", err)
		}
	}
	return OK, nil
}

// AddProc writes pid into subsys's leaf cgroup.procs.
func (d *Driver) AddProc(s Subsystem, name string, pid int) (Status, error) {
	dir := d.leaf(s, name)
	if err := cgroups.WriteFile(dir, "cgroup.procs", strconv.Itoa(pid)); err != nil {
		if strings.Contains(err.Error(), "no such process") || os.IsNotExist(err) {
			return NoSuchProcess, nil
		}
		return Fail, fmt.Errorf("cgroup: add pid %d to %s: %w", pid, dir, err)
	}
	return OK, nil
}

// Delete removes the per-app leaf directory; BUSY if it still has members.
func (d *Driver) Delete(s Subsystem, name string) (Status, error) {
	dir := d.leaf(s, name)
	if err := os.Remove(dir); err != nil {
		if os.IsNotExist(err) {
			return OK, nil
		}
		if isBusy(err) {
			return Busy, nil
		}
		return Fail, fmt.Errorf("cgroup: rmdir %s: %w", dir, err)
	}
	return OK, nil
}

// SetCPUShare writes the relative cpu.shares weight.
func (d *Driver) SetCPUShare(name string, share int) error {
	if share <= 0 {
		share = DefaultCPUShare
	}
	dir := d.leaf(CPU, name)
	return cgroups.WriteFile(dir, "cpu.shares", strconv.Itoa(share))
}

// SetMemLimit writes memory.limit_in_bytes; if the kernel rounds the value
// down/up it is read back and a warning logged.
func (d *Driver) SetMemLimit(name string, kbytes int) error {
	dir := d.leaf(Memory, name)
	bytes := kbytes * 1024
	if err := cgroups.WriteFile(dir, "memory.limit_in_bytes", strconv.Itoa(bytes)); err != nil {
		return err
	}
	got, err := cgroups.ReadFile(dir, "memory.limit_in_bytes")
	if err != nil {
		return nil // best-effort readback; the write already succeeded
	}
	gotVal, convErr := strconv.Atoi(strings.TrimSpace(got))
	if convErr == nil && gotVal != bytes {
		d.logger.Warn("kernel rounded memory limit", "app", name, "requested", bytes, "actual", gotVal)
	}
	return nil
}

// Freeze asynchronously requests the freezer transition an app's cgroup to
// FROZEN.
func (d *Driver) Freeze(name string) error {
	return cgroups.WriteFile(d.leaf(Freezer, name), "freezer.state", "FROZEN")
}

// Thaw asynchronously requests the freezer transition an app's cgroup to
// THAWED.
func (d *Driver) Thaw(name string) error {
	return cgroups.WriteFile(d.leaf(Freezer, name), "freezer.state", "THAWED")
}

// IsEmpty reports whether subsys's leaf has no tasks.
func (d *Driver) IsEmpty(s Subsystem, name string) (bool, error) {
	data, err := cgroups.ReadFile(d.leaf(s, name), "tasks")
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return strings.TrimSpace(data) == "", nil
}

// ListProcs reads cgroup.procs.
func (d *Driver) ListProcs(s Subsystem, name string) ([]int, error) {
	return readIntLines(d.leaf(s, name), "cgroup.procs")
}

// ListThreads reads tasks.
func (d *Driver) ListThreads(s Subsystem, name string) ([]int, error) {
	return readIntLines(d.leaf(s, name), "tasks")
}

func readIntLines(dir, file string) ([]int, error) {
	data, err := cgroups.ReadFile(dir, file)
	if err != nil {
		return nil, err
	}
	var out []int
	sc := bufio.NewScanner(strings.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		n, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// SendSignal iterates the freezer cgroup's members sending sig to each.
// It makes two passes; if the same pid survives both passes in
// uninterruptible sleep ('D' state per /proc/<pid>/status), it is
// unkillable and the caller must escalate to reboot.
func (d *Driver) SendSignal(name string, sig unix.Signal) (escalate bool, err error) {
	first, err := d.ListProcs(Freezer, name)
	if err != nil {
		return false, err
	}
	dStateFirst := map[int]bool{}
	for _, pid := range first {
		if procState(pid) == 'D' {
			dStateFirst[pid] = true
		}
		_ = unix.Kill(pid, sig)
	}

	second, err := d.ListProcs(Freezer, name)
	if err != nil {
		return false, err
	}
	for _, pid := range second {
		if dStateFirst[pid] && procState(pid) == 'D' {
			if exe, alive := procIdentity(pid); alive {
				d.logger.Error("process unkillable in D state across two signal passes; escalating",
					"app", name, "pid", pid, "executable", exe)
				return true, nil
			}
			// pid reused by an unrelated process between passes; not
			// actually unkillable, fall through and signal it anyway.
		}
		_ = unix.Kill(pid, sig)
	}
	return false, nil
}

// procIdentity confirms pid still refers to a live OS process via
// go-ps's own /proc scan (independent of procState's direct parse) and
// returns its executable name. This guards the D-state escalation
// check against pid reuse racing the two signal passes.
func procIdentity(pid int) (executable string, alive bool) {
	proc, err := ps.FindProcess(pid)
	if err != nil || proc == nil {
		return "", false
	}
	return proc.Executable(), true
}

// procState reads the single-character process state from
// /proc/<pid>/status, or 0 if it cannot be determined.
func procState(pid int) byte {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "State:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 && len(fields[1]) > 0 {
				return fields[1][0]
			}
		}
	}
	return 0
}

func isBusy(err error) bool {
	return os.IsExist(err) || strings.Contains(err.Error(), "device or resource busy")
}

func isMountpoint(path string) (bool, error) {
	self, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	parent, err := os.Stat(filepath.Dir(path))
	if err != nil {
		return false, err
	}
	selfSys, ok1 := self.Sys().(*syscall.Stat_t)
	parentSys, ok2 := parent.Sys().(*syscall.Stat_t)
	if !ok1 || !ok2 {
		return false, nil
	}
	return selfSys.Dev != parentSys.Dev, nil
}
