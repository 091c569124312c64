// Package port implements the Port Inspector (C1): cross-platform "who owns
// port P?" and "is P bindable?" plus the safety classification that keeps
// the fleet controller from ever touching a system service.
//
// Per the design notes, platform specifics live behind a single Backend
// interface (inspect, kill); Inspector itself is platform-agnostic and is
// exercised in tests against a scripted FakeBackend rather than the real
// process table.
package port

import (
	"fmt"
	"net"
	"time"

	"studiofleet/internal/fleeterr"
	"studiofleet/pkg/config"
	"studiofleet/pkg/logx"
)

// Record describes the current holder of a port, or nil if it is free.
// Transient, never persisted.
type Record struct {
	Port            int
	HolderPID       int
	HolderName      string
	IsSystemService bool
	IsNodeLike      bool
}

// Backend is the platform-specific half of the Port Inspector. A Linux/POSIX
// implementation lives in backend_posix.go; tests substitute FakeBackend.
type Backend interface {
	// Inspect returns the current holder of port, or nil if the OS reports
	// no listener. An error indicates the query itself failed (not that the
	// port is free) — callers must treat that as "unknown holder", never as
	// "free".
	Inspect(port int) (*Record, error)
	// Kill sends SIGTERM (force=false) or SIGKILL (force=true) to pid.
	Kill(pid int, force bool) error
	// Alive reports whether pid is still running.
	Alive(pid int) bool
}

// FindResult is the return value of FindAvailable.
type FindResult struct {
	Port      int
	Available bool
	Conflict  *Record
}

// Inspector is the Port Inspector component.
type Inspector struct {
	cfg     *config.Config
	backend Backend
	log     *logx.Logger
}

// New constructs an Inspector over the given backend.
func New(cfg *config.Config, backend Backend) *Inspector {
	return &Inspector{cfg: cfg, backend: backend, log: logx.NewLogger("port")}
}

// IsAvailable returns true iff a loopback TCP bind would succeed AND no
// OS-level listener is reported. Both checks matter: a bind-only check has
// false positives under TIME_WAIT, and an OS-query-only check can be stale.
func (ins *Inspector) IsAvailable(portNum int) bool {
	if !ins.canBind(portNum) {
		return false
	}
	rec, err := ins.backend.Inspect(portNum)
	if err != nil {
		// Inspection failure must not be reported as "free".
		ins.log.Warn("port %d: backend inspect failed, treating as unavailable: %v", portNum, err)
		return false
	}
	return rec == nil
}

// canBind attempts a loopback bind-and-release. It must bind 127.0.0.1, not
// 0.0.0.0, to avoid firewall interaction with other interfaces.
func (ins *Inspector) canBind(portNum int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", portNum)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}

// FindAvailable returns preferred if it is free, otherwise the first free
// port in [MinPort, MaxPort] \ Reserved. Returns NoFreePort if the whole
// range is occupied.
func (ins *Inspector) FindAvailable(preferred int) (FindResult, error) {
	if preferred > 0 && ins.cfg.InRange(preferred) && ins.IsAvailable(preferred) {
		return FindResult{Port: preferred, Available: true}, nil
	}

	var lastConflict *Record
	for p := ins.cfg.MinPort; p <= ins.cfg.MaxPort; p++ {
		if ins.cfg.IsReserved(p) {
			continue
		}
		if ins.IsAvailable(p) {
			return FindResult{Port: p, Available: true}, nil
		}
		if rec, err := ins.backend.Inspect(p); err == nil && rec != nil {
			lastConflict = rec
		}
	}

	return FindResult{Available: false, Conflict: lastConflict},
		fleeterr.New(fleeterr.NoFreePort, fmt.Sprintf("%d-%d", ins.cfg.MinPort, ins.cfg.MaxPort), "no free port in configured range")
}

// Alive reports whether pid is currently running, via the backend's
// liveness probe.
func (ins *Inspector) Alive(pid int) bool {
	return ins.backend.Alive(pid)
}

// Inspect returns the current holder of port, or nil if it's free. Query
// errors are returned rather than silently treated as "free".
func (ins *Inspector) Inspect(portNum int) (*Record, error) {
	return ins.backend.Inspect(portNum)
}

// ValidateSafety rejects privileged ports (<1024), out-of-range ports, and
// ports held by a classified system service.
func (ins *Inspector) ValidateSafety(portNum int) (safe bool, reason string) {
	if portNum < 1024 {
		return false, "privileged port (<1024)"
	}
	if !ins.cfg.InRange(portNum) {
		return false, "port outside configured range or reserved"
	}
	rec, err := ins.backend.Inspect(portNum)
	if err != nil {
		return false, "unable to determine port holder"
	}
	if rec != nil && rec.IsSystemService {
		return false, "port held by a system service"
	}
	return true, ""
}

// Kill terminates the process holding portNum. Refuses outright if that
// process is classified as a system service. Otherwise sends a graceful
// terminate, waits up to 1s for the process to exit, and only escalates to
// a forced kill if force is true and the process is still alive.
func (ins *Inspector) Kill(portNum, pid int, force bool) (bool, error) {
	if rec, err := ins.backend.Inspect(portNum); err == nil && rec != nil && rec.IsSystemService {
		return false, fleeterr.New(fleeterr.UnsafePort, fmt.Sprintf("%d", portNum), "refusing to kill a system service")
	}

	if err := ins.backend.Kill(pid, false); err != nil {
		return false, fleeterr.Wrap(fleeterr.ProcessGone, fmt.Sprintf("%d", pid), "graceful terminate failed", err)
	}

	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if !ins.backend.Alive(pid) {
			return true, nil
		}
		time.Sleep(50 * time.Millisecond)
	}

	if !ins.backend.Alive(pid) {
		return true, nil
	}

	if !force {
		return false, nil
	}

	if err := ins.backend.Kill(pid, true); err != nil {
		return false, fleeterr.Wrap(fleeterr.ProcessGone, fmt.Sprintf("%d", pid), "forced kill failed", err)
	}
	return !ins.backend.Alive(pid), nil
}
