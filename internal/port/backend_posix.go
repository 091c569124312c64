package port

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// systemServiceNames is the conservative, Windows-centric list inherited
// from the original source: any process whose image name appears here is
// never killed. It is intentionally small and biased toward false-positive
// "system service" classification — any ambiguity classifies as system to
// prevent accidental kills.
var systemServiceNames = map[string]bool{
	"svchost.exe":      true,
	"services.exe":     true,
	"lsass.exe":        true,
	"wininit.exe":      true,
	"csrss.exe":        true,
	"systemd":          true,
	"init":             true,
	"launchd":          true,
	"sshd":             true,
}

// nodeLikeNames is informational only — it never affects kill eligibility,
// just lets status output flag "this looks like a dev server".
var nodeLikeNames = map[string]bool{
	"node":  true,
	"deno":  true,
	"bun":   true,
}

// PosixBackend implements Backend by reading /proc/net/tcp for listener
// discovery and issuing POSIX signals for liveness/kill. It is the only
// backend shipped; Windows/macOS back-ends are structurally pluggable via
// the Backend interface but not implemented (design notes open question).
type PosixBackend struct{}

// NewPosixBackend constructs the Linux/POSIX port inspection backend.
func NewPosixBackend() *PosixBackend { return &PosixBackend{} }

// Inspect parses /proc/net/tcp for a LISTEN socket on port, then resolves
// the owning pid by scanning /proc/*/fd for a symlink to that socket's
// inode. Returns nil (no error) if no listener is found.
func (b *PosixBackend) Inspect(portNum int) (*Record, error) {
	inode, err := findListenInode(portNum)
	if err != nil {
		return nil, fmt.Errorf("port: reading /proc/net/tcp: %w", err)
	}
	if inode == "" {
		return nil, nil
	}

	pid := findPIDForInode(inode)
	if pid == 0 {
		// A listener exists but we couldn't resolve its owner (permissions,
		// race with process exit). Report an unknown-but-present holder
		// rather than claiming the port is free.
		return &Record{Port: portNum, IsSystemService: true}, nil
	}

	name := processName(pid)
	return &Record{
		Port:            portNum,
		HolderPID:       pid,
		HolderName:      name,
		IsSystemService: classifySystemService(name),
		IsNodeLike:      nodeLikeNames[name],
	}, nil
}

// Kill sends SIGTERM (force=false) or SIGKILL (force=true) to pid.
func (b *PosixBackend) Kill(pid int, force bool) error {
	sig := syscall.SIGTERM
	if force {
		sig = syscall.SIGKILL
	}
	if err := unix.Kill(pid, sig); err != nil {
		if err == unix.ESRCH {
			return nil // already gone
		}
		return err
	}
	return nil
}

// Alive reports whether pid is still running, via the signal-0 liveness
// probe (no signal delivered, only existence/permission is checked).
func (b *PosixBackend) Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

func classifySystemService(name string) bool {
	if name == "" {
		// Unknown process image: conservative classification.
		return true
	}
	return systemServiceNames[strings.ToLower(name)]
}

// findListenInode scans /proc/net/tcp and /proc/net/tcp6 for a socket in
// state LISTEN (0A) bound to portNum, returning its inode string.
func findListenInode(portNum int) (string, error) {
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		inode, err := scanProcNetTCP(path, portNum)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", err
		}
		if inode != "" {
			return inode, nil
		}
	}
	return "", nil
}

func scanProcNetTCP(path string, portNum int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 10 {
			continue
		}
		localAddr := fields[1] // "0100007F:1F90"
		state := fields[3]     // hex socket state, "0A" = LISTEN
		inode := fields[9]

		parts := strings.Split(localAddr, ":")
		if len(parts) != 2 {
			continue
		}
		portBytes, err := hex.DecodeString(parts[1])
		if err != nil || len(portBytes) != 2 {
			continue
		}
		localPort := int(portBytes[0])<<8 | int(portBytes[1])

		if localPort == portNum && strings.EqualFold(state, "0A") {
			return inode, nil
		}
	}
	return "", scanner.Err()
}

// findPIDForInode scans /proc/<pid>/fd for a symlink to socket:[inode].
func findPIDForInode(inode string) int {
	target := fmt.Sprintf("socket:[%s]", inode)

	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		fdDir := filepath.Join("/proc", e.Name(), "fd")
		fds, err := os.ReadDir(fdDir)
		if err != nil {
			continue
		}
		for _, fd := range fds {
			link, err := os.Readlink(filepath.Join(fdDir, fd.Name()))
			if err != nil {
				continue
			}
			if link == target {
				return pid
			}
		}
	}
	return 0
}

func processName(pid int) string {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
