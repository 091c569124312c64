package registry

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// advisoryLock is the file-local lock named in design notes §9: since the
// design disallows multiple daemon processes sharing the registry file, the
// Registry fails fast at startup if another controller already holds it,
// rather than silently corrupting state under concurrent writers.
type advisoryLock struct {
	f *os.File
}

func acquireAdvisoryLock(path string) (*advisoryLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("registry lock %s held by another process: %w", path, err)
	}

	return &advisoryLock{f: f}, nil
}

func (l *advisoryLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	return l.f.Close()
}
