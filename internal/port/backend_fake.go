package port

import "sync"

// FakeBackend is a scripted process table for tests, per design notes §9
// ("tests substitute a fake back-end driven by a scripted process table").
// Tests script it through SetHolder, SetAlive and SetInspectError rather
// than touching the real OS.
type FakeBackend struct {
	mu      sync.Mutex
	records map[int]*Record // port -> holder
	alive   map[int]bool    // pid -> alive
	killed  []killCall
	errPort map[int]bool // ports whose Inspect should fail
}

type killCall struct {
	PID   int
	Force bool
}

// NewFakeBackend constructs an empty scripted backend.
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{
		records: make(map[int]*Record),
		alive:   make(map[int]bool),
		errPort: make(map[int]bool),
	}
}

// SetHolder scripts port as held by rec (rec.Port is set automatically).
func (f *FakeBackend) SetHolder(portNum int, rec *Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec != nil {
		rec.Port = portNum
	}
	f.records[portNum] = rec
	if rec != nil && rec.HolderPID != 0 {
		f.alive[rec.HolderPID] = true
	}
}

// SetInspectError scripts port to fail Inspect calls with an error.
func (f *FakeBackend) SetInspectError(portNum int, fails bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errPort[portNum] = fails
}

// SetAlive scripts pid's liveness.
func (f *FakeBackend) SetAlive(pid int, alive bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alive[pid] = alive
}

// Inspect implements Backend.
func (f *FakeBackend) Inspect(portNum int) (*Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errPort[portNum] {
		return nil, errFakeInspect
	}
	return f.records[portNum], nil
}

// Kill implements Backend: records the call and marks pid not-alive unless
// a test has pinned it alive via SetAlive after the call.
func (f *FakeBackend) Kill(pid int, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, killCall{PID: pid, Force: force})
	f.alive[pid] = false
	return nil
}

// Alive implements Backend. A pid with no scripted liveness is assumed
// alive, so tests only need to call SetAlive(pid, false) to simulate a
// crash rather than stubbing every spawned pid as alive up front.
func (f *FakeBackend) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v, ok := f.alive[pid]; ok {
		return v
	}
	return true
}

// KillCalls returns the recorded Kill invocations in order.
func (f *FakeBackend) KillCalls() []killCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]killCall, len(f.killed))
	copy(out, f.killed)
	return out
}

type fakeInspectError struct{}

func (fakeInspectError) Error() string { return "fake backend: scripted inspect failure" }

var errFakeInspect = fakeInspectError{}
