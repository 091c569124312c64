package fleeterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	e := New(UnsafePort, "3015", "port held by a system service")
	want := "unsafe_port [3015]: port held by a system service"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrorMessageWithCause(t *testing.T) {
	cause := errors.New("bind: address already in use")
	e := Wrap(SpawnFailure, "3002", "child exited during spawn", cause)
	if e.Unwrap() != cause {
		t.Errorf("Unwrap() = %v, want %v", e.Unwrap(), cause)
	}
	want := "spawn_failure [3002]: child exited during spawn: bind: address already in use"
	if got := e.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestIsThroughWrapping(t *testing.T) {
	inner := New(NoFreePort, "", "range exhausted")
	outer := fmt.Errorf("smart_launch failed: %w", inner)

	if !Is(outer, NoFreePort) {
		t.Error("Is(outer, NoFreePort) = false, want true")
	}
	if Is(outer, UnsafePort) {
		t.Error("Is(outer, UnsafePort) = true, want false")
	}
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{New(InvalidProject, "/p", "missing manifest"), 2},
		{New(NoFreePort, "", "range exhausted"), 3},
		{New(SpawnFailure, "3002", "exec failed"), 4},
		{New(ReadinessTimeout, "3002", "no token seen"), 4},
		{New(RecoveryExhausted, "3002", "quarantined"), 5},
		{New(ProcessGone, "3002", "pid not alive"), 1},
		{errors.New("unstructured"), 1},
	}
	for _, c := range cases {
		if got := ExitCode(c.err); got != c.want {
			t.Errorf("ExitCode(%v) = %d, want %d", c.err, got, c.want)
		}
	}
}
