// Package fleeterr defines the structured error taxonomy shared by the fleet
// controller components. Every component-local failure is classified into one
// of a fixed set of kinds and surfaced as an *Error rather than a bare string,
// so callers (and the CLI's exit-code mapping) can branch on Kind without
// parsing messages.
package fleeterr

import "fmt"

// Kind identifies the class of failure. Kinds are not Go types; they are a
// closed enumeration carried on a single error type.
type Kind string

const (
	InvalidProject    Kind = "invalid_project"
	UnsafePort        Kind = "unsafe_port"
	NoFreePort        Kind = "no_free_port"
	SpawnFailure      Kind = "spawn_failure"
	ReadinessTimeout  Kind = "readiness_timeout"
	ValidationTimeout Kind = "validation_timeout"
	ProcessGone       Kind = "process_gone"
	HealthProbeFail   Kind = "health_probe_failure"
	RecoveryExhausted Kind = "recovery_exhausted"
	PersistenceFail   Kind = "persistence_failure"
)

// Error is the structured error type returned by every fleet component.
type Error struct {
	Kind    Kind
	Entity  string // the port, pid, or project path the error concerns
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Entity != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s [%s]: %s: %v", e.Kind, e.Entity, e.Message, e.Cause)
		}
		return fmt.Sprintf("%s [%s]: %s", e.Kind, e.Entity, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a structured error with no wrapped cause.
func New(kind Kind, entity, message string) *Error {
	return &Error{Kind: kind, Entity: entity, Message: message}
}

// Wrap builds a structured error around an existing cause.
func Wrap(kind Kind, entity, message string, cause error) *Error {
	return &Error{Kind: kind, Entity: entity, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind. This lets callers
// write `fleeterr.Is(err, fleeterr.NoFreePort)` instead of a type switch.
func Is(err error, kind Kind) bool {
	var fe *Error
	for err != nil {
		if fe2, ok := err.(*Error); ok {
			fe = fe2
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return fe != nil && fe.Kind == kind
}

// ExitCode maps a Kind to the CLI exit codes named in the external interfaces:
// 0 ok; 2 invalid project; 3 no free port; 4 spawn failed; 5 health-recovery
// exhausted; other nonzero reserved.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var fe *Error
	e := err
	for e != nil {
		if fe2, ok := e.(*Error); ok {
			fe = fe2
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if fe == nil {
		return 1
	}
	switch fe.Kind {
	case InvalidProject:
		return 2
	case NoFreePort:
		return 3
	case SpawnFailure, ReadinessTimeout, ValidationTimeout:
		return 4
	case RecoveryExhausted:
		return 5
	default:
		return 1
	}
}
