// Package errkind classifies admission-path failures into the small set
// of error kinds the node surfaces to external collaborators (RPC, peer
// handlers, telemetry): Structural, Crypto, Economic, State, Policy,
// Time, Fork, Storage, Configuration. The kind controls what a caller
// may infer — whether state was mutated, whether a sender-ban counter
// should advance, whether the failure is fatal.
package errkind

import (
	"errors"
	"fmt"
)

// Kind is one of the error categories from the node's error-handling
// design: each maps to a distinct propagation policy at the caller.
type Kind int

const (
	// Unknown is the zero value: a caller-supplied error that was never
	// wrapped through this package. Treated the same as Structural by
	// callers that must pick a bucket.
	Unknown Kind = iota
	Structural
	Crypto
	Economic
	State
	Policy
	Time
	Fork
	Storage
	Configuration
)

func (k Kind) String() string {
	switch k {
	case Structural:
		return "structural"
	case Crypto:
		return "crypto"
	case Economic:
		return "economic"
	case State:
		return "state"
	case Policy:
		return "policy"
	case Time:
		return "time"
	case Fork:
		return "fork"
	case Storage:
		return "storage"
	case Configuration:
		return "configuration"
	default:
		return "unknown"
	}
}

// Error pairs a Kind with the underlying cause. Formatted with %w so
// errors.Is/errors.As still see through to the wrapped error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap tags err with kind. Returns nil if err is nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Newf builds a new kinded error from a format string, mirroring fmt.Errorf.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Of extracts the Kind from err, walking the wrap chain. Returns Unknown
// if err was never tagged through this package.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// Fatal reports whether a Kind's propagation policy is process-halting
// rather than a recoverable per-operation rejection: Storage failures
// abort the operation and, if rollback itself fails, the node must halt;
// Configuration errors are fatal at startup. Both are surfaced here so
// callers can decide whether to keep serving requests.
func Fatal(kind Kind) bool {
	return kind == Storage || kind == Configuration
}
