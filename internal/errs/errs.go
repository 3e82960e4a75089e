// Package errs defines the closed error-kind taxonomy shared across the
// hub's subsystems (spec §7). Each kind wraps a cause and carries enough
// context for callers to decide how to surface it (HTTP status, WS
// result error, log line) without type-switching on subsystem-specific
// error values.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a closed set of error categories used throughout the hub.
type Kind int

const (
	// Validation covers malformed input: unknown entity, bad service,
	// bad YAML, bad template. Never fatal.
	Validation Kind = iota
	// NotFound covers unknown resources, expected at steady state.
	NotFound
	// Unauthorized covers missing/invalid auth tokens.
	Unauthorized
	// Conflict covers duplicate ids, concurrent discovery retraction.
	Conflict
	// Runtime covers handler or external I/O failures.
	Runtime
	// BudgetExceeded covers plugin fuel, template opcode and
	// wait_template timeout ceilings.
	BudgetExceeded
	// Fatal covers startup precondition failures that terminate the
	// process.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Validation:
		return "validation"
	case NotFound:
		return "not_found"
	case Unauthorized:
		return "unauthorized"
	case Conflict:
		return "conflict"
	case Runtime:
		return "runtime"
	case BudgetExceeded:
		return "budget_exceeded"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carrying a Kind, a message and an
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error of the given kind with a formatted message.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error of the given kind wrapping cause.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err is (or wraps) an *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to Runtime when err is
// not one of ours.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return Kind(-1)
	}
	return Runtime
}
