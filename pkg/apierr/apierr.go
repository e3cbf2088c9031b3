// Package apierr defines the semantic error kinds shared by the core and
// the control-plane/vendor adapter layers, following the
// {code, error} JSON convention the teacher's api package uses on every
// handler (see internal/api/auth.go).
package apierr

import (
	"errors"
	"fmt"
)

// Kind is a semantic error category, independent of transport.
type Kind string

const (
	NotFound             Kind = "NOT_FOUND"
	InvalidArgument      Kind = "INVALID_ARGUMENT"
	PreconditionFailed   Kind = "PRECONDITION_FAILED"
	InsufficientBuyingPower Kind = "INSUFFICIENT_BUYING_POWER"
	RejectedByPolicy     Kind = "REJECTED_BY_POLICY"
	Unavailable          Kind = "UNAVAILABLE"
	Internal             Kind = "INTERNAL"
)

// Error wraps a Kind with a human-readable message and optional cause.
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

// New constructs an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an Error of the given kind around an existing cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal when err does
// not carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}
