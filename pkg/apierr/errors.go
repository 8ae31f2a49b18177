// Package apierr defines the error kinds the core distinguishes between, and
// helpers for wrapping, classifying and rendering them. It generalizes the
// teacher's pkg/commands/errors.go (go-errors stack traces + an xerrors
// framed ComplexError) into the fixed vocabulary of kinds that the control
// plane needs to map onto HTTP statuses and CLI exit codes.
package apierr

import (
	"fmt"

	"github.com/go-errors/errors"
	"golang.org/x/xerrors"
)

// Kind is one of the error kinds the core must distinguish (spec §7).
type Kind int

const (
	Internal Kind = iota
	NotFound
	Conflict
	ConflictLease
	InvalidConfig
	RuntimeError
	SupervisorError
	Timeout
	Unauthorized
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case ConflictLease:
		return "conflict_lease"
	case InvalidConfig:
		return "invalid_config"
	case RuntimeError:
		return "runtime_error"
	case SupervisorError:
		return "supervisor_error"
	case Timeout:
		return "timeout"
	case Unauthorized:
		return "unauthorized"
	default:
		return "internal"
	}
}

// HTTPStatus is the status code the API surface (C8) renders for a Kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case NotFound:
		return 404
	case Conflict, ConflictLease:
		return 409
	case InvalidConfig:
		return 422
	case RuntimeError, SupervisorError:
		return 502
	case Timeout:
		return 504
	case Unauthorized:
		return 401
	default:
		return 500
	}
}

// ExitCode is the CLI collaborator's exit code for a Kind (spec §6).
func (k Kind) ExitCode() int {
	switch k {
	case Unauthorized, NotFound, Conflict, ConflictLease, InvalidConfig:
		return 3
	case RuntimeError:
		return 4
	case SupervisorError:
		return 5
	case Timeout:
		return 1
	default:
		return 1
	}
}

// Error is a ComplexError adapted from the teacher's design: it carries a
// Kind so calling code has an easier job than string-matching, a message,
// an optional wrapped cause, and an xerrors.Frame for a stack trace.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
	frame   xerrors.Frame
}

func (e *Error) FormatError(p xerrors.Printer) error {
	p.Printf("%s: %s", e.Kind, e.Message)
	e.frame.Format(p)
	return e.Cause
}

func (e *Error) Format(f fmt.State, c rune) {
	xerrors.FormatError(e, f, c)
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		frame:   xerrors.Caller(1),
	}
}

// Wrap attaches a Kind and message to an existing error, preserving it as
// the cause. Returns nil if err is nil, matching the teacher's WrapError
// contract (go-errors does not do this for us).
func Wrap(err error, kind Kind, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
		frame:   xerrors.Caller(1),
	}
}

// WrapStack wraps a plain error for the sake of showing a stack trace at the
// top level, mirroring the teacher's WrapError for errors with no known Kind.
func WrapStack(err error) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, 1)
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf extracts the Kind carried by err, defaulting to Internal when err
// does not carry one.
func KindOf(err error) Kind {
	var ce *Error
	if xerrors.As(err, &ce) {
		return ce.Kind
	}
	return Internal
}

// Message extracts the human-readable message, falling back to err.Error().
func Message(err error) string {
	var ce *Error
	if xerrors.As(err, &ce) {
		return ce.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
