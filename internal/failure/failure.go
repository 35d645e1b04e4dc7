package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the machine-readable classification of an engine error.
type Kind string

const (
	InvalidConfiguration Kind = "invalid_configuration"
	Unreachable          Kind = "unreachable"
	AuthRejected         Kind = "auth_rejected"
	Timeout              Kind = "timeout"
	TransferFailed       Kind = "transfer_failed"
	EmptySelection       Kind = "empty_selection"
	NoResolvablePaths    Kind = "no_resolvable_paths"
	JobAlreadyRunning    Kind = "job_already_running"
	Cancelled            Kind = "cancelled"
	NotFound             Kind = "not_found"
	Internal             Kind = "internal"
)

// Sentinels for errors.Is. They match any *Error of the same kind.
var (
	ErrInvalidConfiguration = &Error{Kind: InvalidConfiguration}
	ErrUnreachable          = &Error{Kind: Unreachable}
	ErrAuthRejected         = &Error{Kind: AuthRejected}
	ErrTimeout              = &Error{Kind: Timeout}
	ErrTransferFailed       = &Error{Kind: TransferFailed}
	ErrEmptySelection       = &Error{Kind: EmptySelection}
	ErrNoResolvablePaths    = &Error{Kind: NoResolvablePaths}
	ErrJobAlreadyRunning    = &Error{Kind: JobAlreadyRunning}
	ErrCancelled            = &Error{Kind: Cancelled}
	ErrNotFound             = &Error{Kind: NotFound}
)

// Error wraps a cause with the component and operation that produced it.
type Error struct {
	Kind      Kind
	Component string // "archive", "transfer", "schedule", "engine", "history"
	Op        string
	Err       error
}

func (e *Error) Error() string {
	prefix := e.Component
	if e.Op != "" {
		if prefix != "" {
			prefix += " " + e.Op
		} else {
			prefix = e.Op
		}
	}

	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if prefix == "" {
		return msg
	}
	return prefix + ": " + msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Component == "" && t.Err == nil
}

// New builds a component error.
func New(component, op string, kind Kind, err error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: err}
}

// Newf builds a component error from a format string.
func Newf(component, op string, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost *Error in the chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Internal
}

// Transient reports whether an error of this kind may succeed on retry.
func Transient(kind Kind) bool {
	switch kind {
	case Unreachable, Timeout, TransferFailed:
		return true
	default:
		return false
	}
}
