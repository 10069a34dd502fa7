package domain

import (
	"errors"
	"fmt"
)

// Error is the internal representation of a failure reported to a controller.
// It is flattened to the wire's text form only at the channel boundary.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	if e.Message == "" {
		return e.Cause.Error()
	}
	return e.Message + ": " + e.Cause.Error()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a tagged error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError tags cause with kind. A nil cause yields nil.
func WrapError(kind ErrorKind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// ProtocolError reports an unknown keyword or a malformed argument list.
func ProtocolError(format string, args ...interface{}) *Error {
	return NewError(ErrorKindProtocol, format, args...)
}

// StateError reports a command issued in a run state that does not allow it.
func StateError(format string, args ...interface{}) *Error {
	return NewError(ErrorKindState, format, args...)
}

// KindOf returns the tagged kind of err, defaulting to ErrorKindDomain.
func KindOf(err error) ErrorKind {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind
	}
	return ErrorKindDomain
}

var (
	ErrAlreadyRunning   = StateError("already running")
	ErrNotPaused        = StateError("run is not paused")
	ErrNoJobs           = StateError("no simulations registered")
	ErrPausedByAgent    = StateError("run is paused by the synchronization controller")
	ErrRunInProgress    = StateError("command not allowed while a run is in progress")
	ErrStoreUnavailable = NewError(ErrorKindDomain, "results storage is unavailable")
)
