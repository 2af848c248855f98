// Package apperr defines the coordinator's error taxonomy. Every failure that
// crosses a package boundary is wrapped in an *Error carrying a Kind, so the
// API layer can map it to an HTTP status without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindSessionNotFound means the requested session id does not exist.
	KindSessionNotFound Kind = "session_not_found"
	// KindInvalidRequest means the caller supplied a malformed request.
	KindInvalidRequest Kind = "invalid_request"
	// KindRoomProvider covers room create/delete, credential minting, and
	// room join/publish failures.
	KindRoomProvider Kind = "room_provider_failure"
	// KindWorkerComm covers join-notification delivery failures. Always
	// non-fatal: logged and retried, never surfaced to the creation caller.
	KindWorkerComm Kind = "worker_communication_failure"
	// KindJoinTimeout means a session did not reach ready within the
	// caller's deadline.
	KindJoinTimeout Kind = "join_timeout"
	// KindConfiguration means the process configuration is unusable.
	KindConfiguration Kind = "configuration"
	// KindInternal is the catch-all for unexpected failures.
	KindInternal Kind = "internal"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two *Error values by Kind, so sentinel comparisons like
// errors.Is(err, apperr.New(apperr.KindJoinTimeout, "")) work.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the Kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
