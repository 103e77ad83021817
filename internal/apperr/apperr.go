// Package apperr defines the error kinds the rest of the server reports:
// callers branch on the kind, the web layer maps kinds to HTTP statuses,
// and timer-fired paths log and continue instead of aborting.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers and for HTTP status mapping.
type Kind int

const (
	// Unknown is the zero kind; errors without a kind report it.
	Unknown Kind = iota
	// NotFound: a session, rule, or deferred entry does not exist.
	NotFound
	// Conflict: the session is not active, or a mutation raced a newer write.
	Conflict
	// BadRequest: invalid field values or bounds.
	BadRequest
	// Forbidden: visibility or ownership denies the action.
	Forbidden
	// LimitExceeded: a per-session quota or a rate limiter rejected the call.
	LimitExceeded
	// Transient: best-effort work failed; callers log and continue.
	Transient
	// Fatal: the operation cannot succeed (spawn failure, missing workdir).
	Fatal
)

// String returns the kind name used in logs and JSON error bodies.
func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case BadRequest:
		return "bad_request"
	case Forbidden:
		return "forbidden"
	case LimitExceeded:
		return "limit_exceeded"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a kind-tagged error. Scope is set on LimitExceeded errors to name
// which limiter rejected the call (global, user, or session).
type Error struct {
	Kind  Kind
	Scope string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// E constructs a kind-tagged error with a formatted message.
func E(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Limit constructs a LimitExceeded error carrying the limiter scope.
func Limit(scope, format string, args ...any) error {
	return &Error{Kind: LimitExceeded, Scope: scope, Msg: fmt.Sprintf(format, args...)}
}

// KindOf reports the kind of err, or Unknown if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ScopeOf returns the limiter scope of err, or "" if none.
func ScopeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Scope
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
