// Package dberr defines the error taxonomy surfaced by the engine boundary.
//
// Every failure that crosses a component boundary is classified into one of
// a small set of kinds so callers can react programmatically while the
// message stays human readable. Errors created here support errors.Is
// matching against the package sentinels and errors.As extraction of the
// typed *Error.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure at the engine boundary.
type Kind int

const (
	// KindUnknown is the zero value; it never classifies a deliberate error.
	KindUnknown Kind = iota

	// KindAuth covers every authentication failure. Bad credentials,
	// unknown users and unknown databases are deliberately
	// indistinguishable to callers.
	KindAuth

	// KindSessionNotFound means the session id does not resolve to a live
	// session: it never existed or was already disconnected.
	KindSessionNotFound

	// KindSessionExpired means the session existed but exceeded its idle
	// or absolute lifetime.
	KindSessionExpired

	// KindAuthorization means the session is valid but its user lacks the
	// privilege for the attempted operation.
	KindAuthorization

	// KindResourceExhausted means an admission ceiling (render sessions,
	// GPU memory, reader threads) denied the request.
	KindResourceExhausted

	// KindQuery carries a planner or executor diagnostic verbatim.
	KindQuery

	// KindInternal marks an invariant violation, such as a double ticket
	// release. Internal faults are never swallowed.
	KindInternal
)

// String returns the stable name used in logs and wire payloads.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth_error"
	case KindSessionNotFound:
		return "session_not_found"
	case KindSessionExpired:
		return "session_expired"
	case KindAuthorization:
		return "authorization_error"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindQuery:
		return "query_error"
	case KindInternal:
		return "internal_fault"
	default:
		return "unknown"
	}
}

// Error is a classified engine error. Message is stable and human readable;
// Err optionally carries the underlying cause for logs and unwrapping.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports kind equality so errors.Is(err, sentinel) matches any error of
// the sentinel's kind regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is matching. Messages are the canonical texts used
// when no more specific diagnostic applies.
var (
	ErrAuthFailed        = &Error{Kind: KindAuth, Message: "authentication failed"}
	ErrSessionNotFound   = &Error{Kind: KindSessionNotFound, Message: "session not found"}
	ErrSessionExpired    = &Error{Kind: KindSessionExpired, Message: "session expired"}
	ErrNotAuthorized     = &Error{Kind: KindAuthorization, Message: "not authorized"}
	ErrResourceExhausted = &Error{Kind: KindResourceExhausted, Message: "resources exhausted"}
	ErrInternalFault     = &Error{Kind: KindInternal, Message: "internal fault"}
)

// New builds a classified error with a fixed message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error without losing it.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the kind from anywhere in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether err's chain contains an Error of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
