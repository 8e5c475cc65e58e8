// Package apierr defines the error taxonomy shared across sentinel's
// components. Components return one of these sentinel values (wrapped
// with context via fmt.Errorf's %w) so the API adapter layer can map
// them to HTTP status codes without inspecting error strings.
package apierr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy the HTTP adapter maps to
// status codes.
type Kind int

const (
	// KindInvalidInput covers malformed IDs, unknown enum values, and
	// repoRef strings that don't match owner/name. Maps to 400.
	KindInvalidInput Kind = iota
	// KindNotFound covers a missing target entity. Maps to 404.
	KindNotFound
	// KindUnauthorized covers a missing or invalid bearer token. Maps to
	// 401 (sockets: close with policy-violation).
	KindUnauthorized
	// KindConflict covers a unique-constraint violation that is not an
	// idempotent upsert (e.g., a duplicate subscription for the same
	// user+repo). Maps to 409.
	KindConflict
	// KindTransient covers upstream rate limits, 5xx responses, SMTP
	// temporary failures, and LLM timeouts — retried locally, surfaced
	// only after retries are exhausted.
	KindTransient
	// KindFatal covers config parse failures and schema migration
	// failures. The process aborts at startup.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidInput:
		return "invalid_input"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindConflict:
		return "conflict"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error. Use errors.As to recover the Kind
// from a wrapped error chain.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a taxonomy-tagged error with no underlying cause.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Wrap tags an underlying error with a taxonomy Kind and message.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from err's chain. Returns ok=false if err (or
// anything it wraps) is not a tagged *Error.
func KindOf(err error) (Kind, bool) {
	var tagged *Error
	if errors.As(err, &tagged) {
		return tagged.Kind, true
	}
	return 0, false
}

// Is reports whether err's chain carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// NotFound is a convenience constructor for the common "entity not found" case.
func NotFound(entity string, id any) error {
	return New(KindNotFound, fmt.Sprintf("%s %v not found", entity, id))
}

// InvalidInput is a convenience constructor for the common validation-failure case.
func InvalidInput(format string, args ...any) error {
	return New(KindInvalidInput, fmt.Sprintf(format, args...))
}

// Conflict is a convenience constructor for the common duplicate-entity case.
func Conflict(format string, args ...any) error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}
