package protocol

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime error for the session boundary. Every error that
// reaches a socket is reduced to one of these before it is surfaced.
type Kind string

const (
	KindInvalidToken     Kind = "invalid_token"
	KindSessionInvalid   Kind = "session_invalid"
	KindSchemaViolation  Kind = "schema_violation"
	KindStoreUnavailable Kind = "store_unavailable"
	KindBackpressure     Kind = "backpressure"
	KindInternal         Kind = "internal"
)

// Error carries a kind plus the request id it correlates to, when any.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewError builds a typed protocol error.
func NewError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithRequest attaches a request id for correlation and returns the error.
func (e *Error) WithRequest(requestID string) *Error {
	e.RequestID = requestID
	return e
}

// KindOf extracts the protocol kind from an error chain, defaulting to
// KindInternal for unclassified failures.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
