package upstream

import (
	"errors"
	"fmt"
)

// Kind is the normalized failure taxonomy for broker calls. Values double as
// the error codes surfaced to API clients, so they are stable strings.
type Kind string

const (
	// KindAuth indicates the broker rejected our credentials or token, or
	// the gateway is missing upstream configuration. Operator action needed.
	KindAuth Kind = "UPSTREAM_AUTH"

	// KindThrottled indicates the broker rate-limited us past our retry
	// budget.
	KindThrottled Kind = "UPSTREAM_THROTTLED"

	// KindUnavailable indicates a broker-side 5xx.
	KindUnavailable Kind = "UPSTREAM_UNAVAILABLE"

	// KindError indicates an unclassified upstream failure, including
	// exhausted network-level retries.
	KindError Kind = "UPSTREAM_ERROR"
)

// Error wraps broker failures with normalized categorization so the
// orchestrator can map them onto HTTP statuses without inspecting raw
// upstream responses.
type Error struct {
	Kind       Kind
	Op         string // "auth" or "affiliation"
	Message    string
	Underlying error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("upstream %s [%s]: %s: %v", e.Op, e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("upstream %s [%s]: %s", e.Op, e.Kind, e.Message)
}

// Unwrap supports error unwrapping.
func (e *Error) Unwrap() error {
	return e.Underlying
}

func newError(kind Kind, op, message string, underlying error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Underlying: underlying}
}

// KindOf extracts the failure kind from an error. Errors produced outside
// this package classify as KindError.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return KindError
}
