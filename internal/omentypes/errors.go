package omentypes

import "fmt"

// ErrorKind is the gateway's stable, normalized error classification.
type ErrorKind string

const (
	ErrBadRequest        ErrorKind = "bad_request"
	ErrUnauthenticated   ErrorKind = "unauthenticated"
	ErrForbidden         ErrorKind = "forbidden"
	ErrNoEligibleProvider ErrorKind = "no_eligible_provider"
	ErrRateLimited       ErrorKind = "rate_limited"
	ErrBudgetExceeded    ErrorKind = "budget_exceeded"
	ErrProviderUnavailable ErrorKind = "provider_unavailable"
	ErrProviderTransient ErrorKind = "provider_transient"
	ErrProviderAuthn     ErrorKind = "provider_authn"
	ErrProviderPolicy    ErrorKind = "provider_policy"
	ErrTimeout           ErrorKind = "timeout"
	ErrCancelled         ErrorKind = "cancelled"
	ErrInternal          ErrorKind = "internal"
)

// Retriable reports whether a retry against a different candidate is
// sanctioned for this error kind.
func (k ErrorKind) Retriable() bool {
	switch k {
	case ErrRateLimited, ErrProviderTransient, ErrTimeout:
		return true
	case ErrProviderUnavailable:
		return true // "Maybe" in the table; callers may choose not to retry
	default:
		return false
	}
}

// Error is the single error type used across the request path. It carries
// enough structure to build both the client-facing OpenAI-shaped error
// envelope and the audit record's reason code.
type Error struct {
	Kind    ErrorKind
	Message string
	Param   string
	// Reasons holds a per-candidate elimination explanation, populated on
	// ErrNoEligibleProvider.
	Reasons map[string]string
	// Cause, if set, is the underlying error this was classified from.
	Cause error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an *Error with a fixed kind and message.
func NewError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an existing error under a kind, preserving it as Cause.
func Wrap(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}
