// Package wire defines the frame surface and error taxonomy shared by the
// gateway, the cross-instance bus, and the probe client.
package wire

import "fmt"

// Kind classifies a failure so the gateway can pick the right error frame
// and the right recovery policy.
type Kind int

const (
	// KindBadFrame means the inbound payload failed schema validation.
	KindBadFrame Kind = iota
	// KindUnauthorized means the caller has no valid authenticated session.
	KindUnauthorized
	// KindForbidden means the caller is authenticated but not allowed
	// (room membership, muting, capacity).
	KindForbidden
	// KindNotFound means the referenced room, message, or user does not exist.
	KindNotFound
	// KindRateLimited means a sliding-window limit rejected the frame.
	KindRateLimited
	// KindTransient marks best-effort failures (typing, presence publish)
	// that are logged and never surfaced to the client.
	KindTransient
	// KindNotAvailable marks a fail-closed dependency outage.
	KindNotAvailable
	// KindTimeout means the handler exceeded its processing budget.
	KindTimeout
)

// Stable error codes emitted in error frames.
const (
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeJoinFailed         = "JOIN_FAILED"
	CodeSendFailed         = "SEND_FAILED"
	CodeRateLimited        = "RATE_LIMITED"
	CodeTokenRefreshFailed = "TOKEN_REFRESH_FAILED"
	CodeMarkReadFailed     = "MARK_READ_FAILED"
	CodeGetReadReceipts    = "GET_READ_RECEIPTS_FAILED"
	CodeBadFrame           = "BAD_FRAME"
	CodeTimeout            = "TIMEOUT"
	CodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
)

// Error is the result-style failure passed up from handlers to the gateway.
type Error struct {
	Kind       Kind
	Code       string
	Message    string
	RetryAfter int // seconds, only meaningful for RATE_LIMITED
	Cause      error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds an Error with the default code for its kind.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Code: defaultCode(kind), Message: msg}
}

// WrapError builds an Error carrying an underlying cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Code: defaultCode(kind), Message: msg, Cause: cause}
}

// WithCode overrides the stable code, keeping the kind.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

func defaultCode(kind Kind) string {
	switch kind {
	case KindBadFrame:
		return CodeBadFrame
	case KindUnauthorized:
		return CodeUnauthorized
	case KindForbidden:
		return CodeForbidden
	case KindNotFound:
		return CodeNotFound
	case KindRateLimited:
		return CodeRateLimited
	case KindNotAvailable:
		return CodeServiceUnavailable
	case KindTimeout:
		return CodeTimeout
	default:
		return CodeSendFailed
	}
}

// AsError returns err as a *wire.Error, wrapping unknown errors as Transient.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	if we, ok := err.(*Error); ok {
		return we
	}
	return WrapError(KindTransient, "internal error", err)
}
