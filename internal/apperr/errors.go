// Package apperr defines the error taxonomy shared across the refresh loop,
// upstream client, cache, and registry (§7 of the design).
package apperr

import "errors"

// Kind classifies an error the way HTTP handlers and the refresh loop need
// to react to it, independent of the underlying message.
type Kind string

const (
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindUpstreamRateLimited Kind = "UPSTREAM_RATE_LIMITED"
	KindValidationFailed    Kind = "VALIDATION_FAILED"
	KindAdmissionDenied     Kind = "SSE_CONNECTION_LIMIT"
	KindTransientCache      Kind = "CACHE_UNAVAILABLE"
	KindFatal               Kind = "FATAL"
)

// Error wraps a Kind with a message and an optional underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	ErrUpstreamUnavailable = New(KindUpstreamUnavailable, "upstream unavailable")
	ErrUpstreamRateLimited = New(KindUpstreamRateLimited, "upstream rate limited")
)
