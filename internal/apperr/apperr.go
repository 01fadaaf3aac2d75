// Package apperr defines the error taxonomy shared by every component of the
// backend. Domain rejections, authorization failures, and dependency outages
// are all values of the same Error type carrying a machine-readable Kind, so
// errors cross component boundaries by return value and the HTTP layer maps
// them to status codes in exactly one place.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is the machine-readable error class. Kinds are part of the API
// contract: they appear verbatim in the "error" field of failure responses.
type Kind string

const (
	KindInvalidFormat   Kind = "INVALID_FORMAT"
	KindInvalidCode     Kind = "INVALID_CODE"
	KindCodeExpired     Kind = "CODE_EXPIRED"
	KindCodeExhausted   Kind = "CODE_EXHAUSTED"
	KindAlreadyHasCode  Kind = "ALREADY_HAS_CODE"
	KindEmailTaken      Kind = "EMAIL_TAKEN"
	KindUnauthenticated Kind = "UNAUTHENTICATED"
	KindForbidden       Kind = "FORBIDDEN"
	KindRateLimited     Kind = "RATE_LIMITED"
	KindAlreadyRunning  Kind = "ALREADY_RUNNING"
	KindNotFound        Kind = "NOT_FOUND"
	KindDependency      Kind = "DEPENDENCY_UNAVAILABLE"
	KindInternal        Kind = "INTERNAL"
)

// Error is a classified application error.
type Error struct {
	Kind    Kind
	Message string
	// Err is the wrapped cause, if any. It is never sent to clients.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error. Used at boundary call sites to turn a
// driver/transport error into DEPENDENCY_UNAVAILABLE or INTERNAL without
// losing the cause for logs.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from any error. Unclassified errors are INTERNAL.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Message returns the client-safe message for err. Unclassified errors get a
// generic message so internals never leak to callers.
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Message
	}
	return "an internal error occurred"
}

// HTTPStatus maps a Kind to its response status code.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidFormat, KindInvalidCode, KindCodeExpired, KindCodeExhausted:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden, KindAlreadyHasCode:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindAlreadyRunning, KindEmailTaken:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindDependency:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
