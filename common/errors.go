package common

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error kinds classify every failure that crosses a component boundary.
// Store clients and providers translate driver-specific errors into this
// taxonomy; the HTTP layer maps each kind to a status code and the
// pipeline decides retry behavior from the kind alone.
type ErrorKind int

const (
	// KindValidation marks bad input. Never retried. HTTP 400/422.
	KindValidation ErrorKind = iota

	// KindAuth marks failed authentication or authorization. HTTP 401/403.
	KindAuth

	// KindConflict marks a state-machine mismatch, e.g. approving an
	// interaction that is not in review. HTTP 409.
	KindConflict

	// KindNotFound marks a missing entity. HTTP 404.
	KindNotFound

	// KindTransient marks store timeouts, connection loss and provider
	// throttling. Retried with exponential backoff up to a capped budget.
	KindTransient

	// KindRateLimited marks a rejected request with a retry-after hint.
	// HTTP 429. Client responsibility, never retried server-side.
	KindRateLimited

	// KindFailure marks an unexpected internal error. HTTP 500.
	KindFailure
)

// Error is the taxonomy error carried across component boundaries.
type Error struct {
	Kind       ErrorKind
	Message    string
	RetryAfter time.Duration // set for KindRateLimited
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match on sentinel errors of the same kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrValidation  = &Error{Kind: KindValidation, Message: "validation error"}
	ErrAuth        = &Error{Kind: KindAuth, Message: "auth error"}
	ErrConflict    = &Error{Kind: KindConflict, Message: "conflict"}
	ErrNotFound    = &Error{Kind: KindNotFound, Message: "not found"}
	ErrTransient   = &Error{Kind: KindTransient, Message: "transient error"}
	ErrRateLimited = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrFailure     = &Error{Kind: KindFailure, Message: "internal failure"}
)

// NewValidation builds a validation error with the given message.
func NewValidation(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// NewAuth builds an authentication/authorization error.
func NewAuth(format string, args ...interface{}) *Error {
	return &Error{Kind: KindAuth, Message: fmt.Sprintf(format, args...)}
}

// NewConflict builds a state-machine conflict error.
func NewConflict(format string, args ...interface{}) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NewNotFound builds a missing-entity error.
func NewNotFound(format string, args ...interface{}) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// NewTransient wraps a store or provider error that is worth retrying.
func NewTransient(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransient, Message: fmt.Sprintf(format, args...), cause: cause}
}

// NewRateLimited builds a rejection with a retry-after hint.
func NewRateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// NewFailure wraps an unexpected error that exhausted its retry budget or
// has no recovery path.
func NewFailure(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindFailure, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Kind extracts the taxonomy kind from any error chain. Unclassified
// errors report KindFailure.
func Kind(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFailure
}

// HTTPStatus maps a taxonomy error to the status code the control surface
// returns for it.
func HTTPStatus(err error) int {
	switch Kind(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuth:
		return http.StatusUnauthorized
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	case KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the pipeline should retry the operation.
func Retryable(err error) bool {
	return Kind(err) == KindTransient
}
