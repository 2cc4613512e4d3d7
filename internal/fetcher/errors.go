package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind represents the category of error returned by a source
type ErrorKind string

const (
	// KindNotFound indicates the ticker is unknown to the source. It is not retried.
	KindNotFound ErrorKind = "not_found"
	// KindRateLimited indicates the source rejected the request due to rate limiting (HTTP 429)
	KindRateLimited ErrorKind = "rate_limited"
	// KindTransient indicates a network, timeout or server error
	KindTransient ErrorKind = "transient"
	// KindUnauthorized indicates the source rejected our credentials (HTTP 401/403)
	KindUnauthorized ErrorKind = "unauthorized"
)

// Error represents a structured error from a source client
type Error struct {
	Kind       ErrorKind
	Source     string
	StatusCode int
	Message    string
	Cause      error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s error (status %d): %s", e.Source, e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s error: %s", e.Source, e.Kind, e.Message)
}

// Unwrap implements error unwrapping for errors.Is and errors.As
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewNotFoundError creates a not-found error
func NewNotFoundError(source, message string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Source:  source,
		Message: message,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(source string, statusCode int) *Error {
	return &Error{
		Kind:       KindRateLimited,
		Source:     source,
		StatusCode: statusCode,
		Message:    "rate limit exceeded",
	}
}

// NewTransientError creates a transient error
func NewTransientError(source, message string, cause error) *Error {
	return &Error{
		Kind:    KindTransient,
		Source:  source,
		Message: message,
		Cause:   cause,
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(source string, statusCode int) *Error {
	return &Error{
		Kind:       KindUnauthorized,
		Source:     source,
		StatusCode: statusCode,
		Message:    "credentials rejected",
	}
}

// ClassifyHTTPError classifies a non-2xx HTTP status code into an Error
func ClassifyHTTPError(source string, statusCode int) *Error {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(source, statusCode)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewUnauthorizedError(source, statusCode)
	case statusCode == http.StatusRequestTimeout || statusCode >= 500:
		e := NewTransientError(source, "server returned an error", nil)
		e.StatusCode = statusCode
		return e
	case statusCode >= 400:
		e := NewNotFoundError(source, fmt.Sprintf("client error: HTTP %d", statusCode))
		e.StatusCode = statusCode
		return e
	default:
		e := NewTransientError(source, fmt.Sprintf("unexpected status code: %d", statusCode), nil)
		e.StatusCode = statusCode
		return e
	}
}

// ClassifyTransportError classifies an error returned before any HTTP status was received
func ClassifyTransportError(source string, err error) *Error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return NewTransientError(source, "request timed out", err)
	}
	return NewTransientError(source, "network request failed", err)
}

// KindOf returns the kind of err. Errors that are not *Error are treated as transient.
func KindOf(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindTransient
}
