// Package apierr defines the error taxonomy shared by the query pipeline and
// its mapping onto HTTP responses.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Code categorizes an error for callers and for the HTTP envelope.
type Code string

const (
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeMissingOrgContext     Code = "MISSING_ORG_CONTEXT"
	CodeForbidden             Code = "FORBIDDEN"
	CodeValidationRejected    Code = "VALIDATION_REJECTED"
	CodeBadRequest            Code = "VALIDATION_ERROR"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeUsageLimitExceeded    Code = "USAGE_LIMIT_EXCEEDED"
	CodeUpstreamModelError    Code = "UPSTREAM_MODEL_ERROR"
	CodeUpstreamDatabaseError Code = "UPSTREAM_DATABASE_ERROR"
	CodeTimeout               Code = "TIMEOUT"
	CodeCanceled              Code = "CANCELED"
	CodeInternal              Code = "INTERNAL"
)

// StatusClientClosedRequest is the non-standard status used when the caller
// went away before a response could be produced.
const StatusClientClosedRequest = 499

// Sentinel errors, one per code. They match any *Error with the same code
// through errors.Is.
var (
	ErrUnauthenticated       = &Error{Code: CodeUnauthenticated, Message: "authentication required"}
	ErrMissingOrgContext     = &Error{Code: CodeMissingOrgContext, Message: "organization context required"}
	ErrForbidden             = &Error{Code: CodeForbidden, Message: "forbidden"}
	ErrValidationRejected    = &Error{Code: CodeValidationRejected, Message: "query rejected"}
	ErrBadRequest            = &Error{Code: CodeBadRequest, Message: "invalid request"}
	ErrRateLimited           = &Error{Code: CodeRateLimited, Message: "too many requests"}
	ErrUsageLimitExceeded    = &Error{Code: CodeUsageLimitExceeded, Message: "usage limit exceeded"}
	ErrUpstreamModelError    = &Error{Code: CodeUpstreamModelError, Message: "model provider error"}
	ErrUpstreamDatabaseError = &Error{Code: CodeUpstreamDatabaseError, Message: "database error"}
	ErrTimeout               = &Error{Code: CodeTimeout, Message: "operation timed out"}
	ErrCanceled              = &Error{Code: CodeCanceled, Message: "operation canceled"}
	ErrInternal              = &Error{Code: CodeInternal, Message: "internal error"}
)

// Error is a classified error with optional user-facing details.
type Error struct {
	// Code categorizes the error.
	Code Code

	// Message is safe to show to the caller.
	Message string

	// Details carries optional structured context for the envelope.
	Details map[string]any

	// RetryAfter is set for throttling errors.
	RetryAfter time.Duration

	// Cause is the underlying error. It is never rendered to callers.
	Cause error
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap classifies cause under code. The message defaults to the cause text.
func Wrap(code Code, cause error) *Error {
	e := &Error{Code: code, Cause: cause}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", strings.ToLower(string(e.Code))))
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	if e.Cause != nil && e.Cause.Error() != e.Message {
		parts = append(parts, "("+e.Cause.Error()+")")
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithMessage returns a copy with the message replaced.
func (e *Error) WithMessage(msg string) *Error {
	c := e.clone()
	c.Message = msg
	return c
}

// WithDetail returns a copy with key set in Details.
func (e *Error) WithDetail(key string, value any) *Error {
	c := e.clone()
	details := make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		details[k] = v
	}
	details[key] = value
	c.Details = details
	return c
}

// WithRetryAfter returns a copy carrying a retry hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	c := e.clone()
	c.RetryAfter = d
	return c
}

// WithCause returns a copy wrapping cause.
func (e *Error) WithCause(cause error) *Error {
	c := e.clone()
	c.Cause = cause
	return c
}

func (e *Error) clone() *Error {
	c := *e
	return &c
}

// CodeOf returns the code of the first *Error in the chain. Context
// cancellation and deadline errors map to CodeCanceled and CodeTimeout.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CodeCanceled
	}
	return CodeInternal
}

// As extracts the *Error from err, classifying unknown errors as internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr
	}
	switch CodeOf(err) {
	case CodeTimeout:
		return ErrTimeout.WithCause(err)
	case CodeCanceled:
		return ErrCanceled.WithCause(err)
	default:
		return ErrInternal.WithCause(err)
	}
}

// HTTPStatus maps a code onto the response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeMissingOrgContext, CodeForbidden:
		return http.StatusForbidden
	case CodeValidationRejected, CodeBadRequest:
		return http.StatusBadRequest
	case CodeRateLimited, CodeUsageLimitExceeded:
		return http.StatusTooManyRequests
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeCanceled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}
