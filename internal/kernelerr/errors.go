// Package kernelerr defines the error kinds surfaced by the conduit kernel
// and their mapping to HTTP status codes. Kinds are values, not types: every
// caller-visible failure is an *Error carrying a Code discriminator plus
// structured fields.
package kernelerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Code discriminates error kinds.
type Code string

const (
	CodeNotFound           Code = "NOT_FOUND"
	CodeValidation         Code = "VALIDATION"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodeForbidden          Code = "FORBIDDEN"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeServerDisconnected Code = "SERVER_DISCONNECTED"
	CodeTimeout            Code = "TIMEOUT"
	CodeBudgetExceeded     Code = "BUDGET_EXCEEDED"
	CodeUpstreamFailure    Code = "UPSTREAM_FAILURE"
	CodeInternal           Code = "INTERNAL"
)

// FieldError locates one validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

// Error is the kernel error value.
type Error struct {
	Code       Code          `json:"code"`
	Message    string        `json:"message"`
	RetryAfter time.Duration `json:"-"`
	BudgetID   string        `json:"budget_id,omitempty"`
	Fields     []FieldError  `json:"fields,omitempty"`
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// New constructs an error of the given kind.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf constructs an error of the given kind with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an error of the given kind around a cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, cause: cause}
}

// NotFound builds a NOT_FOUND error for a named resource.
func NotFound(what string) *Error {
	return Newf(CodeNotFound, "%s not found", what)
}

// Validation builds a VALIDATION error with field details.
func Validation(msg string, fields ...FieldError) *Error {
	return &Error{Code: CodeValidation, Message: msg, Fields: fields}
}

// RateLimited builds a RATE_LIMITED error with a retry hint.
func RateLimited(retryAfter time.Duration) *Error {
	return &Error{Code: CodeRateLimited, Message: "rate limit exceeded", RetryAfter: retryAfter}
}

// CircuitOpen builds a CIRCUIT_OPEN error with a retry hint.
func CircuitOpen(retryAfter time.Duration) *Error {
	return &Error{Code: CodeCircuitOpen, Message: "circuit open", RetryAfter: retryAfter}
}

// BudgetExceeded builds a BUDGET_EXCEEDED error naming the budget.
func BudgetExceeded(budgetID, msg string) *Error {
	return &Error{Code: CodeBudgetExceeded, Message: msg, BudgetID: budgetID}
}

// CodeOf extracts the kind of any error; non-kernel errors are INTERNAL.
func CodeOf(err error) Code {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code
	}
	return CodeInternal
}

// AsError returns the kernel error inside err, or wraps err as INTERNAL.
func AsError(err error) *Error {
	var ke *Error
	if errors.As(err, &ke) {
		return ke
	}
	return Wrap(CodeInternal, "internal error", err)
}

// HTTPStatus maps a kind to its HTTP response status.
func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation:
		return http.StatusBadRequest
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeServerDisconnected, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeBudgetExceeded:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether internal retry policies may retry this kind.
// Admission denials and caller mistakes are never retried internally.
func Retryable(code Code) bool {
	return code == CodeUpstreamFailure || code == CodeTimeout
}
