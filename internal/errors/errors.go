// Package errors provides a structured application error type shared across
// the admission and resilience packages, mapping error kinds to HTTP status
// codes and safe user-facing messages.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for status-code mapping and safe-message
// rendering. It is not a Go type in the reflect sense — just an enum.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeInternal   ErrorType = "internal"

	// Admission-denial kinds, per spec.md §7.
	ErrorTypeCooldown           ErrorType = "cooldown"
	ErrorTypePenaltyBlock       ErrorType = "penalty_block"
	ErrorTypePermanentBan       ErrorType = "permanent_ban"
	ErrorTypeCircuitOpen        ErrorType = "circuit_open"
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation:         http.StatusBadRequest,
	ErrorTypeAuth:               http.StatusUnauthorized,
	ErrorTypeNotFound:           http.StatusNotFound,
	ErrorTypeConflict:           http.StatusConflict,
	ErrorTypeTimeout:            http.StatusRequestTimeout,
	ErrorTypeRateLimit:          http.StatusTooManyRequests,
	ErrorTypeDatabase:           http.StatusInternalServerError,
	ErrorTypeNetwork:            http.StatusInternalServerError,
	ErrorTypeInternal:           http.StatusInternalServerError,
	ErrorTypeCooldown:           http.StatusTooManyRequests,
	ErrorTypePenaltyBlock:       http.StatusTooManyRequests,
	ErrorTypePermanentBan:       http.StatusTooManyRequests,
	ErrorTypeCircuitOpen:        http.StatusServiceUnavailable,
	ErrorTypeServiceUnavailable: http.StatusServiceUnavailable,
}

// AppError is a structured error carrying a classification, a user-facing
// message, optional details, an HTTP status, and an optional wrapped cause.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	Cause      error
	StatusCode int
}

func New(t ErrorType, message string) *AppError {
	code, ok := statusCodes[t]
	if !ok {
		code = http.StatusInternalServerError
	}
	return &AppError{Type: t, Message: message, StatusCode: code}
}

func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

func Wrapf(cause error, t ErrorType, format string, args ...interface{}) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...interface{}) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

func NewValidationError(message string) *AppError {
	return New(ErrorTypeValidation, message)
}

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrorTypeNotFound, fmt.Sprintf("%s not found", resource))
}

func NewAuthError(message string) *AppError {
	return New(ErrorTypeAuth, message)
}

func NewTimeoutError(operation string) *AppError {
	return New(ErrorTypeTimeout, fmt.Sprintf("operation timed out: %s", operation))
}

func NewRateLimitError(retryAfterSeconds int) *AppError {
	return New(ErrorTypeRateLimit, "rate limit exceeded").WithDetailsf("retry_after=%ds", retryAfterSeconds)
}

func NewCooldownError(retryAfterSeconds int) *AppError {
	return New(ErrorTypeCooldown, "cooldown active").WithDetailsf("retry_after=%ds", retryAfterSeconds)
}

func NewCircuitOpenError(service string) *AppError {
	return New(ErrorTypeCircuitOpen, fmt.Sprintf("circuit open for %s", service))
}

// IsType reports whether err is an *AppError of the given type.
func IsType(err error, t ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == t
	}
	return false
}

// GetType returns the error's type, or ErrorTypeInternal for non-AppErrors.
func GetType(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// GetStatusCode returns the HTTP status code associated with err.
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}

// ErrorMessages holds generic, safe-to-expose messages per error kind.
var ErrorMessages = struct {
	ResourceNotFound       string
	AuthenticationFailed   string
	OperationTimeout       string
	RateLimitExceeded      string
	ConcurrentModification string
}{
	ResourceNotFound:       "The requested resource was not found",
	AuthenticationFailed:   "Authentication failed",
	OperationTimeout:       "The operation timed out",
	RateLimitExceeded:      "Too many requests, please try again later",
	ConcurrentModification: "The resource was modified concurrently, please retry",
}

// SafeErrorMessage returns a message safe to show to end users: validation
// messages pass through verbatim (they describe user input, not internals),
// everything else is generalized.
func SafeErrorMessage(err error) string {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return "An unexpected error occurred"
	}
	switch appErr.Type {
	case ErrorTypeValidation:
		return appErr.Message
	case ErrorTypeNotFound:
		return ErrorMessages.ResourceNotFound
	case ErrorTypeAuth:
		return ErrorMessages.AuthenticationFailed
	case ErrorTypeTimeout:
		return ErrorMessages.OperationTimeout
	case ErrorTypeRateLimit, ErrorTypeCooldown:
		return ErrorMessages.RateLimitExceeded
	case ErrorTypeConflict:
		return ErrorMessages.ConcurrentModification
	default:
		return "An internal error occurred"
	}
}
