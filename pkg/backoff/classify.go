package backoff

import (
	"context"
	"errors"
	"strings"

	apperrors "github.com/jordigilh/kubernaut-resilience/internal/errors"
)

// ErrorClass is the coarse category assigned to a failed attempt, used for
// both the non-retryable short-circuit and the adaptive error-type factor.
type ErrorClass string

const (
	ErrorClassNetwork   ErrorClass = "network"
	ErrorClassTimeout   ErrorClass = "timeout"
	ErrorClassRateLimit ErrorClass = "rate_limit"
	ErrorClassServer    ErrorClass = "server_error"
	ErrorClassAuth      ErrorClass = "auth_error"
	ErrorClassUnknown   ErrorClass = "unknown"
)

// ClassifyError buckets err for retry-delay and adaptive-factor purposes.
// Auth and validation errors are treated as non-retryable by the caller.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}

	if errors.As(err, new(*apperrors.AppError)) {
		switch apperrors.GetType(err) {
		case apperrors.ErrorTypeAuth, apperrors.ErrorTypeValidation:
			return ErrorClassAuth
		case apperrors.ErrorTypeTimeout:
			return ErrorClassTimeout
		case apperrors.ErrorTypeRateLimit, apperrors.ErrorTypeCooldown:
			return ErrorClassRateLimit
		case apperrors.ErrorTypeNetwork:
			return ErrorClassNetwork
		case apperrors.ErrorTypeDatabase, apperrors.ErrorTypeInternal:
			return ErrorClassServer
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "auth") || strings.Contains(msg, "permission denied") || strings.Contains(msg, "forbidden"):
		return ErrorClassAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ErrorClassTimeout
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return ErrorClassRateLimit
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") || strings.Contains(msg, "no route to host"):
		return ErrorClassNetwork
	case strings.Contains(msg, "server error") || strings.Contains(msg, "internal error") || strings.Contains(msg, "503") || strings.Contains(msg, "502"):
		return ErrorClassServer
	default:
		return ErrorClassUnknown
	}
}

// IsNonRetryable reports whether class should break the retry loop
// immediately rather than schedule a delayed reattempt.
func IsNonRetryable(class ErrorClass) bool {
	return class == ErrorClassAuth
}
