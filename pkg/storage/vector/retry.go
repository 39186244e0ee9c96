// Package vector provides a retry/backoff helper used by the counter store's
// backend health probe (see pkg/counterstore) to distinguish retryable
// transport failures from permanent ones.
package vector

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// RetryConfig controls a Retrier's attempt count and delay schedule.
type RetryConfig struct {
	MaxAttempts       int
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	Jitter            bool
}

// DefaultRetryConfig returns sensible defaults for a general-purpose
// operation.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
	}
}

// DatabaseRetryConfig returns defaults tuned for a backend store connection:
// more attempts, longer delays, a gentler multiplier.
func DatabaseRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      250 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 1.5,
		Jitter:            true,
	}
}

var retryableMessagePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"too many connections",
	"deadlock detected",
	"lock timeout",
	"serialization failure",
	"could not serialize access",
	"connection lost",
	"server closed the connection",
	"broken pipe",
	"i/o timeout",
	"network is unreachable",
	"no route to host",
}

var nonRetryableMessagePatterns = []string{
	"syntax error",
	"does not exist",
	"permission denied",
	"authentication failed",
	"invalid input",
	"constraint violation",
	"foreign key constraint",
}

// retryableError wraps an error with an explicit retryable verdict,
// overriding message-based classification.
type retryableError struct {
	cause     error
	retryable bool
	reason    string
}

func (e *retryableError) Error() string {
	return fmt.Sprintf("retryable=%t (%s): %s", e.retryable, e.reason, e.cause)
}

func (e *retryableError) Unwrap() error {
	return e.cause
}

// WrapRetryableError wraps err with an explicit retryable verdict. Returns
// nil if err is nil.
func WrapRetryableError(err error, retryable bool, reason string) error {
	if err == nil {
		return nil
	}
	return &retryableError{cause: err, retryable: retryable, reason: reason}
}

// IsRetryableError classifies err as transient (worth retrying) or not.
// An explicit *retryableError verdict takes precedence; otherwise known
// sql/context sentinels and message-pattern matching decide.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var re *retryableError
	if errors.As(err, &re) {
		return re.retryable
	}

	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, p := range nonRetryableMessagePatterns {
		if strings.Contains(msg, p) {
			return false
		}
	}
	for _, p := range retryableMessagePatterns {
		if strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// RetryOperation is a unit of work that reports which attempt it is
// executing (1-indexed).
type RetryOperation func(ctx context.Context, attempt int) (any, error)

// Retrier executes a RetryOperation under a RetryConfig, classifying
// failures via IsRetryableError and stopping early on non-retryable errors
// or context cancellation.
type Retrier struct {
	config RetryConfig
	log    *logrus.Entry
}

// NewRetrier builds a Retrier. A nil logger is tolerated.
func NewRetrier(config RetryConfig, logger *logrus.Logger) *Retrier {
	var entry *logrus.Entry
	if logger != nil {
		entry = logger.WithField("component", "vector_retrier")
	} else {
		l := logrus.New()
		l.SetOutput(io.Discard)
		entry = logrus.NewEntry(l)
	}
	return &Retrier{config: config, log: entry}
}

func (r *Retrier) delayFor(attempt int) time.Duration {
	d := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))
	if maxD := float64(r.config.MaxDelay); d > maxD {
		d = maxD
	}
	if r.config.Jitter {
		d = d/2 + rand.Float64()*(d/2)
	}
	return time.Duration(d)
}

// ExecuteWithType runs op, retrying retryable failures up to MaxAttempts
// times (at least once, even with a zero/negative MaxAttempts) or until ctx
// is done.
func (r *Retrier) ExecuteWithType(ctx context.Context, op RetryOperation) (any, error) {
	maxAttempts := r.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := op(ctx, attempt)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if !IsRetryableError(err) {
			return nil, fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.delayFor(attempt)):
		}

		if r.log != nil {
			r.log.WithField("attempt", attempt+1).Debug("retrying operation")
		}
	}

	return nil, fmt.Errorf("operation failed after %d attempts: %w", maxAttempts, lastErr)
}

// DatabaseRetrier is a Retrier preconfigured via DatabaseRetryConfig, named
// per operation for logging.
type DatabaseRetrier struct {
	retrier *Retrier
}

// NewDatabaseRetrier builds a DatabaseRetrier.
func NewDatabaseRetrier(logger *logrus.Logger) *DatabaseRetrier {
	return &DatabaseRetrier{retrier: NewRetrier(DatabaseRetryConfig(), logger)}
}

// ExecuteDBOperation runs op under the database retry policy, tagging log
// output with the operation name.
func (d *DatabaseRetrier) ExecuteDBOperation(ctx context.Context, operation string, op RetryOperation) (any, error) {
	if d.retrier.log != nil {
		d.retrier.log = d.retrier.log.WithField("operation", operation)
	}
	return d.retrier.ExecuteWithType(ctx, op)
}

// RetryIfNeeded adapts a plain error-returning function into the Retrier
// protocol, for call sites that don't need the result value.
func RetryIfNeeded(ctx context.Context, config RetryConfig, logger *logrus.Logger, op func() error) error {
	retrier := NewRetrier(config, logger)
	_, err := retrier.ExecuteWithType(ctx, func(ctx context.Context, attempt int) (any, error) {
		return nil, op()
	})
	return err
}
