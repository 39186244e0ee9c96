// Package breaker implements C6: a per-service circuit breaker built on
// sony/gobreaker's CLOSED/OPEN/HALF_OPEN engine, augmented with a bounded
// call-history ring for error-rate-over-window reporting that survives the
// inner engine's generation resets.
package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
)

// State mirrors the three circuit states in spec terms, decoupled from
// gobreaker's own State type so callers never import gobreaker directly.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Config is the full C6 configuration.
type Config struct {
	// FailureThreshold trips the breaker on this many consecutive failures
	// regardless of volume/error-rate. 0 disables the absolute trip.
	FailureThreshold int
	// ErrorRate trips the breaker once VolumeThreshold calls have been seen
	// and failures/calls >= ErrorRate, within TimeWindow.
	ErrorRate       float64
	VolumeThreshold int
	TimeWindow      time.Duration
	RecoveryTimeout time.Duration
	// SuccessThreshold is how many consecutive half-open successes close
	// the breaker; it also bounds concurrent half-open trial calls (the
	// inner engine uses one field, MaxRequests, for both roles).
	SuccessThreshold int
	HistorySize      int
}

var DefaultConfig = Config{
	ErrorRate:        0.5,
	VolumeThreshold:  5,
	RecoveryTimeout:  60 * time.Second,
	SuccessThreshold: 1,
	HistorySize:      200,
}

type callRecord struct {
	at      time.Time
	success bool
}

// CircuitBreaker is the C6 per-service breaker.
type CircuitBreaker struct {
	name  string
	cfg   Config
	inner *gobreaker.CircuitBreaker[any]

	mu      sync.Mutex
	history []callRecord

	stateGauge *prometheus.GaugeVec
}

// NewCircuitBreaker constructs a breaker with the common two-parameter
// shape (name, error-rate threshold, reset timeout), using defaults for the
// rest of Config.
func NewCircuitBreaker(name string, errorRate float64, resetTimeout time.Duration) *CircuitBreaker {
	cfg := DefaultConfig
	cfg.ErrorRate = errorRate
	cfg.RecoveryTimeout = resetTimeout
	return NewCircuitBreakerWithConfig(name, cfg, nil)
}

// NewCircuitBreakerWithConfig constructs a breaker with the full C6
// configuration. stateGauge, if non-nil, is updated on every state
// transition.
func NewCircuitBreakerWithConfig(name string, cfg Config, stateGauge *prometheus.GaugeVec) *CircuitBreaker {
	if cfg.VolumeThreshold <= 0 {
		cfg.VolumeThreshold = DefaultConfig.VolumeThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = DefaultConfig.HistorySize
	}

	cb := &CircuitBreaker{name: name, cfg: cfg, stateGauge: stateGauge}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(cfg.SuccessThreshold),
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.FailureThreshold > 0 && counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold) {
				return true
			}
			if counts.Requests >= uint32(cfg.VolumeThreshold) && cfg.ErrorRate > 0 {
				rate := float64(counts.TotalFailures) / float64(counts.Requests)
				return rate >= cfg.ErrorRate
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.recordStateGauge(to)
		},
	}
	cb.inner = gobreaker.NewCircuitBreaker[any](settings)
	return cb
}

func (cb *CircuitBreaker) recordStateGauge(s gobreaker.State) {
	if cb.stateGauge == nil {
		return
	}
	var v float64
	switch s {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	cb.stateGauge.WithLabelValues(cb.name).Set(v)
}

func (cb *CircuitBreaker) recordHistory(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.history = append(cb.history, callRecord{at: time.Now(), success: success})
	if len(cb.history) > cb.cfg.HistorySize {
		cb.history = cb.history[len(cb.history)-cb.cfg.HistorySize:]
	}
}

// Call executes fn through the breaker. When the breaker is open, fn is
// never invoked and the returned error is gobreaker's own "circuit breaker
// is open" error.
func (cb *CircuitBreaker) Call(fn func() error) error {
	_, err := cb.inner.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return err
	}
	cb.recordHistory(err == nil)
	return err
}

// Result is the richer C6 execution report for callers that need it (the
// orchestrator's circuit-first strategy).
type Result struct {
	Success         bool
	Err             error
	State           State
	ExecutionTime   time.Duration
	FromCache       bool
	CircuitOpenTime time.Time
}

// Execute runs op through the breaker, falling back to fallback (if
// provided and non-nil) when the circuit is open.
func (cb *CircuitBreaker) Execute(op func() error, fallback func() error) Result {
	start := time.Now()
	if cb.GetState() == StateOpen && fallback != nil {
		err := fallback()
		return Result{Success: err == nil, Err: err, State: cb.GetState(), ExecutionTime: time.Since(start), FromCache: true}
	}
	err := cb.Call(op)
	return Result{Success: err == nil, Err: err, State: cb.GetState(), ExecutionTime: time.Since(start)}
}

func (cb *CircuitBreaker) GetState() State {
	switch cb.inner.State() {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func (cb *CircuitBreaker) GetName() string {
	return cb.name
}

func (cb *CircuitBreaker) GetFailureThreshold() float64 {
	return cb.cfg.ErrorRate
}

func (cb *CircuitBreaker) GetResetTimeout() time.Duration {
	return cb.cfg.RecoveryTimeout
}

// GetFailures returns the inner engine's current consecutive-failure
// count, which resets to 0 on any success.
func (cb *CircuitBreaker) GetFailures() int64 {
	return int64(cb.inner.Counts().ConsecutiveFailures)
}

// GetFailureRate computes the failure rate over the bounded call-history
// ring, optionally restricted to TimeWindow. Unlike the inner engine's own
// counters, this ring is never reset by a state transition, so monitoring
// code can read a stable error rate across trips and recoveries.
func (cb *CircuitBreaker) GetFailureRate() float64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if len(cb.history) == 0 {
		return 0.0
	}

	var cutoff time.Time
	if cb.cfg.TimeWindow > 0 {
		cutoff = time.Now().Add(-cb.cfg.TimeWindow)
	}

	var total, failures int
	for _, r := range cb.history {
		if !cutoff.IsZero() && r.at.Before(cutoff) {
			continue
		}
		total++
		if !r.success {
			failures++
		}
	}
	if total == 0 {
		return 0.0
	}
	return float64(failures) / float64(total)
}
