// Package backoff implements C7: adaptive retry with five delay
// strategies, jitter, and multiplicative adaptive factors driven by error
// type, recent success rate, and externally-supplied system load.
package backoff

import (
	"context"
	"math/rand"
	"sync"
	"time"

	sharedmath "github.com/jordigilh/kubernaut-resilience/pkg/shared/math"
)

// Config configures one ExecuteWithBackoff call.
type Config struct {
	Strategy         Strategy
	BaseDelayMs      float64
	Multiplier       float64
	MaxDelay         time.Duration
	MaxAttempts      int
	TotalTimeout     time.Duration
	OperationTimeout time.Duration
	Jitter           JitterMode

	AdaptiveErrorType   bool
	AdaptiveSuccessRate bool
	AdaptiveSystemLoad  bool
}

var DefaultConfig = Config{
	Strategy:            StrategyExponential,
	BaseDelayMs:         100,
	Multiplier:          2.0,
	MaxDelay:            30 * time.Second,
	MaxAttempts:         5,
	TotalTimeout:        2 * time.Minute,
	OperationTimeout:    10 * time.Second,
	Jitter:              JitterFull,
	AdaptiveErrorType:   true,
	AdaptiveSuccessRate: true,
}

// ExecContext carries externally-observed signals for the adaptive
// system-load factor. SystemLoad is the caller's own average of cpu/mem
// utilization in [0,1]; zero means "unknown", which the engine treats as
// the lightest load band.
type ExecContext struct {
	SystemLoad float64
}

// OperationMetrics is the per-operation state tracked across calls.
type OperationMetrics struct {
	SuccessRate     float64
	AvgResponseTime time.Duration
	ErrorTypeCounts map[ErrorClass]int
	LastAttemptTime time.Time
}

type operationState struct {
	mu              sync.Mutex
	successRateEMA  *sharedmath.EMA
	responseTimeEMA *sharedmath.EMA
	errorTypeCounts map[ErrorClass]int
	lastAttemptTime time.Time
}

// Engine is the C7 backoff engine: one shared instance tracks metrics for
// every operation id it has executed.
type Engine struct {
	mu    sync.Mutex
	ops   map[string]*operationState
	rng   *rand.Rand
	rngMu sync.Mutex
}

func NewEngine() *Engine {
	return &Engine{
		ops: make(map[string]*operationState),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (e *Engine) stateFor(id string) *operationState {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.ops[id]
	if !ok {
		s = &operationState{
			successRateEMA:  sharedmath.NewEMA(0.1),
			responseTimeEMA: sharedmath.NewEMA(0.1),
			errorTypeCounts: make(map[ErrorClass]int),
		}
		e.ops[id] = s
	}
	return s
}

func (e *Engine) nextFloat() float64 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	return e.rng.Float64()
}

// ExecuteWithBackoff retries op up to cfg.MaxAttempts times, or until
// cfg.TotalTimeout elapses, applying the configured delay strategy,
// adaptive factors, and jitter between attempts. Non-retryable errors
// (auth/validation) break the loop on first occurrence.
func (e *Engine) ExecuteWithBackoff(ctx context.Context, id string, op func(ctx context.Context) error, execCtx ExecContext, cfg Config) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig.Multiplier
	}

	state := e.stateFor(id)
	start := time.Now()
	var prevDelay float64

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if cfg.TotalTimeout > 0 && time.Since(start) >= cfg.TotalTimeout {
			break
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if cfg.OperationTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.OperationTimeout)
		}

		attemptStart := time.Now()
		err := op(attemptCtx)
		elapsed := time.Since(attemptStart)
		if cancel != nil {
			cancel()
		}

		e.recordOutcome(state, err == nil, elapsed, err)

		if err == nil {
			return nil
		}
		lastErr = err

		class := ClassifyError(err)
		if IsNonRetryable(class) {
			return err
		}
		if attempt == cfg.MaxAttempts {
			return err
		}

		delay := baseDelayNanos(cfg.Strategy, cfg.BaseDelayMs, cfg.Multiplier, attempt, prevDelay, e.nextFloat)

		if cfg.AdaptiveErrorType {
			delay *= errorTypeFactor(class)
		}
		if cfg.AdaptiveSuccessRate {
			delay *= successRateFactor(state.successRateEMA.Value())
		}
		if cfg.AdaptiveSystemLoad {
			delay *= systemLoadFactor(execCtx.SystemLoad)
		}

		if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
			delay = float64(cfg.MaxDelay)
		}

		delay = applyJitter(cfg.Jitter, delay, e.nextFloat)
		prevDelay = delay

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(delay)):
		}
	}

	return lastErr
}

func (e *Engine) recordOutcome(state *operationState, success bool, elapsed time.Duration, err error) {
	state.mu.Lock()
	defer state.mu.Unlock()

	var rateSample float64
	if success {
		rateSample = 1.0
	}
	state.successRateEMA.Update(rateSample)
	state.responseTimeEMA.Update(float64(elapsed))
	state.lastAttemptTime = time.Now()
	if !success {
		state.errorTypeCounts[ClassifyError(err)]++
	}
}

// GetMetrics returns a snapshot of the per-operation metrics.
func (e *Engine) GetMetrics(id string) OperationMetrics {
	state := e.stateFor(id)
	state.mu.Lock()
	defer state.mu.Unlock()

	counts := make(map[ErrorClass]int, len(state.errorTypeCounts))
	for k, v := range state.errorTypeCounts {
		counts[k] = v
	}

	return OperationMetrics{
		SuccessRate:     state.successRateEMA.Value(),
		AvgResponseTime: time.Duration(state.responseTimeEMA.Value()),
		ErrorTypeCounts: counts,
		LastAttemptTime: state.lastAttemptTime,
	}
}

// GetRecommendedStrategy inspects id's error-type history and recent
// success rate to suggest a strategy for future calls: network-dominated
// failures favor DECORRELATED jitter-heavy backoff; a success rate below
// 0.3 favors FIBONACCI's steeper-but-bounded growth; otherwise EXPONENTIAL.
func (e *Engine) GetRecommendedStrategy(id string) Strategy {
	state := e.stateFor(id)
	state.mu.Lock()
	defer state.mu.Unlock()

	total := 0
	networkCount := 0
	for class, n := range state.errorTypeCounts {
		total += n
		if class == ErrorClassNetwork {
			networkCount += n
		}
	}

	if total > 0 && float64(networkCount)/float64(total) > 0.5 {
		return StrategyDecorrelated
	}
	if state.successRateEMA.HasSample() && state.successRateEMA.Value() < 0.3 {
		return StrategyFibonacci
	}
	return StrategyExponential
}
