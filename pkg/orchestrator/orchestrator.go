// Package orchestrator implements C11: the resilience orchestrator that
// picks a strategy per operation by composing the circuit breaker (C6),
// timeout manager (C8), backoff engine (C7), degradation manager (C9),
// and fallback chain (C10), and records an execution-path trace plus
// EMA-smoothed health metrics for each call.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/jordigilh/kubernaut-resilience/pkg/backoff"
	"github.com/jordigilh/kubernaut-resilience/pkg/breaker"
	"github.com/jordigilh/kubernaut-resilience/pkg/degradation"
	"github.com/jordigilh/kubernaut-resilience/pkg/fallback"
	"github.com/jordigilh/kubernaut-resilience/pkg/metrics"
	sharedmath "github.com/jordigilh/kubernaut-resilience/pkg/shared/math"
	"github.com/jordigilh/kubernaut-resilience/pkg/timeout"
)

// Strategy names the path ExecuteWithResilience ultimately took.
type Strategy string

const (
	StrategyDegradation       Strategy = "degradation"
	StrategyTimeoutWithFallback Strategy = "timeout_with_fallback"
	StrategyBackoffRetry      Strategy = "backoff_retry"
	StrategyCircuitFirst      Strategy = "circuit_first"
)

// OperationDefinition describes one resiliently-executed call.
type OperationDefinition struct {
	ID         string
	Service    string
	Action     string
	Essential  bool
	TimeoutMs  int64
	RetryCfg   *backoff.Config
	BreakerCfg *breaker.Config
	FeatureCfg map[string]any
	Metadata   map[string]any

	// FallbackExec, if set, is used by the fallback chain registered for
	// Service when the circuit-first or timeout_with_fallback strategies
	// need to fall back.
	FallbackExec fallback.Executor
}

// PathEntry is one step of the execution-path trace.
type PathEntry struct {
	Pattern   string
	Action    string
	Timestamp time.Time
	Duration  time.Duration
	Success   bool
	Meta      map[string]any
}

// ResilienceResult is the full report of one ExecuteWithResilience call.
type ResilienceResult struct {
	Success            bool
	Result             any
	Error              error
	PatternsUsed       []string
	ExecutionPath      []PathEntry
	FinalStrategy       Strategy
	TotalExecutionTime time.Duration

	Breaker     *breaker.Result
	Fallback    *fallback.Result
	Degradation *degradation.Level
	Backoff     *backoff.OperationMetrics
}

// CoordinationConfig governs the background health check loop.
type CoordinationConfig struct {
	HealthCheckInterval       time.Duration
	ErrorRateThreshold        float64
	ResponseTimeThreshold     time.Duration
	CircuitOpenCountThreshold int
}

var DefaultCoordinationConfig = CoordinationConfig{
	HealthCheckInterval:       30 * time.Second,
	ErrorRateThreshold:        0.3,
	ResponseTimeThreshold:     2 * time.Second,
	CircuitOpenCountThreshold: 3,
}

// Orchestrator is the C11 resilience orchestrator.
type Orchestrator struct {
	breakers    *breaker.Manager
	backoffEng  *backoff.Engine
	timeoutMgr  *timeout.Manager
	degradation *degradation.Manager

	mu             sync.Mutex
	fallbackChains map[string]*fallback.Chain

	coordCfg CoordinationConfig
	log      *logrus.Entry

	successRateEMA  *sharedmath.EMA
	responseTimeEMA *sharedmath.EMA
	fallbacksUsed   int64
	activeOps       int64

	sf singleflight.Group

	stopHealth chan struct{}
	healthOnce sync.Once
}

// NewOrchestrator builds an Orchestrator from its five collaborators, all
// of which must be non-nil.
func NewOrchestrator(
	breakers *breaker.Manager,
	backoffEng *backoff.Engine,
	timeoutMgr *timeout.Manager,
	degradationMgr *degradation.Manager,
	coordCfg CoordinationConfig,
	logger *logrus.Logger,
) *Orchestrator {
	var entry *logrus.Entry
	if logger != nil {
		entry = logger.WithField("component", "orchestrator")
	} else {
		entry = logrus.NewEntry(logrus.New())
	}
	o := &Orchestrator{
		breakers:        breakers,
		backoffEng:      backoffEng,
		timeoutMgr:      timeoutMgr,
		degradation:     degradationMgr,
		fallbackChains:  make(map[string]*fallback.Chain),
		coordCfg:        coordCfg,
		log:             entry,
		successRateEMA:  sharedmath.NewEMA(0.1),
		responseTimeEMA: sharedmath.NewEMA(0.1),
		stopHealth:      make(chan struct{}),
	}
	go o.healthCheckLoop()
	return o
}

// RegisterFallbackChain attaches chain as the fallback path for service.
func (o *Orchestrator) RegisterFallbackChain(service string, chain *fallback.Chain) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.fallbackChains[service] = chain
}

func (o *Orchestrator) chainFor(service string) *fallback.Chain {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fallbackChains[service]
}

// Stop halts the background health-check loop.
func (o *Orchestrator) Stop() {
	o.healthOnce.Do(func() { close(o.stopHealth) })
}

// ExecuteWithResilience runs op under the strategy selected for def.
func (o *Orchestrator) ExecuteWithResilience(ctx context.Context, op func(ctx context.Context) (any, error), def OperationDefinition) ResilienceResult {
	start := time.Now()
	o.activeOps++
	defer func() { o.activeOps-- }()

	var path []PathEntry
	trace := func(pattern string, stepStart time.Time, success bool, meta map[string]any) {
		path = append(path, PathEntry{
			Pattern:   pattern,
			Action:    def.Action,
			Timestamp: stepStart,
			Duration:  time.Since(stepStart),
			Success:   success,
			Meta:      meta,
		})
	}

	var result ResilienceResult

	if o.degradation != nil && o.degradation.CurrentLevel() != degradation.LevelFull {
		stepStart := time.Now()
		lvl := o.degradation.CurrentLevel()
		res, err := o.degradation.ExecuteWithDegradation(ctx, def.Action, op, degradation.Signals{})
		trace(string(StrategyDegradation), stepStart, err == nil, nil)
		result = ResilienceResult{
			Success:       err == nil,
			Result:        res,
			Error:         err,
			PatternsUsed:  []string{string(StrategyDegradation)},
			ExecutionPath: path,
			FinalStrategy: StrategyDegradation,
			Degradation:   &lvl,
		}
		o.finish(def, start, &result)
		return result
	}

	strategy := o.selectStrategy(def)

	switch strategy {
	case StrategyTimeoutWithFallback:
		result = o.runTimeoutWithFallback(ctx, op, def, trace)
	case StrategyBackoffRetry:
		result = o.runBackoffRetry(ctx, op, def, trace)
	default:
		result = o.runCircuitFirst(ctx, op, def, trace)
	}

	result.ExecutionPath = path
	result.FinalStrategy = strategy
	o.finish(def, start, &result)
	return result
}

func (o *Orchestrator) selectStrategy(def OperationDefinition) Strategy {
	if o.breakers != nil {
		if cb, ok := o.breakers.Get(def.Service); ok && cb.GetState() == breaker.StateOpen {
			return StrategyTimeoutWithFallback
		}
	}
	if o.backoffEng != nil {
		m := o.backoffEng.GetMetrics(def.ID)
		if !m.LastAttemptTime.IsZero() && m.SuccessRate < 0.5 {
			return StrategyBackoffRetry
		}
	}
	return StrategyCircuitFirst
}

func (o *Orchestrator) runTimeoutWithFallback(ctx context.Context, op func(ctx context.Context) (any, error), def OperationDefinition, trace func(string, time.Time, bool, map[string]any)) ResilienceResult {
	stepStart := time.Now()
	var to timeout.Config
	if def.TimeoutMs > 0 {
		to.OperationTimeout = time.Duration(def.TimeoutMs) * time.Millisecond
	} else {
		to = timeout.DefaultConfig
	}

	res, err := o.timeoutMgr.ExecuteWithTimeout(ctx, def.ID, op, to)
	trace(string(StrategyTimeoutWithFallback), stepStart, err == nil, nil)

	if err == nil {
		return ResilienceResult{Success: true, Result: res, PatternsUsed: []string{"timeout", "fallback"}}
	}

	fbRes := o.runFallback(ctx, def)
	return ResilienceResult{
		Success:      fbRes.Success,
		Result:       fbRes.Result,
		Error:        fbRes.Error,
		PatternsUsed: []string{"timeout", "fallback"},
		Fallback:     &fbRes,
	}
}

func (o *Orchestrator) runBackoffRetry(ctx context.Context, op func(ctx context.Context) (any, error), def OperationDefinition, trace func(string, time.Time, bool, map[string]any)) ResilienceResult {
	stepStart := time.Now()
	cfg := backoff.DefaultConfig
	if def.RetryCfg != nil {
		cfg = *def.RetryCfg
	}

	var res any
	err := o.backoffEng.ExecuteWithBackoff(ctx, def.ID, func(ctx context.Context) error {
		r, e := op(ctx)
		res = r
		return e
	}, backoff.ExecContext{}, cfg)
	trace(string(StrategyBackoffRetry), stepStart, err == nil, nil)

	metricsSnap := o.backoffEng.GetMetrics(def.ID)
	return ResilienceResult{
		Success:      err == nil,
		Result:       res,
		Error:        err,
		PatternsUsed: []string{"backoff"},
		Backoff:      &metricsSnap,
	}
}

func (o *Orchestrator) runCircuitFirst(ctx context.Context, op func(ctx context.Context) (any, error), def OperationDefinition, trace func(string, time.Time, bool, map[string]any)) ResilienceResult {
	stepStart := time.Now()

	cbCfg := breaker.DefaultConfig
	if def.BreakerCfg != nil {
		cbCfg = *def.BreakerCfg
	}
	cb := o.breakers.GetOrCreateWithConfig(def.Service, cbCfg)

	var inner any
	var fbRes fallback.Result
	usedFallback := false

	cbResult := cb.Execute(func() error {
		to := timeout.DefaultConfig
		if def.TimeoutMs > 0 {
			to.OperationTimeout = time.Duration(def.TimeoutMs) * time.Millisecond
		}

		var backoffCfg backoff.Config
		if def.RetryCfg != nil {
			backoffCfg = *def.RetryCfg
		} else {
			backoffCfg = backoff.DefaultConfig
		}

		return o.backoffEng.ExecuteWithBackoff(ctx, def.ID, func(ctx context.Context) error {
			r, err := o.timeoutMgr.ExecuteWithTimeout(ctx, def.ID, op, to)
			inner = r
			return err
		}, backoff.ExecContext{}, backoffCfg)
	}, func() error {
		usedFallback = true
		fbRes = o.runFallback(ctx, def)
		inner = fbRes.Result
		if !fbRes.Success {
			return fbRes.Error
		}
		return nil
	})

	trace(string(StrategyCircuitFirst), stepStart, cbResult.Success, map[string]any{"breaker_state": string(cbResult.State)})

	result := ResilienceResult{
		Success:      cbResult.Success,
		Result:       inner,
		Error:        cbResult.Err,
		PatternsUsed: []string{"circuit_breaker", "timeout", "backoff"},
		Breaker:      &cbResult,
	}
	if usedFallback {
		result.PatternsUsed = append(result.PatternsUsed, "fallback")
		result.Fallback = &fbRes
	}
	return result
}

func (o *Orchestrator) runFallback(ctx context.Context, def OperationDefinition) fallback.Result {
	chain := o.chainFor(def.Service)
	if chain == nil || def.FallbackExec == nil {
		o.fallbacksUsed++
		metrics.RecordFallbackUsed("unavailable")
		return fallback.Result{Success: false, Error: fmt.Errorf("no fallback chain registered for service %q", def.Service)}
	}
	o.fallbacksUsed++
	return chain.ExecuteFallback(ctx, def.Service, def.Action, def.FallbackExec, def.FeatureCfg)
}

func (o *Orchestrator) finish(def OperationDefinition, start time.Time, result *ResilienceResult) {
	elapsed := time.Since(start)
	result.TotalExecutionTime = elapsed

	rateSample := 0.0
	if result.Success {
		rateSample = 1.0
	}
	o.successRateEMA.Update(rateSample)
	o.responseTimeEMA.Update(float64(elapsed))

	metrics.RecordOrchestratorExecution(string(result.FinalStrategy), elapsed)

	o.log.WithFields(logrus.Fields{
		"operation": def.ID,
		"service":   def.Service,
		"strategy":  result.FinalStrategy,
		"success":   result.Success,
	}).Debug("orchestrated execution complete")
}

// HealthSnapshot is a point-in-time summary of the orchestrator's shared
// metrics, used by the background health check.
type HealthSnapshot struct {
	SuccessRate     float64
	AvgResponseTime time.Duration
	OpenBreakers    int
	ActiveOps       int64
	FallbacksUsed   int64
}

// Health returns the current shared-metrics snapshot.
func (o *Orchestrator) Health() HealthSnapshot {
	open := 0
	if o.breakers != nil {
		open = o.breakers.OpenCount()
	}
	return HealthSnapshot{
		SuccessRate:     o.successRateEMA.Value(),
		AvgResponseTime: time.Duration(o.responseTimeEMA.Value()),
		OpenBreakers:    open,
		ActiveOps:       o.activeOps,
		FallbacksUsed:   o.fallbacksUsed,
	}
}

// healthCheckLoop runs every CoordinationConfig.HealthCheckInterval,
// coalescing concurrent ticks via singleflight so overlapping timers
// never run the check twice at once, and auto-degrades when configured
// thresholds are exceeded.
func (o *Orchestrator) healthCheckLoop() {
	interval := o.coordCfg.HealthCheckInterval
	if interval <= 0 {
		interval = DefaultCoordinationConfig.HealthCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_, _, _ = o.sf.Do("health_check", func() (any, error) {
				o.runHealthCheck()
				return nil, nil
			})
		case <-o.stopHealth:
			return
		}
	}
}

func (o *Orchestrator) runHealthCheck() {
	snap := o.Health()

	errorRate := 1.0 - snap.SuccessRate
	if o.degradation == nil {
		return
	}

	switch {
	case errorRate >= o.coordCfg.ErrorRateThreshold && o.coordCfg.ErrorRateThreshold > 0:
		o.degradation.Degrade(degradation.LevelReduced, "orchestrator_error_rate_threshold")
	case o.coordCfg.ResponseTimeThreshold > 0 && snap.AvgResponseTime >= o.coordCfg.ResponseTimeThreshold:
		o.degradation.Degrade(degradation.LevelReduced, "orchestrator_response_time_threshold")
	case o.coordCfg.CircuitOpenCountThreshold > 0 && snap.OpenBreakers >= o.coordCfg.CircuitOpenCountThreshold:
		o.degradation.Degrade(degradation.LevelMinimal, "orchestrator_circuit_open_count_threshold")
	}
}
