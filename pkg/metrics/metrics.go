// Package metrics registers the Prometheus collectors shared across the
// admission and resilience components: decision counters, breaker state
// gauges, backoff delay histograms, and degradation level gauges, per
// SPEC_FULL.md §3/§10.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionDecisionsTotal counts admission decisions recorded through
	// RecordAdmissionDecision, by decision label. The admission Gate keeps
	// its own counter and does not update this one.
	AdmissionDecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_decisions_total",
		Help: "Total admission gate decisions by outcome.",
	}, []string{"decision"})

	// SuspiciousActivityTotal counts requests flagged suspicious by the
	// activity monitor, by whether a penalty was auto-applied.
	SuspiciousActivityTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "suspicious_activity_total",
		Help: "Total requests flagged suspicious by the activity monitor.",
	}, []string{"penalty_applied"})

	// PenaltiesIssuedTotal counts penalties issued by the penalty manager.
	PenaltiesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "penalties_issued_total",
		Help: "Total penalties issued, by type.",
	}, []string{"penalty_type"})

	// CircuitBreakerState reports the current state of a named breaker:
	// 0=closed, 1=half_open, 2=open.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current circuit breaker state (0=closed, 1=half_open, 2=open).",
	}, []string{"service"})

	// CircuitBreakerTripsTotal counts CLOSED/HALF_OPEN -> OPEN transitions.
	CircuitBreakerTripsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_trips_total",
		Help: "Total circuit breaker trips to OPEN, by service.",
	}, []string{"service"})

	// BackoffDelaySeconds observes the computed (post-jitter) retry delay.
	BackoffDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backoff_delay_seconds",
		Help:    "Computed retry delay before jitter-adjusted sleep, by operation.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}, []string{"operation", "strategy"})

	// BackoffAttemptsTotal counts attempts made by the backoff engine.
	BackoffAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "backoff_attempts_total",
		Help: "Total attempts made by the backoff engine, by operation and outcome.",
	}, []string{"operation", "outcome"})

	// DegradationLevel reports the current degradation level: 0=full,
	// 1=reduced, 2=minimal, 3=emergency.
	DegradationLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "degradation_level",
		Help: "Current degradation level (0=full, 1=reduced, 2=minimal, 3=emergency).",
	})

	// DegradationTransitionsTotal counts level transitions by trigger.
	DegradationTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "degradation_transitions_total",
		Help: "Total degradation level transitions, by trigger.",
	}, []string{"trigger"})

	// FallbacksUsedTotal counts fallback-chain invocations by outcome.
	FallbacksUsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fallbacks_used_total",
		Help: "Total fallback chain invocations, by outcome.",
	}, []string{"outcome"})

	// OrchestratorExecutionsTotal counts ExecuteWithResilience calls by
	// the strategy that was ultimately selected.
	OrchestratorExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orchestrator_executions_total",
		Help: "Total orchestrator executions, by selected strategy.",
	}, []string{"strategy"})

	// OrchestratorExecutionDuration observes total execution time of an
	// orchestrated call.
	OrchestratorExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orchestrator_execution_duration_seconds",
		Help:    "End-to-end duration of orchestrated executions.",
		Buckets: prometheus.DefBuckets,
	})

	// BoundaryStateTotal counts boundary state transitions.
	BoundaryStateTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "boundary_state_transitions_total",
		Help: "Total resilience boundary state transitions, by boundary type and new state.",
	}, []string{"boundary_type", "state"})

	// ActiveResourcesGauge reports resources currently registered with the
	// timeout manager's cleanup registry.
	ActiveResourcesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "timeout_manager_active_resources",
		Help: "Number of resources currently registered for cleanup.",
	})
)

// RecordAdmissionDecision increments the admission decision counter for the
// given outcome.
func RecordAdmissionDecision(decision string) {
	AdmissionDecisionsTotal.WithLabelValues(decision).Inc()
}

// RecordSuspiciousActivity increments the suspicious-activity counter.
func RecordSuspiciousActivity(penaltyApplied bool) {
	label := "false"
	if penaltyApplied {
		label = "true"
	}
	SuspiciousActivityTotal.WithLabelValues(label).Inc()
}

// RecordPenaltyIssued increments the penalties-issued counter for the given
// penalty type.
func RecordPenaltyIssued(penaltyType string) {
	PenaltiesIssuedTotal.WithLabelValues(penaltyType).Inc()
}

// SetCircuitBreakerState sets the gauge for a service's breaker state.
func SetCircuitBreakerState(service string, state float64) {
	CircuitBreakerState.WithLabelValues(service).Set(state)
}

// RecordCircuitBreakerTrip increments the trip counter for a service.
func RecordCircuitBreakerTrip(service string) {
	CircuitBreakerTripsTotal.WithLabelValues(service).Inc()
}

// RecordBackoffDelay observes a computed delay for an operation/strategy
// pair.
func RecordBackoffDelay(operation, strategy string, delay time.Duration) {
	BackoffDelaySeconds.WithLabelValues(operation, strategy).Observe(delay.Seconds())
}

// RecordBackoffAttempt increments the attempts counter for an operation.
func RecordBackoffAttempt(operation, outcome string) {
	BackoffAttemptsTotal.WithLabelValues(operation, outcome).Inc()
}

// SetDegradationLevel sets the degradation level gauge.
func SetDegradationLevel(level float64) {
	DegradationLevel.Set(level)
}

// RecordDegradationTransition increments the transition counter for a
// trigger kind.
func RecordDegradationTransition(trigger string) {
	DegradationTransitionsTotal.WithLabelValues(trigger).Inc()
}

// RecordFallbackUsed increments the fallback-usage counter for an outcome.
func RecordFallbackUsed(outcome string) {
	FallbacksUsedTotal.WithLabelValues(outcome).Inc()
}

// RecordOrchestratorExecution increments the execution counter and observes
// total duration for the selected strategy.
func RecordOrchestratorExecution(strategy string, d time.Duration) {
	OrchestratorExecutionsTotal.WithLabelValues(strategy).Inc()
	OrchestratorExecutionDuration.Observe(d.Seconds())
}

// RecordBoundaryTransition increments the boundary state-transition
// counter.
func RecordBoundaryTransition(boundaryType, state string) {
	BoundaryStateTotal.WithLabelValues(boundaryType, state).Inc()
}

// SetActiveResources sets the active-resources gauge.
func SetActiveResources(n float64) {
	ActiveResourcesGauge.Set(n)
}

// Timer measures elapsed wall-clock time for an in-flight operation.
type Timer struct {
	start time.Time
}

// NewTimer starts a new Timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Elapsed returns the time since the timer was created.
func (t *Timer) Elapsed() time.Duration {
	return time.Since(t.start)
}

// RecordOrchestratorExecution records the elapsed time as an orchestrator
// execution under the given strategy.
func (t *Timer) RecordOrchestratorExecution(strategy string) {
	RecordOrchestratorExecution(strategy, t.Elapsed())
}

// RecordBackoffDelay records the elapsed time as an observed backoff delay.
func (t *Timer) RecordBackoffDelay(operation, strategy string) {
	RecordBackoffDelay(operation, strategy, t.Elapsed())
}
