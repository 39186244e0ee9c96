// Package boundary implements C12: the resilience boundary that wraps the
// orchestrator (C11) per named boundary type, accumulating errors,
// deciding between orchestrator-first / boundary-first / hybrid execution
// strategies, and — for context-preserving boundary types — snapshotting
// the caller's request context on failure so an external store can resume
// it later.
package boundary

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut-resilience/pkg/metrics"
	"github.com/jordigilh/kubernaut-resilience/pkg/orchestrator"
)

// Type names the boundary, matching one of the system's named regions.
type Type string

const (
	TypeAIProcessing  Type = "ai_processing"
	TypeToolExecution Type = "tool_execution"
	TypeSlackResponse Type = "slack_response"
	TypeRegistry      Type = "registry"
)

// contextPreserving is the set of boundary types that snapshot their
// request context on failure, per spec.md §4.12.
var contextPreserving = map[Type]bool{
	TypeAIProcessing:  true,
	TypeToolExecution: true,
	TypeRegistry:      true,
}

// State is the boundary's coarse health classification.
type State string

const (
	StateHealthy  State = "HEALTHY"
	StateDegraded State = "DEGRADED"
	StateIsolated State = "ISOLATED"
)

// Strategy is the execution path a boundary picks for one call.
type Strategy string

const (
	StrategyOrchestratorFirst Strategy = "orchestrator_first"
	StrategyBoundaryFirst     Strategy = "boundary_first"
	StrategyHybrid            Strategy = "hybrid"
)

// Config bounds one Boundary's error-accounting thresholds.
type Config struct {
	MaxErrorsBeforeDegradation int
	MaxErrorsBeforeIsolation   int
	RecoveryTimeout            time.Duration
	IsolationDuration          time.Duration
	// DegradationThreshold is the errorCount at which non-essential calls
	// are routed orchestrator-first. Below it they take the same
	// orchestrator-first default, so it does not change their strategy;
	// only essential calls use hybrid accounting.
	DegradationThreshold int
}

var DefaultConfig = Config{
	MaxErrorsBeforeDegradation: 3,
	MaxErrorsBeforeIsolation:   8,
	RecoveryTimeout:            30 * time.Second,
	IsolationDuration:          60 * time.Second,
	DegradationThreshold:       2,
}

// ContextSnapshot is an opaque capture of a failed request's context,
// keyed by a generated ID so an external store can persist or resume it.
type ContextSnapshot struct {
	ID        string
	Blob      any
	CapturedAt time.Time
}

// Result is the outcome of one Boundary.Execute call.
type Result struct {
	Success      bool
	Result       any
	Error        error
	Strategy     Strategy
	State        State
	SnapshotID   string
	Orchestrator *orchestrator.ResilienceResult
}

// Fallback runs when the boundary is isolated or when the orchestrator path
// fails (under either the orchestrator-first or the hybrid strategy).
type Fallback func(ctx context.Context) (any, error)

// Boundary is one C12 protective region wrapping the shared orchestrator.
type Boundary struct {
	boundaryType Type
	cfg          Config
	orch         *orchestrator.Orchestrator
	log          *logrus.Entry

	mu              sync.Mutex
	state           State
	errorCount      int
	lastError       error
	lastStateChange time.Time
	isolatedUntil   time.Time
	snapshots       map[string]ContextSnapshot
}

// New builds a Boundary of boundaryType, starting HEALTHY, wrapping orch.
func New(boundaryType Type, cfg Config, orch *orchestrator.Orchestrator, logger *logrus.Logger) *Boundary {
	var entry *logrus.Entry
	if logger != nil {
		entry = logger.WithField("component", "boundary").WithField("boundary_type", string(boundaryType))
	} else {
		entry = logrus.NewEntry(logrus.New())
	}
	return &Boundary{
		boundaryType:    boundaryType,
		cfg:             cfg,
		orch:            orch,
		log:             entry,
		state:           StateHealthy,
		lastStateChange: time.Now(),
		snapshots:       make(map[string]ContextSnapshot),
	}
}

// State returns the boundary's current health classification.
func (b *Boundary) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked()
}

// stateLocked re-evaluates ISOLATED expiry and returns the current state.
// Must be called with mu held.
func (b *Boundary) stateLocked() State {
	if b.state == StateIsolated && time.Now().After(b.isolatedUntil) {
		b.state = StateDegraded
		b.lastStateChange = time.Now()
	}
	return b.state
}

// Execute runs op under the strategy selected for this boundary's current
// state and def.Essential, preserving context on failure for boundary
// types that require it.
func (b *Boundary) Execute(
	ctx context.Context,
	op func(ctx context.Context) (any, error),
	def orchestrator.OperationDefinition,
	fb Fallback,
	snapshotBlob any,
) Result {
	state := b.State()
	strategy := b.selectStrategy(state, def.Essential)

	var result Result
	switch strategy {
	case StrategyBoundaryFirst:
		result = b.runBoundaryFirst(ctx, fb, state, strategy)
	case StrategyHybrid:
		result = b.runHybrid(ctx, op, def, fb, state, strategy)
	default:
		result = b.runOrchestratorFirst(ctx, op, def, fb, state, strategy)
	}

	if !result.Success && contextPreserving[b.boundaryType] {
		result.SnapshotID = b.snapshot(snapshotBlob)
	}

	metrics.RecordBoundaryTransition(string(b.boundaryType), string(result.State))
	return result
}

func (b *Boundary) selectStrategy(state State, essential bool) Strategy {
	if state == StateIsolated {
		return StrategyBoundaryFirst
	}
	b.mu.Lock()
	errCount := b.errorCount
	b.mu.Unlock()
	if !essential && errCount >= b.cfg.DegradationThreshold {
		return StrategyOrchestratorFirst
	}
	if essential {
		return StrategyHybrid
	}
	return StrategyOrchestratorFirst
}

func (b *Boundary) runBoundaryFirst(ctx context.Context, fb Fallback, state State, strategy Strategy) Result {
	if fb == nil {
		b.recordFailure(nil)
		return Result{Success: false, Strategy: strategy, State: state}
	}
	res, err := fb(ctx)
	if err != nil {
		b.recordFailure(err)
	} else {
		b.recordSuccess()
	}
	return Result{Success: err == nil, Result: res, Error: err, Strategy: strategy, State: b.State()}
}

func (b *Boundary) runOrchestratorFirst(ctx context.Context, op func(ctx context.Context) (any, error), def orchestrator.OperationDefinition, fb Fallback, state State, strategy Strategy) Result {
	orchRes := b.orch.ExecuteWithResilience(ctx, op, def)
	if orchRes.Success {
		b.recordSuccess()
		return Result{Success: true, Result: orchRes.Result, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
	}

	b.recordFailure(orchRes.Error)
	if fb != nil {
		res, err := fb(ctx)
		if err == nil {
			return Result{Success: true, Result: res, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
		}
		return Result{Success: false, Error: err, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
	}
	return Result{Success: false, Error: orchRes.Error, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
}

// runHybrid wraps the orchestrator call inside boundary-level accounting;
// if it fails, the boundary's own fallback is tried before giving up.
func (b *Boundary) runHybrid(ctx context.Context, op func(ctx context.Context) (any, error), def orchestrator.OperationDefinition, fb Fallback, state State, strategy Strategy) Result {
	orchRes := b.orch.ExecuteWithResilience(ctx, op, def)
	if orchRes.Success {
		b.recordSuccess()
		return Result{Success: true, Result: orchRes.Result, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
	}

	b.recordFailure(orchRes.Error)
	b.log.WithFields(logrus.Fields{
		"operation": def.ID,
		"service":   def.Service,
	}).Warn("hybrid boundary: orchestrator failed, trying boundary fallback")

	if fb == nil {
		return Result{Success: false, Error: orchRes.Error, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
	}
	res, err := fb(ctx)
	if err != nil {
		return Result{Success: false, Error: err, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
	}
	return Result{Success: true, Result: res, Strategy: strategy, State: b.State(), Orchestrator: &orchRes}
}

// recordFailure increments the error count and re-evaluates state
// transitions. It never transitions back toward HEALTHY on its own — only
// recordSuccess and isolation expiry do that.
func (b *Boundary) recordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.errorCount++
	b.lastError = err

	switch {
	case b.errorCount >= b.cfg.MaxErrorsBeforeIsolation:
		if b.state != StateIsolated {
			b.state = StateIsolated
			b.lastStateChange = time.Now()
			b.log.WithField("error_count", b.errorCount).Error("boundary isolated")
		}
		b.isolatedUntil = time.Now().Add(b.cfg.IsolationDuration)
	case b.errorCount >= b.cfg.MaxErrorsBeforeDegradation:
		if b.state == StateHealthy {
			b.state = StateDegraded
			b.lastStateChange = time.Now()
			b.log.WithField("error_count", b.errorCount).Warn("boundary degraded")
		}
	}
}

// recordSuccess decrements errorCount toward zero and restores HEALTHY
// once it reaches zero, per spec.md §4.12.
func (b *Boundary) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.errorCount > 0 {
		b.errorCount--
	}
	if b.errorCount == 0 && b.state != StateHealthy {
		b.state = StateHealthy
		b.lastStateChange = time.Now()
		b.log.Info("boundary recovered to healthy")
	}
}

// snapshot records blob under a new ID and returns it. Snapshots are kept
// in-process; an external store is expected to pull them via Snapshot and
// evict via DropSnapshot once persisted or resumed.
func (b *Boundary) snapshot(blob any) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.snapshots[id] = ContextSnapshot{ID: id, Blob: blob, CapturedAt: time.Now()}
	return id
}

// Snapshot retrieves a previously captured context by ID.
func (b *Boundary) Snapshot(id string) (ContextSnapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[id]
	return snap, ok
}

// DropSnapshot discards a context snapshot once it has been persisted or
// resumed externally.
func (b *Boundary) DropSnapshot(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.snapshots, id)
}

// ErrorCount reports the current error accounting, for diagnostics.
func (b *Boundary) ErrorCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.errorCount
}

// LastError reports the most recently recorded failure, if any.
func (b *Boundary) LastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastError
}
