// Package degradation implements C9: a four-level graceful-degradation
// manager (FULL > REDUCED > MINIMAL > EMERGENCY). Each non-FULL level
// disables or reshapes a configured set of features and installs recovery
// timers that attempt to step the system back up once its trigger clears.
package degradation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut-resilience/pkg/metrics"
)

// Level is one of the four degradation levels, ordered best-to-worst for
// numeric comparison (Level 0 is the healthiest).
type Level int

const (
	LevelFull Level = iota
	LevelReduced
	LevelMinimal
	LevelEmergency
)

func (l Level) String() string {
	switch l {
	case LevelFull:
		return "FULL"
	case LevelReduced:
		return "REDUCED"
	case LevelMinimal:
		return "MINIMAL"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Behavior is how a feature responds when disabled at the current level.
type Behavior string

const (
	BehaviorDisable  Behavior = "disable"
	BehaviorSimplify Behavior = "simplify"
	BehaviorCache    Behavior = "cache"
	BehaviorFallback Behavior = "fallback"
)

// TriggerFunc evaluates whether the owning level's entry condition holds,
// given the manager's current health signals.
type TriggerFunc func(signals Signals) bool

// Signals are the health inputs a trigger may consult.
type Signals struct {
	ErrorRate     float64
	ResponseTime  time.Duration
	ResourceUsage float64
}

// FeatureConfig describes one feature's behavior once its owning level is
// active.
type FeatureConfig struct {
	Name             string
	Essential        bool
	DegradedBehavior Behavior
	FallbackValue    any
	SimplifiedImpl   func(ctx context.Context) (any, error)
}

// RecoveryConditionType selects how a recovery condition is evaluated.
type RecoveryConditionType string

const (
	RecoveryByTime   RecoveryConditionType = "time"
	RecoveryByHealth RecoveryConditionType = "health"
	RecoveryManual   RecoveryConditionType = "manual"
	RecoveryByMetric RecoveryConditionType = "metric"
)

// RecoveryCondition is one way a level can be exited back toward FULL.
type RecoveryCondition struct {
	Type          RecoveryConditionType
	Threshold     float64
	Duration      time.Duration
	CheckInterval time.Duration
}

// LevelStrategy is the full configuration for one non-FULL level.
type LevelStrategy struct {
	Trigger            TriggerFunc
	Features           []FeatureConfig
	RecoveryConditions []RecoveryCondition
}

// HistoryEntry records one transition.
type HistoryEntry struct {
	Timestamp time.Time
	Level     Level
	Trigger   string
	Duration  time.Duration
}

// HealthProbe reports current signals for a recovery condition of type
// "health" to evaluate against.
type HealthProbe func() Signals

// Manager is the C9 degradation state machine. All level transitions are
// serialized through mu; only the manager itself ever changes currentLevel.
type Manager struct {
	mu sync.Mutex

	currentLevel Level
	strategies   map[Level]LevelStrategy
	enteredAt    time.Time
	history      []HistoryEntry

	probe HealthProbe
	log   *logrus.Entry

	recoveryCancel context.CancelFunc
}

// NewManager builds a Manager starting at LevelFull. strategies need not
// include an entry for LevelFull (FULL has no trigger or degraded
// features by definition).
func NewManager(strategies map[Level]LevelStrategy, probe HealthProbe, logger *logrus.Logger) *Manager {
	var entry *logrus.Entry
	if logger != nil {
		entry = logger.WithField("component", "degradation_manager")
	} else {
		entry = logrus.NewEntry(logrus.New())
	}
	if strategies == nil {
		strategies = map[Level]LevelStrategy{}
	}
	m := &Manager{
		currentLevel: LevelFull,
		strategies:   strategies,
		enteredAt:    time.Now(),
		probe:        probe,
		log:          entry,
	}
	metrics.SetDegradationLevel(float64(LevelFull))
	return m
}

// CurrentLevel returns the active level.
func (m *Manager) CurrentLevel() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLevel
}

// History returns a copy of recorded transitions.
func (m *Manager) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// featureAt finds a feature's config at a given level, if disabled there.
func (m *Manager) featureAt(level Level, name string) (FeatureConfig, bool) {
	strat, ok := m.strategies[level]
	if !ok {
		return FeatureConfig{}, false
	}
	for _, f := range strat.Features {
		if f.Name == name {
			return f, true
		}
	}
	return FeatureConfig{}, false
}

// ExecuteWithDegradation runs op unless the named feature is disabled at
// the current level, in which case it applies the feature's configured
// degraded behavior instead. After running op (whether it succeeded or
// not, and at any level), it evaluates every non-FULL level's trigger
// against signals and transitions down to the worst one that fires.
func (m *Manager) ExecuteWithDegradation(ctx context.Context, name string, op func(ctx context.Context) (any, error), signals Signals) (any, error) {
	m.mu.Lock()
	level := m.currentLevel
	feature, disabled := m.featureAt(level, name)
	m.mu.Unlock()

	if disabled {
		return m.applyDegradedBehavior(ctx, feature)
	}

	result, err := op(ctx)

	m.evaluateTriggers(signals)

	return result, err
}

func (m *Manager) applyDegradedBehavior(ctx context.Context, feature FeatureConfig) (any, error) {
	switch feature.DegradedBehavior {
	case BehaviorDisable:
		return nil, fmt.Errorf("disabled-feature: %s", feature.Name)
	case BehaviorCache, BehaviorFallback:
		return feature.FallbackValue, nil
	case BehaviorSimplify:
		if feature.SimplifiedImpl == nil {
			return nil, fmt.Errorf("disabled-feature: %s (no simplified implementation configured)", feature.Name)
		}
		return feature.SimplifiedImpl(ctx)
	default:
		return nil, fmt.Errorf("disabled-feature: %s", feature.Name)
	}
}

// evaluateTriggers walks REDUCED..EMERGENCY in worsening order and
// transitions to the worst level whose trigger fires, if worse than the
// current level. It never steps down to a better level on its own —
// recovery is the job of the recovery timers/health probes.
func (m *Manager) evaluateTriggers(signals Signals) {
	m.mu.Lock()
	defer m.mu.Unlock()

	target := m.currentLevel
	triggerName := ""
	for _, lvl := range []Level{LevelReduced, LevelMinimal, LevelEmergency} {
		strat, ok := m.strategies[lvl]
		if !ok || strat.Trigger == nil {
			continue
		}
		if strat.Trigger(signals) && lvl > target {
			target = lvl
			triggerName = fmt.Sprintf("level_%s_trigger", lvl.String())
		}
	}

	if target == m.currentLevel {
		return
	}
	m.transitionLocked(target, triggerName)
}

// Degrade forces a transition to level, recording trigger as the reason.
// Used by the orchestrator's health-check loop for externally-observed
// auto-degrade thresholds.
func (m *Manager) Degrade(level Level, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if level <= m.currentLevel {
		return
	}
	m.transitionLocked(level, trigger)
}

// Recover forces an immediate step back to FULL, for a manual recovery
// condition or administrative override.
func (m *Manager) Recover(trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentLevel == LevelFull {
		return
	}
	m.transitionLocked(LevelFull, trigger)
}

// transitionLocked must be called with mu held. It commits the level
// change, records history, updates metrics, and (re)installs recovery
// monitoring for the new level.
func (m *Manager) transitionLocked(level Level, trigger string) {
	now := time.Now()
	m.history = append(m.history, HistoryEntry{
		Timestamp: now,
		Level:     m.currentLevel,
		Trigger:   trigger,
		Duration:  now.Sub(m.enteredAt),
	})

	prev := m.currentLevel
	m.currentLevel = level
	m.enteredAt = now

	metrics.SetDegradationLevel(float64(level))
	metrics.RecordDegradationTransition(trigger)
	m.log.WithFields(logrus.Fields{
		"from":    prev.String(),
		"to":      level.String(),
		"trigger": trigger,
	}).Warn("degradation level transition")

	if m.recoveryCancel != nil {
		m.recoveryCancel()
		m.recoveryCancel = nil
	}
	if level != LevelFull {
		m.installRecoveryLocked(level)
	}
}

// installRecoveryLocked starts one goroutine per configured recovery
// condition for level. Must be called with mu held.
func (m *Manager) installRecoveryLocked(level Level) {
	strat, ok := m.strategies[level]
	if !ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.recoveryCancel = cancel

	for _, cond := range strat.RecoveryConditions {
		go m.runRecoveryCondition(ctx, level, cond)
	}
}

func (m *Manager) runRecoveryCondition(ctx context.Context, level Level, cond RecoveryCondition) {
	switch cond.Type {
	case RecoveryByTime:
		timer := time.NewTimer(cond.Duration)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.maybeRecover(level, "time_elapsed")
		}

	case RecoveryManual:
		// Recovery is driven externally via Manager.Recover; nothing to
		// poll here.
		return

	case RecoveryByHealth, RecoveryByMetric:
		interval := cond.CheckInterval
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var healthyDuration time.Duration
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.probe == nil {
					continue
				}
				signals := m.probe()
				if signals.ErrorRate < cond.Threshold {
					healthyDuration += interval
					if healthyDuration >= cond.Duration {
						m.maybeRecover(level, fmt.Sprintf("%s_below_threshold", cond.Type))
						return
					}
				} else {
					healthyDuration = 0
				}
			}
		}
	}
}

// maybeRecover steps back exactly one level below `from`, since a
// recovery condition firing for `from` only vouches for exiting that
// level, not for skipping straight to FULL.
func (m *Manager) maybeRecover(from Level, trigger string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.currentLevel != from {
		return
	}
	next := from - 1
	m.transitionLocked(next, trigger)
}
