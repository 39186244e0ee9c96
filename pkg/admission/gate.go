// Package admission implements C5: the request-level gate composing the
// rate limiter, penalty manager, and activity monitor into a single
// allow/deny decision, emitting events and a rolling health summary.
package admission

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	apperrors "github.com/jordigilh/kubernaut-resilience/internal/errors"
	"github.com/jordigilh/kubernaut-resilience/pkg/activity"
	"github.com/jordigilh/kubernaut-resilience/pkg/penalty"
	"github.com/jordigilh/kubernaut-resilience/pkg/ratelimit"
)

// EventType classifies an admission decision for the event ring.
type EventType string

const (
	EventAllowed    EventType = "allowed"
	EventBlocked    EventType = "blocked"
	EventWarning    EventType = "warning"
	EventPenalty    EventType = "penalty"
	EventSuspicious EventType = "suspicious"
	EventError      EventType = "error"
)

// Event is one record in the bounded admission event ring.
type Event struct {
	Type      EventType
	UserID    string
	Action    string
	Timestamp time.Time
	Detail    string
}

// Request is the inbound admission check.
type Request struct {
	UserID  string
	Action  string
	JobType string
	JobName string
	Channel string
}

// Decision is the outcome of GateRequest.
type Decision struct {
	Allowed bool
	Reason  string
	Err     error
}

// Health is a coarse health classification derived from recent event rates.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// HealthSummary reports the gate's recent decision mix.
type HealthSummary struct {
	Status      Health
	ErrorRate   float64
	BlockRate   float64
	SampleCount int
}

// Config bounds the auto-apply-penalty score bands and the event ring.
type Config struct {
	AutoApplyThreshold float64
	MaxRingSize        int
	DegradedErrorRate  float64
	CriticalErrorRate  float64
	DegradedBlockRate  float64
	CriticalBlockRate  float64
}

var DefaultConfig = Config{
	AutoApplyThreshold: 70,
	MaxRingSize:        500,
	DegradedErrorRate:  0.02,
	CriticalErrorRate:  0.10,
	DegradedBlockRate:  0.20,
	CriticalBlockRate:  0.50,
}

// Gate is the C5 admission middleware.
type Gate struct {
	cfg     Config
	limiter *ratelimit.Limiter
	monitor *activity.Monitor
	penalty *penalty.Manager

	mu    sync.Mutex
	ring  []Event

	decisions *prometheus.CounterVec
}

func NewGate(cfg Config, limiter *ratelimit.Limiter, monitor *activity.Monitor, penaltyMgr *penalty.Manager, registerer prometheus.Registerer) *Gate {
	g := &Gate{
		cfg:     cfg,
		limiter: limiter,
		monitor: monitor,
		penalty: penaltyMgr,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Count of admission gate decisions by type.",
		}, []string{"type"}),
	}
	if registerer != nil {
		registerer.MustRegister(g.decisions)
	}
	return g
}

func (g *Gate) emit(e Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.Timestamp = time.Now()
	g.ring = append(g.ring, e)
	if len(g.ring) > g.cfg.MaxRingSize {
		g.ring = g.ring[len(g.ring)-g.cfg.MaxRingSize:]
	}
	g.decisions.WithLabelValues(string(e.Type)).Inc()
}

// GateRequest runs the full admission pipeline: penalty check, rate-limit
// check+record, activity recording, and conditional auto-penalty. Internal
// errors fail open (the request proceeds) but are recorded as error events
// and counted —
// admission must never become a single point of failure for the service it
// fronts.
func (g *Gate) GateRequest(ctx context.Context, req Request) Decision {
	allowed, _ := g.penalty.IsUserAllowed(req.UserID)
	if !allowed {
		g.emit(Event{Type: EventBlocked, UserID: req.UserID, Action: req.Action, Detail: "penalty active"})
		return Decision{Allowed: false, Reason: "penalty active", Err: apperrors.New(apperrors.ErrorTypePenaltyBlock, "user is currently penalized")}
	}

	check, err := g.limiter.CheckJobTrigger(ctx, req.UserID, req.JobType, req.JobName)
	if err != nil {
		g.emit(Event{Type: EventError, UserID: req.UserID, Action: req.Action, Detail: err.Error()})
		// Fail-open: internal errors never block admission.
		check = ratelimit.TriggerCheck{CanProceed: true}
	} else if !check.CanProceed {
		g.emit(Event{Type: EventBlocked, UserID: req.UserID, Action: req.Action, Detail: check.BlockReason})
		return Decision{Allowed: false, Reason: check.BlockReason, Err: ratelimit.AsDenialError(check)}
	}

	if err := g.limiter.RecordJobTrigger(ctx, req.UserID, req.JobType, req.JobName); err != nil {
		g.emit(Event{Type: EventError, UserID: req.UserID, Action: req.Action, Detail: err.Error()})
	}

	g.monitor.RecordRequest(req.UserID, activity.RequestPattern{
		Timestamp: time.Now(),
		JobType:   req.JobType,
		JobName:   req.JobName,
	})

	analysis := g.monitor.AnalyzeActivity(req.UserID)
	if analysis.IsSuspicious {
		g.emit(Event{Type: EventSuspicious, UserID: req.UserID, Action: req.Action, Detail: "suspicious activity detected"})
		if analysis.SuspiciousScore >= g.cfg.AutoApplyThreshold {
			severity := severityForScore(analysis.SuspiciousScore)
			g.penalty.ApplyPenalty(req.UserID, severity, "automated: suspicious activity score")
			g.emit(Event{Type: EventPenalty, UserID: req.UserID, Action: req.Action, Detail: string(severity)})
		}
	}

	g.emit(Event{Type: EventAllowed, UserID: req.UserID, Action: req.Action})
	return Decision{Allowed: true}
}

func severityForScore(score float64) penalty.Severity {
	switch {
	case score >= 95:
		return penalty.SeverityCritical
	case score >= 85:
		return penalty.SeverityHigh
	default:
		return penalty.SeverityMedium
	}
}

// HealthSummary derives a coarse health classification from recent error
// and block rates across the event ring.
func (g *Gate) HealthSummary() HealthSummary {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.ring) == 0 {
		return HealthSummary{Status: HealthHealthy}
	}

	var errCount, blockCount int
	for _, e := range g.ring {
		switch e.Type {
		case EventError:
			errCount++
		case EventBlocked:
			blockCount++
		}
	}

	n := float64(len(g.ring))
	errRate := float64(errCount) / n
	blockRate := float64(blockCount) / n

	status := HealthHealthy
	switch {
	case errRate >= g.cfg.CriticalErrorRate || blockRate >= g.cfg.CriticalBlockRate:
		status = HealthCritical
	case errRate >= g.cfg.DegradedErrorRate || blockRate >= g.cfg.DegradedBlockRate:
		status = HealthDegraded
	}

	return HealthSummary{
		Status:      status,
		ErrorRate:   errRate,
		BlockRate:   blockRate,
		SampleCount: len(g.ring),
	}
}

// RecentEvents returns a copy of the bounded event ring, most recent last.
func (g *Gate) RecentEvents() []Event {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Event, len(g.ring))
	copy(out, g.ring)
	return out
}
