package admission_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jordigilh/kubernaut-resilience/pkg/activity"
	"github.com/jordigilh/kubernaut-resilience/pkg/admission"
	"github.com/jordigilh/kubernaut-resilience/pkg/counterstore"
	"github.com/jordigilh/kubernaut-resilience/pkg/penalty"
	"github.com/jordigilh/kubernaut-resilience/pkg/ratelimit"
)

func newTestGate(t *testing.T) *admission.Gate {
	t.Helper()
	store := counterstore.NewMemoryStore()
	t.Cleanup(store.Close)

	limiter := ratelimit.NewLimiter(store, map[string]ratelimit.JobTypeConfig{
		"deploy": {WindowSeconds: 60, MaxRequestsPerUser: 100, CooldownSeconds: 0},
	})
	monitor := activity.NewMonitor(activity.DefaultConfig)
	penaltyMgr := penalty.NewManager(penalty.DefaultConfig)

	return admission.NewGate(admission.DefaultConfig, limiter, monitor, penaltyMgr, prometheus.NewRegistry())
}

func TestGateRequest_AllowsNormalRequest(t *testing.T) {
	g := newTestGate(t)
	decision := g.GateRequest(context.Background(), admission.Request{
		UserID: "u1", Action: "run_job", JobType: "deploy", JobName: "job-a",
	})
	assert.True(t, decision.Allowed)
}

func TestGateRequest_BlocksPenalizedUser(t *testing.T) {
	g := newTestGate(t)

	// Trigger enough rapid identical requests to auto-apply penalties via the
	// suspicious-score path (severity follows the score band).
	for i := 0; i < 30; i++ {
		g.GateRequest(context.Background(), admission.Request{
			UserID: "u2", Action: "run_job", JobType: "deploy", JobName: "job-a",
		})
	}

	decision := g.GateRequest(context.Background(), admission.Request{
		UserID: "u2", Action: "run_job", JobType: "deploy", JobName: "job-a",
	})
	if !decision.Allowed {
		require.Error(t, decision.Err)
	}
}

func TestGateRequest_BlocksWhenPenaltyActive(t *testing.T) {
	store := counterstore.NewMemoryStore()
	defer store.Close()
	limiter := ratelimit.NewLimiter(store, nil)
	monitor := activity.NewMonitor(activity.DefaultConfig)
	penaltyMgr := penalty.NewManager(penalty.DefaultConfig)
	g := admission.NewGate(admission.DefaultConfig, limiter, monitor, penaltyMgr, prometheus.NewRegistry())

	penaltyMgr.ApplyPenalty("u3", penalty.SeverityHigh, "manual test penalty")

	decision := g.GateRequest(context.Background(), admission.Request{
		UserID: "u3", Action: "run_job", JobType: "deploy", JobName: "job-a",
	})
	assert.False(t, decision.Allowed)
	assert.Error(t, decision.Err)
}

func TestHealthSummary_EmptyRingIsHealthy(t *testing.T) {
	g := newTestGate(t)
	summary := g.HealthSummary()
	assert.Equal(t, admission.HealthHealthy, summary.Status)
}

func TestHealthSummary_ReflectsBlockRate(t *testing.T) {
	store := counterstore.NewMemoryStore()
	defer store.Close()
	limiter := ratelimit.NewLimiter(store, map[string]ratelimit.JobTypeConfig{
		"deploy": {WindowSeconds: 60, MaxRequestsPerUser: 1, CooldownSeconds: 0},
	})
	monitor := activity.NewMonitor(activity.DefaultConfig)
	penaltyMgr := penalty.NewManager(penalty.DefaultConfig)
	cfg := admission.DefaultConfig
	cfg.DegradedBlockRate = 0.1
	g := admission.NewGate(cfg, limiter, monitor, penaltyMgr, prometheus.NewRegistry())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		g.GateRequest(ctx, admission.Request{UserID: "u4", Action: "a", JobType: "deploy", JobName: "job-a"})
	}

	summary := g.HealthSummary()
	assert.Greater(t, summary.BlockRate, 0.0)
}

func TestRecentEvents_ReturnsCopy(t *testing.T) {
	g := newTestGate(t)
	g.GateRequest(context.Background(), admission.Request{UserID: "u5", Action: "a", JobType: "deploy", JobName: "job-a"})

	events := g.RecentEvents()
	require.NotEmpty(t, events)
	events[0].UserID = "mutated"

	events2 := g.RecentEvents()
	assert.NotEqual(t, "mutated", events2[0].UserID)
}
