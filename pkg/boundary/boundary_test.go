package boundary_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kubernaut-resilience/pkg/backoff"
	"github.com/jordigilh/kubernaut-resilience/pkg/boundary"
	"github.com/jordigilh/kubernaut-resilience/pkg/breaker"
	"github.com/jordigilh/kubernaut-resilience/pkg/degradation"
	"github.com/jordigilh/kubernaut-resilience/pkg/orchestrator"
	"github.com/jordigilh/kubernaut-resilience/pkg/timeout"
)

func TestBoundary(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Boundary Suite")
}

func newTestOrchestrator() *orchestrator.Orchestrator {
	breakers := breaker.NewManager(breaker.DefaultConfig, nil)
	backoffEng := backoff.NewEngine()
	timeoutMgr := timeout.NewManager(timeout.NewRegistry(time.Minute, nil))
	degradationMgr := degradation.NewManager(nil, nil, nil)
	cfg := orchestrator.DefaultCoordinationConfig
	cfg.HealthCheckInterval = time.Hour
	return orchestrator.NewOrchestrator(breakers, backoffEng, timeoutMgr, degradationMgr, cfg, nil)
}

var _ = Describe("Boundary", func() {
	var (
		orch *orchestrator.Orchestrator
		b    *boundary.Boundary
	)

	AfterEach(func() {
		if orch != nil {
			orch.Stop()
		}
	})

	Describe("orchestrator-first for a non-essential call", func() {
		It("returns the orchestrator's own result on success", func() {
			orch = newTestOrchestrator()
			b = boundary.New(boundary.TypeSlackResponse, boundary.DefaultConfig, orch, nil)

			res := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
				return "posted", nil
			}, orchestrator.OperationDefinition{ID: "slack1", Service: "slack"}, nil, nil)

			Expect(res.Success).To(BeTrue())
			Expect(res.Strategy).To(Equal(boundary.StrategyOrchestratorFirst))
			Expect(b.State()).To(Equal(boundary.StateHealthy))
		})
	})

	Describe("hybrid strategy for an essential call", func() {
		It("falls back to the boundary fallback when the orchestrator fails", func() {
			orch = newTestOrchestrator()
			b = boundary.New(boundary.TypeAIProcessing, boundary.DefaultConfig, orch, nil)

			def := orchestrator.OperationDefinition{ID: "ai1", Service: "llm", Essential: true}
			res := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
				return nil, errors.New("llm unavailable")
			}, def, func(ctx context.Context) (any, error) {
				return "cached-response", nil
			}, map[string]any{"prompt": "hello"})

			Expect(res.Strategy).To(Equal(boundary.StrategyHybrid))
			Expect(res.Success).To(BeTrue())
			Expect(res.Result).To(Equal("cached-response"))
		})

		It("snapshots the request context when even the boundary fallback fails", func() {
			orch = newTestOrchestrator()
			b = boundary.New(boundary.TypeToolExecution, boundary.DefaultConfig, orch, nil)

			def := orchestrator.OperationDefinition{ID: "tool1", Service: "tool", Essential: true}
			res := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
				return nil, errors.New("tool failed")
			}, def, func(ctx context.Context) (any, error) {
				return nil, errors.New("fallback also failed")
			}, map[string]any{"args": []string{"x"}})

			Expect(res.Success).To(BeFalse())
			Expect(res.SnapshotID).NotTo(BeEmpty())

			snap, ok := b.Snapshot(res.SnapshotID)
			Expect(ok).To(BeTrue())
			Expect(snap.Blob).To(HaveKeyWithValue("args", []string{"x"}))
		})
	})

	Describe("isolation", func() {
		It("isolates after enough errors and runs boundary-first without calling the orchestrator", func() {
			orch = newTestOrchestrator()
			cfg := boundary.Config{
				MaxErrorsBeforeDegradation: 1,
				MaxErrorsBeforeIsolation:   2,
				RecoveryTimeout:            time.Hour,
				IsolationDuration:          time.Hour,
				DegradationThreshold:       100,
			}
			b = boundary.New(boundary.TypeRegistry, cfg, orch, nil)

			def := orchestrator.OperationDefinition{ID: "reg1", Service: "registry", Essential: true}
			failingOp := func(ctx context.Context) (any, error) {
				return nil, errors.New("registry down")
			}

			b.Execute(context.Background(), failingOp, def, nil, nil)
			b.Execute(context.Background(), failingOp, def, nil, nil)
			Expect(b.State()).To(Equal(boundary.StateIsolated))

			called := false
			res := b.Execute(context.Background(), func(ctx context.Context) (any, error) {
				called = true
				return "should not run", nil
			}, def, func(ctx context.Context) (any, error) {
				return "boundary-first-result", nil
			}, nil)

			Expect(called).To(BeFalse())
			Expect(res.Strategy).To(Equal(boundary.StrategyBoundaryFirst))
			Expect(res.Result).To(Equal("boundary-first-result"))
		})
	})

	Describe("recovery", func() {
		It("decrements error count on success and restores HEALTHY at zero", func() {
			orch = newTestOrchestrator()
			cfg := boundary.Config{
				MaxErrorsBeforeDegradation: 1,
				MaxErrorsBeforeIsolation:   10,
				RecoveryTimeout:            time.Hour,
				IsolationDuration:          time.Hour,
				DegradationThreshold:       100,
			}
			b = boundary.New(boundary.TypeAIProcessing, cfg, orch, nil)
			def := orchestrator.OperationDefinition{ID: "ai2", Service: "llm", Essential: true}

			b.Execute(context.Background(), func(ctx context.Context) (any, error) {
				return nil, errors.New("fail")
			}, def, func(ctx context.Context) (any, error) { return nil, errors.New("fail too") }, nil)
			Expect(b.State()).To(Equal(boundary.StateDegraded))

			b.Execute(context.Background(), func(ctx context.Context) (any, error) {
				return "ok", nil
			}, def, nil, nil)
			Expect(b.State()).To(Equal(boundary.StateHealthy))
			Expect(b.ErrorCount()).To(Equal(0))
		})
	})
})
