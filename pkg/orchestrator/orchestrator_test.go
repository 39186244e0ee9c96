package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kubernaut-resilience/pkg/backoff"
	"github.com/jordigilh/kubernaut-resilience/pkg/breaker"
	"github.com/jordigilh/kubernaut-resilience/pkg/degradation"
	"github.com/jordigilh/kubernaut-resilience/pkg/fallback"
	"github.com/jordigilh/kubernaut-resilience/pkg/orchestrator"
	"github.com/jordigilh/kubernaut-resilience/pkg/timeout"
)

func TestOrchestrator(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Orchestrator Suite")
}

func newOrchestrator() *orchestrator.Orchestrator {
	breakers := breaker.NewManager(breaker.DefaultConfig, nil)
	backoffEng := backoff.NewEngine()
	timeoutMgr := timeout.NewManager(timeout.NewRegistry(time.Minute, nil))
	degradationMgr := degradation.NewManager(nil, nil, nil)
	cfg := orchestrator.DefaultCoordinationConfig
	cfg.HealthCheckInterval = time.Hour
	return orchestrator.NewOrchestrator(breakers, backoffEng, timeoutMgr, degradationMgr, cfg, nil)
}

var _ = Describe("Orchestrator", func() {
	var orch *orchestrator.Orchestrator

	AfterEach(func() {
		if orch != nil {
			orch.Stop()
		}
	})

	Describe("circuit_first default strategy", func() {
		It("succeeds and records a circuit_breaker pattern", func() {
			orch = newOrchestrator()
			def := orchestrator.OperationDefinition{ID: "op1", Service: "svc1", Essential: true}

			res := orch.ExecuteWithResilience(context.Background(), func(ctx context.Context) (any, error) {
				return "ok", nil
			}, def)

			Expect(res.Success).To(BeTrue())
			Expect(res.Result).To(Equal("ok"))
			Expect(res.FinalStrategy).To(Equal(orchestrator.StrategyCircuitFirst))
			Expect(res.ExecutionPath).NotTo(BeEmpty())
		})
	})

	Describe("timeout_with_fallback when the breaker is open", func() {
		It("skips the op and uses the registered fallback", func() {
			orch = newOrchestrator()
			def := orchestrator.OperationDefinition{
				ID:      "op2",
				Service: "svc2",
				BreakerCfg: &breaker.Config{
					FailureThreshold: 1,
					RecoveryTimeout:  time.Hour,
				},
				FallbackExec: func(ctx context.Context, tool fallback.ToolCapability, action string, userIntent map[string]any) (any, error) {
					return "fallback-value", nil
				},
			}

			chain := fallback.NewChain(fallback.Config{MaxChainLength: 1}, nil)
			chain.Register(fallback.ToolCapability{Name: "alt", Actions: []string{def.Action}, Reliability: 1})
			orch.RegisterFallbackChain("svc2", chain)

			failingOp := func(ctx context.Context) (any, error) {
				return nil, errors.New("boom")
			}

			// Trip the breaker via circuit_first first.
			first := orch.ExecuteWithResilience(context.Background(), failingOp, def)
			Expect(first.Success).To(BeFalse())

			res := orch.ExecuteWithResilience(context.Background(), failingOp, def)
			Expect(res.FinalStrategy).To(Equal(orchestrator.StrategyTimeoutWithFallback))
			Expect(res.Success).To(BeTrue())
			Expect(res.Result).To(Equal("fallback-value"))
		})
	})

	Describe("degradation path", func() {
		It("delegates to the degradation manager when not at FULL", func() {
			breakers := breaker.NewManager(breaker.DefaultConfig, nil)
			backoffEng := backoff.NewEngine()
			timeoutMgr := timeout.NewManager(timeout.NewRegistry(time.Minute, nil))
			degradationMgr := degradation.NewManager(map[degradation.Level]degradation.LevelStrategy{
				degradation.LevelReduced: {
					Trigger: func(s degradation.Signals) bool { return false },
				},
			}, nil, nil)
			degradationMgr.Degrade(degradation.LevelReduced, "forced_for_test")

			cfg := orchestrator.DefaultCoordinationConfig
			cfg.HealthCheckInterval = time.Hour
			orch = orchestrator.NewOrchestrator(breakers, backoffEng, timeoutMgr, degradationMgr, cfg, nil)

			def := orchestrator.OperationDefinition{ID: "op3", Service: "svc3", Action: "format"}
			res := orch.ExecuteWithResilience(context.Background(), func(ctx context.Context) (any, error) {
				return "ran", nil
			}, def)

			Expect(res.FinalStrategy).To(Equal(orchestrator.StrategyDegradation))
			Expect(res.Success).To(BeTrue())
			Expect(*res.Degradation).To(Equal(degradation.LevelReduced))
		})
	})

	Describe("Health", func() {
		It("reports a success rate and open-breaker count", func() {
			orch = newOrchestrator()
			def := orchestrator.OperationDefinition{ID: "op4", Service: "svc4"}
			orch.ExecuteWithResilience(context.Background(), func(ctx context.Context) (any, error) {
				return "ok", nil
			}, def)

			health := orch.Health()
			Expect(health.SuccessRate).To(BeNumerically(">", 0))
		})
	})
})
