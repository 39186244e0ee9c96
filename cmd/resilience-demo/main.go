// Command resilience-demo wires the admission-control and resilience-
// orchestration core (C1-C12) behind a small HTTP surface: POST
// /v1/admission/gate runs the C5 admission pipeline, GET /v1/health
// reports the gate's rolling health summary, and /metrics exposes every
// Prometheus collector registered across the core. It is a reference
// wiring, not a production service — config loading, transport, and
// persistence for the real downstream systems (chat platform, LLM/tool
// clients, shared counter backend) are left as the interfaces spec.md
// describes them.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut-resilience/internal/config"
	apperrors "github.com/jordigilh/kubernaut-resilience/internal/errors"
	"github.com/jordigilh/kubernaut-resilience/pkg/activity"
	"github.com/jordigilh/kubernaut-resilience/pkg/admission"
	"github.com/jordigilh/kubernaut-resilience/pkg/backoff"
	"github.com/jordigilh/kubernaut-resilience/pkg/boundary"
	"github.com/jordigilh/kubernaut-resilience/pkg/breaker"
	"github.com/jordigilh/kubernaut-resilience/pkg/counterstore"
	"github.com/jordigilh/kubernaut-resilience/pkg/degradation"
	"github.com/jordigilh/kubernaut-resilience/pkg/fallback"
	"github.com/jordigilh/kubernaut-resilience/pkg/metrics"
	"github.com/jordigilh/kubernaut-resilience/pkg/orchestrator"
	"github.com/jordigilh/kubernaut-resilience/pkg/penalty"
	"github.com/jordigilh/kubernaut-resilience/pkg/ratelimit"
	"github.com/jordigilh/kubernaut-resilience/pkg/timeout"
)

func main() {
	configPath := flag.String("config", "", "path to the startup YAML config (optional; falls back to package defaults)")
	registryPath := flag.String("server-registry", "", "path to the dynamic server-registry YAML (optional; hot-reloaded when set)")
	httpPort := flag.String("http-port", "8080", "admission/resilience HTTP port")
	metricsPort := flag.String("metrics-port", "9090", "Prometheus /metrics port")
	slackToken := flag.String("slack-token", "", "Slack bot token for the slack_response boundary demo op (optional)")
	anthropicKey := flag.String("anthropic-key", "", "Anthropic API key for the ai_processing boundary demo op (optional)")
	anthropicModel := flag.String("anthropic-model", "claude-3-5-sonnet-latest", "Anthropic model name for the ai_processing demo op")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	provider := loadProvider(*configPath, logger)
	collaborators := newDemoCollaborators(*slackToken, *anthropicKey, *anthropicModel)

	boundaries, orch, gate, registry := wire(provider, *registryPath, logger)
	defer orch.Stop()
	if registry != nil {
		defer registry.Stop()
	}

	metricsSrv := metrics.NewServer(*metricsPort, logger)
	metricsSrv.StartAsync()

	httpSrv := &http.Server{
		Addr:    ":" + *httpPort,
		Handler: newRouter(gate, orch, boundaries, collaborators, logger),
	}
	go func() {
		logger.WithField("addr", httpSrv.Addr).Info("resilience-demo listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("http server stopped unexpectedly")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http server shutdown error")
	}
	if err := metricsSrv.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("metrics server shutdown error")
	}
}

func loadProvider(path string, logger *logrus.Logger) *config.Provider {
	if path == "" {
		return config.Default().ApplyEnvOverrides()
	}
	p, err := config.Load(path)
	if err != nil {
		logger.WithError(err).Warn("failed to load config file, falling back to package defaults")
		return config.Default().ApplyEnvOverrides()
	}
	return p.ApplyEnvOverrides()
}

// wire builds C1-C12 from provider and returns the boundary set the HTTP
// layer dispatches to, the shared orchestrator, the admission gate, and
// (if registryPath is set) the dynamic server registry.
func wire(provider *config.Provider, registryPath string, logger *logrus.Logger) (map[boundary.Type]*boundary.Boundary, *orchestrator.Orchestrator, *admission.Gate, *config.Registry) {
	store := counterstore.NewFallbackStore(counterstore.NewMemoryStore(), logger)

	limiter := ratelimit.NewLimiter(store, map[string]ratelimit.JobTypeConfig{
		"deploy": provider.GetRateLimitConfig("deploy"),
		"build":  provider.GetRateLimitConfig("build"),
	})
	monitor := activity.NewMonitor(activity.DefaultConfig)
	penaltyMgr := penalty.NewManager(provider.GetPenaltyConfig())
	gate := admission.NewGate(admission.DefaultConfig, limiter, monitor, penaltyMgr, nil)

	breakers := breaker.NewManager(provider.GetBreakerConfig(""), nil)
	backoffEng := backoff.NewEngine()
	resourceRegistry := timeout.NewRegistry(5*time.Minute, nil)
	timeoutMgr := timeout.NewManager(resourceRegistry)

	strategies := map[degradation.Level]degradation.LevelStrategy{}
	for level, spec := range provider.GetDegradationStrategies() {
		features := make([]degradation.FeatureConfig, 0, len(spec.DisabledFeatures))
		for _, name := range spec.DisabledFeatures {
			features = append(features, degradation.FeatureConfig{Name: name, DegradedBehavior: degradation.BehaviorDisable})
		}
		strategies[level] = degradation.LevelStrategy{
			Trigger:            spec.BuildTrigger(),
			Features:           features,
			RecoveryConditions: spec.RecoveryConditions,
		}
	}
	degradationMgr := degradation.NewManager(strategies, nil, logger)

	orch := orchestrator.NewOrchestrator(breakers, backoffEng, timeoutMgr, degradationMgr, orchestrator.DefaultCoordinationConfig, logger)

	boundaries := map[boundary.Type]*boundary.Boundary{
		boundary.TypeAIProcessing:  boundary.New(boundary.TypeAIProcessing, provider.GetBoundaryConfig(boundary.TypeAIProcessing), orch, logger),
		boundary.TypeToolExecution: boundary.New(boundary.TypeToolExecution, provider.GetBoundaryConfig(boundary.TypeToolExecution), orch, logger),
		boundary.TypeSlackResponse: boundary.New(boundary.TypeSlackResponse, provider.GetBoundaryConfig(boundary.TypeSlackResponse), orch, logger),
		boundary.TypeRegistry:      boundary.New(boundary.TypeRegistry, provider.GetBoundaryConfig(boundary.TypeRegistry), orch, logger),
	}

	var reg *config.Registry
	if registryPath != "" {
		toolChain := fallback.NewChain(fallback.DefaultConfig, logger)
		orch.RegisterFallbackChain("tool_execution", toolChain)

		var err error
		reg, err = config.NewRegistry(registryPath, logger)
		if err != nil {
			logger.WithError(err).Warn("failed to load server registry, tool_execution fallback chain starts empty")
		} else {
			registerAllServers(toolChain, reg)
			reg.On(config.EventServerAdded, func(e config.RegistryEvent) { applyServerEvent(toolChain, e) })
			reg.On(config.EventServerUpdated, func(e config.RegistryEvent) { applyServerEvent(toolChain, e) })
			reg.On(config.EventServerRemoved, func(e config.RegistryEvent) {
				if e.Before != nil {
					toolChain.Unregister(e.Before.ID)
				}
			})
			if err := reg.Watch(); err != nil {
				logger.WithError(err).Warn("server registry hot-reload watcher failed to start")
			}
		}
	}

	return boundaries, orch, gate, reg
}

func registerAllServers(chain *fallback.Chain, reg *config.Registry) {
	for id, srv := range reg.Servers() {
		if !srv.Enabled {
			continue
		}
		chain.Register(fallback.ToolCapability{
			Name:         id,
			Actions:      srv.Capabilities,
			Reliability:  1,
			FallbackPriority: srv.Priority,
		})
	}
}

func applyServerEvent(chain *fallback.Chain, e config.RegistryEvent) {
	if e.After == nil || !e.After.Enabled {
		if e.After != nil {
			chain.Unregister(e.After.ID)
		}
		return
	}
	chain.Register(fallback.ToolCapability{
		Name:             e.After.ID,
		Actions:          e.After.Capabilities,
		Reliability:      1,
		FallbackPriority:  e.After.Priority,
	})
}

func newRouter(gate *admission.Gate, orch *orchestrator.Orchestrator, boundaries map[boundary.Type]*boundary.Boundary, collaborators *demoCollaborators, logger *logrus.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Post("/v1/admission/gate", handleGateRequest(gate))
	r.Get("/v1/health", handleHealth(gate))
	r.Get("/v1/boundaries", handleBoundaries(boundaries))
	r.Post("/v1/demo/ai-processing", handleAIProcessing(boundaries[boundary.TypeAIProcessing], collaborators))
	r.Post("/v1/demo/slack-response", handleSlackResponse(boundaries[boundary.TypeSlackResponse], collaborators))

	return r
}

type aiProcessingBody struct {
	Prompt string `json:"prompt"`
}

// handleAIProcessing runs an LLM completion through the ai_processing
// boundary, demonstrating hybrid-strategy fallback and context snapshotting
// when both the orchestrator and the boundary's own fallback fail.
func handleAIProcessing(b *boundary.Boundary, c *demoCollaborators) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body aiProcessingBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Prompt == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "prompt is required"})
			return
		}

		def := orchestrator.OperationDefinition{ID: "ai_processing.complete", Service: "llm", Action: "complete", Essential: true}
		res := b.Execute(r.Context(), c.llmCompletionOp(body.Prompt), def, nil, map[string]any{"prompt": body.Prompt})
		writeBoundaryResult(w, res)
	}
}

type slackResponseBody struct {
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

// handleSlackResponse posts text to channel through the slack_response
// boundary as a non-essential (orchestrator-first) call. slack_response does
// not preserve context, so a failure carries no snapshotId.
func handleSlackResponse(b *boundary.Boundary, c *demoCollaborators) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body slackResponseBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Channel == "" || body.Text == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "channel and text are required"})
			return
		}

		def := orchestrator.OperationDefinition{ID: "slack_response.post", Service: "slack", Action: "post_message"}
		res := b.Execute(r.Context(), c.slackPostOp(body.Channel, body.Text), def, nil, map[string]any{"channel": body.Channel, "text": body.Text})
		writeBoundaryResult(w, res)
	}
}

func writeBoundaryResult(w http.ResponseWriter, res boundary.Result) {
	if res.Success {
		writeJSON(w, http.StatusOK, map[string]any{"result": res.Result, "strategy": res.Strategy})
		return
	}
	status := http.StatusServiceUnavailable
	resp := map[string]any{"error": "operation_failed", "strategy": res.Strategy, "state": res.State}
	if res.Error != nil {
		resp["message"] = res.Error.Error()
	}
	if res.SnapshotID != "" {
		resp["snapshotId"] = res.SnapshotID
	}
	writeJSON(w, status, resp)
}

type gateRequestBody struct {
	UserID  string `json:"userId"`
	Action  string `json:"action"`
	JobType string `json:"jobType"`
	JobName string `json:"jobName"`
	Channel string `json:"channel"`
}

// handleGateRequest renders GateRequest per spec.md §6: 429 with
// {error, message, retryAfter} for any denial, 200 when allowed.
func handleGateRequest(gate *admission.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body gateRequestBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": err.Error()})
			return
		}
		if body.UserID == "" || body.Action == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request", "message": "userId and action are required"})
			return
		}

		decision := gate.GateRequest(r.Context(), admission.Request{
			UserID:  body.UserID,
			Action:  body.Action,
			JobType: body.JobType,
			JobName: body.JobName,
			Channel: body.Channel,
		})

		if decision.Allowed {
			writeJSON(w, http.StatusOK, map[string]any{"allowed": true})
			return
		}

		resp := map[string]any{"error": string(apperrors.GetType(decision.Err)), "message": decision.Reason}
		if retryAfter, ok := retryAfterSeconds(decision.Err); ok {
			resp["retryAfter"] = retryAfter
		}
		writeJSON(w, http.StatusTooManyRequests, resp)
	}
}

func handleHealth(gate *admission.Gate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary := gate.HealthSummary()
		status := http.StatusOK
		if summary.Status == admission.HealthCritical {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, summary)
	}
}

func handleBoundaries(boundaries map[boundary.Type]*boundary.Boundary) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make(map[string]any, len(boundaries))
		for t, b := range boundaries {
			out[string(t)] = map[string]any{
				"state":      b.State(),
				"errorCount": b.ErrorCount(),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// retryAfterSeconds extracts the "retry_after=<n>s" detail NewRateLimitError
// and NewCooldownError attach, so the HTTP layer can surface it as a typed
// field instead of making callers parse AppError.Details themselves.
func retryAfterSeconds(err error) (int, bool) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		return 0, false
	}
	var n int
	if _, scanErr := fmt.Sscanf(appErr.Details, "retry_after=%ds", &n); scanErr != nil {
		return 0, false
	}
	return n, true
}
