// Package config implements the core's read-through ConfigProvider over a
// YAML startup configuration file, plus env-var overrides for the handful
// of values spec.md §6 calls out as visible to the core (boundary
// thresholds, default timeouts, recovery intervals). The counter backend
// URL, chat-platform transport, and LLM/tool client settings are read here
// too, but only as opaque strings handed to those external collaborators —
// this package never constructs a Redis client, Slack client, or LLM
// client itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jordigilh/kubernaut-resilience/pkg/backoff"
	"github.com/jordigilh/kubernaut-resilience/pkg/boundary"
	"github.com/jordigilh/kubernaut-resilience/pkg/breaker"
	"github.com/jordigilh/kubernaut-resilience/pkg/degradation"
	"github.com/jordigilh/kubernaut-resilience/pkg/penalty"
	"github.com/jordigilh/kubernaut-resilience/pkg/ratelimit"
	"github.com/jordigilh/kubernaut-resilience/pkg/timeout"
)

// ConfigProvider is the read-only surface every component consults for its
// own configuration, per spec.md §6. Components never read YAML or env
// vars directly — they go through this interface, so a test can supply a
// fake implementation without touching the filesystem.
type ConfigProvider interface {
	GetPenaltyConfig() penalty.Config
	GetRateLimitConfig(jobType string) ratelimit.JobTypeConfig
	GetBreakerConfig(service string) breaker.Config
	GetBackoffConfig(opID string) backoff.Config
	GetTimeoutConfig() timeout.Config
	GetDegradationStrategies() map[degradation.Level]DegradationLevelSpec
}

// DegradationLevelSpec is the data-only description of one non-FULL
// degradation level, read from config. It omits LevelStrategy's function
// fields (Trigger, SimplifiedImpl) — those are installed by the caller
// that builds a degradation.Manager from this spec, since "compare current
// error rate to a threshold" is itself plain Go that belongs in code, not
// serialized config.
type DegradationLevelSpec struct {
	ErrorRateThreshold    float64
	ResponseTimeThreshold time.Duration
	ResourceUsageThreshold float64
	DisabledFeatures      []string
	RecoveryConditions    []degradation.RecoveryCondition
}

// BuildTrigger returns a degradation.TriggerFunc that fires when any
// configured threshold is exceeded. A zero threshold is treated as "not
// configured" and never fires on its own.
func (s DegradationLevelSpec) BuildTrigger() degradation.TriggerFunc {
	return func(signals degradation.Signals) bool {
		if s.ErrorRateThreshold > 0 && signals.ErrorRate >= s.ErrorRateThreshold {
			return true
		}
		if s.ResponseTimeThreshold > 0 && signals.ResponseTime >= s.ResponseTimeThreshold {
			return true
		}
		if s.ResourceUsageThreshold > 0 && signals.ResourceUsage >= s.ResourceUsageThreshold {
			return true
		}
		return false
	}
}

// yamlDoc mirrors the on-disk startup configuration layout. Field names
// follow the YAML keys directly; conversions to the pkg-native Config
// types happen in fromYAML.
type yamlDoc struct {
	CounterBackendURL string `yaml:"counter_backend_url"`

	Penalty struct {
		BaseTimeout           string `yaml:"base_timeout"`
		EscalationMultiplier  float64 `yaml:"escalation_multiplier"`
		MaxTimeout            string `yaml:"max_timeout"`
		PermanentBanThreshold int    `yaml:"permanent_ban_threshold"`
		MaxAppealsPerUser     int    `yaml:"max_appeals_per_user"`
	} `yaml:"penalty"`

	RateLimits map[string]struct {
		WindowSeconds      int   `yaml:"window_seconds"`
		MaxRequestsPerUser int64 `yaml:"max_requests_per_user"`
		CooldownSeconds    int   `yaml:"cooldown_seconds"`
	} `yaml:"rate_limits"`

	Breakers map[string]struct {
		FailureThreshold int     `yaml:"failure_threshold"`
		ErrorRate        float64 `yaml:"error_rate"`
		VolumeThreshold  int     `yaml:"volume_threshold"`
		TimeWindow       string  `yaml:"time_window"`
		RecoveryTimeout  string  `yaml:"recovery_timeout"`
		SuccessThreshold int     `yaml:"success_threshold"`
		HistorySize      int     `yaml:"history_size"`
	} `yaml:"breakers"`

	Backoffs map[string]struct {
		Strategy            string  `yaml:"strategy"`
		BaseDelayMs          float64 `yaml:"base_delay_ms"`
		Multiplier           float64 `yaml:"multiplier"`
		MaxDelay             string  `yaml:"max_delay"`
		MaxAttempts          int     `yaml:"max_attempts"`
		TotalTimeout         string  `yaml:"total_timeout"`
		OperationTimeout     string  `yaml:"operation_timeout"`
		Jitter               string  `yaml:"jitter"`
		AdaptiveErrorType    bool    `yaml:"adaptive_error_type"`
		AdaptiveSuccessRate  bool    `yaml:"adaptive_success_rate"`
		AdaptiveSystemLoad   bool    `yaml:"adaptive_system_load"`
	} `yaml:"backoffs"`

	Timeout struct {
		OperationTimeout string `yaml:"operation_timeout"`
		GlobalTimeout    string `yaml:"global_timeout"`
		CleanupTimeout   string `yaml:"cleanup_timeout"`
	} `yaml:"timeout"`

	Degradation map[string]struct {
		ErrorRateThreshold     float64  `yaml:"error_rate_threshold"`
		ResponseTimeThreshold  string   `yaml:"response_time_threshold"`
		ResourceUsageThreshold float64  `yaml:"resource_usage_threshold"`
		DisabledFeatures       []string `yaml:"disabled_features"`
	} `yaml:"degradation"`

	Boundaries map[string]struct {
		MaxErrorsBeforeDegradation int    `yaml:"max_errors_before_degradation"`
		MaxErrorsBeforeIsolation   int    `yaml:"max_errors_before_isolation"`
		RecoveryTimeout            string `yaml:"recovery_timeout"`
		IsolationDuration          string `yaml:"isolation_duration"`
		DegradationThreshold       int    `yaml:"degradation_threshold"`
	} `yaml:"boundaries"`
}

// Provider is the concrete ConfigProvider: an immutable snapshot loaded
// once from YAML at startup plus a small set of env-var overrides. It is
// safe for concurrent reads from many goroutines.
type Provider struct {
	mu sync.RWMutex

	counterBackendURL string

	penaltyCfg      penalty.Config
	rateLimits      map[string]ratelimit.JobTypeConfig
	breakers        map[string]breaker.Config
	backoffs        map[string]backoff.Config
	timeoutCfg      timeout.Config
	degradationSpec map[degradation.Level]DegradationLevelSpec
	boundaries      map[boundary.Type]boundary.Config
}

// Default builds a Provider from every component's package-level defaults,
// with no file and no overrides — the zero-config starting point.
func Default() *Provider {
	return &Provider{
		counterBackendURL: "",
		penaltyCfg:        penalty.DefaultConfig,
		rateLimits:        map[string]ratelimit.JobTypeConfig{},
		breakers:          map[string]breaker.Config{},
		backoffs:          map[string]backoff.Config{},
		timeoutCfg:        timeout.DefaultConfig,
		degradationSpec:   map[degradation.Level]DegradationLevelSpec{},
		boundaries:        map[boundary.Type]boundary.Config{},
	}
}

// Load reads path as YAML and builds a Provider, falling back to each
// component's own defaults for any field/section the file omits. Durations
// that fail to parse fall back to the field's own default rather than
// failing the whole load — a typo in one knob should not take the process
// down at startup.
func Load(path string) (*Provider, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var doc yamlDoc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return fromYAML(doc), nil
}

func fromYAML(doc yamlDoc) *Provider {
	p := Default()
	p.counterBackendURL = doc.CounterBackendURL

	if doc.Penalty.BaseTimeout != "" || doc.Penalty.MaxTimeout != "" || doc.Penalty.PermanentBanThreshold > 0 ||
		doc.Penalty.EscalationMultiplier > 0 || doc.Penalty.MaxAppealsPerUser > 0 {
		cfg := penalty.DefaultConfig
		if d, ok := parseDuration(doc.Penalty.BaseTimeout); ok {
			cfg.BaseTimeout = d
		}
		if doc.Penalty.EscalationMultiplier > 0 {
			cfg.EscalationMultiplier = doc.Penalty.EscalationMultiplier
		}
		if d, ok := parseDuration(doc.Penalty.MaxTimeout); ok {
			cfg.MaxTimeout = d
		}
		if doc.Penalty.PermanentBanThreshold > 0 {
			cfg.PermanentBanThreshold = doc.Penalty.PermanentBanThreshold
		}
		if doc.Penalty.MaxAppealsPerUser > 0 {
			cfg.MaxAppealsPerUser = doc.Penalty.MaxAppealsPerUser
		}
		p.penaltyCfg = cfg
	}

	for jobType, rl := range doc.RateLimits {
		p.rateLimits[jobType] = ratelimit.JobTypeConfig{
			WindowSeconds:      orInt(rl.WindowSeconds, ratelimit.DefaultJobTypeConfig.WindowSeconds),
			MaxRequestsPerUser: orInt64(rl.MaxRequestsPerUser, ratelimit.DefaultJobTypeConfig.MaxRequestsPerUser),
			CooldownSeconds:    orInt(rl.CooldownSeconds, ratelimit.DefaultJobTypeConfig.CooldownSeconds),
		}
	}

	for service, bc := range doc.Breakers {
		cfg := breaker.DefaultConfig
		cfg.FailureThreshold = orInt(bc.FailureThreshold, cfg.FailureThreshold)
		if bc.ErrorRate > 0 {
			cfg.ErrorRate = bc.ErrorRate
		}
		cfg.VolumeThreshold = orInt(bc.VolumeThreshold, cfg.VolumeThreshold)
		if d, ok := parseDuration(bc.TimeWindow); ok {
			cfg.TimeWindow = d
		}
		if d, ok := parseDuration(bc.RecoveryTimeout); ok {
			cfg.RecoveryTimeout = d
		}
		cfg.SuccessThreshold = orInt(bc.SuccessThreshold, cfg.SuccessThreshold)
		cfg.HistorySize = orInt(bc.HistorySize, cfg.HistorySize)
		p.breakers[service] = cfg
	}

	for opID, bo := range doc.Backoffs {
		cfg := backoff.DefaultConfig
		if bo.Strategy != "" {
			cfg.Strategy = backoff.Strategy(bo.Strategy)
		}
		if bo.BaseDelayMs > 0 {
			cfg.BaseDelayMs = bo.BaseDelayMs
		}
		if bo.Multiplier > 0 {
			cfg.Multiplier = bo.Multiplier
		}
		if d, ok := parseDuration(bo.MaxDelay); ok {
			cfg.MaxDelay = d
		}
		cfg.MaxAttempts = orInt(bo.MaxAttempts, cfg.MaxAttempts)
		if d, ok := parseDuration(bo.TotalTimeout); ok {
			cfg.TotalTimeout = d
		}
		if d, ok := parseDuration(bo.OperationTimeout); ok {
			cfg.OperationTimeout = d
		}
		if bo.Jitter != "" {
			cfg.Jitter = backoff.JitterMode(bo.Jitter)
		}
		cfg.AdaptiveErrorType = bo.AdaptiveErrorType
		cfg.AdaptiveSuccessRate = bo.AdaptiveSuccessRate
		cfg.AdaptiveSystemLoad = bo.AdaptiveSystemLoad
		p.backoffs[opID] = cfg
	}

	timeoutCfg := timeout.DefaultConfig
	if d, ok := parseDuration(doc.Timeout.OperationTimeout); ok {
		timeoutCfg.OperationTimeout = d
	}
	if d, ok := parseDuration(doc.Timeout.GlobalTimeout); ok {
		timeoutCfg.GlobalTimeout = d
	}
	if d, ok := parseDuration(doc.Timeout.CleanupTimeout); ok {
		timeoutCfg.CleanupTimeout = d
	}
	p.timeoutCfg = timeoutCfg

	for name, deg := range doc.Degradation {
		lvl, ok := parseLevel(name)
		if !ok {
			continue
		}
		spec := DegradationLevelSpec{
			ErrorRateThreshold:     deg.ErrorRateThreshold,
			ResourceUsageThreshold: deg.ResourceUsageThreshold,
			DisabledFeatures:       deg.DisabledFeatures,
		}
		if d, ok := parseDuration(deg.ResponseTimeThreshold); ok {
			spec.ResponseTimeThreshold = d
		}
		p.degradationSpec[lvl] = spec
	}

	for name, bd := range doc.Boundaries {
		cfg := boundary.DefaultConfig
		cfg.MaxErrorsBeforeDegradation = orInt(bd.MaxErrorsBeforeDegradation, cfg.MaxErrorsBeforeDegradation)
		cfg.MaxErrorsBeforeIsolation = orInt(bd.MaxErrorsBeforeIsolation, cfg.MaxErrorsBeforeIsolation)
		if d, ok := parseDuration(bd.RecoveryTimeout); ok {
			cfg.RecoveryTimeout = d
		}
		if d, ok := parseDuration(bd.IsolationDuration); ok {
			cfg.IsolationDuration = d
		}
		cfg.DegradationThreshold = orInt(bd.DegradationThreshold, cfg.DegradationThreshold)
		p.boundaries[boundary.Type(name)] = cfg
	}

	return p
}

// ApplyEnvOverrides layers environment-variable overrides for the knobs
// spec.md §6 names as visible to the core: boundary thresholds, default
// timeouts, recovery intervals. Unset or unparsable variables are
// silently skipped, leaving the YAML/default value in place.
func (p *Provider) ApplyEnvOverrides() *Provider {
	p.mu.Lock()
	defer p.mu.Unlock()

	if v, ok := envDuration("RESILIENCE_DEFAULT_TIMEOUT"); ok {
		p.timeoutCfg.OperationTimeout = v
	}
	_, recoverySet := envDuration("RESILIENCE_RECOVERY_TIMEOUT")
	_, isolationSet := envInt("RESILIENCE_MAX_ERRORS_BEFORE_ISOLATION")
	if recoverySet || isolationSet {
		// Boundaries absent from the YAML still take the override, on top
		// of their package default.
		for _, t := range []boundary.Type{boundary.TypeAIProcessing, boundary.TypeToolExecution, boundary.TypeSlackResponse, boundary.TypeRegistry} {
			if _, ok := p.boundaries[t]; !ok {
				p.boundaries[t] = boundary.DefaultConfig
			}
		}
	}
	if v, ok := envDuration("RESILIENCE_RECOVERY_TIMEOUT"); ok {
		for t, cfg := range p.boundaries {
			cfg.RecoveryTimeout = v
			p.boundaries[t] = cfg
		}
	}
	if v, ok := os.LookupEnv("RESILIENCE_COUNTER_BACKEND_URL"); ok && v != "" {
		p.counterBackendURL = v
	}
	if v, ok := envInt("RESILIENCE_MAX_ERRORS_BEFORE_ISOLATION"); ok {
		for t, cfg := range p.boundaries {
			cfg.MaxErrorsBeforeIsolation = v
			p.boundaries[t] = cfg
		}
	}
	return p
}

// CounterBackendURL is the logical name/URL for the shared counter-store
// backend (e.g. a Redis connection string). The core treats it as an
// opaque string handed to the backend's own constructor.
func (p *Provider) CounterBackendURL() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.counterBackendURL
}

func (p *Provider) GetPenaltyConfig() penalty.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.penaltyCfg
}

func (p *Provider) GetRateLimitConfig(jobType string) ratelimit.JobTypeConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.rateLimits[jobType]; ok {
		return cfg
	}
	return ratelimit.DefaultJobTypeConfig
}

func (p *Provider) GetBreakerConfig(service string) breaker.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.breakers[service]; ok {
		return cfg
	}
	return breaker.DefaultConfig
}

func (p *Provider) GetBackoffConfig(opID string) backoff.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.backoffs[opID]; ok {
		return cfg
	}
	return backoff.DefaultConfig
}

func (p *Provider) GetTimeoutConfig() timeout.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.timeoutCfg
}

func (p *Provider) GetDegradationStrategies() map[degradation.Level]DegradationLevelSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[degradation.Level]DegradationLevelSpec, len(p.degradationSpec))
	for k, v := range p.degradationSpec {
		out[k] = v
	}
	return out
}

// GetBoundaryConfig is an extra read-through accessor beyond spec.md §6's
// literal six — boundary thresholds are explicitly named in §6 as
// core-visible config, so it belongs on the same provider rather than a
// second interface.
func (p *Provider) GetBoundaryConfig(t boundary.Type) boundary.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if cfg, ok := p.boundaries[t]; ok {
		return cfg
	}
	return boundary.DefaultConfig
}

func parseDuration(s string) (time.Duration, bool) {
	if s == "" {
		return 0, false
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, false
	}
	return d, true
}

func parseLevel(name string) (degradation.Level, bool) {
	switch name {
	case "reduced":
		return degradation.LevelReduced, true
	case "minimal":
		return degradation.LevelMinimal, true
	case "emergency":
		return degradation.LevelEmergency, true
	default:
		return 0, false
	}
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orInt64(v, def int64) int64 {
	if v > 0 {
		return v
	}
	return def
}

func envDuration(key string) (time.Duration, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

func envInt(key string) (int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
