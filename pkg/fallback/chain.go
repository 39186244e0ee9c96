// Package fallback implements C10: an ordered fallback chain over a
// registry of tool capabilities, used when a primary service call fails
// or its circuit breaker is open.
package fallback

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut-resilience/pkg/metrics"
)

// ToolCapability describes one alternative executor capable of standing
// in for a failed service/action pair.
type ToolCapability struct {
	Name             string
	Actions          []string
	Reliability      float64
	AvgResponseTime  time.Duration
	Capabilities     []string
	FallbackPriority int
}

// Executor runs one action against a named tool, given optional
// user-intent context.
type Executor func(ctx context.Context, tool ToolCapability, action string, userIntent map[string]any) (any, error)

// Result is the outcome of ExecuteFallback.
type Result struct {
	Success               bool
	Result                any
	Error                 error
	UsedLevel             string
	EmergencyFallbackUsed bool
}

// Config bounds and shapes one Chain's behavior.
type Config struct {
	FallbackTimeout         time.Duration
	MaxChainLength          int
	EnableEmergencyFallback bool
	EmergencyValue          any
}

var DefaultConfig = Config{
	FallbackTimeout:         5 * time.Second,
	MaxChainLength:          3,
	EnableEmergencyFallback: true,
}

// Chain is the C10 registry of tool capabilities for one logical service.
type Chain struct {
	cfg   Config
	tools map[string]ToolCapability
	log   *logrus.Entry
}

// NewChain builds an empty Chain.
func NewChain(cfg Config, logger *logrus.Logger) *Chain {
	var entry *logrus.Entry
	if logger != nil {
		entry = logger.WithField("component", "fallback_chain")
	} else {
		entry = logrus.NewEntry(logrus.New())
	}
	return &Chain{cfg: cfg, tools: make(map[string]ToolCapability), log: entry}
}

// Register adds or replaces a tool capability.
func (c *Chain) Register(tool ToolCapability) {
	c.tools[tool.Name] = tool
}

// Unregister removes a tool capability.
func (c *Chain) Unregister(name string) {
	delete(c.tools, name)
}

// candidates builds the ordered list of tools to try for action,
// preferring an exact action match and higher reliability, then lower
// FallbackPriority (lower number tried first), capped at MaxChainLength.
func (c *Chain) candidates(action string) []ToolCapability {
	all := make([]ToolCapability, 0, len(c.tools))
	for _, t := range c.tools {
		all = append(all, t)
	}

	sort.Slice(all, func(i, j int) bool {
		iExact := containsString(all[i].Actions, action)
		jExact := containsString(all[j].Actions, action)
		if iExact != jExact {
			return iExact
		}
		if all[i].Reliability != all[j].Reliability {
			return all[i].Reliability > all[j].Reliability
		}
		return all[i].FallbackPriority < all[j].FallbackPriority
	})

	max := c.cfg.MaxChainLength
	if max <= 0 || max > len(all) {
		max = len(all)
	}
	return all[:max]
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// ExecuteFallback tries each candidate tool for (serviceName, action) in
// priority order, bounded by FallbackTimeout per attempt and
// MaxChainLength overall. If every candidate fails and
// EnableEmergencyFallback is set, it returns EmergencyValue with
// EmergencyFallbackUsed=true instead of an error.
func (c *Chain) ExecuteFallback(ctx context.Context, serviceName, action string, exec Executor, userIntent map[string]any) Result {
	candidates := c.candidates(action)

	var lastErr error
	for _, tool := range candidates {
		attemptCtx := ctx
		var cancel context.CancelFunc
		if c.cfg.FallbackTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, c.cfg.FallbackTimeout)
		}

		result, err := exec(attemptCtx, tool, action, userIntent)
		if cancel != nil {
			cancel()
		}

		if err == nil {
			metrics.RecordFallbackUsed("success")
			c.log.WithFields(logrus.Fields{
				"service": serviceName,
				"action":  action,
				"tool":    tool.Name,
			}).Info("fallback tool succeeded")
			return Result{Success: true, Result: result, UsedLevel: tool.Name}
		}
		lastErr = err
		c.log.WithFields(logrus.Fields{
			"service": serviceName,
			"action":  action,
			"tool":    tool.Name,
			"error":   err,
		}).Warn("fallback tool failed")
	}

	if c.cfg.EnableEmergencyFallback {
		metrics.RecordFallbackUsed("emergency")
		return Result{
			Success:               true,
			Result:                c.cfg.EmergencyValue,
			UsedLevel:             "emergency",
			EmergencyFallbackUsed: true,
		}
	}

	metrics.RecordFallbackUsed("exhausted")
	if lastErr == nil {
		lastErr = fmt.Errorf("no fallback tool registered for action %q", action)
	}
	return Result{Success: false, Error: lastErr}
}
