package ratelimit

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/jordigilh/kubernaut-resilience/internal/errors"
	"github.com/jordigilh/kubernaut-resilience/pkg/counterstore"
)

// WindowResult is the outcome of the user-window check.
type WindowResult struct {
	IsLimited bool
	Count     int64
	Limit     int64
}

// CooldownResult is the outcome of the per-job cooldown check.
type CooldownResult struct {
	IsInCooldown    bool
	RetryAfter      time.Duration
	LastTriggeredAt time.Time
}

// TriggerCheck is the combined result of CheckJobTrigger.
type TriggerCheck struct {
	CanProceed  bool
	RateLimit   WindowResult
	Cooldown    CooldownResult
	BlockReason string
}

// Limiter is the C2 rate limiter: a fixed-window count per user plus a
// per-(user,jobType,jobName) cooldown, both backed by a shared counter
// store.
type Limiter struct {
	store    counterstore.Store
	configs  map[string]JobTypeConfig
	defaults JobTypeConfig
}

func NewLimiter(store counterstore.Store, configs map[string]JobTypeConfig) *Limiter {
	if configs == nil {
		configs = map[string]JobTypeConfig{}
	}
	return &Limiter{store: store, configs: configs, defaults: DefaultJobTypeConfig}
}

func (l *Limiter) configFor(jobType string) JobTypeConfig {
	if c, ok := l.configs[jobType]; ok {
		return c
	}
	return l.defaults
}

func windowKey(userID, jobType string) string {
	return fmt.Sprintf("ratelimit:window:%s:%s", userID, jobType)
}

func cooldownKey(userID, jobType, jobName string) string {
	return fmt.Sprintf("ratelimit:cooldown:%s:%s:%s", userID, jobType, jobName)
}

// CheckJobTrigger performs the window and cooldown checks without mutating
// any state; both are always read, and when both block, the cooldown is
// the reported reason. RecordJobTrigger performs the corresponding writes
// and must only be called after CanProceed is true.
func (l *Limiter) CheckJobTrigger(ctx context.Context, userID, jobType, jobName string) (TriggerCheck, error) {
	cfg := l.configFor(jobType)

	count, err := l.store.GetCount(ctx, windowKey(userID, jobType))
	if err != nil {
		return TriggerCheck{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "rate limit window read failed")
	}
	windowRes := WindowResult{
		IsLimited: count >= cfg.MaxRequestsPerUser,
		Count:     count,
		Limit:     cfg.MaxRequestsPerUser,
	}

	lastTrigger, ok, err := l.store.GetWindowStart(ctx, cooldownKey(userID, jobType, jobName))
	if err != nil {
		return TriggerCheck{}, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "rate limit cooldown read failed")
	}
	var cooldownRes CooldownResult
	if ok {
		elapsed := time.Since(lastTrigger)
		cd := cfg.cooldown()
		if elapsed < cd {
			cooldownRes = CooldownResult{
				IsInCooldown:    true,
				RetryAfter:      cd - elapsed,
				LastTriggeredAt: lastTrigger,
			}
		}
	}

	check := TriggerCheck{
		RateLimit: windowRes,
		Cooldown:  cooldownRes,
	}

	// Tie-break: cooldown takes precedence over window when both hold.
	switch {
	case cooldownRes.IsInCooldown:
		check.CanProceed = false
		check.BlockReason = fmt.Sprintf("cooldown active, retry in %s", cooldownRes.RetryAfter.Round(time.Second))
	case windowRes.IsLimited:
		check.CanProceed = false
		check.BlockReason = fmt.Sprintf("rate limit exceeded: %d/%d in window", windowRes.Count, windowRes.Limit)
	default:
		check.CanProceed = true
	}

	return check, nil
}

// RecordJobTrigger performs the increment and cooldown stamp as two
// independent store writes. Per spec.md §4.2 this is intentionally
// non-transactional: under heavy concurrency a request may briefly slip
// through between the CheckJobTrigger read and this write, which is an
// accepted statistical trade-off rather than a hard admission guarantee.
func (l *Limiter) RecordJobTrigger(ctx context.Context, userID, jobType, jobName string) error {
	cfg := l.configFor(jobType)

	if _, err := l.store.Increment(ctx, windowKey(userID, jobType), cfg.window()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "rate limit window increment failed")
	}
	if err := l.store.SetWindowStart(ctx, cooldownKey(userID, jobType, jobName), time.Now(), cfg.cooldown()); err != nil {
		return apperrors.Wrap(err, apperrors.ErrorTypeInternal, "rate limit cooldown stamp failed")
	}
	return nil
}

// AsDenialError converts a failed TriggerCheck into the matching AppError
// kind, for callers that want a uniform error return instead of inspecting
// the struct directly.
func AsDenialError(check TriggerCheck) error {
	if check.CanProceed {
		return nil
	}
	if check.Cooldown.IsInCooldown {
		return apperrors.NewCooldownError(int(check.Cooldown.RetryAfter.Seconds()))
	}
	// The window doesn't track an exact reset time; callers get a generic
	// retry hint rather than a precise countdown.
	return apperrors.NewRateLimitError(0)
}
