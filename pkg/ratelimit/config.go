// Package ratelimit implements C2: a fixed-window-plus-cooldown admission
// check over a shared counterstore.Store.
package ratelimit

import "time"

// JobTypeConfig holds the window and cooldown parameters for one job type.
type JobTypeConfig struct {
	WindowSeconds      int
	MaxRequestsPerUser int64
	CooldownSeconds    int
}

// DefaultJobTypeConfig is used for any jobType not present in a Limiter's
// configured map.
var DefaultJobTypeConfig = JobTypeConfig{
	WindowSeconds:      60,
	MaxRequestsPerUser: 10,
	CooldownSeconds:    5,
}

func (c JobTypeConfig) window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

func (c JobTypeConfig) cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}
