// Package counterstore implements C1: time-windowed counters and small
// values backed by Redis, with an in-memory fallback that takes over
// automatically when the backend is unavailable.
package counterstore

import (
	"context"
	"time"
)

// Sample is a single timestamp-keyed entry in a bounded sample buffer.
type Sample struct {
	Timestamp time.Time
	Value     float64
}

// Store is the C1 contract: atomic counters and window markers with
// TTL-bounded expiry, plus a bounded ordered sample buffer per key.
//
// Implementations must tolerate concurrent callers; per spec.md §5,
// increments may briefly over-count under heavy concurrency — this is a
// documented trade-off, not a bug, because rate limiting here is
// statistical rather than a hard cap.
type Store interface {
	// Increment adds 1 to key, creating it with the given window TTL if
	// absent, and returns the post-increment count.
	Increment(ctx context.Context, key string, window time.Duration) (int64, error)

	// GetCount returns the current count for key, or 0 if absent/expired.
	GetCount(ctx context.Context, key string) (int64, error)

	// SetWindowStart records t as the window-start marker for key with
	// the given TTL.
	SetWindowStart(ctx context.Context, key string, t time.Time, ttl time.Duration) error

	// GetWindowStart returns the recorded window-start marker for key, and
	// false if absent/expired.
	GetWindowStart(ctx context.Context, key string) (time.Time, bool, error)

	// PushSample appends a timestamped sample to key's bounded buffer,
	// trimming to at most capN entries (oldest first evicted).
	PushSample(ctx context.Context, key string, ts time.Time, value float64, capN int) error

	// RangeSamples returns all samples for key with Timestamp >= fromTs,
	// oldest first.
	RangeSamples(ctx context.Context, key string, fromTs time.Time) ([]Sample, error)

	// Reset clears key entirely.
	Reset(ctx context.Context, key string) error

	// IsAvailable reports whether the backend is currently reachable. A
	// fallback store always returns true (its in-memory path never fails);
	// callers interested in backend health should check a distinct probe.
	IsAvailable() bool
}
