package counterstore

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/jordigilh/kubernaut-resilience/pkg/shared/logging"
	"github.com/jordigilh/kubernaut-resilience/pkg/storage/vector"
)

// FallbackStore composes a primary Store (normally Redis-backed) with an
// in-memory Store. Once the primary returns an error, every subsequent call
// is served from memory until a background probe confirms the primary is
// reachable again — callers never see an error from a primary outage, only
// degraded (non-shared, process-local) counting in the interim.
type FallbackStore struct {
	primary Store
	memory  *MemoryStore
	logger  *logrus.Entry
	retrier *vector.DatabaseRetrier

	degraded      atomic.Bool
	probeInterval time.Duration
	stopProbe     chan struct{}
}

func NewFallbackStore(primary Store, logger *logrus.Logger) *FallbackStore {
	if logger == nil {
		logger = logrus.New()
	}
	fs := &FallbackStore{
		primary:       primary,
		memory:        NewMemoryStore(),
		logger:        logger.WithFields(logging.NewFields().Component("counterstore").ToLogrus()),
		retrier:       vector.NewDatabaseRetrier(logger),
		probeInterval: 5 * time.Second,
		stopProbe:     make(chan struct{}),
	}
	go fs.probeLoop()
	return fs
}

// probe runs the primary backend's availability check through the vector
// package's retry policy, so a probe tick that hits a transient error
// (connection reset, timeout) retries with backoff before this tick gives
// up, instead of writing off the backend as still down on one bad call.
func (f *FallbackStore) probe() bool {
	_, err := f.retrier.ExecuteDBOperation(context.Background(), "counterstore_probe",
		func(ctx context.Context, attempt int) (any, error) {
			if f.primary.IsAvailable() {
				return nil, nil
			}
			return nil, vector.WrapRetryableError(errors.New("primary backend still unavailable"), true, "probe")
		})
	return err == nil
}

func (f *FallbackStore) probeLoop() {
	ticker := time.NewTicker(f.probeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !f.degraded.Load() {
				continue
			}
			if f.probe() {
				f.degraded.Store(false)
				f.logger.WithFields(logging.NewFields().Operation("recover").ToLogrus()).
					Info("counter store primary backend recovered, resuming primary path")
			}
		case <-f.stopProbe:
			return
		}
	}
}

func (f *FallbackStore) Close() {
	select {
	case <-f.stopProbe:
	default:
		close(f.stopProbe)
	}
	f.memory.Close()
}

func (f *FallbackStore) active() Store {
	if f.degraded.Load() {
		return f.memory
	}
	return f.primary
}

func (f *FallbackStore) fail(op string, err error) {
	if err == nil {
		return
	}
	if f.degraded.CompareAndSwap(false, true) {
		f.logger.WithFields(logging.NewFields().Operation(op).Error(err).ToLogrus()).
			Warn("counter store primary backend failed, falling back to in-memory store")
	}
}

func (f *FallbackStore) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	if f.degraded.Load() {
		return f.memory.Increment(ctx, key, window)
	}
	v, err := f.primary.Increment(ctx, key, window)
	if err != nil {
		f.fail("increment", err)
		return f.memory.Increment(ctx, key, window)
	}
	return v, nil
}

func (f *FallbackStore) GetCount(ctx context.Context, key string) (int64, error) {
	if f.degraded.Load() {
		return f.memory.GetCount(ctx, key)
	}
	v, err := f.primary.GetCount(ctx, key)
	if err != nil {
		f.fail("get_count", err)
		return f.memory.GetCount(ctx, key)
	}
	return v, nil
}

func (f *FallbackStore) SetWindowStart(ctx context.Context, key string, t time.Time, ttl time.Duration) error {
	if f.degraded.Load() {
		return f.memory.SetWindowStart(ctx, key, t, ttl)
	}
	if err := f.primary.SetWindowStart(ctx, key, t, ttl); err != nil {
		f.fail("set_window_start", err)
		return f.memory.SetWindowStart(ctx, key, t, ttl)
	}
	return nil
}

func (f *FallbackStore) GetWindowStart(ctx context.Context, key string) (time.Time, bool, error) {
	if f.degraded.Load() {
		return f.memory.GetWindowStart(ctx, key)
	}
	t, ok, err := f.primary.GetWindowStart(ctx, key)
	if err != nil {
		f.fail("get_window_start", err)
		return f.memory.GetWindowStart(ctx, key)
	}
	return t, ok, nil
}

func (f *FallbackStore) PushSample(ctx context.Context, key string, ts time.Time, value float64, capN int) error {
	if f.degraded.Load() {
		return f.memory.PushSample(ctx, key, ts, value, capN)
	}
	if err := f.primary.PushSample(ctx, key, ts, value, capN); err != nil {
		f.fail("push_sample", err)
		return f.memory.PushSample(ctx, key, ts, value, capN)
	}
	return nil
}

func (f *FallbackStore) RangeSamples(ctx context.Context, key string, fromTs time.Time) ([]Sample, error) {
	if f.degraded.Load() {
		return f.memory.RangeSamples(ctx, key, fromTs)
	}
	s, err := f.primary.RangeSamples(ctx, key, fromTs)
	if err != nil {
		f.fail("range_samples", err)
		return f.memory.RangeSamples(ctx, key, fromTs)
	}
	return s, nil
}

func (f *FallbackStore) Reset(ctx context.Context, key string) error {
	_ = f.memory.Reset(ctx, key)
	if f.degraded.Load() {
		return nil
	}
	if err := f.primary.Reset(ctx, key); err != nil {
		f.fail("reset", err)
		return nil
	}
	return nil
}

// IsAvailable always returns true: a degraded FallbackStore is still
// serving requests, just from memory. Use Degraded to learn whether the
// primary backend is in use.
func (f *FallbackStore) IsAvailable() bool {
	return true
}

// Degraded reports whether the store is currently serving from its
// in-memory fallback rather than the primary backend.
func (f *FallbackStore) Degraded() bool {
	return f.degraded.Load()
}

var _ Store = (*FallbackStore)(nil)
var _ Store = (*MemoryStore)(nil)
var _ Store = (*RedisStore)(nil)
