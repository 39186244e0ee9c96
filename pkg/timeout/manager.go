package timeout

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	sharedmath "github.com/jordigilh/kubernaut-resilience/pkg/shared/math"
)

// ErrTimeout is returned when an operation is cancelled by its own
// operationTimeout, an enclosing globalTimeout, or an expired deadline on
// the caller's context, rather than by an explicit cancellation of the
// caller's context or a genuine operation error.
var ErrTimeout = errors.New("timeout: operation exceeded its deadline")

// Config bounds one ExecuteWithTimeout call.
type Config struct {
	// OperationTimeout bounds this single call. Zero disables it.
	OperationTimeout time.Duration
	// GlobalTimeout additionally bounds the whole operation against a
	// caller-supplied budget shared across retries. Zero disables it.
	GlobalTimeout time.Duration
	// CleanupTimeout bounds each registered resource's cleanup once a
	// timeout fires.
	CleanupTimeout time.Duration
}

var DefaultConfig = Config{
	OperationTimeout: 10 * time.Second,
	CleanupTimeout:   2 * time.Second,
}

// Manager is the C8 timeout and resource manager: it races an operation
// against its timers and, on timeout, drives the Registry's
// priority-ordered cleanup for every resource registered under the same
// operation id.
type Manager struct {
	registry      *Registry
	cleanupEMA    *sharedmath.EMA
	totalCalls    int64
	totalTimeouts int64
}

// NewManager builds a Manager around registry. A nil registry is
// tolerated for callers that never register cleanup resources.
func NewManager(registry *Registry) *Manager {
	if registry == nil {
		registry = NewRegistry(0, nil)
	}
	return &Manager{
		registry:   registry,
		cleanupEMA: sharedmath.NewEMA(0.2),
	}
}

// Registry exposes the underlying resource registry so callers can
// Register/Touch handles before invoking ExecuteWithTimeout.
func (m *Manager) Registry() *Registry { return m.registry }

// Op is a unit of work that cooperatively observes ctx cancellation.
type Op func(ctx context.Context) (any, error)

// ExecuteWithTimeout races op against an operation timer and an optional
// global timer. On either firing first, it asserts cooperative
// cancellation on op's context, cleans up every resource registered
// under id (bounded per-resource by cfg.CleanupTimeout), and returns
// ErrTimeout. A context.Context passed in by the caller can also end the
// race: an explicit cancellation returns the context's own error, while an
// expired caller deadline is reported as ErrTimeout as well.
func (m *Manager) ExecuteWithTimeout(ctx context.Context, id string, op Op, cfg Config) (any, error) {
	m.totalCalls++

	if cfg.GlobalTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.GlobalTimeout)
		defer cancel()
	}

	opCtx, cancelOp := context.WithCancel(ctx)
	defer cancelOp()

	type outcome struct {
		result any
		err    error
	}
	resultCh := make(chan outcome, 1)

	g, gctx := errgroup.WithContext(opCtx)
	g.Go(func() error {
		result, err := op(gctx)
		resultCh <- outcome{result, err}
		return err
	})

	var timerC <-chan time.Time
	if cfg.OperationTimeout > 0 {
		timer := time.NewTimer(cfg.OperationTimeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case out := <-resultCh:
		_ = g.Wait()
		return out.result, out.err

	case <-timerC:
		m.totalTimeouts++
		cancelOp()
		m.cleanup(id, cfg.CleanupTimeout)
		return nil, ErrTimeout

	case <-ctx.Done():
		m.totalTimeouts++
		cancelOp()
		m.cleanup(id, cfg.CleanupTimeout)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

func (m *Manager) cleanup(id string, cleanupTimeout time.Duration) {
	start := time.Now()
	m.registry.CleanupOperation(id, cleanupTimeout)
	m.cleanupEMA.Update(float64(time.Since(start)))
}

// Stats summarizes call/timeout counts and the EMA of recent cleanup
// durations.
type Stats struct {
	TotalCalls     int64
	TotalTimeouts  int64
	AvgCleanupTime time.Duration
}

// Stats returns a snapshot of accumulated counters.
func (m *Manager) Stats() Stats {
	return Stats{
		TotalCalls:     m.totalCalls,
		TotalTimeouts:  m.totalTimeouts,
		AvgCleanupTime: time.Duration(m.cleanupEMA.Value()),
	}
}
