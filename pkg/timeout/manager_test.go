package timeout_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/jordigilh/kubernaut-resilience/pkg/timeout"
)

var _ = Describe("Manager", func() {
	var mgr *timeout.Manager

	BeforeEach(func() {
		mgr = timeout.NewManager(timeout.NewRegistry(0, nil))
	})

	It("returns op's result when it finishes before any timer fires", func() {
		result, err := mgr.ExecuteWithTimeout(context.Background(), "op1",
			func(ctx context.Context) (any, error) { return "done", nil },
			timeout.Config{OperationTimeout: time.Second},
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(result).To(Equal("done"))
	})

	It("propagates op's own error", func() {
		boom := errors.New("boom")
		_, err := mgr.ExecuteWithTimeout(context.Background(), "op2",
			func(ctx context.Context) (any, error) { return nil, boom },
			timeout.Config{OperationTimeout: time.Second},
		)
		Expect(err).To(MatchError(boom))
	})

	It("returns ErrTimeout when the operation timer fires first", func() {
		_, err := mgr.ExecuteWithTimeout(context.Background(), "op3",
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout.Config{OperationTimeout: 20 * time.Millisecond},
		)
		Expect(err).To(MatchError(timeout.ErrTimeout))
	})

	It("asserts cooperative cancellation on op's context when the timer fires", func() {
		cancelled := make(chan struct{})
		_, _ = mgr.ExecuteWithTimeout(context.Background(), "op4",
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				close(cancelled)
				return nil, ctx.Err()
			},
			timeout.Config{OperationTimeout: 10 * time.Millisecond},
		)
		Eventually(cancelled, "1s").Should(BeClosed())
	})

	It("cleans up resources registered under id once a timeout fires", func() {
		cleaned := make(chan struct{})
		mgr.Registry().Register("op5", &timeout.Handle{
			ID: "h1",
			Cleanup: func() error {
				close(cleaned)
				return nil
			},
		})

		_, err := mgr.ExecuteWithTimeout(context.Background(), "op5",
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout.Config{OperationTimeout: 10 * time.Millisecond, CleanupTimeout: time.Second},
		)
		Expect(err).To(MatchError(timeout.ErrTimeout))
		Eventually(cleaned, "1s").Should(BeClosed())
	})

	It("honors the caller's own context cancellation as distinct from a timer timeout", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := mgr.ExecuteWithTimeout(ctx, "op6",
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout.Config{OperationTimeout: time.Second},
		)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})

	It("bounds the whole call via GlobalTimeout even with a longer OperationTimeout", func() {
		start := time.Now()
		_, err := mgr.ExecuteWithTimeout(context.Background(), "op7",
			func(ctx context.Context) (any, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout.Config{OperationTimeout: time.Minute, GlobalTimeout: 20 * time.Millisecond},
		)
		Expect(err).To(MatchError(timeout.ErrTimeout))
		Expect(time.Since(start)).To(BeNumerically("<", time.Second))
	})

	It("tracks call and timeout counts in Stats", func() {
		_, _ = mgr.ExecuteWithTimeout(context.Background(), "op8",
			func(ctx context.Context) (any, error) { return "ok", nil },
			timeout.Config{OperationTimeout: time.Second},
		)
		_, _ = mgr.ExecuteWithTimeout(context.Background(), "op9",
			func(ctx context.Context) (any, error) { <-ctx.Done(); return nil, ctx.Err() },
			timeout.Config{OperationTimeout: 10 * time.Millisecond},
		)

		stats := mgr.Stats()
		Expect(stats.TotalCalls).To(Equal(int64(2)))
		Expect(stats.TotalTimeouts).To(Equal(int64(1)))
	})
})
