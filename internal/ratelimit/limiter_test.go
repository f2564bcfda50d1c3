package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestLimiter(t *testing.T, mutate func(*config.RateLimitConfig)) *Limiter {
	t.Helper()
	cfg := config.DefaultRateLimitConfig()
	cfg.QueueTimeout = 2 * time.Second
	if mutate != nil {
		mutate(&cfg)
	}
	l := New(cfg, logging.Nop(), metrics.New())
	t.Cleanup(l.Close)
	return l
}

func TestBurstBoundary(t *testing.T) {
	l := newTestLimiter(t, func(c *config.RateLimitConfig) {
		c.RequestsPerMinute = 30
		c.Burst = 8
	})

	ctx := context.Background()
	var rejected int
	for i := 0; i < 9; i++ {
		err := l.Execute(ctx, "client-a", func(context.Context) error { return nil })
		if errors.Is(err, types.ErrRateLimited) {
			rejected++
		} else {
			require.NoError(t, err)
		}
	}
	// Burst tokens admit exactly 8; the 9th is rate limited (refill over
	// nine fast iterations adds less than one token).
	assert.Equal(t, 1, rejected)
}

func TestDistinctKeysHaveDistinctBuckets(t *testing.T) {
	l := newTestLimiter(t, func(c *config.RateLimitConfig) { c.Burst = 1 })

	ctx := context.Background()
	require.NoError(t, l.Execute(ctx, "a", func(context.Context) error { return nil }))
	require.NoError(t, l.Execute(ctx, "b", func(context.Context) error { return nil }))
	assert.ErrorIs(t, l.Execute(ctx, "a", func(context.Context) error { return nil }), types.ErrRateLimited)
}

func TestFIFODispatchOrder(t *testing.T) {
	l := newTestLimiter(t, func(c *config.RateLimitConfig) {
		c.Burst = 16
		c.MaxConcurrent = 1
	})

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	// A single concurrency slot serializes execution; per-key dispatch is
	// FIFO, so completion order equals enqueue order.
	gate := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			<-gate
			// Stagger enqueue deterministically.
			time.Sleep(time.Duration(i*20) * time.Millisecond)
			err := l.Execute(context.Background(), "k", func(context.Context) error {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	close(gate)
	wg.Wait()

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCircuitOpenFailsFast(t *testing.T) {
	l := newTestLimiter(t, func(c *config.RateLimitConfig) {
		c.Breaker.FailureThreshold = 2
		c.Burst = 16
	})

	ctx := context.Background()
	upstream := errors.New("upstream 503 service unavailable")
	for i := 0; i < 2; i++ {
		err := l.Execute(ctx, "k", func(context.Context) error { return upstream })
		require.ErrorIs(t, err, upstream)
	}

	var called bool
	err := l.Execute(ctx, "k", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.False(t, called, "open circuit must not contact upstream")
}

func TestQueueFull(t *testing.T) {
	l := newTestLimiter(t, func(c *config.RateLimitConfig) {
		c.Burst = 16
		c.QueueDepth = 1
		c.MaxConcurrent = 1
	})

	blocker := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.Execute(context.Background(), "k", func(context.Context) error {
			<-blocker
			return nil
		})
	}()

	// Wait until the first call occupies the concurrency slot.
	require.Eventually(t, func() bool {
		return !l.global.TryAcquire(1)
	}, time.Second, 5*time.Millisecond)

	// Fill the single queue slot, then overflow it.
	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			results <- l.Execute(context.Background(), "k", func(context.Context) error { return nil })
		}()
	}

	// Release the blocker promptly so the queued call completes instead of
	// hitting its queue timeout.
	time.Sleep(50 * time.Millisecond)
	close(blocker)
	require.NoError(t, <-done)

	var sawFull, sawOK bool
	for i := 0; i < 2; i++ {
		err := <-results
		switch {
		case errors.Is(err, types.ErrQueueFull):
			sawFull = true
		case err == nil:
			sawOK = true
		}
	}
	assert.True(t, sawFull, "overflow call must be rejected queue-full")
	assert.True(t, sawOK, "queued call must complete once the slot frees")
}

func TestExecuteContextCancellation(t *testing.T) {
	l := newTestLimiter(t, func(c *config.RateLimitConfig) {
		c.Burst = 16
		c.MaxConcurrent = 1
	})

	blocker := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- l.Execute(context.Background(), "k", func(context.Context) error {
			<-blocker
			return nil
		})
	}()
	require.Eventually(t, func() bool {
		return !l.global.TryAcquire(1)
	}, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- l.Execute(ctx, "k", func(context.Context) error { return nil })
	}()
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	close(blocker)
	require.NoError(t, <-done)
}
