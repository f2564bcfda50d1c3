package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/logging"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/ratelimit"
	"github.com/ashuein/contentforge/internal/types"
)

func newTestManager(t *testing.T) (*Manager, *[]time.Duration) {
	t.Helper()
	m := NewManager(logging.Nop(), metrics.New(), ratelimit.NewClassifier(nil))
	var delays []time.Duration
	m.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return m, &delays
}

func TestRetryableErrorRetriesUntilSuccess(t *testing.T) {
	m, delays := newTestManager(t)

	calls := 0
	err := m.Execute(context.Background(), PhaseLLMRequest, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("upstream 503")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Len(t, *delays, 2)
}

func TestNonRetryableErrorTerminatesImmediately(t *testing.T) {
	m, delays := newTestManager(t)

	calls := 0
	boom := errors.New("schema validation failed")
	err := m.Execute(context.Background(), PhaseLLMRequest, func(context.Context) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
	assert.Empty(t, *delays)
}

func TestBudgetExhaustionReturnsLastError(t *testing.T) {
	m, _ := newTestManager(t)
	m.SetPolicy("test-phase", config.RetryPolicyConfig{
		MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Second, BackoffMultiplier: 2,
	}, nil)

	calls := 0
	err := m.Execute(context.Background(), "test-phase", func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.EqualError(t, err, "timeout")
	assert.Equal(t, 2, calls)
}

func TestBackoffCurve(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := config.RetryPolicyConfig{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
		Jitter:            0,
	}
	assert.Equal(t, 100*time.Millisecond, m.backoff(cfg, 1))
	assert.Equal(t, 200*time.Millisecond, m.backoff(cfg, 2))
	assert.Equal(t, 400*time.Millisecond, m.backoff(cfg, 3))
	assert.Equal(t, 800*time.Millisecond, m.backoff(cfg, 4))
	assert.Equal(t, time.Second, m.backoff(cfg, 5), "capped at maxDelay")
}

func TestBackoffJitterBounded(t *testing.T) {
	m, _ := newTestManager(t)
	cfg := config.RetryPolicyConfig{
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            50 * time.Millisecond,
	}
	for i := 0; i < 50; i++ {
		d := m.backoff(cfg, 1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.Less(t, d, 150*time.Millisecond)
	}
}

func TestEmbeddedBreakerFailsFast(t *testing.T) {
	m, _ := newTestManager(t)
	bcfg := config.DefaultBreakerConfig()
	bcfg.FailureThreshold = 2
	m.SetPolicy("guarded", config.RetryPolicyConfig{
		MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 1,
	}, &bcfg)

	upstream := errors.New("connection reset")
	for i := 0; i < 2; i++ {
		_ = m.Execute(context.Background(), "guarded", func(context.Context) error { return upstream })
	}

	calls := 0
	err := m.Execute(context.Background(), "guarded", func(context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, types.ErrCircuitOpen)
	assert.Zero(t, calls)
}

func TestUnknownPhase(t *testing.T) {
	m, _ := newTestManager(t)
	err := m.Execute(context.Background(), "nonexistent", func(context.Context) error { return nil })
	assert.Error(t, err)
}

func TestContextCancelDuringBackoff(t *testing.T) {
	m := NewManager(logging.Nop(), metrics.New(), ratelimit.NewClassifier(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := m.Execute(ctx, PhaseLLMRequest, func(context.Context) error {
		calls++
		return errors.New("timeout")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}
