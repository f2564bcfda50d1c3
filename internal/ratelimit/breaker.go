package ratelimit

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

// CircuitState enumerates breaker states.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast after repeated downstream failures. CLOSED goes
// OPEN after FailureThreshold consecutive failures; OPEN goes HALF_OPEN
// after RecoveryTimeout; HALF_OPEN admits up to HalfOpenMaxCalls trials and
// closes after SuccessThreshold trial successes, or re-opens on a trial
// failure.
type CircuitBreaker struct {
	name    string
	cfg     config.BreakerConfig
	log     *zap.Logger
	metrics *metrics.Metrics

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	halfOpenCalls       int
	halfOpenSuccesses   int
	openedAt            time.Time

	now func() time.Time // test hook
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(name string, cfg config.BreakerConfig, log *zap.Logger, m *metrics.Metrics) *CircuitBreaker {
	return &CircuitBreaker{
		name:    name,
		cfg:     cfg,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

// Allow reports whether a call may proceed. In the open state it returns
// ErrCircuitOpen until the recovery timeout elapses, then admits trial
// calls in half-open.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.RecoveryTimeout {
			return types.ErrCircuitOpen
		}
		b.transition(CircuitHalfOpen)
		b.halfOpenCalls = 1
		return nil
	case CircuitHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return types.ErrCircuitOpen
		}
		b.halfOpenCalls++
		return nil
	}
	return nil
}

// RecordSuccess feeds a call outcome back into the breaker.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures = 0
	case CircuitHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transition(CircuitClosed)
		}
	}
}

// RecordFailure feeds a failed call back into the breaker.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		// A trial failure re-opens with a fresh timestamp.
		b.openedAt = b.now()
		b.transition(CircuitOpen)
	}
}

// State returns the current state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// transition must be called with b.mu held.
func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case CircuitClosed:
		b.consecutiveFailures = 0
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	case CircuitHalfOpen:
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
	case CircuitOpen:
		b.metrics.CircuitTrips.WithLabelValues(b.name).Inc()
	}
	b.metrics.CircuitState.WithLabelValues(b.name).Set(float64(to))
	b.log.Info("circuit transition",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}
