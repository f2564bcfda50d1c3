// Package ratelimit bounds calls to the external LLM service: a per-key
// token bucket refilled at requestsPerMinute/60 tokens per second, a FIFO
// dispatch queue per key, a global concurrency gate across all keys and one
// circuit breaker for all keys. The retry manager shares only the
// Classifier; its optional per-phase breakers are separate instances.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/types"
)

// Limiter coordinates admission for all keys. Safe for concurrent use.
type Limiter struct {
	cfg        config.RateLimitConfig
	log        *zap.Logger
	metrics    *metrics.Metrics
	classifier *Classifier
	breaker    *CircuitBreaker
	global     *semaphore.Weighted

	mu   sync.Mutex
	keys map[string]*keyLimiter

	stopOnce sync.Once
	stopCh   chan struct{}
}

// keyLimiter is the per-key structure: bucket, queue and dispatcher.
type keyLimiter struct {
	bucket   *rate.Limiter
	queue    chan *queuedCall
	lastSeen time.Time
	done     chan struct{}
}

type queuedCall struct {
	ctx      context.Context
	fn       func(context.Context) error
	resultCh chan error
}

// New constructs a limiter and its breaker.
func New(cfg config.RateLimitConfig, log *zap.Logger, m *metrics.Metrics) *Limiter {
	l := &Limiter{
		cfg:        cfg,
		log:        log,
		metrics:    m,
		classifier: NewClassifier(nil),
		breaker:    NewCircuitBreaker("llm", cfg.Breaker, log, m),
		global:     semaphore.NewWeighted(cfg.MaxConcurrent),
		keys:       make(map[string]*keyLimiter),
		stopCh:     make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Breaker exposes the shared circuit breaker.
func (l *Limiter) Breaker() *CircuitBreaker { return l.breaker }

// Classifier exposes the retryability matcher.
func (l *Limiter) Classifier() *Classifier { return l.classifier }

// Close stops dispatchers and the janitor.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() {
		close(l.stopCh)
		l.mu.Lock()
		for _, k := range l.keys {
			close(k.done)
		}
		l.keys = make(map[string]*keyLimiter)
		l.mu.Unlock()
	})
}

// Execute admits fn under the named key: circuit check, token consume,
// FIFO enqueue with timeout, then dispatch under the global gate. The
// breaker observes the outcome of every dispatched call.
func (l *Limiter) Execute(ctx context.Context, key string, fn func(context.Context) error) error {
	if err := l.breaker.Allow(); err != nil {
		return err
	}

	k := l.keyFor(key)
	if !k.bucket.Allow() {
		l.metrics.RateLimited.Inc()
		return types.ErrRateLimited
	}

	call := &queuedCall{ctx: ctx, fn: fn, resultCh: make(chan error, 1)}
	select {
	case k.queue <- call:
	default:
		l.metrics.QueueRejections.WithLabelValues("full").Inc()
		return types.ErrQueueFull
	}

	timer := time.NewTimer(l.cfg.QueueTimeout)
	defer timer.Stop()

	select {
	case err := <-call.resultCh:
		return err
	case <-timer.C:
		// The dispatcher skips calls whose context is done; cancel via a
		// tombstone so a late dispatch is a no-op.
		call.expire()
		l.metrics.QueueRejections.WithLabelValues("timeout").Inc()
		return types.ErrQueueTimeout
	case <-ctx.Done():
		call.expire()
		return ctx.Err()
	}
}

// expire marks the call dead; dispatch becomes a no-op.
func (c *queuedCall) expire() {
	select {
	case c.resultCh <- types.ErrQueueTimeout:
	default:
	}
}

// claimed reports whether the call already produced a result.
func (c *queuedCall) claimed() bool {
	return len(c.resultCh) > 0
}

// deliver hands the outcome to the waiter; a no-op if the call expired.
func (c *queuedCall) deliver(err error) {
	select {
	case c.resultCh <- err:
	default:
	}
}

func (l *Limiter) keyFor(key string) *keyLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	k, ok := l.keys[key]
	if !ok {
		k = &keyLimiter{
			bucket: rate.NewLimiter(rate.Limit(float64(l.cfg.RequestsPerMinute)/60.0), l.cfg.Burst),
			queue:  make(chan *queuedCall, l.cfg.QueueDepth),
			done:   make(chan struct{}),
		}
		l.keys[key] = k
		go l.dispatch(key, k)
	}
	k.lastSeen = time.Now()
	return k
}

// dispatch drains one key's queue in FIFO order, executing each call under
// the global concurrency gate.
func (l *Limiter) dispatch(key string, k *keyLimiter) {
	for {
		select {
		case <-k.done:
			return
		case call := <-k.queue:
			if call.claimed() || call.ctx.Err() != nil {
				continue
			}
			if err := l.global.Acquire(call.ctx, 1); err != nil {
				call.deliver(err)
				continue
			}
			err := call.fn(call.ctx)
			l.global.Release(1)

			if err != nil && l.classifier.Retryable(err) {
				l.breaker.RecordFailure()
			} else if err == nil {
				l.breaker.RecordSuccess()
			}
			call.deliver(err)
		}
	}
}

// janitor collects idle key structures: empty queue and a full bucket.
func (l *Limiter) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopCh:
			return
		case <-ticker.C:
			l.mu.Lock()
			for key, k := range l.keys {
				idle := time.Since(k.lastSeen) > 5*time.Minute
				if idle && len(k.queue) == 0 && k.bucket.Tokens() >= float64(l.cfg.Burst) {
					close(k.done)
					delete(l.keys, key)
					l.log.Debug("collected idle rate-limit key", zap.String("key", key))
				}
			}
			l.mu.Unlock()
		}
	}
}
