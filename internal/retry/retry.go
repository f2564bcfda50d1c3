// Package retry executes operations under phase-keyed backoff policies.
// Each phase carries its own attempt budget, backoff curve and optional
// circuit breaker; only errors the classifier marks retryable re-enter the
// loop.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashuein/contentforge/internal/config"
	"github.com/ashuein/contentforge/internal/metrics"
	"github.com/ashuein/contentforge/internal/ratelimit"
)

// Phase names the operation classes with distinct retry policies.
type Phase string

const (
	PhaseLLMRequest        Phase = "llm-request"
	PhaseContentGeneration Phase = "content-generation"
	PhaseAssetCompilation  Phase = "asset-compilation"
	PhaseFileOperations    Phase = "file-operations"
	PhaseValidation        Phase = "validation"
	PhaseRendering         Phase = "rendering"
)

// policy is one phase's resolved policy.
type policy struct {
	cfg     config.RetryPolicyConfig
	breaker *ratelimit.CircuitBreaker
}

// Manager holds the per-phase policies. Safe for concurrent use.
type Manager struct {
	log        *zap.Logger
	metrics    *metrics.Metrics
	classifier *ratelimit.Classifier

	mu       sync.RWMutex
	policies map[Phase]*policy

	sleep func(context.Context, time.Duration) error // test hook
	rng   *rand.Rand
	rngMu sync.Mutex
}

// NewManager builds a manager with the default policy table.
func NewManager(log *zap.Logger, m *metrics.Metrics, classifier *ratelimit.Classifier) *Manager {
	mgr := &Manager{
		log:        log,
		metrics:    m,
		classifier: classifier,
		policies:   make(map[Phase]*policy),
		sleep:      sleepCtx,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for phase, cfg := range defaultPolicies() {
		mgr.SetPolicy(phase, cfg, nil)
	}
	return mgr
}

func defaultPolicies() map[Phase]config.RetryPolicyConfig {
	return map[Phase]config.RetryPolicyConfig{
		PhaseLLMRequest: {
			MaxAttempts: 4, InitialDelay: 500 * time.Millisecond,
			MaxDelay: 30 * time.Second, BackoffMultiplier: 2, Jitter: 250 * time.Millisecond,
		},
		PhaseContentGeneration: {
			MaxAttempts: 3, InitialDelay: time.Second,
			MaxDelay: 20 * time.Second, BackoffMultiplier: 2, Jitter: 500 * time.Millisecond,
		},
		PhaseAssetCompilation: {
			MaxAttempts: 3, InitialDelay: 250 * time.Millisecond,
			MaxDelay: 5 * time.Second, BackoffMultiplier: 2, Jitter: 100 * time.Millisecond,
		},
		PhaseFileOperations: {
			MaxAttempts: 3, InitialDelay: 100 * time.Millisecond,
			MaxDelay: 2 * time.Second, BackoffMultiplier: 2, Jitter: 50 * time.Millisecond,
		},
		PhaseValidation: {
			MaxAttempts: 1, InitialDelay: 0, MaxDelay: 0, BackoffMultiplier: 1, Jitter: 0,
		},
		PhaseRendering: {
			MaxAttempts: 2, InitialDelay: 200 * time.Millisecond,
			MaxDelay: 2 * time.Second, BackoffMultiplier: 2, Jitter: 100 * time.Millisecond,
		},
	}
}

// SetPolicy installs or replaces a phase policy, optionally with an
// embedded breaker.
func (m *Manager) SetPolicy(phase Phase, cfg config.RetryPolicyConfig, breakerCfg *config.BreakerConfig) {
	p := &policy{cfg: cfg}
	if breakerCfg != nil {
		p.breaker = ratelimit.NewCircuitBreaker("retry-"+string(phase), *breakerCfg, m.log, m.metrics)
	}
	m.mu.Lock()
	m.policies[phase] = p
	m.mu.Unlock()
}

// Execute runs op under the named phase's policy. Non-retryable errors and
// exhausted budgets terminate the loop; the last error is returned.
func (m *Manager) Execute(ctx context.Context, phase Phase, op func(context.Context) error) error {
	m.mu.RLock()
	p, ok := m.policies[phase]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("retry: unknown phase %q", phase)
	}

	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		if p.breaker != nil {
			if err := p.breaker.Allow(); err != nil {
				return err
			}
		}

		err := op(ctx)
		if err == nil {
			if p.breaker != nil {
				p.breaker.RecordSuccess()
			}
			m.metrics.RetryAttempts.WithLabelValues(string(phase), "success").Inc()
			return nil
		}
		lastErr = err
		m.metrics.RetryAttempts.WithLabelValues(string(phase), "failure").Inc()
		if p.breaker != nil && m.classifier.Retryable(err) {
			p.breaker.RecordFailure()
		}

		if !m.classifier.Retryable(err) || attempt == p.cfg.MaxAttempts {
			break
		}

		delay := m.backoff(p.cfg, attempt)
		m.log.Debug("retrying after backoff",
			zap.String("phase", string(phase)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return lastErr
}

// backoff computes min(initial*mult^(attempt-1) + uniform(0,jitter), max).
func (m *Manager) backoff(cfg config.RetryPolicyConfig, attempt int) time.Duration {
	delay := float64(cfg.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= cfg.BackoffMultiplier
	}
	if cfg.Jitter > 0 {
		m.rngMu.Lock()
		delay += float64(m.rng.Int63n(int64(cfg.Jitter)))
		m.rngMu.Unlock()
	}
	if max := float64(cfg.MaxDelay); cfg.MaxDelay > 0 && delay > max {
		delay = max
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
