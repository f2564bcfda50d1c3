// Package metrics exports the process Prometheus collectors. One Metrics
// value is shared by every component; tests construct their own registry
// to avoid duplicate registration.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every collector the forge process exports.
type Metrics struct {
	Registry *prometheus.Registry

	CacheHits      *prometheus.CounterVec // tier: memory|disk
	CacheMisses    prometheus.Counter
	CacheEvictions *prometheus.CounterVec // reason: lru|expired|corrupt
	CacheEntries   prometheus.Gauge
	CacheBytes     prometheus.Gauge
	CacheErrors    prometheus.Counter

	RateLimited     prometheus.Counter
	QueueRejections *prometheus.CounterVec // reason: full|timeout
	CircuitState    *prometheus.GaugeVec   // name -> 0 closed, 1 open, 2 half-open
	CircuitTrips    *prometheus.CounterVec // name

	RetryAttempts  *prometheus.CounterVec // phase, outcome: success|failure
	GateFailures   *prometheus.CounterVec // gate
	RepairAttempts *prometheus.CounterVec // kind, outcome

	StageDuration *prometheus.HistogramVec // stage
	PipelineRuns  *prometheus.CounterVec   // outcome: completed|failed

	LLMCalls    *prometheus.CounterVec // outcome: success|error|cached
	LLMDuration prometheus.Histogram

	AssetCompiles *prometheus.CounterVec // kind, outcome
}

// New constructs and registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		CacheHits: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_cache_hits_total",
				Help: "Cache hits by tier.",
			},
			[]string{"tier"},
		),
		CacheMisses: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_cache_misses_total",
				Help: "Cache misses.",
			},
		),
		CacheEvictions: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_cache_evictions_total",
				Help: "Cache evictions by reason.",
			},
			[]string{"reason"},
		),
		CacheEntries: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_cache_entries",
				Help: "Entries resident in the memory tier.",
			},
		),
		CacheBytes: auto.NewGauge(
			prometheus.GaugeOpts{
				Name: "forge_cache_bytes",
				Help: "Approximate bytes resident in the memory tier.",
			},
		),
		CacheErrors: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_cache_errors_total",
				Help: "Cache integrity and IO errors.",
			},
		),

		RateLimited: auto.NewCounter(
			prometheus.CounterOpts{
				Name: "forge_rate_limited_total",
				Help: "Calls rejected by the token bucket.",
			},
		),
		QueueRejections: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_queue_rejections_total",
				Help: "Queue rejections by reason.",
			},
			[]string{"reason"},
		),
		CircuitState: auto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forge_circuit_state",
				Help: "Circuit state: 0 closed, 1 open, 2 half-open.",
			},
			[]string{"name"},
		),
		CircuitTrips: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_circuit_trips_total",
				Help: "Circuit open transitions.",
			},
			[]string{"name"},
		),

		RetryAttempts: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_retry_attempts_total",
				Help: "Retry attempts by phase and outcome.",
			},
			[]string{"phase", "outcome"},
		),
		GateFailures: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_gate_failures_total",
				Help: "Validation gate failures.",
			},
			[]string{"gate"},
		),
		RepairAttempts: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_repair_attempts_total",
				Help: "Repair attempts by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),

		StageDuration: auto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forge_stage_duration_seconds",
				Help:    "Wall time per pipeline stage.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"stage"},
		),
		PipelineRuns: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_pipeline_runs_total",
				Help: "Pipeline terminations by outcome.",
			},
			[]string{"outcome"},
		),

		LLMCalls: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_llm_calls_total",
				Help: "LLM gateway calls by outcome.",
			},
			[]string{"outcome"},
		),
		LLMDuration: auto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "forge_llm_duration_seconds",
				Help:    "LLM call latency.",
				Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
			},
		),

		AssetCompiles: auto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forge_asset_compiles_total",
				Help: "Asset compilations by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
	}
}
