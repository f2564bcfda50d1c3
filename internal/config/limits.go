package config

import "time"

// CacheConfig controls the two-tier content-addressed store.
type CacheConfig struct {
	MemoryEntries   int           `yaml:"memoryEntries"`
	MinTTL          time.Duration `yaml:"minTtl"`
	MaxTTL          time.Duration `yaml:"maxTtl"`
	DefaultTTL      time.Duration `yaml:"defaultTtl"`
	SyncDiskWrites  bool          `yaml:"syncDiskWrites"`
	VerifyOnRead    bool          `yaml:"verifyOnRead"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
	// DiskSweepEvery runs disk cleanup on every Nth memory sweep.
	DiskSweepEvery int `yaml:"diskSweepEvery"`
}

// DefaultCacheConfig returns cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		MemoryEntries:   2048,
		MinTTL:          time.Minute,
		MaxTTL:          7 * 24 * time.Hour,
		DefaultTTL:      24 * time.Hour,
		SyncDiskWrites:  false,
		VerifyOnRead:    true,
		CleanupInterval: 5 * time.Minute,
		DiskSweepEvery:  12,
	}
}

// RateLimitConfig controls the per-key token buckets, queue and breaker.
type RateLimitConfig struct {
	RequestsPerMinute int           `yaml:"requestsPerMinute"`
	Burst             int           `yaml:"burst"`
	QueueDepth        int           `yaml:"queueDepth"`
	QueueTimeout      time.Duration `yaml:"queueTimeout"`
	MaxConcurrent     int64         `yaml:"maxConcurrent"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// DefaultRateLimitConfig returns limiter defaults.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 30,
		Burst:             8,
		QueueDepth:        64,
		QueueTimeout:      30 * time.Second,
		MaxConcurrent:     5,
		Breaker:           DefaultBreakerConfig(),
	}
}

// BreakerConfig controls a circuit breaker instance.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failureThreshold"`
	RecoveryTimeout  time.Duration `yaml:"recoveryTimeout"`
	HalfOpenMaxCalls int           `yaml:"halfOpenMaxCalls"`
	SuccessThreshold int           `yaml:"successThreshold"`
}

// DefaultBreakerConfig returns breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 8,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 3,
		SuccessThreshold: 1,
	}
}

// RetryPolicyConfig is one phase's retry policy.
type RetryPolicyConfig struct {
	MaxAttempts       int           `yaml:"maxAttempts"`
	InitialDelay      time.Duration `yaml:"initialDelay"`
	MaxDelay          time.Duration `yaml:"maxDelay"`
	BackoffMultiplier float64       `yaml:"backoffMultiplier"`
	Jitter            time.Duration `yaml:"jitter"`
}

// LockConfig controls lease duration on logical resources.
type LockConfig struct {
	LeaseDuration   time.Duration `yaml:"leaseDuration"`
	CleanupInterval time.Duration `yaml:"cleanupInterval"`
}

// DefaultLockConfig returns lock defaults.
func DefaultLockConfig() LockConfig {
	return LockConfig{LeaseDuration: 10 * time.Minute, CleanupInterval: time.Minute}
}

// IdempotencyConfig controls the fingerprint store.
type IdempotencyConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// DefaultIdempotencyConfig returns idempotency defaults.
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{TTL: 24 * time.Hour}
}
