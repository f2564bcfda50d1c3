// Package config loads and validates the forge configuration: a YAML file
// with environment-variable overrides. Every sub-config has a Default
// constructor so components can be built standalone in tests.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ashuein/contentforge/internal/logging"
)

// Config is the root configuration for the forge process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   logging.Config  `yaml:"logging"`
	Paths     PathsConfig     `yaml:"paths"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rateLimit"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Locks     LockConfig      `yaml:"locks"`
	Idempotency IdempotencyConfig `yaml:"idempotency"`
	Resolver  ResolverConfig  `yaml:"resolver"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Server:      DefaultServerConfig(),
		Logging:     logging.Default(),
		Paths:       DefaultPathsConfig(),
		Cache:       DefaultCacheConfig(),
		RateLimit:   DefaultRateLimitConfig(),
		Gateway:     DefaultGatewayConfig(),
		Pipeline:    DefaultPipelineConfig(),
		Locks:       DefaultLockConfig(),
		Idempotency: DefaultIdempotencyConfig(),
		Resolver:    DefaultResolverConfig(),
	}
}

// Load reads a YAML config file, applies env overrides and validates.
// An empty path yields defaults plus env overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnv overrides selected fields from FORGE_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FORGE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.Server.Port = p
		}
	}
	if v := os.Getenv("FORGE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("FORGE_OUTPUT_DIR"); v != "" {
		c.Paths.OutputDir = v
	}
	if v := os.Getenv("FORGE_CACHE_DIR"); v != "" {
		c.Paths.CacheDir = v
	}
	if v := os.Getenv("FORGE_LLM_API_KEY"); v != "" {
		c.Gateway.APIKey = v
	}
	if v := os.Getenv("FORGE_LLM_BASE_URL"); v != "" {
		c.Gateway.BaseURL = v
	}
	if v := os.Getenv("FORGE_LLM_MODEL"); v != "" {
		c.Gateway.Model = v
	}
}

// Validate normalizes ranges and rejects unusable configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Cache.MemoryEntries <= 0 {
		c.Cache.MemoryEntries = DefaultCacheConfig().MemoryEntries
	}
	if c.Cache.MinTTL <= 0 {
		c.Cache.MinTTL = DefaultCacheConfig().MinTTL
	}
	if c.Cache.MaxTTL < c.Cache.MinTTL {
		c.Cache.MaxTTL = c.Cache.MinTTL
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		c.RateLimit.RequestsPerMinute = DefaultRateLimitConfig().RequestsPerMinute
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = DefaultRateLimitConfig().Burst
	}
	if c.Pipeline.SectionWorkers <= 0 {
		c.Pipeline.SectionWorkers = DefaultPipelineConfig().SectionWorkers
	}
	if c.Resolver.KeywordThreshold <= 0 || c.Resolver.KeywordThreshold > 1 {
		c.Resolver.KeywordThreshold = DefaultResolverConfig().KeywordThreshold
	}
	if c.Resolver.FuzzyThreshold <= 0 || c.Resolver.FuzzyThreshold > 1 {
		c.Resolver.FuzzyThreshold = DefaultResolverConfig().FuzzyThreshold
	}
	return nil
}

// ServerConfig controls the HTTP API server.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	BodyLimit       string        `yaml:"bodyLimit"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	// CompileWindow/CompileLimit bound the asset-compile endpoints per client.
	CompileWindow time.Duration `yaml:"compileWindow"`
	CompileLimit  int           `yaml:"compileLimit"`
}

// DefaultServerConfig returns sensible server defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:            8080,
		BodyLimit:       "10M",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		CompileWindow:   15 * time.Minute,
		CompileLimit:    100,
	}
}

// PathsConfig fixes the persisted layout on disk.
type PathsConfig struct {
	OutputDir      string `yaml:"outputDir"`
	CacheDir       string `yaml:"cacheDir"`
	TempDir        string `yaml:"tempDir"`
	PrecompiledDir string `yaml:"precompiledDir"`
	IdempotencyDB  string `yaml:"idempotencyDb"`
}

// DefaultPathsConfig returns the default directory layout.
func DefaultPathsConfig() PathsConfig {
	return PathsConfig{
		OutputDir:      "data/output",
		CacheDir:       "data/cache",
		TempDir:        "data/tmp",
		PrecompiledDir: "data/precompiled",
		IdempotencyDB:  "data/idempotency.db",
	}
}

// ResolverConfig tunes reference-document resolution.
type ResolverConfig struct {
	KeywordThreshold float64 `yaml:"keywordThreshold"`
	FuzzyThreshold   float64 `yaml:"fuzzyThreshold"`
}

// DefaultResolverConfig returns the documented thresholds.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{KeywordThreshold: 0.7, FuzzyThreshold: 0.8}
}
