package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 8, cfg.RateLimit.Burst)
	assert.Equal(t, 3, cfg.Pipeline.SubBlockAttempts)
	assert.Equal(t, 0.7, cfg.Resolver.KeywordThreshold)
	assert.Equal(t, 0.8, cfg.Resolver.FuzzyThreshold)
}

func TestLoadYAMLOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forge.yaml")
	content := `
server:
  port: 9090
rateLimit:
  requestsPerMinute: 120
  burst: 16
cache:
  memoryEntries: 64
  minTtl: 5m
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 120, cfg.RateLimit.RequestsPerMinute)
	assert.Equal(t, 16, cfg.RateLimit.Burst)
	assert.Equal(t, 64, cfg.Cache.MemoryEntries)
	assert.Equal(t, 5*time.Minute, cfg.Cache.MinTTL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched sections keep their defaults.
	assert.Equal(t, DefaultGatewayConfig().Model, cfg.Gateway.Model)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FORGE_PORT", "7070")
	t.Setenv("FORGE_LOG_LEVEL", "warn")
	t.Setenv("FORGE_LLM_MODEL", "gemini-test")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "gemini-test", cfg.Gateway.Model)
}

func TestValidateNormalizesRanges(t *testing.T) {
	cfg := Default()
	cfg.Cache.MaxTTL = time.Second
	cfg.Cache.MinTTL = time.Minute
	require.NoError(t, cfg.Validate())
	assert.Equal(t, cfg.Cache.MinTTL, cfg.Cache.MaxTTL)

	cfg = Default()
	cfg.RateLimit.Burst = -1
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultRateLimitConfig().Burst, cfg.RateLimit.Burst)
}

func TestValidateRejectsBadPort(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = -1
	assert.Error(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/forge.yaml")
	assert.Error(t, err)
}
