// Package logging constructs the process zap logger. Components receive a
// *zap.Logger in their constructors; there is no package-level logger.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config controls logger construction.
type Config struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Default returns the production defaults: info-level JSON.
func Default() Config {
	return Config{Level: "info", Format: "json"}
}

// New builds a logger from config.
func New(cfg Config) (*zap.Logger, error) {
	var level zapcore.Level
	switch strings.ToLower(cfg.Level) {
	case "", "info":
		level = zapcore.InfoLevel
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var zcfg zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		zcfg = zap.NewProductionConfig()
	case "console":
		zcfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// Nop returns a no-op logger for tests.
func Nop() *zap.Logger { return zap.NewNop() }

// WithCorrelation returns a child logger tagged with the request's
// correlation id. All pipeline logs thread this field.
func WithCorrelation(log *zap.Logger, correlationID string) *zap.Logger {
	return log.With(zap.String("correlation_id", correlationID))
}
