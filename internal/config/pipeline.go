package config

import "time"

// GatewayConfig controls the LLM provider client.
type GatewayConfig struct {
	APIKey          string        `yaml:"apiKey"`
	BaseURL         string        `yaml:"baseUrl"`
	Model           string        `yaml:"model"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxOutputTokens int           `yaml:"maxOutputTokens"`
	Temperature     float64       `yaml:"temperature"`
	CacheTTL        time.Duration `yaml:"cacheTtl"`
}

// DefaultGatewayConfig returns gateway defaults.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BaseURL:         "https://generativelanguage.googleapis.com/v1beta",
		Model:           "gemini-2.5-flash",
		Timeout:         2 * time.Minute,
		MaxOutputTokens: 16384,
		Temperature:     0.4,
		CacheTTL:        24 * time.Hour,
	}
}

// PipelineConfig controls the orchestrator and stage modules.
type PipelineConfig struct {
	SectionWorkers int           `yaml:"sectionWorkers"`
	StageTimeout   time.Duration `yaml:"stageTimeout"`
	// SubBlockAttempts bounds generation attempts per content sub-block in M3.
	SubBlockAttempts int `yaml:"subBlockAttempts"`
	// RepairAttempts bounds repair passes per failed block before the
	// section fails.
	RepairAttempts int `yaml:"repairAttempts"`
	// NumericTrials is the number of seeded trials the numeric gate runs.
	NumericTrials int `yaml:"numericTrials"`
	// CompileTimeout bounds one asset compilation.
	CompileTimeout time.Duration `yaml:"compileTimeout"`
}

// DefaultPipelineConfig returns pipeline defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SectionWorkers:   3,
		StageTimeout:     10 * time.Minute,
		SubBlockAttempts: 3,
		RepairAttempts:   2,
		NumericTrials:    5,
		CompileTimeout:   30 * time.Second,
	}
}
