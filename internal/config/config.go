// Package config loads the workerpool command's settings from the
// environment.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"

	"github.com/cryguy/workerpool/internal/core"
)

// Config holds all configuration for the workerpool command
type Config struct {
	LogLevel        string        `env:"WORKERPOOL_LOG_LEVEL" envDefault:"info"`
	MetricsAddr     string        `env:"WORKERPOOL_METRICS_ADDR"`                 // empty disables /metrics
	Journal         string        `env:"WORKERPOOL_JOURNAL"`                      // sqlite path, empty disables
	ShutdownTimeout time.Duration `env:"WORKERPOOL_SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Engine configuration
	Engine core.EngineConfig
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("shutdown timeout must be positive")
	}

	if c.Engine.MemoryLimitMB < 0 {
		return fmt.Errorf("memory limit must not be negative: %d", c.Engine.MemoryLimitMB)
	}
	if c.Engine.ExecutionTimeout < 0 {
		return fmt.Errorf("execution timeout must not be negative: %s", c.Engine.ExecutionTimeout)
	}
	if c.Engine.MaxWorkers < 0 {
		return fmt.Errorf("max workers must not be negative: %d", c.Engine.MaxWorkers)
	}
	if c.Engine.MaxScriptSizeKB < 0 {
		return fmt.Errorf("max script size must not be negative: %d", c.Engine.MaxScriptSizeKB)
	}
	if c.Engine.MailboxSize < 0 {
		return fmt.Errorf("mailbox size must not be negative: %d", c.Engine.MailboxSize)
	}

	return nil
}
