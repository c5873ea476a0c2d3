package core

import "time"

// EngineConfig holds runtime configuration for the worker pool.
type EngineConfig struct {
	MemoryLimitMB    int           `env:"WORKERPOOL_MEMORY_LIMIT_MB" envDefault:"64"`      // per-worker engine memory limit
	ExecutionTimeout time.Duration `env:"WORKERPOOL_EXECUTION_TIMEOUT" envDefault:"0s"`    // per-evaluation watchdog, 0 disables
	MaxWorkers       int           `env:"WORKERPOOL_MAX_WORKERS" envDefault:"0"`           // live created workers, 0 is unlimited
	MaxScriptSizeKB  int           `env:"WORKERPOOL_MAX_SCRIPT_SIZE_KB" envDefault:"1024"` // max worker script size
	MailboxSize      int           `env:"WORKERPOOL_MAILBOX_SIZE" envDefault:"16"`         // initial mailbox capacity
}

// DefaultEngineConfig returns the configuration used when none is given.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MemoryLimitMB:   64,
		MaxScriptSizeKB: 1024,
		MailboxSize:     16,
	}
}
