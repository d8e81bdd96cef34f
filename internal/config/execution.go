package config

import (
	"dpsweep/internal/tactile"
)

// ExecutionConfig configures the tactile interface.
type ExecutionConfig struct {
	// Timeout bounds a single trainer run ("0s" means none)
	Timeout string `yaml:"timeout" json:"timeout,omitempty"`

	// KillGrace is how long a terminated trainer gets before SIGKILL
	KillGrace string `yaml:"kill_grace" json:"kill_grace,omitempty"`

	// MaxOutputBytes caps the captured copy of stdout and stderr
	MaxOutputBytes int64 `yaml:"max_output_bytes" json:"max_output_bytes,omitempty"`

	// Environment variables to pass (empty = inherit everything)
	AllowedEnvVars []string `yaml:"allowed_env_vars" json:"allowed_env_vars,omitempty"`
}

// ExecutorConfig converts the execution settings for the direct executor.
// The per-run timeout is applied by the trainer, not as an executor default.
func (c *Config) ExecutorConfig() tactile.ExecutorConfig {
	cfg := tactile.DefaultExecutorConfig()
	cfg.DefaultWorkingDir = c.Trainer.WorkingDirectory
	cfg.KillGrace = c.GetKillGrace()
	if c.Execution.MaxOutputBytes > 0 {
		cfg.MaxOutputBytes = c.Execution.MaxOutputBytes
	}
	cfg.AllowedEnvironment = c.Execution.AllowedEnvVars
	return cfg
}
