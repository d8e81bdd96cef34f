package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"dpsweep/internal/task"
	"dpsweep/internal/trainer"
)

// DefaultPath is where the CLI looks for its config file.
const DefaultPath = ".dpsweep/config.yaml"

// Config holds all dpsweep configuration.
type Config struct {
	// StateDir holds logs and the run ledger.
	StateDir string `yaml:"state_dir"`

	// Trainer locates the external trainer.
	Trainer TrainerConfig `yaml:"trainer"`

	// Defaults are the launch parameters used when a flag is not given.
	Defaults trainer.Params `yaml:"defaults"`

	// Sweep shapes the hyperparameter grid
	Sweep SweepConfig `yaml:"sweep"`

	// Execution settings
	Execution ExecutionConfig `yaml:"execution"`

	// History configures the run ledger.
	History HistoryConfig `yaml:"history"`

	Metrics MetricsConfig `yaml:"metrics"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// TrainerConfig configures how the trainer is invoked.
type TrainerConfig struct {
	Python string `yaml:"python"`
	Module string `yaml:"module"`

	// WorkingDirectory is where the trainer module is importable from.
	WorkingDirectory string `yaml:"working_directory"`

	// Env is appended to the inherited environment (KEY=VALUE).
	Env []string `yaml:"env"`

	// CheckPackages are the imports "dpsweep check" verifies.
	CheckPackages []string `yaml:"check_packages"`
}

// SweepConfig configures the freeze_rate x epoch x momentum grid.
type SweepConfig struct {
	FreezeRates []trainer.Scalar `yaml:"freeze_rates"`

	// EpochScale derives the second epoch value: ceil(epoch * scale).
	EpochScale float64 `yaml:"epoch_scale"`
}

// HistoryConfig configures the run ledger.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig configures the node_exporter textfile.
type MetricsConfig struct {
	// Textfile is written after every command when set.
	Textfile string `yaml:"textfile"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		StateDir: ".dpsweep",

		Trainer: TrainerConfig{
			Python:           trainer.DefaultPython,
			Module:           trainer.DefaultModule,
			WorkingDirectory: ".",
			CheckPackages:    []string{"torch", "transformers"},
		},

		Defaults: trainer.DefaultParams(),

		Sweep: SweepConfig{
			FreezeRates: []trainer.Scalar{
				trainer.Float(0.3), trainer.Float(0.5), trainer.Float(0.7), trainer.Float(0.9), trainer.Int(0),
			},
			EpochScale: 1.2,
		},

		Execution: ExecutionConfig{
			Timeout:        "0s",
			KillGrace:      "10s",
			MaxOutputBytes: 1024 * 1024,
		},

		History: HistoryConfig{
			Enabled: true,
			Path:    filepath.Join(".dpsweep", "runs.db"),
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
		// Defaults only
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := cfg.applyEnvOverrides(context.Background(), envconfig.OsLookuper()); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// envOverrides are the environment variables that take precedence over the
// config file.
type envOverrides struct {
	Python          string `env:"DPSWEEP_PYTHON"`
	Module          string `env:"DPSWEEP_TRAINER_MODULE"`
	DataDir         string `env:"DPSWEEP_DATA_DIR"`
	HistoryPath     string `env:"DPSWEEP_HISTORY_PATH"`
	MetricsTextfile string `env:"DPSWEEP_METRICS_TEXTFILE"`
	Debug           *bool  `env:"DPSWEEP_DEBUG,noinit"`
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides(ctx context.Context, lookuper envconfig.Lookuper) error {
	var env envOverrides
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &env,
		Lookuper: lookuper,
	}); err != nil {
		return fmt.Errorf("failed to read environment overrides: %w", err)
	}

	if env.Python != "" {
		c.Trainer.Python = env.Python
	}
	if env.Module != "" {
		c.Trainer.Module = env.Module
	}
	if env.DataDir != "" {
		c.Defaults.DataDir = env.DataDir
	}
	if env.HistoryPath != "" {
		c.History.Path = env.HistoryPath
	}
	if env.MetricsTextfile != "" {
		c.Metrics.Textfile = env.MetricsTextfile
	}
	if env.Debug != nil {
		c.Logging.DebugMode = *env.Debug
		if *env.Debug {
			c.Logging.Level = "debug"
		}
	}
	return nil
}

// GetTimeout returns the per-run timeout. Zero means none.
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.Timeout)
	if err != nil || d < 0 {
		return 0
	}
	return d
}

// GetKillGrace returns how long a terminated trainer gets before SIGKILL.
func (c *Config) GetKillGrace() time.Duration {
	d, err := time.ParseDuration(c.Execution.KillGrace)
	if err != nil || d < 0 {
		return 10 * time.Second
	}
	return d
}

// ValidLevels lists the accepted logging levels.
var ValidLevels = []string{"debug", "info", "warn", "error"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Trainer.Python) == "" {
		return fmt.Errorf("trainer.python must be set")
	}
	if strings.TrimSpace(c.Trainer.Module) == "" {
		return fmt.Errorf("trainer.module must be set")
	}

	if c.Defaults.TaskName != "" {
		if _, err := task.Lookup(c.Defaults.TaskName); err != nil {
			return fmt.Errorf("defaults.task_name: %w", err)
		}
	}
	if c.Defaults.PerDeviceTrainBatchSize < 0 {
		return fmt.Errorf("defaults.per_device_train_batch_size must not be negative")
	}

	if len(c.Sweep.FreezeRates) == 0 {
		return fmt.Errorf("sweep.freeze_rates must not be empty")
	}
	if c.Sweep.EpochScale <= 0 {
		return fmt.Errorf("sweep.epoch_scale must be positive, got %v", c.Sweep.EpochScale)
	}

	for name, value := range map[string]string{
		"execution.timeout":    c.Execution.Timeout,
		"execution.kill_grace": c.Execution.KillGrace,
	} {
		if value == "" {
			continue
		}
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.Execution.MaxOutputBytes < 0 {
		return fmt.Errorf("execution.max_output_bytes must not be negative")
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path must be set when history is enabled")
	}

	validLevel := false
	for _, l := range ValidLevels {
		if c.Logging.Level == l {
			validLevel = true
			break
		}
	}
	if !validLevel {
		return fmt.Errorf("invalid logging level: %s (valid: %v)", c.Logging.Level, ValidLevels)
	}

	return nil
}
