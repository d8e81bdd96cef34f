package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpsweep/internal/trainer"
)

// clearEnv keeps the developer's shell from leaking into config tests.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DPSWEEP_PYTHON", "DPSWEEP_TRAINER_MODULE", "DPSWEEP_DATA_DIR",
		"DPSWEEP_HISTORY_PATH", "DPSWEEP_METRICS_TEXTFILE", "DPSWEEP_DEBUG",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// =============================================================================
// CONFIG FILE TESTS
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Trainer.Python != "python" {
		t.Errorf("expected Python=python, got %s", cfg.Trainer.Python)
	}
	if cfg.Trainer.Module != "classification.run_classification" {
		t.Errorf("expected trainer module, got %s", cfg.Trainer.Module)
	}
	if len(cfg.Sweep.FreezeRates) != 5 {
		t.Errorf("expected 5 freeze rates, got %d", len(cfg.Sweep.FreezeRates))
	}
	if cfg.GetTimeout() != 0 {
		t.Errorf("expected no timeout by default, got %s", cfg.GetTimeout())
	}
	require.NoError(t, cfg.Validate())
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
trainer:
  python: /opt/venv/bin/python
defaults:
  epoch: 3
  target_epsilon: 3.0
sweep:
  freeze_rates: [0.1, 0]
execution:
  timeout: 12h
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/opt/venv/bin/python", cfg.Trainer.Python)
	assert.Equal(t, "classification.run_classification", cfg.Trainer.Module)
	assert.Equal(t, "3", cfg.Defaults.Epoch.String())
	assert.Equal(t, "3.0", cfg.Defaults.TargetEpsilon.String())
	assert.Equal(t, "roberta-base", cfg.Defaults.ModelNameOrPath)
	assert.Equal(t, "0.9", cfg.Defaults.Momentum.String())

	var rates []string
	for _, r := range cfg.Sweep.FreezeRates {
		rates = append(rates, r.String())
	}
	if diff := cmp.Diff([]string{"0.1", "0"}, rates); diff != "" {
		t.Errorf("freeze rates mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, 1.2, cfg.Sweep.EpochScale)
	assert.Equal(t, 12*time.Hour, cfg.GetTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetKillGrace())
}

func TestLoad_BadYAML(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("defaults:\n  epoch: six\n"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestConfig_SaveLoad(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Trainer.Env = []string{"CUDA_VISIBLE_DEVICES=0"}
	cfg.Defaults.TaskName = "qnli"
	cfg.Defaults.Epoch = trainer.Int(4)
	cfg.Metrics.Textfile = "/var/lib/node_exporter/dpsweep.prom"

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	if diff := cmp.Diff(cfg, loaded, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("round trip mismatch (-saved +loaded):\n%s", diff)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"empty python", func(c *Config) { c.Trainer.Python = " " }, "trainer.python"},
		{"empty module", func(c *Config) { c.Trainer.Module = "" }, "trainer.module"},
		{"unknown default task", func(c *Config) { c.Defaults.TaskName = "cola" }, "unknown task"},
		{"negative batch", func(c *Config) { c.Defaults.PerDeviceTrainBatchSize = -1 }, "per_device_train_batch_size"},
		{"no rates", func(c *Config) { c.Sweep.FreezeRates = nil }, "freeze_rates"},
		{"zero scale", func(c *Config) { c.Sweep.EpochScale = 0 }, "epoch_scale"},
		{"bad timeout", func(c *Config) { c.Execution.Timeout = "soon" }, "execution.timeout"},
		{"negative grace", func(c *Config) { c.Execution.KillGrace = "-1s" }, "execution.kill_grace"},
		{"negative output", func(c *Config) { c.Execution.MaxOutputBytes = -1 }, "max_output_bytes"},
		{"history without path", func(c *Config) { c.History.Path = "" }, "history.path"},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "invalid logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("history disabled needs no path", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.History.Enabled = false
		cfg.History.Path = ""
		assert.NoError(t, cfg.Validate())
	})
}

func TestConfig_DurationFallbacks(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Execution.Timeout = "garbage"
	cfg.Execution.KillGrace = ""
	assert.Equal(t, time.Duration(0), cfg.GetTimeout())
	assert.Equal(t, 10*time.Second, cfg.GetKillGrace())

	cfg.Execution.KillGrace = "30s"
	assert.Equal(t, 30*time.Second, cfg.GetKillGrace())
}

func TestConfig_ExecutorConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trainer.WorkingDirectory = "/srv/examples"
	cfg.Execution.KillGrace = "1m"
	cfg.Execution.MaxOutputBytes = 4096
	cfg.Execution.AllowedEnvVars = []string{"PATH", "HOME"}

	ec := cfg.ExecutorConfig()
	assert.Equal(t, "/srv/examples", ec.DefaultWorkingDir)
	assert.Equal(t, time.Minute, ec.KillGrace)
	assert.Equal(t, int64(4096), ec.MaxOutputBytes)
	assert.Equal(t, []string{"PATH", "HOME"}, ec.AllowedEnvironment)
	assert.Equal(t, time.Duration(0), ec.DefaultTimeout)

	cfg.Execution.MaxOutputBytes = 0
	assert.Equal(t, int64(1024*1024), cfg.ExecutorConfig().MaxOutputBytes)
}

func TestLoggingConfig(t *testing.T) {
	lc := LoggingConfig{Level: "debug", Format: "json"}
	assert.False(t, lc.IsCategoryEnabled("sweep"), "production mode disables everything")

	lc.DebugMode = true
	assert.True(t, lc.IsCategoryEnabled("sweep"))

	lc.Categories = map[string]bool{"store": false}
	assert.False(t, lc.IsCategoryEnabled("store"))
	assert.True(t, lc.IsCategoryEnabled("tactile"))

	s := lc.Settings()
	assert.True(t, s.DebugMode)
	assert.True(t, s.JSONFormat)
	assert.Equal(t, "debug", s.Level)
	assert.Equal(t, map[string]bool{"store": false}, s.Categories)
}
