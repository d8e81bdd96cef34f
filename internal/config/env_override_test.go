package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverrides(t *testing.T) {
	t.Run("all overrides", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.applyEnvOverrides(context.Background(), envconfig.MapLookuper(map[string]string{
			"DPSWEEP_PYTHON":           "/opt/conda/bin/python",
			"DPSWEEP_TRAINER_MODULE":   "examples.classification.run_classification",
			"DPSWEEP_DATA_DIR":         "/data/glue",
			"DPSWEEP_HISTORY_PATH":     "/tmp/runs.db",
			"DPSWEEP_METRICS_TEXTFILE": "/tmp/dpsweep.prom",
			"DPSWEEP_DEBUG":            "true",
		}))
		require.NoError(t, err)

		assert.Equal(t, "/opt/conda/bin/python", cfg.Trainer.Python)
		assert.Equal(t, "examples.classification.run_classification", cfg.Trainer.Module)
		assert.Equal(t, "/data/glue", cfg.Defaults.DataDir)
		assert.Equal(t, "/tmp/runs.db", cfg.History.Path)
		assert.Equal(t, "/tmp/dpsweep.prom", cfg.Metrics.Textfile)
		assert.True(t, cfg.Logging.DebugMode)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("unset variables leave config alone", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.DebugMode = true
		err := cfg.applyEnvOverrides(context.Background(), envconfig.MapLookuper(nil))
		require.NoError(t, err)

		assert.Equal(t, DefaultConfig().Trainer, cfg.Trainer)
		assert.True(t, cfg.Logging.DebugMode, "debug mode from the file survives")
	})

	t.Run("debug false turns logging off", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.DebugMode = true
		err := cfg.applyEnvOverrides(context.Background(), envconfig.MapLookuper(map[string]string{
			"DPSWEEP_DEBUG": "false",
		}))
		require.NoError(t, err)
		assert.False(t, cfg.Logging.DebugMode)
	})

	t.Run("invalid bool", func(t *testing.T) {
		cfg := DefaultConfig()
		err := cfg.applyEnvOverrides(context.Background(), envconfig.MapLookuper(map[string]string{
			"DPSWEEP_DEBUG": "maybe",
		}))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "environment overrides")
	})
}

func TestLoad_EnvBeatsFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trainer:\n  python: python3.10\n"), 0644))

	t.Setenv("DPSWEEP_PYTHON", "python3.11")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "python3.11", cfg.Trainer.Python)
}

func TestLoad_EnvWithoutFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("DPSWEEP_HISTORY_PATH", "/scratch/runs.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/scratch/runs.db", cfg.History.Path)
}
