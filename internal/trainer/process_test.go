package trainer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dpsweep/internal/tactile"
)

type recordingExecutor struct {
	got    tactile.Command
	result *tactile.ExecutionResult
	err    error
}

func (e *recordingExecutor) Execute(_ context.Context, cmd tactile.Command) (*tactile.ExecutionResult, error) {
	e.got = cmd
	return e.result, e.err
}

func (e *recordingExecutor) Capabilities() tactile.ExecutorCapabilities {
	return tactile.ExecutorCapabilities{Name: "recording"}
}

func (e *recordingExecutor) Validate(tactile.Command) error { return nil }

func TestProcessTrainer_CommandShape(t *testing.T) {
	exec := &recordingExecutor{result: &tactile.ExecutionResult{Success: true, ExitCode: 0}}
	var out bytes.Buffer
	tr := &ProcessTrainer{
		Executor: exec,
		WorkDir:  "/srv/private-transformers/examples",
		Env:      []string{"CUDA_VISIBLE_DEVICES=1"},
		Stdout:   &out,
		Timeout:  90 * time.Minute,
	}

	inv, err := Build(LayoutExplicit, sst2Params(), WithPython("python3"))
	require.NoError(t, err)

	outcome, err := tr.RunWithID(context.Background(), "run-1", inv)
	require.NoError(t, err)
	assert.True(t, outcome.Succeeded())

	assert.Equal(t, "python3", exec.got.Binary)
	assert.Equal(t, inv.Args(), exec.got.Arguments)
	assert.Equal(t, "/srv/private-transformers/examples", exec.got.WorkingDirectory)
	assert.Equal(t, []string{"CUDA_VISIBLE_DEVICES=1"}, exec.got.Environment)
	assert.Same(t, &out, exec.got.Stdout)
	assert.Equal(t, "run-1", exec.got.RequestID)
	assert.Equal(t, "sst-2", exec.got.Tags["task"])
	assert.Equal(t, "explicit", exec.got.Tags["layout"])
	require.NotNil(t, exec.got.Limits)
	assert.Equal(t, int64(90*60*1000), exec.got.Limits.TimeoutMs)
}

func TestProcessTrainer_NoTimeoutMeansNoLimits(t *testing.T) {
	exec := &recordingExecutor{result: &tactile.ExecutionResult{Success: true}}
	tr := &ProcessTrainer{Executor: exec}

	inv, err := Build(LayoutSearch, sst2Params())
	require.NoError(t, err)

	_, err = tr.Run(context.Background(), inv)
	require.NoError(t, err)
	assert.Nil(t, exec.got.Limits)
}

func TestProcessTrainer_Outcomes(t *testing.T) {
	inv, err := Build(LayoutSearch, sst2Params())
	require.NoError(t, err)

	t.Run("non-zero exit is an outcome", func(t *testing.T) {
		exec := &recordingExecutor{result: &tactile.ExecutionResult{
			Success:  true,
			ExitCode: 2,
			Stderr:   "CUDA out of memory",
			Duration: time.Second,
		}}
		outcome, err := (&ProcessTrainer{Executor: exec}).Run(context.Background(), inv)
		require.NoError(t, err)
		assert.Equal(t, 2, outcome.ExitCode)
		assert.Equal(t, "CUDA out of memory", outcome.Stderr)
		assert.Equal(t, time.Second, outcome.Duration)
		assert.False(t, outcome.Succeeded())
	})

	t.Run("killed", func(t *testing.T) {
		exec := &recordingExecutor{result: &tactile.ExecutionResult{
			Success:    true,
			ExitCode:   -1,
			Killed:     true,
			KillReason: "timeout after 1s",
		}}
		outcome, err := (&ProcessTrainer{Executor: exec}).Run(context.Background(), inv)
		require.NoError(t, err)
		assert.True(t, outcome.Killed)
		assert.Equal(t, "timeout after 1s", outcome.KillReason)
		assert.False(t, outcome.Succeeded())
	})

	t.Run("start failure is an error", func(t *testing.T) {
		exec := &recordingExecutor{result: &tactile.ExecutionResult{
			Success:  false,
			ExitCode: -1,
			Error:    `exec: "python": executable file not found in $PATH`,
		}}
		_, err := (&ProcessTrainer{Executor: exec}).Run(context.Background(), inv)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "executable file not found")
	})

	t.Run("validation error", func(t *testing.T) {
		exec := &recordingExecutor{err: assert.AnError}
		_, err := (&ProcessTrainer{Executor: exec}).Run(context.Background(), inv)
		assert.ErrorIs(t, err, assert.AnError)
	})
}

func TestProcessTrainer_RealProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}

	python := filepath.Join(t.TempDir(), "python")
	script := "#!/bin/sh\necho \"got $# args, first $1 $2\"\necho err >&2\nexit 4\n"
	require.NoError(t, os.WriteFile(python, []byte(script), 0o755))

	inv, err := Build(LayoutExplicit, sst2Params(), WithPython(python))
	require.NoError(t, err)

	var stdout, stderr bytes.Buffer
	tr := NewProcessTrainer(tactile.DefaultExecutorConfig())
	tr.Stdout = &stdout
	tr.Stderr = &stderr

	outcome, err := tr.Run(context.Background(), inv)
	require.NoError(t, err)

	assert.Equal(t, 4, outcome.ExitCode)
	assert.Equal(t, "err\n", outcome.Stderr)
	assert.Equal(t, "err\n", stderr.String())
	assert.Equal(t, fmt.Sprintf("got %d args, first -m classification.run_classification\n", len(inv.Args())), stdout.String())
	assert.False(t, outcome.StartedAt.IsZero())
	assert.False(t, outcome.FinishedAt.Before(outcome.StartedAt))
}
