package trainer

import (
	"context"
	"fmt"
	"io"
	"time"

	"dpsweep/internal/logging"
	"dpsweep/internal/tactile"
)

// Trainer runs one invocation of the external trainer to completion.
type Trainer interface {
	Run(ctx context.Context, inv *Invocation) (*Outcome, error)
}

// Outcome is how a trainer run ended.
type Outcome struct {
	ExitCode   int           `json:"exit_code"`
	Duration   time.Duration `json:"duration"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Killed     bool          `json:"killed"`
	KillReason string        `json:"kill_reason,omitempty"`

	// Stderr is the captured tail of the child's stderr.
	Stderr string `json:"stderr,omitempty"`

	Usage *tactile.ResourceUsage `json:"usage,omitempty"`
}

// Succeeded reports whether the child exited zero without being killed.
func (o *Outcome) Succeeded() bool {
	return o.ExitCode == 0 && !o.Killed
}

// ProcessTrainer runs invocations as child processes through an executor.
type ProcessTrainer struct {
	Executor tactile.Executor

	// WorkDir is where the trainer module is importable from.
	WorkDir string

	// Env is appended to the inherited environment (KEY=VALUE).
	Env []string

	// Stdout and Stderr receive the child's output as it runs.
	Stdout io.Writer
	Stderr io.Writer

	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
}

// NewProcessTrainer returns a trainer backed by a DirectExecutor.
func NewProcessTrainer(cfg tactile.ExecutorConfig) *ProcessTrainer {
	return &ProcessTrainer{Executor: tactile.NewDirectExecutorWithConfig(cfg)}
}

// Run executes inv and blocks until the child exits. A non-zero exit is
// an Outcome, not an error; errors mean the child could not be run.
func (t *ProcessTrainer) Run(ctx context.Context, inv *Invocation) (*Outcome, error) {
	return t.RunWithID(ctx, "", inv)
}

// RunWithID is Run with a request ID attached to the executor's logs and
// audit events.
func (t *ProcessTrainer) RunWithID(ctx context.Context, id string, inv *Invocation) (*Outcome, error) {
	cmd := tactile.Command{
		Binary:           inv.Python,
		Arguments:        inv.Args(),
		WorkingDirectory: t.WorkDir,
		Environment:      t.Env,
		Stdout:           t.Stdout,
		Stderr:           t.Stderr,
		RequestID:        id,
		Tags: map[string]string{
			"task":   inv.Task,
			"layout": string(inv.Layout),
		},
	}
	if t.Timeout > 0 {
		cmd.Limits = &tactile.ResourceLimits{TimeoutMs: t.Timeout.Milliseconds()}
	}

	log := logging.WithRequestID(logging.CategoryTrainer, id)
	log.Info("starting trainer: %s", inv.String())

	result, err := t.Executor.Execute(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("run trainer: %w", err)
	}
	if result.IsError() {
		log.Error("trainer did not start: %s", result.Error)
		return nil, fmt.Errorf("run trainer: %s", result.Error)
	}

	out := &Outcome{
		ExitCode:   result.ExitCode,
		Duration:   result.Duration,
		StartedAt:  result.StartedAt,
		FinishedAt: result.FinishedAt,
		Killed:     result.Killed,
		KillReason: result.KillReason,
		Stderr:     result.Stderr,
		Usage:      result.ResourceUsage,
	}
	log.WithField("exit_code", out.ExitCode).
		WithField("duration", out.Duration.String())
	if u := result.ResourceUsage; u != nil {
		log.WithField("cpu_ms", u.TotalCPUTimeMs()).WithField("max_rss", u.MaxRSSBytes)
	}
	if result.IsNonZeroExit() {
		log.Warn("trainer exited with status %d (killed=%v)", out.ExitCode, out.Killed)
	} else {
		log.Info("trainer finished (killed=%v)", out.Killed)
	}
	return out, nil
}
