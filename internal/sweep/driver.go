package sweep

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"

	"dpsweep/internal/logging"
	"dpsweep/internal/metrics"
	"dpsweep/internal/store"
	"dpsweep/internal/trainer"
)

// Ledger records launches. *store.RunStore implements it.
type Ledger interface {
	RecordStart(ctx context.Context, run *store.Run) error
	RecordFinish(ctx context.Context, id string, fin store.Finish) error
}

// identifiedTrainer is implemented by trainers that tag their logs with
// the run ID.
type identifiedTrainer interface {
	RunWithID(ctx context.Context, id string, inv *trainer.Invocation) (*trainer.Outcome, error)
}

// ExitError reports a trainer that ran but did not succeed.
type ExitError struct {
	RunID  string
	Code   int
	Killed bool
	Reason string

	// Stderr is the captured tail of the trainer's stderr.
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Killed {
		return fmt.Sprintf("trainer killed: %s", e.Reason)
	}
	return fmt.Sprintf("trainer exited with status %d", e.Code)
}

// ExitCode is the status the launcher should exit with.
func (e *ExitError) ExitCode() int {
	if e.Code > 0 {
		return e.Code
	}
	return 1
}

// Report describes one launch.
type Report struct {
	RunID      string              `json:"run_id,omitempty"`
	Layout     trainer.Layout      `json:"layout"`
	Point      *Point              `json:"point,omitempty"`
	Params     trainer.Params      `json:"params"`
	Invocation *trainer.Invocation `json:"invocation"`
	Outcome    *trainer.Outcome    `json:"outcome,omitempty"`
	DryRun     bool                `json:"dry_run,omitempty"`
}

// Driver runs build, print and execute for each launch.
type Driver struct {
	Trainer trainer.Trainer

	// Out receives the "Running command:" banner. Defaults to os.Stdout.
	Out io.Writer

	BuildOptions []trainer.BuildOption
	GridOptions  []GridOption

	// DryRun prints the command without running it.
	DryRun bool

	// Pretty prints one flag group per line instead of the legacy layout.
	Pretty bool

	// Ledger and Metrics are optional.
	Ledger  Ledger
	Metrics *metrics.Recorder

	outMu sync.Mutex
}

// Grid returns the search grid for the base epoch and momentum in p.
func (d *Driver) Grid(p trainer.Params) Grid {
	return NewGrid(p.Epoch, p.Momentum, d.GridOptions...)
}

// RunExplicit launches with the freeze schedule, process and epoch in p.
func (d *Driver) RunExplicit(ctx context.Context, p trainer.Params) (*Report, error) {
	logging.Sweep("Explicit launch: task=%s freeze_end=%d freeze_rate=%s process=%d epoch=%s",
		p.TaskName, p.FreezeEnd, p.FreezeRate, p.Process, p.Epoch)
	return d.launch(ctx, trainer.LayoutExplicit, p, nil)
}

// RunPoint selects grid point index around p's epoch and momentum and
// launches it with the search layout.
func (d *Driver) RunPoint(ctx context.Context, p trainer.Params, index int) (*Report, error) {
	point, err := d.Grid(p).At(index)
	if err != nil {
		logging.SweepWarn("Grid lookup failed: %v", err)
		return nil, err
	}
	logging.Sweep("Grid launch: task=%s index=%d freeze_rate=%s epoch=%s momentum=%s",
		p.TaskName, index, point.FreezeRate, point.Epoch, point.Momentum)
	return d.launch(ctx, trainer.LayoutSearch, point.Apply(p), &point)
}

func (d *Driver) launch(ctx context.Context, layout trainer.Layout, p trainer.Params, point *Point) (*Report, error) {
	inv, err := trainer.Build(layout, p, d.BuildOptions...)
	if err != nil {
		return nil, err
	}

	report := &Report{
		Layout:     layout,
		Point:      point,
		Params:     p,
		Invocation: inv,
		DryRun:     d.DryRun,
	}

	d.printCommand(inv)
	if d.DryRun {
		logging.SweepDebug("Dry run, not executing: %s", inv.String())
		return report, nil
	}

	if err := ctx.Err(); err != nil {
		return report, err
	}

	report.RunID = uuid.NewString()
	d.recordStart(ctx, report)
	audit := logging.AuditFor(p.TaskName, string(layout))
	audit.RunStart(report.RunID, inv.String())

	var outcome *trainer.Outcome
	if t, ok := d.Trainer.(identifiedTrainer); ok {
		outcome, err = t.RunWithID(ctx, report.RunID, inv)
	} else {
		outcome, err = d.Trainer.Run(ctx, inv)
	}
	report.Outcome = outcome

	fin := finishFor(outcome, err)
	d.recordFinish(ctx, report, fin)
	audit.RunFinish(report.RunID, fin.ExitCode, fin.Duration, fin.Killed, fin.Err)
	d.Metrics.Observe(p.TaskName, string(layout), string(fin.Status()), fin.ExitCode, fin.Duration)

	if err != nil {
		logging.SweepError("Run %s could not start: %v", report.RunID, err)
		return report, err
	}
	if !outcome.Succeeded() {
		logging.SweepWarn("Run %s failed: exit=%d killed=%v", report.RunID, outcome.ExitCode, outcome.Killed)
		return report, &ExitError{
			RunID:  report.RunID,
			Code:   outcome.ExitCode,
			Killed: outcome.Killed,
			Reason: outcome.KillReason,
			Stderr: outcome.Stderr,
		}
	}

	logging.Sweep("Run %s succeeded in %s", report.RunID, outcome.Duration)
	return report, nil
}

func (d *Driver) printCommand(inv *trainer.Invocation) {
	text := inv.Format()
	if d.Pretty {
		text = inv.Multiline()
	}

	out := d.Out
	if out == nil {
		out = os.Stdout
	}

	d.outMu.Lock()
	defer d.outMu.Unlock()
	fmt.Fprintf(out, "Running command:\n%s\n", text)
}

func finishFor(outcome *trainer.Outcome, err error) store.Finish {
	if err != nil {
		return store.Finish{ExitCode: -1, Err: err.Error()}
	}
	return store.Finish{
		ExitCode:   outcome.ExitCode,
		Killed:     outcome.Killed,
		KillReason: outcome.KillReason,
		Duration:   outcome.Duration,
		FinishedAt: outcome.FinishedAt,
	}
}

// Ledger failures are logged and never fail a launch.
func (d *Driver) recordStart(ctx context.Context, r *Report) {
	if d.Ledger == nil {
		return
	}
	params, err := json.Marshal(r.Params)
	if err != nil {
		logging.SweepWarn("Failed to encode params for run %s: %v", r.RunID, err)
	}
	run := &store.Run{
		ID:        r.RunID,
		Task:      r.Params.TaskName,
		Layout:    string(r.Layout),
		Process:   r.Params.Process,
		OutputDir: r.Params.OutputDir,
		Command:   r.Invocation.String(),
		Params:    string(params),
	}
	if err := d.Ledger.RecordStart(ctx, run); err != nil {
		logging.SweepWarn("Failed to record start of run %s: %v", r.RunID, err)
	}
}

func (d *Driver) recordFinish(ctx context.Context, r *Report, fin store.Finish) {
	if d.Ledger == nil {
		return
	}
	// A canceled launch is still recorded.
	if err := d.Ledger.RecordFinish(context.WithoutCancel(ctx), r.RunID, fin); err != nil {
		logging.SweepWarn("Failed to record finish of run %s: %v", r.RunID, err)
	}
}
