package main

import (
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"dpsweep/internal/metrics"
	"dpsweep/internal/store"
	"dpsweep/internal/sweep"
	"dpsweep/internal/tactile"
	"dpsweep/internal/trainer"
)

// newRunCmd launches one run with an explicit freeze schedule.
func newRunCmd(s *cli) *cobra.Command {
	p := trainer.DefaultParams()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch one run with an explicit freeze schedule",
		Long: `Builds the trainer command from the given parameters, prints it and
runs it. --freeze-end, --freeze-rate, --process and --epoch are passed
through to the trainer unchanged.

Example:
  dpsweep run --task-name sst-2 --output-dir out/sst-2 \
    --per-device-train-batch-size 25 --freeze-end 4 --freeze-rate 0.5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := s.resolveParams(cmd.Flags(), p)
			return s.withDriver(cmd, func(d *sweep.Driver) error {
				_, err := d.RunExplicit(cmd.Context(), params)
				return err
			})
		},
	}

	fs := cmd.Flags()
	bindCommonFlags(fs, &p)
	fs.IntVar(&p.FreezeEnd, "freeze-end", p.FreezeEnd, "Epoch at which freezing ends")
	fs.Var(&p.FreezeRate, "freeze-rate", "Fraction of layers frozen")
	fs.IntVar(&p.Process, "process", p.Process, "Process identifier passed as --process")
	markRequired(cmd, "output-dir", "task-name", "per-device-train-batch-size")
	return cmd
}

// newSearchCmd launches one grid point.
func newSearchCmd(s *cli) *cobra.Command {
	p := trainer.DefaultParams()

	cmd := &cobra.Command{
		Use:   "search",
		Short: "Launch one point of the freeze_rate x epoch x momentum grid",
		Long: `Selects grid point --process from the freeze_rate x epoch x momentum
grid built around --epoch and --momentum, then prints and runs the trainer
command. Run "dpsweep grid" to see the points.

Example:
  dpsweep search --task-name mnli --output-dir out/mnli/p7 \
    --per-device-train-batch-size 10 --process 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := s.resolveParams(cmd.Flags(), p)
			index := params.Process
			return s.withDriver(cmd, func(d *sweep.Driver) error {
				_, err := d.RunPoint(cmd.Context(), params, index)
				return err
			})
		},
	}

	fs := cmd.Flags()
	bindCommonFlags(fs, &p)
	bindSearchFlags(fs, &p)
	fs.IntVar(&p.Process, "process", p.Process, "Grid point index (required)")
	markRequired(cmd, "output-dir", "task-name", "per-device-train-batch-size", "process")
	return cmd
}

// newSearchAllCmd walks the whole grid.
func newSearchAllCmd(s *cli) *cobra.Command {
	p := trainer.DefaultParams()
	var opts sweep.RunAllOptions

	cmd := &cobra.Command{
		Use:   "search-all",
		Short: "Launch every point of the grid",
		Long: `Launches every grid point, each writing to <output-dir>/process-<i>.
By default points run one at a time and the first failure stops the sweep.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := s.resolveParams(cmd.Flags(), p)
			return s.withDriver(cmd, func(d *sweep.Driver) error {
				reports, err := d.RunAll(cmd.Context(), params, opts)
				if len(reports) > 0 {
					writeSummary(cmd.OutOrStdout(), reports)
				}
				return err
			})
		},
	}

	fs := cmd.Flags()
	bindCommonFlags(fs, &p)
	bindSearchFlags(fs, &p)
	fs.IntVarP(&opts.Parallel, "parallel", "j", 1, "Number of trainers to run at once")
	fs.BoolVar(&opts.KeepGoing, "keep-going", false, "Continue after a failed point")
	fs.IntSliceVar(&opts.Only, "only", nil, "Launch only these grid indices")
	markRequired(cmd, "output-dir", "task-name", "per-device-train-batch-size")
	return cmd
}

func bindCommonFlags(fs *pflag.FlagSet, p *trainer.Params) {
	fs.StringVar(&p.OutputDir, "output-dir", "", "Trainer output directory (required)")
	fs.StringVar(&p.TaskName, "task-name", "", "Task: sst-2, mnli, qqp or qnli (required)")
	fs.IntVar(&p.PerDeviceTrainBatchSize, "per-device-train-batch-size", p.PerDeviceTrainBatchSize, "Per-device train batch size (required)")
	fs.StringVar(&p.FewShotType, "few-shot-type", p.FewShotType, "Few-shot type")
	fs.StringVar(&p.ModelNameOrPath, "model-name-or-path", p.ModelNameOrPath, "Model identifier")
	fs.StringVar(&p.DataDir, "data-dir", p.DataDir, "Base data directory")
	fs.StringVar(&p.GhostClipping, "ghost-clipping", p.GhostClipping, "Ghost clipping (yes/no)")
	fs.StringVar(&p.NonPrivate, "non-private", p.NonPrivate, "Disable differential privacy (yes/no)")
	fs.Var(&p.TargetEpsilon, "target-epsilon", "Privacy budget")
	fs.Var(&p.Epoch, "epoch", "Number of epochs")
	fs.IntVar(&p.EvalSteps, "eval-steps", p.EvalSteps, "Evaluate every N steps")
}

func bindSearchFlags(fs *pflag.FlagSet, p *trainer.Params) {
	fs.Var(&p.Momentum, "momentum", "Base momentum (adam beta1)")
	fs.Var(&p.Clip, "clip", "Per-example max gradient norm")
}

func markRequired(cmd *cobra.Command, names ...string) {
	for _, name := range names {
		_ = cmd.MarkFlagRequired(name)
	}
}

// resolveParams layers the changed flags over the configured defaults.
func (s *cli) resolveParams(fs *pflag.FlagSet, flagged trainer.Params) trainer.Params {
	p := s.cfg.Defaults
	fs.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "output-dir":
			p.OutputDir = flagged.OutputDir
		case "task-name":
			p.TaskName = flagged.TaskName
		case "per-device-train-batch-size":
			p.PerDeviceTrainBatchSize = flagged.PerDeviceTrainBatchSize
		case "few-shot-type":
			p.FewShotType = flagged.FewShotType
		case "model-name-or-path":
			p.ModelNameOrPath = flagged.ModelNameOrPath
		case "data-dir":
			p.DataDir = flagged.DataDir
		case "ghost-clipping":
			p.GhostClipping = flagged.GhostClipping
		case "non-private":
			p.NonPrivate = flagged.NonPrivate
		case "target-epsilon":
			p.TargetEpsilon = flagged.TargetEpsilon
		case "epoch":
			p.Epoch = flagged.Epoch
		case "eval-steps":
			p.EvalSteps = flagged.EvalSteps
		case "freeze-end":
			p.FreezeEnd = flagged.FreezeEnd
		case "freeze-rate":
			p.FreezeRate = flagged.FreezeRate
		case "process":
			p.Process = flagged.Process
		case "momentum":
			p.Momentum = flagged.Momentum
		case "clip":
			p.Clip = flagged.Clip
		}
	})
	return p
}

// withDriver runs fn against a driver wired from the configuration, then
// closes the ledger and writes the metrics textfile.
func (s *cli) withDriver(cmd *cobra.Command, fn func(*sweep.Driver) error) error {
	d, closeLedger := s.newDriver(cmd)
	runErr := fn(d)
	closeLedger()

	if path := s.textfile(); path != "" && !s.dryRun {
		if err := d.Metrics.WriteTextfile(path); err != nil {
			logger.Warn("Failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		}
	}
	if runErr != nil {
		logger.Debug("Command failed", zap.String("command", cmd.Name()), zap.Error(runErr))
	}
	return runErr
}

func (s *cli) newDriver(cmd *cobra.Command) (*sweep.Driver, func()) {
	execCfg := s.cfg.ExecutorConfig()
	execCfg.AuditCallback = auditToLogger(logger)

	// Parallel trainers share the command's writers.
	stdout := &syncWriter{w: cmd.OutOrStdout()}
	stderr := stdout
	if cmd.ErrOrStderr() != cmd.OutOrStdout() {
		stderr = &syncWriter{w: cmd.ErrOrStderr()}
	}

	pt := trainer.NewProcessTrainer(execCfg)
	pt.WorkDir = s.cfg.Trainer.WorkingDirectory
	pt.Env = s.cfg.Trainer.Env
	pt.Stdout = stdout
	pt.Stderr = stderr
	pt.Timeout = s.runTimeout()

	d := &sweep.Driver{
		Trainer: pt,
		Out:     stdout,
		BuildOptions: []trainer.BuildOption{
			trainer.WithPython(s.cfg.Trainer.Python),
			trainer.WithModule(s.cfg.Trainer.Module),
		},
		GridOptions: []sweep.GridOption{
			sweep.WithFreezeRates(s.cfg.Sweep.FreezeRates),
			sweep.WithEpochScale(s.cfg.Sweep.EpochScale),
		},
		DryRun:  s.dryRun,
		Pretty:  s.pretty,
		Metrics: metrics.New(),
	}

	closeLedger := func() {}
	if s.cfg.History.Enabled && !s.dryRun {
		runs, err := store.Open(s.cfg.History.Path)
		if err != nil {
			logger.Warn("Run history disabled", zap.String("path", s.cfg.History.Path), zap.Error(err))
		} else {
			d.Ledger = runs
			closeLedger = func() { _ = runs.Close() }
		}
	}
	return d, closeLedger
}

// auditToLogger forwards executor events to the process logger.
func auditToLogger(l *zap.Logger) func(tactile.AuditEvent) {
	return func(e tactile.AuditEvent) {
		fields := []zap.Field{
			zap.String("event", string(e.Type)),
			zap.String("run_id", e.Command.RequestID),
			zap.String("binary", e.Command.Binary),
		}
		if e.Result != nil {
			fields = append(fields,
				zap.Int("exit_code", e.Result.ExitCode),
				zap.Duration("duration", e.Result.Duration))
		}
		l.Debug("Trainer process event", fields...)
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Write(p)
}

func writeSummary(w io.Writer, reports []*sweep.Report) {
	fmt.Fprintln(w)
	table := createStandardTable([]string{"Index", "Freeze Rate", "Epoch", "Momentum", "Run", "Status", "Exit"}, w)
	for _, r := range reports {
		status, exit := "dry-run", ""
		if r.Outcome != nil {
			fin := store.Finish{ExitCode: r.Outcome.ExitCode, Killed: r.Outcome.Killed}
			status, exit = string(fin.Status()), strconv.Itoa(r.Outcome.ExitCode)
		} else if !r.DryRun {
			status = string(store.StatusError)
		}
		_ = table.Append([]string{
			strconv.Itoa(r.Point.Index),
			r.Point.FreezeRate.String(),
			r.Point.Epoch.String(),
			r.Point.Momentum.String(),
			shortID(r.RunID),
			status,
			exit,
		})
	}
	_ = table.Render()
}
