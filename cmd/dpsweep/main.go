package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"dpsweep/internal/config"
	"dpsweep/internal/logging"
	"dpsweep/internal/sweep"
)

// Logger
var logger *zap.Logger

// cli holds the global flags and the configuration they resolve to.
type cli struct {
	configPath      string
	verbose         bool
	dryRun          bool
	pretty          bool
	metricsTextfile string
	timeout         time.Duration

	cfg *config.Config
}

// newRootCmd builds the command tree. Each call returns fresh flag state.
func newRootCmd() *cobra.Command {
	s := &cli{}

	rootCmd := &cobra.Command{
		Use:   "dpsweep",
		Short: "Launch differentially private classification training runs",
		Long: `dpsweep builds the trainer command line for a classification task,
prints it, and runs it as a child process.

"run" launches with an explicit freeze schedule. "search" picks one point
of the freeze_rate x epoch x momentum grid by index, and "search-all"
walks the whole grid.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return s.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logger != nil {
				_ = logger.Sync()
			}
			logging.CloseAudit()
			logging.CloseAll()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&s.configPath, "config", "c", config.DefaultPath, "Config file (YAML)")
	flags.BoolVarP(&s.verbose, "verbose", "v", false, "Enable verbose logging")
	flags.BoolVar(&s.dryRun, "dry-run", false, "Print the trainer command without running it")
	flags.BoolVar(&s.pretty, "pretty", false, "Print one flag group per line")
	flags.StringVar(&s.metricsTextfile, "metrics-textfile", "", "Write Prometheus metrics to this textfile after the run")
	flags.DurationVar(&s.timeout, "timeout", 0, "Per-run timeout (0 = config value, none by default)")

	rootCmd.AddCommand(
		newRunCmd(s),
		newSearchCmd(s),
		newSearchAllCmd(s),
		newGridCmd(s),
		newTasksCmd(s),
		newHistoryCmd(s),
		newCheckCmd(s),
	)

	// Accept the trainer's underscore spelling as well.
	rootCmd.SetGlobalNormalizationFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	return rootCmd
}

// setup builds the process logger and loads configuration.
func (s *cli) setup() error {
	zcfg := zap.NewProductionConfig()
	if s.verbose {
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	var err error
	logger, err = zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config %s: %w", s.configPath, err)
	}
	s.cfg = cfg

	if err := logging.Initialize(cfg.StateDir, cfg.Logging.Settings()); err != nil {
		logger.Warn("File logging disabled", zap.Error(err))
	} else if err := logging.InitAudit(); err != nil {
		logger.Warn("Audit log disabled", zap.Error(err))
	}
	logging.Boot("dpsweep starting: config=%s state_dir=%s dry_run=%v", s.configPath, cfg.StateDir, s.dryRun)
	logger.Debug("Configuration loaded",
		zap.String("path", s.configPath),
		zap.String("python", cfg.Trainer.Python),
		zap.String("module", cfg.Trainer.Module),
		zap.Bool("history", cfg.History.Enabled))
	return nil
}

// runTimeout is the per-run timeout: the flag when set, else the config.
func (s *cli) runTimeout() time.Duration {
	if s.timeout > 0 {
		return s.timeout
	}
	return s.cfg.GetTimeout()
}

// textfile is where metrics go, or "" for nowhere.
func (s *cli) textfile() string {
	if s.metricsTextfile != "" {
		return s.metricsTextfile
	}
	return s.cfg.Metrics.Textfile
}

// exitCode maps a command error to the process exit status. A trainer
// that ran and failed passes its own status through.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *sweep.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return 1
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}
