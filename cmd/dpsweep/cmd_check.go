package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"dpsweep/internal/tactile"
	"dpsweep/internal/tactile/python"
)

// newCheckCmd verifies the trainer's Python environment.
func newCheckCmd(s *cli) *cobra.Command {
	var packages []string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check that the trainer interpreter starts and can import its packages",
		Long: `Runs the configured interpreter from the trainer working directory and
checks that it reports a version and can import the trainer module and
each package in trainer.check_packages (or --package).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := python.DefaultConfig()
			cfg.Python = s.cfg.Trainer.Python
			cfg.Module = s.cfg.Trainer.Module
			cfg.WorkDir = s.cfg.Trainer.WorkingDirectory
			cfg.Env = s.cfg.Trainer.Env
			cfg.Packages = s.cfg.Trainer.CheckPackages
			if cmd.Flags().Changed("package") {
				cfg.Packages = packages
			}

			var executor tactile.AuditedExecutor = tactile.NewDirectExecutorWithConfig(s.cfg.ExecutorConfig())
			executor.SetAuditCallback(auditToLogger(logger))
			env := python.NewEnvironment(cfg, executor)

			err := env.Probe(cmd.Context())

			table := createStandardTable([]string{"Check", "Status", "Detail"}, cmd.OutOrStdout())
			for _, c := range env.Checks() {
				status := "ok"
				if !c.OK {
					status = "FAIL"
				}
				_ = table.Append([]string{c.Name, status, c.Detail})
			}
			_ = table.Render()

			if err != nil {
				return err
			}
			logger.Info("Python environment ready", zap.String("python", cfg.Python), zap.String("version", env.Version()))
			fmt.Fprintf(cmd.OutOrStdout(), "\n%s %s is ready.\n", cfg.Python, env.Version())
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&packages, "package", nil, "Packages to check instead of trainer.check_packages")
	return cmd
}
