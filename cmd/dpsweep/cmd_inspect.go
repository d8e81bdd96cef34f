package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/renderer"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/spf13/cobra"

	"dpsweep/internal/store"
	"dpsweep/internal/sweep"
	"dpsweep/internal/task"
	"dpsweep/internal/trainer"
)

// newGridCmd prints the search grid.
func newGridCmd(s *cli) *cobra.Command {
	p := trainer.DefaultParams()

	cmd := &cobra.Command{
		Use:   "grid",
		Short: "Show the freeze_rate x epoch x momentum grid",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			params := s.resolveParams(cmd.Flags(), p)
			grid := sweep.NewGrid(params.Epoch, params.Momentum,
				sweep.WithFreezeRates(s.cfg.Sweep.FreezeRates),
				sweep.WithEpochScale(s.cfg.Sweep.EpochScale),
			)

			table := createStandardTable([]string{"Index", "Freeze Rate", "Epoch", "Momentum", "Freeze End"}, cmd.OutOrStdout())
			for _, point := range grid.Points() {
				_ = table.Append([]string{
					strconv.Itoa(point.Index),
					point.FreezeRate.String(),
					point.Epoch.String(),
					point.Momentum.String(),
					strconv.Itoa(point.FreezeEnd()),
				})
			}
			return table.Render()
		},
	}

	cmd.Flags().Var(&p.Epoch, "epoch", "Base number of epochs")
	cmd.Flags().Var(&p.Momentum, "momentum", "Base momentum")
	return cmd
}

// newTasksCmd prints the task registry.
func newTasksCmd(s *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List supported tasks and their constants",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table := createStandardTable([]string{"Task", "Batch Size", "Data Dir", "Template"}, cmd.OutOrStdout())
			for _, spec := range task.All() {
				_ = table.Append([]string{
					spec.Name,
					strconv.Itoa(spec.BatchSize),
					spec.DataDir(s.cfg.Defaults.DataDir),
					spec.Template,
				})
			}
			return table.Render()
		},
	}
}

// newHistoryCmd queries the run ledger.
func newHistoryCmd(s *cli) *cobra.Command {
	var (
		taskName string
		status   string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded trainer runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.Filter{Task: taskName, Limit: limit}
			if status != "" {
				st, err := store.ParseStatus(status)
				if err != nil {
					return err
				}
				filter.Status = st
			}
			if taskName != "" {
				if _, err := task.Lookup(taskName); err != nil {
					return err
				}
			}

			runs, err := s.openHistory()
			if err != nil {
				return err
			}
			defer runs.Close()

			list, err := runs.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}

			table := createStandardTable([]string{"Run", "Task", "Layout", "Process", "Status", "Exit", "Started", "Duration"}, cmd.OutOrStdout())
			for _, r := range list {
				_ = table.Append([]string{
					shortID(r.ID),
					r.Task,
					r.Layout,
					strconv.Itoa(r.Process),
					string(r.Status),
					exitText(r),
					r.StartedAt.Local().Format(time.DateTime),
					durationText(r),
				})
			}
			return table.Render()
		},
	}

	cmd.Flags().StringVar(&taskName, "task", "", "Only runs of this task")
	cmd.Flags().StringVar(&status, "status", "", "Only runs with this status (running, succeeded, failed, killed, error)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of runs (0 = all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one recorded run; a unique ID prefix is enough",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := s.openHistory()
			if err != nil {
				return err
			}
			defer runs.Close()

			r, err := runs.Get(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no run matches %q", args[0])
			}
			if err != nil {
				return err
			}
			writeRun(cmd.OutOrStdout(), r)
			return nil
		},
	})
	return cmd
}

func (s *cli) openHistory() (*store.RunStore, error) {
	if !s.cfg.History.Enabled {
		return nil, errors.New("run history is disabled (history.enabled: false)")
	}
	return store.Open(s.cfg.History.Path)
}

func writeRun(w io.Writer, r *store.Run) {
	fmt.Fprintf(w, "Run:        %s\n", r.ID)
	fmt.Fprintf(w, "Task:       %s\n", r.Task)
	fmt.Fprintf(w, "Layout:     %s\n", r.Layout)
	fmt.Fprintf(w, "Process:    %d\n", r.Process)
	fmt.Fprintf(w, "Output dir: %s\n", r.OutputDir)
	fmt.Fprintf(w, "Status:     %s\n", r.Status)
	fmt.Fprintf(w, "Exit code:  %s\n", exitText(*r))
	if r.KillReason != "" {
		fmt.Fprintf(w, "Killed:     %s\n", r.KillReason)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "Error:      %s\n", r.Error)
	}
	fmt.Fprintf(w, "Started:    %s\n", r.StartedAt.Local().Format(time.DateTime))
	if !r.FinishedAt.IsZero() {
		fmt.Fprintf(w, "Finished:   %s\n", r.FinishedAt.Local().Format(time.DateTime))
		fmt.Fprintf(w, "Duration:   %s\n", durationText(*r))
	}
	fmt.Fprintf(w, "Command:\n  %s\n", r.Command)
	if r.Params != "" {
		fmt.Fprintf(w, "Params:\n  %s\n", r.Params)
	}
}

func exitText(r store.Run) string {
	if r.Status == store.StatusRunning {
		return ""
	}
	return strconv.Itoa(r.ExitCode)
}

func durationText(r store.Run) string {
	if r.Status == store.StatusRunning {
		return ""
	}
	return r.Duration.Round(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// createStandardTable returns a markdown-style table with left-aligned cells.
func createStandardTable(headers []string, w io.Writer) *tablewriter.Table {
	cfg := tablewriter.Config{
		Header: tw.CellConfig{
			Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			Formatting: tw.CellFormatting{AutoFormat: tw.Off},
		},
		Row: tw.CellConfig{
			Alignment: tw.CellAlignment{Global: tw.AlignLeft},
		},
		Behavior: tw.Behavior{TrimSpace: tw.Off},
	}
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(cfg),
		tablewriter.WithHeader(headers),
		tablewriter.WithRenderer(renderer.NewBlueprint()),
		tablewriter.WithRendition(tw.Rendition{
			Symbols: tw.NewSymbols(tw.StyleMarkdown),
			Borders: tw.Border{
				Left:   tw.On,
				Top:    tw.Off,
				Right:  tw.On,
				Bottom: tw.Off,
			},
		}),
		tablewriter.WithRowAutoWrap(tw.WrapNone),
	)
}
