package sweep

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dpsweep/internal/logging"
	"dpsweep/internal/trainer"
)

// RunAllOptions controls a whole-grid launch.
type RunAllOptions struct {
	// Parallel is the number of concurrent trainers. Values below 1 mean 1.
	Parallel int

	// KeepGoing runs the remaining points after a failure.
	KeepGoing bool

	// Only restricts the launch to these indices, in this order.
	Only []int
}

// RunAll launches every selected grid point. Each point writes to its own
// process-<i> directory under p.OutputDir. Reports come back in launch
// order; points skipped after a failure have no report.
func (d *Driver) RunAll(ctx context.Context, p trainer.Params, opts RunAllOptions) ([]*Report, error) {
	grid := d.Grid(p)

	indices := opts.Only
	if len(indices) == 0 {
		indices = make([]int, grid.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	for _, i := range indices {
		if _, err := grid.At(i); err != nil {
			return nil, err
		}
	}

	parallel := opts.Parallel
	if parallel < 1 {
		parallel = 1
	}

	timer := logging.StartTimer(logging.CategorySweep, "RunAll")
	defer timer.StopWithInfo()
	logging.Sweep("Launching %d of %d grid points (parallel=%d, keep_going=%v)",
		len(indices), grid.Len(), parallel, opts.KeepGoing)
	audit := logging.AuditFor(p.TaskName, string(trainer.LayoutSearch))
	audit.SweepStart(p.OutputDir, len(indices), parallel, opts.KeepGoing)
	start := time.Now()

	reports := make([]*Report, len(indices))
	var (
		mu   sync.Mutex
		errs []error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallel)

	for k, index := range indices {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			pp := p
			pp.OutputDir = filepath.Join(p.OutputDir, fmt.Sprintf("process-%d", index))

			report, err := d.RunPoint(gctx, pp, index)
			reports[k] = report
			if err == nil {
				return nil
			}

			logging.SweepWarn("Grid point %d failed: %v", index, err)
			if opts.KeepGoing && ctx.Err() == nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("point %d: %w", index, err))
				mu.Unlock()
				return nil
			}
			return fmt.Errorf("point %d: %w", index, err)
		})
	}

	err := g.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		// Runs killed by the cancellation are reported alongside it.
		err = errors.Join(ctxErr, err)
	} else if err == nil {
		err = errors.Join(errs...)
	}
	launched := compact(reports)
	audit.SweepEnd(p.OutputDir, len(launched), time.Since(start), err)
	return launched, err
}

func compact(reports []*Report) []*Report {
	out := make([]*Report, 0, len(reports))
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}
