// Package metrics records launch outcomes as Prometheus metrics. dpsweep is
// a batch job, so nothing is served: the registry is written once to a
// node_exporter textfile when the process finishes.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns a private registry and the launch metrics.
type Recorder struct {
	registry *prometheus.Registry

	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastExit *prometheus.GaugeVec
}

// New creates a Recorder with its own registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dpsweep_runs_total",
				Help: "Total number of trainer launches by outcome",
			},
			[]string{"task", "layout", "status"},
		),
		duration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dpsweep_run_duration_seconds",
				Help:    "Wall-clock duration of trainer runs",
				Buckets: prometheus.ExponentialBuckets(60, 2, 10), // 1m .. ~8.5h
			},
			[]string{"task", "layout"},
		),
		lastExit: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dpsweep_last_exit_code",
				Help: "Exit code of the most recent trainer run",
			},
			[]string{"task", "layout"},
		),
	}
}

// Observe records one finished launch. status is the ledger status name.
func (r *Recorder) Observe(task, layout, status string, exitCode int, d time.Duration) {
	if r == nil {
		return
	}
	r.runs.With(prometheus.Labels{"task": task, "layout": layout, "status": status}).Inc()
	r.duration.With(prometheus.Labels{"task": task, "layout": layout}).Observe(d.Seconds())
	r.lastExit.With(prometheus.Labels{"task": task, "layout": layout}).Set(float64(exitCode))
}

// Gatherer exposes the registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// WriteTextfile writes the registry in the text exposition format. The
// write is atomic, so a collector never reads a partial file.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
