// Package store is the local run ledger: one SQLite row per trainer launch,
// written when the child starts and completed when it exits.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"dpsweep/internal/logging"
)

// ErrNotFound is returned when no run matches an ID.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed" // non-zero exit
	StatusKilled    Status = "killed" // timeout or cancellation
	StatusError     Status = "error"  // could not be started
)

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusSucceeded, StatusFailed, StatusKilled, StatusError:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

// Run is one ledger row.
type Run struct {
	ID        string `json:"id"`
	Task      string `json:"task"`
	Layout    string `json:"layout"`
	Process   int    `json:"process"`
	OutputDir string `json:"output_dir"`

	// Command is the single-line rendering of the invocation.
	Command string `json:"command"`

	// Params is the JSON encoding of the launch parameters.
	Params string `json:"params"`

	Status     Status        `json:"status"`
	ExitCode   int           `json:"exit_code"`
	KillReason string        `json:"kill_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Finish describes how a run ended.
type Finish struct {
	ExitCode   int
	Killed     bool
	KillReason string
	Duration   time.Duration
	FinishedAt time.Time

	// Err is set when the child could not be run at all.
	Err string
}

// Status maps the finish to a ledger status.
func (f Finish) Status() Status {
	switch {
	case f.Err != "":
		return StatusError
	case f.Killed:
		return StatusKilled
	case f.ExitCode == 0:
		return StatusSucceeded
	default:
		return StatusFailed
	}
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Task   string
	Status Status
	Limit  int
}

// RunStore persists runs in SQLite.
type RunStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open opens or creates the ledger at path. ":memory:" gives a private
// in-memory ledger.
func Open(path string) (*RunStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "Open")
	defer timer.Stop()

	logging.Store("Opening run ledger at path: %s", path)

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open database at %s: %v", path, err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
		}
	}

	s := &RunStore{db: db, dbPath: path}
	if err := s.ensureSchema(); err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to ensure run schema: %v", err)
		db.Close()
		return nil, fmt.Errorf("failed to ensure run schema: %w", err)
	}

	logging.StoreDebug("Run ledger ready")
	return s, nil
}

func (s *RunStore) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		task TEXT NOT NULL,
		layout TEXT NOT NULL,
		process INTEGER NOT NULL,
		output_dir TEXT NOT NULL,
		command TEXT NOT NULL,
		params TEXT NOT NULL,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL DEFAULT -1,
		kill_reason TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL DEFAULT 0,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Path returns the database path.
func (s *RunStore) Path() string {
	return s.dbPath
}

// Close closes the database.
func (s *RunStore) Close() error {
	return s.db.Close()
}

// RecordStart inserts a running row. It assigns an ID and start time when
// the run has none.
func (s *RunStore) RecordStart(ctx context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	run.Status = StatusRunning
	run.ExitCode = -1

	logging.StoreDebug("Recording run start: id=%s task=%s layout=%s process=%d", run.ID, run.Task, run.Layout, run.Process)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs
		(id, task, layout, process, output_dir, command, params, status, exit_code, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Task, run.Layout, run.Process, run.OutputDir,
		run.Command, run.Params, string(run.Status), run.ExitCode, run.StartedAt.UnixNano(),
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to record run %s: %v", run.ID, err)
		return fmt.Errorf("record run start: %w", err)
	}
	return nil
}

// RecordFinish completes the row for id.
func (s *RunStore) RecordFinish(ctx context.Context, id string, fin Finish) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fin.FinishedAt.IsZero() {
		fin.FinishedAt = time.Now()
	}
	status := fin.Status()

	logging.StoreDebug("Recording run finish: id=%s status=%s exit=%d", id, status, fin.ExitCode)

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET status = ?, exit_code = ?, kill_reason = ?, error = ?, finished_at = ?, duration_ms = ?
		WHERE id = ?`,
		string(status), fin.ExitCode, fin.KillReason, fin.Err,
		fin.FinishedAt.UnixNano(), fin.Duration.Milliseconds(), id,
	)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to finish run %s: %v", id, err)
		return fmt.Errorf("record run finish: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record run finish: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("record run finish %s: %w", id, ErrNotFound)
	}
	return nil
}

const runColumns = `id, task, layout, process, output_dir, command, params, status,
	exit_code, kill_reason, error, started_at, finished_at, duration_ms`

// Get returns the run with the given ID. A unique ID prefix is accepted.
func (s *RunStore) Get(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE id = ? OR id LIKE ? ESCAPE '\'
		ORDER BY id = ? DESC
		LIMIT 2`, id, escapeLike(id)+"%", id)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	switch {
	case len(runs) == 0:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	case runs[0].ID == id || len(runs) == 1:
		return &runs[0], nil
	default:
		return nil, fmt.Errorf("run id prefix %q is ambiguous", id)
	}
}

// List returns runs newest first.
func (s *RunStore) List(ctx context.Context, f Filter) ([]Run, error) {
	timer := logging.StartTimer(logging.CategoryStore, "List")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if f.Task != "" {
		where = append(where, "task = ?")
		args = append(args, f.Task)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}

	query := "SELECT " + runColumns + " FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to list runs: %v", err)
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanRuns(rows)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	logging.StoreDebug("Listed %d runs (task=%q status=%q limit=%d)", len(runs), f.Task, f.Status, f.Limit)
	return runs, nil
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var runs []Run
	for rows.Next() {
		var (
			r                 Run
			status            string
			started, finished int64
			durationMs        int64
		)
		if err := rows.Scan(&r.ID, &r.Task, &r.Layout, &r.Process, &r.OutputDir,
			&r.Command, &r.Params, &status, &r.ExitCode, &r.KillReason, &r.Error,
			&started, &finished, &durationMs); err != nil {
			return nil, err
		}
		r.Status = Status(status)
		r.StartedAt = time.Unix(0, started)
		if finished > 0 {
			r.FinishedAt = time.Unix(0, finished)
		}
		r.Duration = time.Duration(durationMs) * time.Millisecond
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
