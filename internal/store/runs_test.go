package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *RunStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunStore_StartFinishGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	run := &Run{
		Task:      "sst-2",
		Layout:    "search",
		Process:   3,
		OutputDir: "out/process-3",
		Command:   "python -m classification.run_classification --task_name sst-2",
		Params:    `{"task_name":"sst-2"}`,
	}
	require.NoError(t, s.RecordStart(ctx, run))
	require.NotEmpty(t, run.ID)
	assert.Equal(t, StatusRunning, run.Status)

	got, err := s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, -1, got.ExitCode)
	assert.True(t, got.FinishedAt.IsZero())
	assert.Equal(t, run.Command, got.Command)
	assert.Equal(t, run.Params, got.Params)
	assert.True(t, run.StartedAt.Equal(got.StartedAt))

	require.NoError(t, s.RecordFinish(ctx, run.ID, Finish{ExitCode: 2, Duration: 1500 * time.Millisecond}))

	got, err = s.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 2, got.ExitCode)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.False(t, got.FinishedAt.IsZero())
}

func TestRunStore_FinishStatus(t *testing.T) {
	tests := []struct {
		name string
		fin  Finish
		want Status
	}{
		{"success", Finish{ExitCode: 0}, StatusSucceeded},
		{"non-zero", Finish{ExitCode: 1}, StatusFailed},
		{"killed", Finish{ExitCode: -1, Killed: true, KillReason: "timeout after 1h0m0s"}, StatusKilled},
		{"start error", Finish{ExitCode: -1, Err: "executable file not found"}, StatusError},
	}

	s := openTestStore(t)
	ctx := context.Background()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run := &Run{Task: "mnli", Layout: "explicit"}
			require.NoError(t, s.RecordStart(ctx, run))
			require.NoError(t, s.RecordFinish(ctx, run.ID, tt.fin))

			got, err := s.Get(ctx, run.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.fin.KillReason, got.KillReason)
			assert.Equal(t, tt.fin.Err, got.Error)
		})
	}
}

func TestRunStore_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.True(t, errors.Is(err, ErrNotFound))

	err = s.RecordFinish(ctx, "missing", Finish{})
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Get(ctx, "")
	assert.Error(t, err)
}

func TestRunStore_GetByPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"abc-111", "abc-222", "def-333"} {
		require.NoError(t, s.RecordStart(ctx, &Run{ID: id, Task: "qqp", Layout: "search"}))
	}

	got, err := s.Get(ctx, "def")
	require.NoError(t, err)
	assert.Equal(t, "def-333", got.ID)

	_, err = s.Get(ctx, "abc")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ambiguous")

	got, err = s.Get(ctx, "abc-222")
	require.NoError(t, err)
	assert.Equal(t, "abc-222", got.ID)

	// LIKE wildcards in the prefix are literal.
	_, err = s.Get(ctx, "%")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRunStore_List(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	runs := []*Run{
		{ID: "r1", Task: "sst-2", Layout: "search", StartedAt: base},
		{ID: "r2", Task: "mnli", Layout: "search", StartedAt: base.Add(time.Minute)},
		{ID: "r3", Task: "sst-2", Layout: "explicit", StartedAt: base.Add(2 * time.Minute)},
	}
	for _, r := range runs {
		require.NoError(t, s.RecordStart(ctx, r))
	}
	require.NoError(t, s.RecordFinish(ctx, "r1", Finish{ExitCode: 0}))

	all, err := s.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r3", "r2", "r1"}, ids(all))

	sst2, err := s.List(ctx, Filter{Task: "sst-2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3", "r1"}, ids(sst2))

	succeeded, err := s.List(ctx, Filter{Status: StatusSucceeded})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids(succeeded))

	limited, err := s.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"r3"}, ids(limited))

	none, err := s.List(ctx, Filter{Task: "qnli"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRunStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.RecordStart(context.Background(), &Run{ID: "kept", Task: "qnli", Layout: "explicit"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, path, s.Path())

	got, err := s.Get(context.Background(), "kept")
	require.NoError(t, err)
	assert.Equal(t, "qnli", got.Task)
}

func TestRunStore_InMemory(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RecordStart(context.Background(), &Run{Task: "sst-2", Layout: "search"}))
	all, err := s.List(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("killed")
	require.NoError(t, err)
	assert.Equal(t, StatusKilled, st)

	_, err = ParseStatus("done")
	assert.Error(t, err)
}

func ids(runs []Run) []string {
	out := make([]string, 0, len(runs))
	for _, r := range runs {
		out = append(out, r.ID)
	}
	return out
}
