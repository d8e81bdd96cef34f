package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readAudit(t *testing.T, dir string) []AuditEvent {
	t.Helper()
	name := time.Now().Format("2006-01-02") + "_audit.log"
	f, err := os.Open(filepath.Join(dir, "logs", name))
	require.NoError(t, err)
	defer f.Close()

	var events []AuditEvent
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e AuditEvent
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e), sc.Text())
		events = append(events, e)
	}
	require.NoError(t, sc.Err())
	return events
}

func TestAudit_RunLifecycle(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Settings{DebugMode: true, Level: "debug"}))
	require.NoError(t, InitAudit())
	t.Cleanup(func() {
		CloseAudit()
		CloseAll()
	})

	a := AuditFor("sst-2", "search")
	a.SweepStart("out/sst-2", 2, 1, true)
	a.RunStart("run-1", "python -m classification.run_classification --task_name sst-2")
	a.RunFinish("run-1", 0, 1500*time.Millisecond, false, "")
	a.RunStart("run-2", "python -m classification.run_classification --task_name sst-2")
	a.RunFinish("run-2", 1, time.Second, true, "")
	a.RunFinish("run-3", -1, 0, false, `exec: "python": executable file not found in $PATH`)
	a.SweepEnd("out/sst-2", 2, 3*time.Second, errors.New("point 1: trainer killed"))
	CloseAudit()

	events := readAudit(t, dir)
	require.Len(t, events, 7)

	var types []AuditEventType
	for _, e := range events {
		types = append(types, e.EventType)
		assert.Equal(t, "sst-2", e.Task)
		assert.Equal(t, "search", e.Layout)
		assert.NotZero(t, e.Timestamp)
	}
	assert.Equal(t, []AuditEventType{
		AuditSweepStart, AuditRunStart, AuditRunFinish, AuditRunStart,
		AuditRunKilled, AuditRunError, AuditSweepEnd,
	}, types)

	assert.Equal(t, float64(2), events[0].Fields["points"])
	assert.Equal(t, true, events[0].Fields["keep_going"])

	assert.True(t, events[2].Success)
	require.NotNil(t, events[2].ExitCode)
	assert.Equal(t, 0, *events[2].ExitCode)
	assert.Equal(t, int64(1500), events[2].DurationMs)

	assert.False(t, events[4].Success)
	assert.Contains(t, events[5].Error, "executable file not found")

	assert.False(t, events[6].Success)
	assert.Equal(t, "point 1: trainer killed", events[6].Error)
}

func TestAudit_DisabledOutsideDebugMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Initialize(dir, Settings{DebugMode: false}))
	require.NoError(t, InitAudit())
	t.Cleanup(func() {
		CloseAudit()
		CloseAll()
	})

	Audit().RunStart("run-1", "python")

	_, err := os.Stat(filepath.Join(dir, "logs"))
	assert.True(t, os.IsNotExist(err))
}
