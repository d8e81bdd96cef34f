package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType names an audit event.
type AuditEventType string

const (
	// Trainer runs
	AuditRunStart  AuditEventType = "run_start"
	AuditRunFinish AuditEventType = "run_finish"
	AuditRunKilled AuditEventType = "run_killed"
	AuditRunError  AuditEventType = "run_error"

	// Whole-grid sweeps
	AuditSweepStart AuditEventType = "sweep_start"
	AuditSweepEnd   AuditEventType = "sweep_end"
)

// AuditEvent is one line of the audit log.
type AuditEvent struct {
	Timestamp  int64          `json:"ts"` // Unix milliseconds
	EventType  AuditEventType `json:"event"`
	RunID      string         `json:"run,omitempty"`
	Task       string         `json:"task,omitempty"`
	Layout     string         `json:"layout,omitempty"`
	Target     string         `json:"target,omitempty"` // Command or output dir
	Success    bool           `json:"success"`
	ExitCode   *int           `json:"exit_code,omitempty"`
	DurationMs int64          `json:"dur_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger = &AuditLogger{}
)

// AuditLogger writes audit events as JSON lines to
// <logs>/<date>_audit.log. It is silent unless debug mode is on and
// InitAudit succeeded.
type AuditLogger struct {
	task   string
	layout string
}

// InitAudit opens the audit log. Call after Initialize.
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil
	}

	configMu.RLock()
	dir := logsDir
	configMu.RUnlock()

	date := time.Now().Format("2006-01-02")
	file, err := os.OpenFile(filepath.Join(dir, fmt.Sprintf("%s_audit.log", date)), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger.
func Audit() *AuditLogger {
	return auditLogger
}

// AuditFor returns an audit logger that stamps task and layout on events.
func AuditFor(task, layout string) *AuditLogger {
	return &AuditLogger{task: task, layout: layout}
}

// Log writes an audit event.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil || !IsDebugMode() {
		return
	}

	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Task == "" {
		event.Task = a.task
	}
	if event.Layout == "" {
		event.Layout = a.layout
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	auditFile.Write(append(data, '\n'))
}

// RunStart logs a trainer launch.
func (a *AuditLogger) RunStart(runID, command string) {
	a.Log(AuditEvent{
		EventType: AuditRunStart,
		RunID:     runID,
		Target:    command,
		Success:   true,
	})
}

// RunFinish logs how a trainer run ended. errMsg is set when the child
// could not be run; killed marks a timeout or cancellation.
func (a *AuditLogger) RunFinish(runID string, exitCode int, duration time.Duration, killed bool, errMsg string) {
	eventType := AuditRunFinish
	switch {
	case errMsg != "":
		eventType = AuditRunError
	case killed:
		eventType = AuditRunKilled
	}
	code := exitCode
	a.Log(AuditEvent{
		EventType:  eventType,
		RunID:      runID,
		Success:    errMsg == "" && !killed && exitCode == 0,
		ExitCode:   &code,
		DurationMs: duration.Milliseconds(),
		Error:      errMsg,
	})
}

// SweepStart logs the start of a whole-grid sweep.
func (a *AuditLogger) SweepStart(outputDir string, points, parallel int, keepGoing bool) {
	a.Log(AuditEvent{
		EventType: AuditSweepStart,
		Target:    outputDir,
		Success:   true,
		Fields: map[string]any{
			"points":     points,
			"parallel":   parallel,
			"keep_going": keepGoing,
		},
	})
}

// SweepEnd logs the end of a sweep.
func (a *AuditLogger) SweepEnd(outputDir string, launched int, duration time.Duration, err error) {
	event := AuditEvent{
		EventType:  AuditSweepEnd,
		Target:     outputDir,
		Success:    err == nil,
		DurationMs: duration.Milliseconds(),
		Fields:     map[string]any{"launched": launched},
	}
	if err != nil {
		event.Error = err.Error()
	}
	a.Log(event)
}
