// Package tactile is the process execution layer. It runs a command as a
// blocking child process and reports a structured result: exit code,
// captured output, kill reason and resource usage.
//
// Design Principles:
//   - Minimal logic: deciding what to run happens in the caller, not here
//   - Streaming: long-running children write through to the caller's writers
//   - Bounded capture: a copy of stdout/stderr is kept for error reporting
//   - Clean shutdown: cancellation terminates the whole process group
//   - Audit trail: execution events are reported through a callback
package tactile

import (
	"io"
	"strings"
	"time"
)

// Command represents a command to be executed.
type Command struct {
	// Binary is the executable to run (e.g., "python").
	Binary string `json:"binary"`

	// Arguments are the command-line arguments.
	Arguments []string `json:"arguments"`

	// WorkingDirectory is the directory to execute in.
	// If empty, uses the executor's default working directory.
	WorkingDirectory string `json:"working_directory,omitempty"`

	// Environment variables to set (in KEY=VALUE format).
	// These are appended to the inherited or allowed environment.
	Environment []string `json:"environment,omitempty"`

	// Stdin provides input to the command's standard input.
	Stdin string `json:"stdin,omitempty"`

	// Stdout and Stderr receive the child's output as it is produced, in
	// addition to the bounded copy kept in the result.
	Stdout io.Writer `json:"-"`
	Stderr io.Writer `json:"-"`

	// Limits specifies resource constraints for execution.
	Limits *ResourceLimits `json:"limits,omitempty"`

	// RequestID uniquely identifies this execution request.
	RequestID string `json:"request_id,omitempty"`

	// Tags are arbitrary key-value pairs for categorization and audit.
	Tags map[string]string `json:"tags,omitempty"`
}

// CommandString returns the full command as a string (for display/logging).
func (c Command) CommandString() string {
	if len(c.Arguments) == 0 {
		return c.Binary
	}
	return c.Binary + " " + strings.Join(c.Arguments, " ")
}

// ResourceLimits defines constraints on command execution.
type ResourceLimits struct {
	// TimeoutMs is the maximum execution time in milliseconds.
	// Zero means use the executor's default timeout.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`

	// MaxOutputBytes limits captured stdout and stderr size each.
	// Streaming writers are never truncated.
	// Zero means use the executor's default.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// ExecutionResult is the comprehensive output of command execution.
type ExecutionResult struct {
	// Success indicates whether the command completed without error.
	// Note: A command that runs but returns non-zero exit code has Success=true.
	// Success=false means the execution infrastructure failed.
	Success bool `json:"success"`

	// ExitCode is the command's exit code (-1 if not available).
	ExitCode int `json:"exit_code"`

	// Stdout is the captured standard output.
	Stdout string `json:"stdout"`

	// Stderr is the captured standard error.
	Stderr string `json:"stderr"`

	// Duration is how long the command ran.
	Duration time.Duration `json:"duration"`

	// StartedAt is when execution began.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when execution completed.
	FinishedAt time.Time `json:"finished_at"`

	// Killed indicates the command was forcibly terminated.
	Killed bool `json:"killed"`

	// KillReason explains why the command was killed.
	KillReason string `json:"kill_reason,omitempty"`

	// Truncated indicates captured output was truncated due to size limits.
	Truncated bool `json:"truncated"`

	// TruncatedBytes is how many bytes were discarded from the capture.
	TruncatedBytes int64 `json:"truncated_bytes,omitempty"`

	// ResourceUsage contains resource consumption metrics (if available).
	ResourceUsage *ResourceUsage `json:"resource_usage,omitempty"`

	// Error contains any infrastructure-level error message.
	Error string `json:"error,omitempty"`

	// Command is a copy of the command that was executed (for audit).
	Command *Command `json:"command,omitempty"`
}

// IsError returns true if the execution failed (infrastructure error).
func (r *ExecutionResult) IsError() bool {
	return !r.Success || r.Error != ""
}

// IsNonZeroExit returns true if the command ran but returned non-zero.
func (r *ExecutionResult) IsNonZeroExit() bool {
	return r.Success && r.ExitCode != 0
}

// Output returns Stdout and Stderr joined.
func (r *ExecutionResult) Output() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// ResourceUsage contains metrics about resource consumption.
type ResourceUsage struct {
	UserTimeMs   int64 `json:"user_time_ms"`
	SystemTimeMs int64 `json:"system_time_ms"`
	MaxRSSBytes  int64 `json:"max_rss_bytes"`
}

// TotalCPUTimeMs returns total CPU time (user + system).
func (r *ResourceUsage) TotalCPUTimeMs() int64 {
	return r.UserTimeMs + r.SystemTimeMs
}

// ExecutorCapabilities describes what an executor can do.
type ExecutorCapabilities struct {
	Name                  string        `json:"name"`
	Platform              string        `json:"platform"`
	SupportsResourceUsage bool          `json:"supports_resource_usage"`
	SupportsProcessGroups bool          `json:"supports_process_groups"`
	SupportsStdin         bool          `json:"supports_stdin"`
	MaxTimeout            time.Duration `json:"max_timeout"`
	DefaultTimeout        time.Duration `json:"default_timeout"`
}

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventStart    AuditEventType = "start"
	AuditEventComplete AuditEventType = "complete"
	AuditEventKilled   AuditEventType = "killed"
	AuditEventError    AuditEventType = "error"
)

// AuditEvent represents an execution event.
type AuditEvent struct {
	Type         AuditEventType   `json:"type"`
	Timestamp    time.Time        `json:"timestamp"`
	Command      Command          `json:"command"`
	Result       *ExecutionResult `json:"result,omitempty"`
	ExecutorName string           `json:"executor_name"`
}

// ExecutorConfig is the configuration for creating executors.
type ExecutorConfig struct {
	// DefaultWorkingDir is used when Command.WorkingDirectory is empty.
	DefaultWorkingDir string `json:"default_working_dir"`

	// DefaultTimeout is used when no timeout is specified. Zero means the
	// child may run indefinitely.
	DefaultTimeout time.Duration `json:"default_timeout"`

	// MaxTimeout caps all timeout values. Zero means no cap.
	MaxTimeout time.Duration `json:"max_timeout"`

	// KillGrace is how long a terminated child gets to exit before it is
	// killed outright.
	KillGrace time.Duration `json:"kill_grace"`

	// AllowedEnvironment lists environment variables to pass through.
	// Empty means the full parent environment is inherited.
	AllowedEnvironment []string `json:"allowed_environment"`

	// MaxOutputBytes caps output capture (default 1MB per stream).
	MaxOutputBytes int64 `json:"max_output_bytes"`

	// AuditCallback is called for each execution event (optional).
	AuditCallback func(AuditEvent) `json:"-"`

	// EnableResourceUsage enables collection of resource metrics.
	EnableResourceUsage bool `json:"enable_resource_usage"`
}

// DefaultExecutorConfig returns defaults suited to training runs: no
// timeout and an inherited environment.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		DefaultWorkingDir:   ".",
		DefaultTimeout:      0,
		MaxTimeout:          0,
		KillGrace:           10 * time.Second,
		MaxOutputBytes:      1024 * 1024, // 1MB
		EnableResourceUsage: true,
	}
}

// Merge combines this config with command-specific settings.
// Command settings override config defaults.
func (c ExecutorConfig) Merge(cmd Command) Command {
	result := cmd

	if result.WorkingDirectory == "" {
		result.WorkingDirectory = c.DefaultWorkingDir
	}

	limits := ResourceLimits{}
	if cmd.Limits != nil {
		limits = *cmd.Limits
	}
	if limits.TimeoutMs == 0 {
		limits.TimeoutMs = int64(c.DefaultTimeout / time.Millisecond)
	}
	if limits.MaxOutputBytes == 0 {
		limits.MaxOutputBytes = c.MaxOutputBytes
	}
	if c.MaxTimeout > 0 {
		maxMs := int64(c.MaxTimeout / time.Millisecond)
		if limits.TimeoutMs == 0 || limits.TimeoutMs > maxMs {
			limits.TimeoutMs = maxMs
		}
	}
	result.Limits = &limits

	return result
}
