package tactile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"dpsweep/internal/logging"
)

var _ AuditedExecutor = (*DirectExecutor)(nil)

// DirectExecutor executes commands directly on the host using os/exec.
type DirectExecutor struct {
	mu     sync.RWMutex
	config ExecutorConfig

	// auditCallback is called for execution events
	auditCallback func(AuditEvent)
}

// NewDirectExecutor creates a new direct executor with default config.
func NewDirectExecutor() *DirectExecutor {
	return NewDirectExecutorWithConfig(DefaultExecutorConfig())
}

// NewDirectExecutorWithConfig creates a new direct executor with custom config.
func NewDirectExecutorWithConfig(config ExecutorConfig) *DirectExecutor {
	logging.TactileDebug("Creating DirectExecutor: timeout=%s, killGrace=%s, maxOutput=%d bytes",
		config.DefaultTimeout, config.KillGrace, config.MaxOutputBytes)
	return &DirectExecutor{
		config:        config,
		auditCallback: config.AuditCallback,
	}
}

// SetAuditCallback sets the callback for audit events.
func (e *DirectExecutor) SetAuditCallback(callback func(AuditEvent)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.auditCallback = callback
}

func (e *DirectExecutor) emitAudit(eventType AuditEventType, cmd Command, result *ExecutionResult) {
	e.mu.RLock()
	callback := e.auditCallback
	e.mu.RUnlock()

	if callback != nil {
		callback(AuditEvent{
			Type:         eventType,
			Timestamp:    time.Now(),
			Command:      cmd,
			Result:       result,
			ExecutorName: "direct",
		})
	}
}

// Capabilities returns what this executor supports.
func (e *DirectExecutor) Capabilities() ExecutorCapabilities {
	return ExecutorCapabilities{
		Name:                  "direct",
		Platform:              runtime.GOOS,
		SupportsResourceUsage: runtime.GOOS != "windows",
		SupportsProcessGroups: runtime.GOOS != "windows",
		SupportsStdin:         true,
		MaxTimeout:            e.config.MaxTimeout,
		DefaultTimeout:        e.config.DefaultTimeout,
	}
}

// Validate checks if a command can be executed.
func (e *DirectExecutor) Validate(cmd Command) error {
	if cmd.Binary == "" {
		return fmt.Errorf("binary is required")
	}
	if cmd.Limits != nil && cmd.Limits.TimeoutMs < 0 {
		return fmt.Errorf("timeout must not be negative, got %dms", cmd.Limits.TimeoutMs)
	}
	return nil
}

// Execute runs a command directly on the host and blocks until it exits.
// A non-zero exit is reported in the result, not as an error.
func (e *DirectExecutor) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	timer := logging.StartTimer(logging.CategoryTactile, "Direct command execution")
	defer timer.Stop()

	logging.Tactile("Executing command: %s", cmd.CommandString())

	if err := e.Validate(cmd); err != nil {
		logging.TactileWarn("Command validation failed: %s - %v", cmd.Binary, err)
		return nil, err
	}

	cmd = e.config.Merge(cmd)

	result := &ExecutionResult{
		ExitCode: -1,
		Command:  &cmd,
	}

	e.emitAudit(AuditEventStart, cmd, nil)

	timeout := time.Duration(cmd.Limits.TimeoutMs) * time.Millisecond
	var (
		execCtx context.Context
		cancel  context.CancelFunc
	)
	if timeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	execCmd := exec.CommandContext(execCtx, cmd.Binary, cmd.Arguments...)
	execCmd.Dir = cmd.WorkingDirectory
	execCmd.Env = e.buildEnvironment(cmd.Environment)
	setupProcessGroup(execCmd)
	execCmd.Cancel = func() error { return terminateProcessGroup(execCmd) }
	execCmd.WaitDelay = e.config.KillGrace

	if cmd.Stdin != "" {
		execCmd.Stdin = strings.NewReader(cmd.Stdin)
	}

	var stdoutBuf bytes.Buffer
	stdoutCapture := &limitedWriter{w: &stdoutBuf, max: cmd.Limits.MaxOutputBytes}
	// Keep the end of stderr: that is where a traceback lands.
	stderrCapture := &tailWriter{max: cmd.Limits.MaxOutputBytes}
	execCmd.Stdout = teeTo(cmd.Stdout, stdoutCapture)
	execCmd.Stderr = teeTo(cmd.Stderr, stderrCapture)

	result.StartedAt = time.Now()
	err := execCmd.Run()
	result.FinishedAt = time.Now()
	result.Duration = result.FinishedAt.Sub(result.StartedAt)

	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrCapture.String()
	if stdoutCapture.truncated || stderrCapture.discarded > 0 {
		result.Truncated = true
		result.TruncatedBytes = stdoutCapture.discarded + stderrCapture.discarded
		logging.TactileDebug("Captured output truncated: %d bytes discarded", result.TruncatedBytes)
	}

	switch {
	case err == nil:
		result.Success = true
		result.ExitCode = 0
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		result.Success = true // Infrastructure worked, command was killed
		result.Killed = true
		result.KillReason = fmt.Sprintf("timeout after %s", timeout)
		_ = killProcessGroup(execCmd)
		logging.TactileWarn("Command killed (timeout): %s after %s", cmd.Binary, timeout)
		e.emitAudit(AuditEventKilled, cmd, result)
	case errors.Is(execCtx.Err(), context.Canceled):
		result.Success = true
		result.Killed = true
		result.KillReason = "context canceled"
		_ = killProcessGroup(execCmd)
		logging.TactileWarn("Command canceled: %s", cmd.Binary)
		e.emitAudit(AuditEventKilled, cmd, result)
	case errors.Is(err, exec.ErrWaitDelay) && execCmd.ProcessState != nil:
		// The child exited but a descendant kept its output pipes open.
		result.Success = true
		result.ExitCode = execCmd.ProcessState.ExitCode()
		result.Truncated = true
		logging.TactileWarn("Output pipes still open %s after %s exited; capture cut short", e.config.KillGrace, cmd.Binary)
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Success = true // Command ran, just returned non-zero
			result.ExitCode = exitErr.ExitCode()
			logging.TactileDebug("Command exited non-zero: %s -> %d", cmd.Binary, result.ExitCode)
		} else {
			result.Success = false
			result.Error = err.Error()
			logging.TactileError("Command failed: %s - %v", cmd.Binary, err)
			e.emitAudit(AuditEventError, cmd, result)
			return result, nil
		}
	}

	if e.config.EnableResourceUsage {
		result.ResourceUsage = getProcessResourceUsage(execCmd)
	}

	if !result.Killed {
		e.emitAudit(AuditEventComplete, cmd, result)
	}

	logging.Tactile("Command completed: %s -> exit=%d, duration=%s, killed=%v",
		cmd.Binary, result.ExitCode, result.Duration, result.Killed)

	return result, nil
}

// buildEnvironment creates the environment variable list. With no allow
// list the parent environment is inherited as a whole.
func (e *DirectExecutor) buildEnvironment(cmdEnv []string) []string {
	var env []string
	if len(e.config.AllowedEnvironment) == 0 {
		env = os.Environ()
	} else {
		for _, key := range e.config.AllowedEnvironment {
			if val, ok := os.LookupEnv(key); ok {
				env = append(env, key+"="+val)
			}
		}
	}
	return append(env, cmdEnv...)
}

func teeTo(stream io.Writer, capture io.Writer) io.Writer {
	if stream == nil {
		return capture
	}
	return io.MultiWriter(stream, capture)
}

// limitedWriter is an io.Writer that keeps the first max bytes written.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // Pretend we wrote it
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		written, err := lw.w.Write(p[:remaining])
		lw.written += int64(written)
		return n, err // Return original length to avoid "short write" errors
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return written, err
}

// tailWriter keeps the last max bytes written.
type tailWriter struct {
	buf       []byte
	max       int64
	discarded int64
}

func (tw *tailWriter) Write(p []byte) (int, error) {
	tw.buf = append(tw.buf, p...)
	if over := int64(len(tw.buf)) - tw.max; over > 0 {
		tw.discarded += over
		tw.buf = append(tw.buf[:0], tw.buf[over:]...)
	}
	return len(p), nil
}

func (tw *tailWriter) String() string {
	return string(tw.buf)
}
