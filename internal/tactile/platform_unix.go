//go:build !windows

package tactile

import (
	"errors"
	"os"
	"os/exec"
	"runtime"
	"syscall"
)

// getProcessResourceUsage extracts resource usage on Unix systems.
func getProcessResourceUsage(cmd *exec.Cmd) *ResourceUsage {
	if cmd.ProcessState == nil {
		return nil
	}

	rusage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok || rusage == nil {
		return nil
	}

	// ru_maxrss is kilobytes on Linux and bytes on macOS.
	maxRSS := int64(rusage.Maxrss)
	if runtime.GOOS != "darwin" {
		maxRSS *= 1024
	}

	return &ResourceUsage{
		UserTimeMs:   rusage.Utime.Sec*1000 + int64(rusage.Utime.Usec/1000),
		SystemTimeMs: rusage.Stime.Sec*1000 + int64(rusage.Stime.Usec/1000),
		MaxRSSBytes:  maxRSS,
	}
}

// setupProcessGroup configures the command to run in its own process group.
// This allows signalling the trainer together with its dataloader workers.
func setupProcessGroup(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
}

// terminateProcessGroup asks the whole group to exit with SIGTERM.
func terminateProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
	if errors.Is(err, syscall.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}

// killProcessGroup sends SIGKILL to anything left in the group.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}
