package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// ErrStopTimeout is returned by StopProcess when the process survived both
// the graceful signal and SIGKILL.
var ErrStopTimeout = errors.New("process did not stop")

// StartBackgroundProcess starts a detached background process in its own
// session. env nil inherits the current environment. Output goes to
// logFile when set, otherwise it is discarded.
func StartBackgroundProcess(executable string, args []string, env []string, logFile *os.File) (*os.Process, error) {
	cmd := exec.Command(executable, args...)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}
	cmd.Env = env
	if env == nil {
		cmd.Env = os.Environ()
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}
	// the child is reparented once we exit; do not leave a zombie meanwhile
	go cmd.Wait()
	return cmd.Process, nil
}

// StopProcess sends SIGTERM to pid and waits for isRunning to turn false.
// Past cfg.Timeout the process is killed.
func StopProcess(ctx context.Context, pid int, cfg PollConfig, isRunning func() bool) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	stopped := func() bool { return !isRunning() }
	if PollUntil(ctx, cfg, stopped) == nil {
		return nil
	}

	_ = proc.Signal(syscall.SIGKILL)
	if PollUntil(ctx, PollConfig{Timeout: time.Second, Interval: cfg.Interval}, stopped) == nil {
		return nil
	}
	return fmt.Errorf("%w (PID %d)", ErrStopTimeout, pid)
}

// IsProcessRunning checks if a process with the given PID is running.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 checks for existence; EPERM still means the pid is alive
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
