package util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryPredicates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err       error
		locked    bool
		temporary bool
	}{
		{nil, false, false},
		{errors.New("database is locked"), true, false},
		{fmt.Errorf("exec: %w", errors.New("SQLITE_BUSY: retry")), true, false},
		{fmt.Errorf("dial: %w", syscall.ECONNREFUSED), false, true},
		{&os.PathError{Op: "dial", Path: "daemon.sock", Err: syscall.ENOENT}, false, true},
		{errors.New("disk full"), false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.locked, IsDatabaseLocked(tt.err), "%v", tt.err)
		assert.Equal(t, tt.temporary, IsTemporary(tt.err), "%v", tt.err)
	}
}

func TestRetryDatabaseLocked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var calls atomic.Int32
	err := Retry(ctx, func() error {
		if calls.Add(1) < 3 {
			return errors.New("database is locked")
		}
		return nil
	}, DatabaseRetryOptions(ctx)...)
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	calls.Store(0)
	err = Retry(ctx, func() error {
		calls.Add(1)
		return errors.New("no such table")
	}, DatabaseRetryOptions(ctx)...)
	assert.EqualError(t, err, "no such table")
	assert.Equal(t, int32(1), calls.Load(), "other errors are not retried")
}

func TestRetryWithResult(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var calls int
	v, err := RetryWithResult(ctx, func() (string, error) {
		calls++
		if calls == 1 {
			return "", syscall.ECONNREFUSED
		}
		return "ok", nil
	}, retry.Attempts(2), retry.Delay(time.Millisecond), retry.RetryIf(IsTemporary))
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestPollUntil(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var n atomic.Int32
	err := PollUntil(ctx, PollConfig{Timeout: time.Second, Interval: time.Millisecond}, func() bool {
		return n.Add(1) >= 3
	})
	require.NoError(t, err)

	err = PollUntil(ctx, PollConfig{Timeout: 20 * time.Millisecond, Interval: time.Millisecond}, func() bool { return false })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	cfg := PollConfig{}.withDefaults()
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Interval)
}

func TestIsProcessRunning(t *testing.T) {
	t.Parallel()
	assert.True(t, IsProcessRunning(os.Getpid()))
	assert.False(t, IsProcessRunning(0))
	assert.False(t, IsProcessRunning(-1))
}

func TestStopProcess(t *testing.T) {
	t.Parallel()
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	exited := make(chan struct{})
	go func() {
		cmd.Wait()
		close(exited)
	}()
	running := func() bool {
		select {
		case <-exited:
			return false
		default:
			return true
		}
	}

	err := StopProcess(context.Background(), cmd.Process.Pid, PollConfig{Timeout: 5 * time.Second, Interval: 10 * time.Millisecond}, running)
	require.NoError(t, err)
	assert.False(t, running())

	assert.Error(t, StopProcess(context.Background(), 0, PollConfig{}, running))
}

func TestStartDaemonIfNeededAlreadyRunning(t *testing.T) {
	t.Parallel()
	err := StartDaemonIfNeeded(context.Background(), DaemonStartConfig{}, func() bool { return true }, nil)
	assert.NoError(t, err)
}
