package metrics

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
)

func scrape(t *testing.T, c *Controller) string {
	t.Helper()
	srv := httptest.NewServer(c.HTTPHandler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestInvariantCounter(t *testing.T) {
	t.Parallel()
	c := New()
	c.Invariant(common.Invariant("test"))
	c.Invariant(common.Invariant("test"))

	assert.Contains(t, scrape(t, c), "agentfs_invariant_violations_total 2")
}

func TestControlRequests(t *testing.T) {
	t.Parallel()
	c := New()
	c.ControlRequest("snapshot.create", nil)
	c.ControlRequest("branch.bind", fmt.Errorf("branch 9: %w", common.ErrNotFound))

	body := scrape(t, c)
	assert.Contains(t, body, `agentfs_control_requests_total{code="OK",op="snapshot.create"} 1`)
	assert.Contains(t, body, `agentfs_control_requests_total{code="NotFound",op="branch.bind"} 1`)
}

func TestTaskObserves(t *testing.T) {
	t.Parallel()
	c := New()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- c.Task(time.Millisecond, func() Snapshot {
			return Snapshot{Branches: 3, OpenHandles: 7, ResidentBytes: 4096}
		})(ctx)
	}()

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(c.branches) == 3 &&
			testutil.ToFloat64(c.openHandles) == 7 &&
			testutil.ToFloat64(c.residentBytes) == 4096
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Contains(t, scrape(t, c), "agentfs_branches 3")
}
