package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"agentfs/internal/control"
	"agentfs/internal/daemon"
	"agentfs/internal/util"
)

// StartDaemonIfNeeded starts the daemon in the background if not running.
// If notify is true, progress is printed to stderr.
func StartDaemonIfNeeded(ctx context.Context, notify bool) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := util.DaemonStartConfig{PollConfig: util.FastPollConfig()}
	if notify {
		cfg.Notify = os.Stderr
	}
	return util.StartDaemonIfNeeded(ctx, cfg, daemon.IsDaemonRunning, []string{"daemon", "start", "--foreground"})
}

// withClient dials the control socket and runs fn under the --timeout
// deadline. A daemon that is still starting up is retried briefly.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *control.Client) error) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, callTimeout)
	defer cancel()

	client, err := util.RetryWithResult(ctx, func() (*control.Client, error) {
		return control.Dial(ctx, daemon.SocketPath(), control.CodecByName(codecName))
	},
		retry.Attempts(5),
		retry.Delay(50*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(util.IsTemporary),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	)
	if err != nil {
		return fmt.Errorf("cannot reach daemon (is it running? try 'agentfs daemon start'): %w", err)
	}
	defer client.Close()
	return fn(ctx, client)
}

func parseID(kind, s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid %s id %q", kind, s)
	}
	return id, nil
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	tbl := tablewriter.NewWriter(w)
	tbl.SetAutoFormatHeaders(false)
	tbl.SetBorder(false)
	tbl.SetHeader(header)
	return tbl
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}
