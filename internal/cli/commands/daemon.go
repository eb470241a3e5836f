package commands

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"agentfs/internal/control"
	"agentfs/internal/daemon"
	"agentfs/internal/util"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Daemon management commands",
	Long:  `Commands for controlling the agentfs daemon.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the daemon",
	Long: `Starts the agentfs daemon in the background.

Settings are read from ~/.agentfs/settings.yaml (see 'agentfs settings').`,
	Args: cobra.NoArgs,
	RunE: runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the daemon",
	Long:  `Stops the running agentfs daemon. All branches and snapshots live in memory and are discarded.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

var (
	daemonForeground  bool
	daemonRestart     bool
	daemonSkipCleanup bool
	daemonLogLevel    string
	daemonSeed        string
)

func init() {
	daemonStartCmd.Flags().BoolVarP(&daemonForeground, "foreground", "f", false, "Run in foreground")
	daemonStartCmd.Flags().BoolVar(&daemonRestart, "restart", false, "Restart daemon if already running (no confirmation)")
	daemonStartCmd.Flags().BoolVar(&daemonSkipCleanup, "skip-cleanup", false, "Skip startup cleanup (stale pid file, socket and spill areas)")
	daemonStartCmd.Flags().StringVar(&daemonLogLevel, "logging", "", "Log level override: trace, debug, info, warn, off")
	daemonStartCmd.Flags().StringVar(&daemonSeed, "seed", "", "Import this directory into the default branch on start")
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

func runDaemonStart(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if daemon.IsDaemonRunning() {
		pid, _ := daemon.GetPID()
		if !daemonRestart {
			fmt.Fprintf(out, "Daemon already running (PID %d)\n", pid)
			fmt.Fprintln(out, "Use --restart to restart the daemon")
			return nil
		}
		fmt.Fprintf(out, "Daemon already running (PID %d), restarting...\n", pid)
		if err := stopDaemonAndWait(cmd.Context()); err != nil {
			return fmt.Errorf("failed to stop daemon for restart: %w", err)
		}
	}

	if daemonForeground {
		settings, err := daemon.LoadSettings()
		if err != nil {
			return err
		}
		if daemonLogLevel != "" {
			settings.LogLevel = daemonLogLevel
		}
		if daemonSeed != "" {
			settings.SeedDir = daemonSeed
		}
		d := daemon.New(settings)
		d.SkipCleanup = daemonSkipCleanup

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return d.Run(ctx)
	}

	startArgs := []string{"daemon", "start", "--foreground"}
	if daemonLogLevel != "" {
		startArgs = append(startArgs, "--logging", daemonLogLevel)
	}
	if daemonSkipCleanup {
		startArgs = append(startArgs, "--skip-cleanup")
	}
	if daemonSeed != "" {
		startArgs = append(startArgs, "--seed", daemonSeed)
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := util.DaemonStartConfig{PollConfig: util.FastPollConfig()}
	if err := util.StartDaemonIfNeeded(ctx, cfg, daemon.IsDaemonRunning, startArgs); err != nil {
		return err
	}
	pid, _ := daemon.GetPID()
	fmt.Fprintf(out, "Daemon started (PID %d)\n", pid)
	return nil
}

func runDaemonStop(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	if !daemon.IsDaemonRunning() {
		fmt.Fprintln(out, "Daemon not running")
		if res := daemon.CleanupStale(""); !res.Empty() {
			fmt.Fprintln(out, daemon.FormatCleanupResult(res))
		}
		return nil
	}
	if err := stopDaemonAndWait(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(out, "Daemon stopped")
	return nil
}

// stopDaemonAndWait signals the daemon found in the pid file and waits for
// its socket to go away.
func stopDaemonAndWait(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	pid, err := daemon.GetPID()
	if err != nil {
		return fmt.Errorf("daemon is running but its pid file is unreadable: %w", err)
	}
	return util.StopProcess(ctx, pid, util.DefaultPollConfig(), daemon.IsDaemonRunning)
}

func runDaemonStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	settings, err := daemon.LoadSettings()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}

	if !daemon.IsDaemonRunning() {
		fmt.Fprintln(out, "Daemon: not running")
	} else {
		pid, _ := daemon.GetPID()
		fmt.Fprintf(out, "Daemon: running (PID %d)\n", pid)
	}
	fmt.Fprintf(out, "Socket: %s\n", daemon.SocketPath())
	fmt.Fprintf(out, "Log level: %s\n", settings.LogLevel)
	if settings.SpillEnabled() {
		fmt.Fprintf(out, "Memory budget: %s (spill: %s, %s)\n", settings.Engine.MemoryBudget, settings.Engine.SpillBackend, settings.Engine.SpillCompression)
	} else {
		fmt.Fprintf(out, "Memory budget: %s (no spill)\n", settings.Engine.MemoryBudget)
	}
	if settings.NFSListen != "" {
		fmt.Fprintf(out, "NFS: %s as %s\n", settings.NFSListen, settings.NFSIdentity)
	}
	if settings.AutoSnapshot != "" {
		fmt.Fprintf(out, "Auto snapshot: %s (keep %d)\n", settings.AutoSnapshot, settings.AutoSnapshotKeep)
	}

	if !daemon.IsDaemonRunning() {
		return nil
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		st, err := c.Stats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Branches: %d, snapshots: %d, bindings: %d\n", st.Branches, st.Snapshots, st.Bindings)
		fmt.Fprintf(out, "Resident: %s, spilled: %s\n",
			humanize.IBytes(uint64(st.ResidentBytes)), humanize.IBytes(uint64(st.SpillBytes)))
		return nil
	})
}
