package commands

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/spf13/cobra"

	"agentfs/internal/control"
)

var snapshotCmd = &cobra.Command{
	Use:     "snapshot",
	Aliases: []string{"snap"},
	Short:   "Create, list and delete snapshots",
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Freeze a branch into a read-only snapshot",
	Long: `Freeze the current state of a branch into a read-only snapshot.

Without --branch the snapshot is taken of the branch this shell is bound to,
or of the default branch.

Examples:
  agentfs snapshot create before-refactor
  agentfs snapshot create --branch 3`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSnapshotCreate,
}

var snapshotListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List snapshots",
	Args:    cobra.NoArgs,
	RunE:    runSnapshotList,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:     "delete <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a snapshot",
	Long:    `Delete a snapshot. Branches forked from it keep their data.`,
	Args:    cobra.ExactArgs(1),
	RunE:    runSnapshotDelete,
}

var (
	snapshotBranch uint64
	snapshotAfter  uint64
	snapshotLimit  int
)

func init() {
	snapshotCreateCmd.Flags().Uint64Var(&snapshotBranch, "branch", 0, "Branch to snapshot (default: the caller's branch)")
	snapshotListCmd.Flags().Uint64Var(&snapshotAfter, "after", 0, "Only list snapshots with a larger id")
	snapshotListCmd.Flags().IntVar(&snapshotLimit, "limit", 0, "Maximum number of snapshots (default: server maximum)")
	snapshotCmd.AddCommand(snapshotCreateCmd, snapshotListCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotCreate(cmd *cobra.Command, args []string) error {
	name := ""
	if len(args) > 0 {
		name = args[0]
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		id, createdAt, err := c.CreateSnapshot(ctx, snapshotBranch, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created snapshot %d at %s\n", id, createdAt.Local().Format("2006-01-02 15:04:05"))
		return nil
	})
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		snaps, err := c.ListSnapshots(ctx, snapshotAfter, snapshotLimit)
		if err != nil {
			return err
		}
		printSnapshots(cmd.OutOrStdout(), snaps)
		return nil
	})
}

func printSnapshots(w io.Writer, snaps []control.SnapshotEntry) {
	if len(snaps) == 0 {
		fmt.Fprintln(w, "No snapshots")
		return
	}
	tbl := newTable(w, "ID", "Name", "Branch", "Created")
	for _, s := range snaps {
		tbl.Append([]string{
			strconv.FormatUint(s.ID, 10),
			s.Name,
			strconv.FormatUint(s.BranchID, 10),
			ago(s.CreatedAt),
		})
	}
	tbl.Render()
}

func runSnapshotDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID("snapshot", args[0])
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		if err := c.DeleteSnapshot(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted snapshot %d\n", id)
		return nil
	})
}
