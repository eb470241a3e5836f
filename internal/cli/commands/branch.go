// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"agentfs/internal/control"
)

var branchCmd = &cobra.Command{
	Use:   "branch",
	Short: "Fork branches and route processes to them",
	Long: `Branches are writable trees forked from a snapshot or from the live state of
another branch. A process bound to a branch sees only that branch.`,
}

var branchCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Fork a new branch",
	Long: `Fork a new branch from a snapshot, or from the live state of the caller's
branch when --from is "current".

Examples:
  agentfs branch create agent-1 --from 4
  agentfs branch create scratch`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchCreate,
}

var branchListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List branches",
	Args:    cobra.NoArgs,
	RunE:    runBranchList,
}

var branchBindCmd = &cobra.Command{
	Use:   "bind <branch-id>",
	Short: "Route a process to a branch",
	Long: `Route every filesystem call of a process to a branch. Without --pid the
invoking shell is bound.`,
	Args: cobra.ExactArgs(1),
	RunE: runBranchBind,
}

var branchUnbindCmd = &cobra.Command{
	Use:   "unbind",
	Short: "Route a process back to the default branch",
	Args:  cobra.NoArgs,
	RunE:  runBranchUnbind,
}

var branchDeleteCmd = &cobra.Command{
	Use:     "delete <branch-id>",
	Aliases: []string{"rm"},
	Short:   "Delete a branch",
	Long:    `Delete a branch. It must have no open handles; bindings to it are dropped.`,
	Args:    cobra.ExactArgs(1),
	RunE:    runBranchDelete,
}

var (
	branchFrom string
	branchPID  int
)

func init() {
	branchCreateCmd.Flags().StringVar(&branchFrom, "from", control.SourceCurrent, `Snapshot id to fork, or "current"`)
	for _, c := range []*cobra.Command{branchBindCmd, branchUnbindCmd} {
		c.Flags().IntVar(&branchPID, "pid", 0, "Process to route (default: the invoking shell)")
	}
	branchCmd.AddCommand(branchCreateCmd, branchListCmd, branchBindCmd, branchUnbindCmd, branchDeleteCmd)
	rootCmd.AddCommand(branchCmd)
}

// targetPID is the process a bind applies to. The CLI exits right away, so
// binding itself would be useless.
func targetPID() int {
	if branchPID > 0 {
		return branchPID
	}
	return os.Getppid()
}

func runBranchCreate(cmd *cobra.Command, args []string) error {
	var snapshotID uint64
	if branchFrom != control.SourceCurrent {
		id, err := parseID("snapshot", branchFrom)
		if err != nil {
			return err
		}
		snapshotID = id
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		id, err := c.CreateBranch(ctx, snapshotID, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created branch %d (%s)\n", id, args[0])
		return nil
	})
}

func runBranchList(cmd *cobra.Command, args []string) error {
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		branches, err := c.ListBranches(ctx)
		if err != nil {
			return err
		}
		printBranches(cmd.OutOrStdout(), branches)
		return nil
	})
}

func printBranches(w io.Writer, branches []control.BranchEntry) {
	tbl := newTable(w, "ID", "Name", "Origin", "Nodes", "Open", "Created")
	for _, b := range branches {
		origin := "-"
		switch {
		case b.Origin != 0:
			origin = "snapshot " + strconv.FormatUint(b.Origin, 10)
		case b.OriginBranch != 0:
			origin = "branch " + strconv.FormatUint(b.OriginBranch, 10)
		}
		tbl.Append([]string{
			strconv.FormatUint(b.ID, 10),
			b.Name,
			origin,
			strconv.Itoa(b.Nodes),
			strconv.Itoa(b.OpenHandles),
			ago(b.CreatedAt),
		})
	}
	tbl.Render()
}

func runBranchBind(cmd *cobra.Command, args []string) error {
	id, err := parseID("branch", args[0])
	if err != nil {
		return err
	}
	pid := targetPID()
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		if err := c.Bind(ctx, id, pid); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Bound PID %d to branch %d\n", pid, id)
		return nil
	})
}

func runBranchUnbind(cmd *cobra.Command, args []string) error {
	pid := targetPID()
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		if err := c.Unbind(ctx, pid); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unbound PID %d\n", pid)
		return nil
	})
}

func runBranchDelete(cmd *cobra.Command, args []string) error {
	id, err := parseID("branch", args[0])
	if err != nil {
		return err
	}
	return withClient(cmd, func(ctx context.Context, c *control.Client) error {
		if err := c.DeleteBranch(ctx, id); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted branch %d\n", id)
		return nil
	})
}
