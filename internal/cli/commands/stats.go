package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"agentfs/internal/control"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show engine statistics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *control.Client) error {
			st, err := c.Stats(ctx)
			if err != nil {
				return err
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func printStats(w io.Writer, st *control.Stats) {
	budget := "unlimited"
	if st.MemoryBudget > 0 {
		budget = humanize.IBytes(uint64(st.MemoryBudget))
	}
	hitRate := "-"
	if total := st.CacheHits + st.CacheMisses; total > 0 {
		hitRate = fmt.Sprintf("%.1f%%", 100*float64(st.CacheHits)/float64(total))
	}

	tbl := newTable(w, "Metric", "Value")
	tbl.AppendBulk([][]string{
		{"Branches", humanize.Comma(int64(st.Branches))},
		{"Snapshots", humanize.Comma(int64(st.Snapshots))},
		{"Bindings", humanize.Comma(int64(st.Bindings))},
		{"Open handles", fmt.Sprintf("%s / %s", humanize.Comma(int64(st.OpenHandles)), humanize.Comma(int64(st.MaxHandles)))},
		{"Nodes", humanize.Comma(int64(st.Nodes))},
		{"Orphans", humanize.Comma(int64(st.Orphans))},
		{"Blocks", humanize.Comma(int64(st.Blocks))},
		{"Resident", fmt.Sprintf("%s / %s", humanize.IBytes(uint64(st.ResidentBytes)), budget)},
		{"Spilled", humanize.IBytes(uint64(st.SpillBytes))},
		{"Spills / page-ins", fmt.Sprintf("%s / %s", humanize.Comma(int64(st.Spills)), humanize.Comma(int64(st.PageIns)))},
		{"Cache hit rate", hitRate},
	})
	tbl.Render()
}
