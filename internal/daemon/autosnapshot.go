package daemon

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/branch"
)

// autoSnapshotPrefix marks snapshots taken on the auto_snapshot schedule.
// Only these are pruned.
const autoSnapshotPrefix = "auto-"

func (d *Daemon) autoSnapshot(ctx context.Context) {
	name := autoSnapshotPrefix + time.Now().UTC().Format("20060102T150405.000000000Z")
	info, err := d.fs.Manager().CreateSnapshot(ctx, branch.DefaultBranchID, name)
	d.metrics.ControlRequest("auto_snapshot", err)
	if err != nil {
		log.Warnf("[Daemon] auto snapshot failed: %v", err)
		return
	}
	log.Infof("[Daemon] auto snapshot %d (%s)", info.ID, name)
	if n := pruneAutoSnapshots(d.fs.Manager(), d.Settings.AutoSnapshotKeep); n > 0 {
		log.Infof("[Daemon] pruned %d auto snapshots", n)
	}
}

// pruneAutoSnapshots deletes the oldest automatic snapshots beyond keep.
// Snapshots created by hand are never touched. keep 0 disables pruning.
func pruneAutoSnapshots(mgr *branch.Manager, keep int) int {
	if keep <= 0 {
		return 0
	}
	auto := lo.Filter(slices.Collect(mgr.Snapshots(0)), func(s branch.SnapshotInfo, _ int) bool {
		return strings.HasPrefix(s.Name, autoSnapshotPrefix) && s.BranchID == branch.DefaultBranchID
	})
	if len(auto) <= keep {
		return 0
	}
	pruned := 0
	// ids ascend with creation time
	for _, s := range auto[:len(auto)-keep] {
		if err := mgr.DeleteSnapshot(s.ID); err != nil {
			log.Warnf("[Daemon] failed to prune snapshot %d: %v", s.ID, err)
			continue
		}
		pruned++
	}
	return pruned
}
