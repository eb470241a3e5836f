package control

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/branch"
	"agentfs/internal/common"
	"agentfs/internal/vfs"
)

// Recorder observes every handled request.
type Recorder interface {
	ControlRequest(op string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ControlRequest(string, error) {}

// Handler serves decoded requests on behalf of a caller.
type Handler interface {
	Handle(ctx context.Context, who common.Identity, req *Request) *Response
}

// GatewayOptions configures NewGateway.
type GatewayOptions struct {
	MaxListResults int
	Recorder       Recorder
}

// Gateway validates requests and applies them to the branch manager of fs.
type Gateway struct {
	fs      *vfs.FS
	mgr     *branch.Manager
	maxList int
	rec     Recorder
}

// NewGateway creates the control handler for fs.
func NewGateway(fs *vfs.FS, opts GatewayOptions) *Gateway {
	if opts.MaxListResults <= 0 {
		opts.MaxListResults = DefaultMaxListResults
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	return &Gateway{fs: fs, mgr: fs.Manager(), maxList: opts.MaxListResults, rec: opts.Recorder}
}

// Handle validates and executes req. The result is always a response; errors
// travel in its Error field.
func (g *Gateway) Handle(ctx context.Context, who common.Identity, req *Request) *Response {
	start := time.Now()
	resp, err := g.handle(ctx, who, req)
	op := "invalid"
	if req != nil {
		op = req.Op
	}
	g.rec.ControlRequest(op, err)
	if err != nil {
		log.Debugf("[Control] %s from %s failed: %v (%v)", op, who, err, time.Since(start))
		return Failure(err)
	}
	log.Debugf("[Control] %s from %s ok (%v)", op, who, time.Since(start))
	resp.Version, resp.OK = Version, true
	return resp
}

func (g *Gateway) handle(ctx context.Context, who common.Identity, req *Request) (*Response, error) {
	if err := Validate(req, g.maxList); err != nil {
		return nil, err
	}
	target := who
	if req.PID > 0 {
		target = common.PID(req.PID)
	}

	switch req.Op {
	case OpSnapshotCreate:
		id := branch.ID(req.BranchID)
		if id == 0 {
			id = g.fs.Branch(who)
		}
		s, err := g.mgr.CreateSnapshot(ctx, id, req.Name)
		if err != nil {
			return nil, err
		}
		return &Response{ID: uint64(s.ID), CreatedAt: s.CreatedAt, BranchID: uint64(s.BranchID)}, nil

	case OpSnapshotList:
		limit := req.Limit
		if limit == 0 {
			limit = g.maxList
		}
		snaps := g.mgr.ListSnapshots(branch.SnapshotID(req.After), limit)
		resp := &Response{Snapshots: make([]SnapshotEntry, 0, len(snaps))}
		for _, s := range snaps {
			resp.Snapshots = append(resp.Snapshots, SnapshotEntry{
				ID: uint64(s.ID), Name: s.Name, CreatedAt: s.CreatedAt, BranchID: uint64(s.BranchID),
			})
		}
		return resp, nil

	case OpSnapshotDelete:
		if err := g.mgr.DeleteSnapshot(branch.SnapshotID(req.ID)); err != nil {
			return nil, err
		}
		return &Response{ID: req.ID}, nil

	case OpBranchCreate:
		snap, current, _ := ParseSource(req.Source)
		src := branch.Source{Snapshot: branch.SnapshotID(snap), Current: current}
		if current {
			src.Branch = g.fs.Branch(who)
		}
		b, err := g.mgr.CreateBranch(ctx, src, req.Name)
		if err != nil {
			return nil, err
		}
		return &Response{BranchID: uint64(b.ID), CreatedAt: b.CreatedAt}, nil

	case OpBranchBind:
		if err := g.mgr.Bind(branch.ID(req.BranchID), target); err != nil {
			return nil, err
		}
		return &Response{BranchID: req.BranchID}, nil

	case OpBranchUnbind:
		// Binding to the default branch applies the open-handle rule.
		if err := g.mgr.Bind(branch.DefaultBranchID, target); err != nil {
			return nil, err
		}
		g.mgr.Unbind(target)
		return &Response{BranchID: uint64(branch.DefaultBranchID)}, nil

	case OpBranchList:
		infos := g.mgr.Branches()
		resp := &Response{Branches: make([]BranchEntry, 0, len(infos))}
		for _, b := range infos {
			resp.Branches = append(resp.Branches, BranchEntry{
				ID:           uint64(b.ID),
				Name:         b.Name,
				Origin:       uint64(b.Origin),
				OriginBranch: uint64(b.OriginBranch),
				CreatedAt:    b.CreatedAt,
				Nodes:        b.Nodes,
				OpenHandles:  b.OpenHandles,
			})
		}
		return resp, nil

	case OpBranchDelete:
		id := branch.ID(req.BranchID)
		if err := g.mgr.DeleteBranch(ctx, id); err != nil {
			return nil, err
		}
		g.fs.ForgetBranch(id)
		return &Response{BranchID: req.BranchID}, nil

	case OpStats:
		st := g.fs.Stats()
		return &Response{Stats: &Stats{
			Branches:      st.Manager.Branches,
			Snapshots:     st.Manager.Snapshots,
			Bindings:      st.Manager.Bindings,
			OpenHandles:   st.Manager.OpenHandles,
			MaxHandles:    st.Manager.MaxHandles,
			Nodes:         st.Nodes,
			Orphans:       st.Orphans,
			Blocks:        st.Store.Blocks,
			ResidentBytes: st.Store.ResidentBytes,
			MemoryBudget:  st.Store.MemoryBudget,
			SpillBytes:    st.Store.SpillBytes,
			Spills:        st.Store.Spills,
			PageIns:       st.Store.PageIns,
			CacheHits:     st.Resolver.Hits,
			CacheMisses:   st.Resolver.Misses,
		}}, nil
	}
	return nil, fmt.Errorf("%w: unknown operation %q", common.ErrInvalidArgument, req.Op)
}
