package control

import (
	"context"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
	"agentfs/internal/storage"
	"agentfs/internal/vfs"
)

type recorded struct {
	op   string
	code common.Code
}

type recorder struct {
	mu    sync.Mutex
	calls []recorded
}

func (r *recorder) ControlRequest(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, recorded{op, common.CodeOf(err)})
}

func testGateway(t *testing.T, maxList int) (*Gateway, *vfs.FS, *recorder) {
	t.Helper()
	store, err := storage.NewStore(storage.Options{BlockSize: 16})
	require.NoError(t, err)
	fs := vfs.New(store, vfs.DefaultOptions())
	t.Cleanup(func() {
		fs.Shutdown()
		store.Close()
	})
	rec := &recorder{}
	return NewGateway(fs, GatewayOptions{MaxListResults: maxList, Recorder: rec}), fs, rec
}

func call(g *Gateway, who common.Identity, req Request) *Response {
	req.Version = Version
	return g.Handle(context.Background(), who, &req)
}

func writeFile(t *testing.T, fs *vfs.FS, who common.Identity, path, content string) {
	t.Helper()
	ctx := context.Background()
	id, err := fs.Create(ctx, who, path, 0o644)
	require.NoError(t, err)
	_, err = fs.Write(ctx, id, []byte(content))
	require.NoError(t, err)
	require.NoError(t, fs.Close(ctx, id))
}

func readFile(t *testing.T, fs *vfs.FS, who common.Identity, path string) string {
	t.Helper()
	ctx := context.Background()
	id, err := fs.Open(ctx, who, path, vfs.OpenOptions{Read: true})
	require.NoError(t, err)
	defer fs.Close(ctx, id)
	buf := make([]byte, 64)
	n, _ := fs.ReadAt(ctx, id, buf, 0)
	return string(buf[:n])
}

func TestSnapshotBranchBindScenario(t *testing.T) {
	t.Parallel()
	g, fs, rec := testGateway(t, 0)
	orchestrator, agent := common.PID(1), common.PID(4242)

	writeFile(t, fs, orchestrator, "a.txt", "hello")
	snap := call(g, orchestrator, Request{Op: OpSnapshotCreate, Name: "s1"})
	require.True(t, snap.OK, "%+v", snap.Error)
	assert.Equal(t, Version, snap.Version)
	assert.NotZero(t, snap.ID)
	assert.False(t, snap.CreatedAt.IsZero())

	writeFile(t, fs, orchestrator, "a.txt", "world")

	br := call(g, orchestrator, Request{Op: OpBranchCreate, Source: strconv.FormatUint(snap.ID, 10), Name: "agent-1"})
	require.True(t, br.OK, "%+v", br.Error)

	bind := call(g, orchestrator, Request{Op: OpBranchBind, BranchID: br.BranchID, PID: 4242})
	require.True(t, bind.OK, "%+v", bind.Error)
	assert.Equal(t, "hello", readFile(t, fs, agent, "a.txt"))
	assert.Equal(t, "world", readFile(t, fs, orchestrator, "a.txt"))

	missing := call(g, orchestrator, Request{Op: OpBranchBind, BranchID: 999, PID: 4242})
	assert.False(t, missing.OK)
	assert.Equal(t, common.CodeNotFound, missing.Error.Code)
	assert.ErrorIs(t, missing.Error.Err(), common.ErrNotFound)

	assert.Equal(t, []recorded{
		{OpSnapshotCreate, common.CodeOK},
		{OpBranchCreate, common.CodeOK},
		{OpBranchBind, common.CodeOK},
		{OpBranchBind, common.CodeNotFound},
	}, rec.calls)
}

func TestBindConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	g, fs, _ := testGateway(t, 0)
	agent := common.PID(7)

	br := call(g, agent, Request{Op: OpBranchCreate, Source: SourceCurrent})
	require.True(t, br.OK)

	id, err := fs.Open(ctx, agent, "", vfs.OpenOptions{Directory: true})
	require.NoError(t, err)
	resp := call(g, agent, Request{Op: OpBranchBind, BranchID: br.BranchID})
	assert.Equal(t, common.CodeConflict, resp.Error.Code)
	require.NoError(t, fs.Close(ctx, id))

	resp = call(g, agent, Request{Op: OpBranchBind, BranchID: br.BranchID})
	require.True(t, resp.OK)
	assert.Equal(t, br.BranchID, uint64(fs.Branch(agent)))

	// unbinding follows the same rule
	id, err = fs.Open(ctx, agent, "", vfs.OpenOptions{Directory: true})
	require.NoError(t, err)
	resp = call(g, agent, Request{Op: OpBranchUnbind})
	assert.Equal(t, common.CodeConflict, resp.Error.Code)
	require.NoError(t, fs.Close(ctx, id))
	resp = call(g, agent, Request{Op: OpBranchUnbind})
	require.True(t, resp.OK)
	assert.EqualValues(t, 1, fs.Branch(agent))
}

func TestBranchFromCurrentPublishesNoSnapshot(t *testing.T) {
	t.Parallel()
	g, fs, _ := testGateway(t, 0)
	who := common.PID(3)

	writeFile(t, fs, who, "f", "live")
	br := call(g, who, Request{Op: OpBranchCreate, Source: SourceCurrent, Name: "fork"})
	require.True(t, br.OK)

	list := call(g, who, Request{Op: OpSnapshotList})
	require.True(t, list.OK)
	assert.Empty(t, list.Snapshots)

	dup := call(g, who, Request{Op: OpBranchCreate, Source: SourceCurrent, Name: "fork"})
	assert.Equal(t, common.CodeAlreadyExists, dup.Error.Code)

	branches := call(g, who, Request{Op: OpBranchList})
	require.True(t, branches.OK)
	require.Len(t, branches.Branches, 2)
	assert.Equal(t, "main", branches.Branches[0].Name)
	assert.Equal(t, "fork", branches.Branches[1].Name)
	assert.EqualValues(t, 1, branches.Branches[1].OriginBranch)
}

func TestSnapshotListPaging(t *testing.T) {
	t.Parallel()
	g, _, _ := testGateway(t, 3)
	who := common.PID(1)

	for i := 0; i < 5; i++ {
		require.True(t, call(g, who, Request{Op: OpSnapshotCreate}).OK)
	}
	over := call(g, who, Request{Op: OpSnapshotList, Limit: 4})
	assert.Equal(t, common.CodeInvalidArgument, over.Error.Code)

	page := call(g, who, Request{Op: OpSnapshotList})
	require.True(t, page.OK)
	require.Len(t, page.Snapshots, 3, "an unset limit uses the configured maximum")

	rest := call(g, who, Request{Op: OpSnapshotList, After: page.Snapshots[2].ID, Limit: 3})
	require.True(t, rest.OK)
	require.Len(t, rest.Snapshots, 2)
	assert.Greater(t, rest.Snapshots[0].ID, page.Snapshots[2].ID)

	del := call(g, who, Request{Op: OpSnapshotDelete, ID: rest.Snapshots[0].ID})
	require.True(t, del.OK)
	again := call(g, who, Request{Op: OpSnapshotDelete, ID: rest.Snapshots[0].ID})
	assert.Equal(t, common.CodeNotFound, again.Error.Code)
}

func TestDeleteBranchAndStats(t *testing.T) {
	t.Parallel()
	g, fs, _ := testGateway(t, 0)
	who := common.PID(9)

	br := call(g, who, Request{Op: OpBranchCreate, Source: SourceCurrent})
	require.True(t, br.OK)
	require.True(t, call(g, who, Request{Op: OpBranchBind, BranchID: br.BranchID}).OK)
	writeFile(t, fs, who, "f", "branch data")

	stats := call(g, who, Request{Op: OpStats})
	require.True(t, stats.OK)
	assert.Equal(t, 2, stats.Stats.Branches)
	assert.Equal(t, 1, stats.Stats.Bindings)
	assert.Positive(t, stats.Stats.Blocks)

	main := call(g, who, Request{Op: OpBranchDelete, BranchID: 1})
	assert.Equal(t, common.CodeInvalidArgument, main.Error.Code)

	require.True(t, call(g, who, Request{Op: OpBranchDelete, BranchID: br.BranchID}).OK)
	assert.EqualValues(t, 1, fs.Branch(who), "bound identities fall back to the default branch")
	stats = call(g, who, Request{Op: OpStats})
	assert.Zero(t, stats.Stats.Blocks)
	assert.Zero(t, stats.Stats.Bindings)
}

func TestVersionMismatch(t *testing.T) {
	t.Parallel()
	g, _, rec := testGateway(t, 0)

	resp := g.Handle(context.Background(), common.PID(1), &Request{Version: "0", Op: OpStats})
	assert.False(t, resp.OK)
	assert.Equal(t, common.CodeVersionMismatch, resp.Error.Code)
	assert.Equal(t, Version, resp.Version)
	assert.Equal(t, []recorded{{OpStats, common.CodeVersionMismatch}}, rec.calls)
}
