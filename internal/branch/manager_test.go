package branch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/storage"
	"agentfs/internal/tree"
)

func testManager(t *testing.T, opts Options) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.NewStore(storage.Options{BlockSize: 8})
	require.NoError(t, err)
	m := NewManager(store, handles.NewLimits(0), opts)
	t.Cleanup(func() {
		m.Close()
		store.Close()
	})
	return m, store
}

// writeFile creates or overwrites a file in the root of b.
func writeFile(t *testing.T, b *Branch, name, content string) {
	t.Helper()
	ctx := context.Background()
	n, err := b.Tree.Lookup(tree.RootIno, name)
	if err != nil {
		n, err = b.Tree.CreateNode(ctx, tree.RootIno, name, tree.NewNode{Kind: tree.KindFile})
		require.NoError(t, err)
	}
	_, err = b.Tree.Update(ctx, n.Ino, func(n *tree.Node) error {
		st, err := b.Tree.Store().Write(ctx, nil, 0, []byte(content))
		if err != nil {
			return err
		}
		n.SetStream("", st)
		return nil
	})
	require.NoError(t, err)
}

func readFile(t *testing.T, b *Branch, name string) string {
	t.Helper()
	n, err := b.Tree.Lookup(tree.RootIno, name)
	require.NoError(t, err)
	n, err = b.Tree.Acquire(n.Ino)
	require.NoError(t, err)
	defer b.Tree.Drop(n)
	buf := make([]byte, n.Data.Size())
	_, err = b.Tree.Store().Read(context.Background(), n.Data, 0, buf)
	require.NoError(t, err)
	return string(buf)
}

func TestSnapshotThenBranch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := testManager(t, Options{})

	b1, err := m.CreateBranch(ctx, Source{Current: true}, "b1")
	require.NoError(t, err)
	assert.Equal(t, DefaultBranchID, b1.OriginBranch)
	assert.Empty(t, m.ListSnapshots(0, 0), "branching from current publishes no snapshot")

	br1, err := m.Branch(b1.ID)
	require.NoError(t, err)
	writeFile(t, br1, "a.txt", "hello")

	s1, err := m.CreateSnapshot(ctx, b1.ID, "s1")
	require.NoError(t, err)
	writeFile(t, br1, "a.txt", "world")
	assert.Equal(t, "world", readFile(t, br1, "a.txt"))

	b2, err := m.CreateBranch(ctx, Source{Snapshot: s1.ID}, "b2")
	require.NoError(t, err)
	assert.Equal(t, s1.ID, b2.Origin)
	br2, err := m.Branch(b2.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", readFile(t, br2, "a.txt"))

	_, err = m.Default().Tree.Lookup(tree.RootIno, "a.txt")
	assert.ErrorIs(t, err, common.ErrNotFound, "the default branch never saw the file")
}

func TestSiblingBranchesAreIndependent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := testManager(t, Options{})

	writeFile(t, m.Default(), "f", "base")
	s, err := m.CreateSnapshot(ctx, DefaultBranchID, "")
	require.NoError(t, err)

	i1, err := m.CreateBranch(ctx, Source{Snapshot: s.ID}, "")
	require.NoError(t, err)
	i2, err := m.CreateBranch(ctx, Source{Snapshot: s.ID}, "")
	require.NoError(t, err)
	assert.NotEqual(t, i1.Name, i2.Name)

	b1, _ := m.Branch(i1.ID)
	b2, _ := m.Branch(i2.ID)
	writeFile(t, b1, "f", "one")
	writeFile(t, b2, "f", "two")
	writeFile(t, b2, "only-in-two", "x")

	assert.Equal(t, "one", readFile(t, b1, "f"))
	assert.Equal(t, "two", readFile(t, b2, "f"))
	assert.Equal(t, "base", readFile(t, m.Default(), "f"))
	_, err = b1.Tree.Lookup(tree.RootIno, "only-in-two")
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Deleting the snapshot leaves descendants intact.
	require.NoError(t, m.DeleteSnapshot(s.ID))
	assert.Equal(t, "one", readFile(t, b1, "f"))

	require.NoError(t, m.DeleteBranch(ctx, i1.ID))
	require.NoError(t, m.DeleteBranch(ctx, i2.ID))
	assert.Equal(t, "base", readFile(t, m.Default(), "f"))
	assert.Equal(t, 1, store.Stats().Blocks, "only the default branch's block survives")
}

func TestDeleteSnapshotTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := testManager(t, Options{})

	s, err := m.CreateSnapshot(ctx, DefaultBranchID, "once")
	require.NoError(t, err)
	require.NoError(t, m.DeleteSnapshot(s.ID))
	assert.ErrorIs(t, m.DeleteSnapshot(s.ID), common.ErrNotFound)

	// the name is free again
	_, err = m.CreateSnapshot(ctx, DefaultBranchID, "once")
	assert.NoError(t, err)
}

func TestSnapshotRules(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := testManager(t, Options{MaxSnapshots: 2, MaxBranches: 2})

	_, err := m.CreateSnapshot(ctx, 99, "")
	assert.ErrorIs(t, err, common.ErrNotFound)

	_, err = m.CreateSnapshot(ctx, DefaultBranchID, "dup")
	require.NoError(t, err)
	_, err = m.CreateSnapshot(ctx, DefaultBranchID, "dup")
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = m.CreateSnapshot(ctx, DefaultBranchID, "")
	require.NoError(t, err)
	_, err = m.CreateSnapshot(ctx, DefaultBranchID, "")
	assert.ErrorIs(t, err, common.ErrOutOfSpace)

	_, err = m.CreateBranch(ctx, Source{Current: true}, "main")
	assert.ErrorIs(t, err, common.ErrExists)
	_, err = m.CreateBranch(ctx, Source{Snapshot: 77}, "")
	assert.ErrorIs(t, err, common.ErrNotFound)
	_, err = m.CreateBranch(ctx, Source{Current: true}, "")
	require.NoError(t, err)
	_, err = m.CreateBranch(ctx, Source{Current: true}, "")
	assert.ErrorIs(t, err, common.ErrOutOfSpace)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = m.CreateSnapshot(cctx, DefaultBranchID, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSnapshotsIterator(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := testManager(t, Options{})

	var ids []SnapshotID
	for i := 0; i < 5; i++ {
		s, err := m.CreateSnapshot(ctx, DefaultBranchID, "")
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	page := m.ListSnapshots(0, 2)
	require.Len(t, page, 2)
	assert.Equal(t, ids[:2], []SnapshotID{page[0].ID, page[1].ID})

	// resume after the last id seen, with a deletion in between
	require.NoError(t, m.DeleteSnapshot(ids[2]))
	rest := m.ListSnapshots(page[1].ID, 0)
	require.Len(t, rest, 2)
	assert.Equal(t, ids[3], rest[0].ID)

	// snapshots created mid-iteration are observed
	seen := 0
	for s := range m.Snapshots(0) {
		seen++
		if s.ID == ids[4] {
			_, err := m.CreateSnapshot(ctx, DefaultBranchID, "late")
			require.NoError(t, err)
		}
	}
	assert.Equal(t, 5, seen)
}

func TestBind(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := testManager(t, Options{})
	who := common.PID(100)

	assert.ErrorIs(t, m.Bind(42, who), common.ErrNotFound)

	info, err := m.CreateBranch(ctx, Source{Current: true}, "work")
	require.NoError(t, err)
	assert.Equal(t, DefaultBranchID, m.Resolve(who).ID)

	// an open handle on the default branch pins the identity there
	def := m.Default()
	h, err := def.Handles.Open(handles.Request{Ino: tree.RootIno, Owner: who, Access: handles.AccessRead, Share: handles.ShareAll, Dir: true})
	require.NoError(t, err)
	assert.ErrorIs(t, m.Bind(info.ID, who), common.ErrConflict)
	_, err = def.Handles.Close(h.ID)
	require.NoError(t, err)

	require.NoError(t, m.Bind(info.ID, who))
	assert.Equal(t, info.ID, m.Resolve(who).ID)
	assert.Equal(t, DefaultBranchID, m.Resolve(common.PID(101)).ID)

	// deleting the branch drops the binding
	require.NoError(t, m.DeleteBranch(ctx, info.ID))
	_, bound := m.Bound(who)
	assert.False(t, bound)
	assert.Equal(t, DefaultBranchID, m.Resolve(who).ID)

	assert.False(t, m.Unbind(who))
}

func TestDeleteBranch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, _ := testManager(t, Options{})

	assert.ErrorIs(t, m.DeleteBranch(ctx, DefaultBranchID), common.ErrInvalidArgument)
	assert.ErrorIs(t, m.DeleteBranch(ctx, 9), common.ErrNotFound)

	info, err := m.CreateBranch(ctx, Source{Current: true}, "busy")
	require.NoError(t, err)
	b, _ := m.Branch(info.ID)
	h, err := b.Handles.Open(handles.Request{Ino: tree.RootIno, Access: handles.AccessRead, Share: handles.ShareAll})
	require.NoError(t, err)
	assert.ErrorIs(t, m.DeleteBranch(ctx, info.ID), common.ErrConflict)

	_, err = b.Handles.Close(h.ID)
	require.NoError(t, err)
	require.NoError(t, m.DeleteBranch(ctx, info.ID))

	names := []string{}
	for _, bi := range m.Branches() {
		names = append(names, bi.Name)
	}
	assert.Equal(t, []string{DefaultBranchName}, names)
	assert.Equal(t, 1, m.Stats().Branches)
}
