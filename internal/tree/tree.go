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

// Package tree is the versioned node store. A Tree is the mutable root of one
// branch; every mutation builds a new Version by path-copying the persistent
// inode map and swapping the root pointer, so captured versions (snapshots)
// are never affected.
package tree

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/storage"
)

// Options configures a Tree.
type Options struct {
	// CaseInsensitive enables case-insensitive, case-preserving names.
	CaseInsensitive bool
	// Root holds the attributes of the root directory of a new tree.
	Root Attr
	// Report receives internal invariant violations. Optional.
	Report func(error)
}

// Tree is the mutable root of a branch.
type Tree struct {
	store  *storage.Store
	onFail func(error)

	mu  sync.RWMutex // guards cur; held only for the path-copy and swap
	cur *Version

	nextIno  atomic.Uint64
	locks    lockSet
	renameMu sync.Mutex // serializes directory moves across parents

	pins    *xsync.Map[Ino, int]
	orphans *xsync.Map[Ino, *Node]
	closed  atomic.Bool
}

func newTree(store *storage.Store, report func(error)) *Tree {
	return &Tree{
		store:   store,
		onFail:  report,
		pins:    xsync.NewMap[Ino, int](),
		orphans: xsync.NewMap[Ino, *Node](),
	}
}

// New creates a tree holding only the root directory.
func New(store *storage.Store, opts Options) *Tree {
	t := newTree(store, opts.Report)
	root := newNode(store, RootIno, NewNode{Kind: KindDir, Attr: opts.Root})
	root.Parent = RootIno

	b := newTrieBuilder(nil, 1)
	b.set(RootIno, root)
	v := &Version{
		root:   b.root,
		height: b.height,
		count:  1,
		maxIno: RootIno,
		gen:    1,
		fold:   opts.CaseInsensitive,
		report: t.report,
	}
	v.refs.Store(1)
	t.cur = v
	t.nextIno.Store(uint64(RootIno) + 1)
	return t
}

// FromVersion creates a tree whose initial state is v. The tree takes its
// own reference to v.
func FromVersion(store *storage.Store, v *Version, report func(error)) *Tree {
	t := newTree(store, report)
	t.cur = v.Retain()
	t.nextIno.Store(uint64(v.MaxIno()) + 1)
	return t
}

func (t *Tree) report(err error) {
	log.Errorf("[Tree] %v", err)
	if t.onFail != nil {
		t.onFail(err)
	}
}

// Store returns the data store backing the tree's streams.
func (t *Tree) Store() *storage.Store { return t.store }

// Capture retains and returns the current version.
func (t *Tree) Capture() *Version {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur.Retain()
}

// CaseInsensitive reports the tree's name policy.
func (t *Tree) CaseInsensitive() bool {
	v := t.Capture()
	defer v.Release()
	return v.fold
}

// commit applies tx to the current version and publishes the result.
// Cancellation is honored only before the swap. On error every node in
// tx.puts is released.
func (t *Tree) commit(ctx context.Context, tx txn) error {
	if err := ctx.Err(); err != nil {
		t.discard(tx.puts...)
		return err
	}
	if t.closed.Load() {
		t.discard(tx.puts...)
		return fmt.Errorf("%w: tree is closed", common.ErrStaleHandle)
	}
	t.mu.Lock()
	old := t.cur
	t.cur = old.apply(tx)
	t.mu.Unlock()
	old.Release()
	return nil
}

func (t *Tree) discard(nodes ...*Node) {
	for _, n := range nodes {
		if n != nil && !n.release() {
			t.report(common.Invariant("inode %d released too often", n.Ino))
		}
	}
}

func dirNode(v *Version, ino Ino) (*Node, error) {
	n := v.Get(ino)
	if n == nil {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	if !n.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotDir)
	}
	return n, nil
}

func stamp(a *Attr, now time.Time) {
	a.Mtime = now
	a.Ctime = now
}

// Get returns the node for ino, including pending-deletion nodes. The result
// is safe for attribute inspection; use Acquire to read its streams.
func (t *Tree) Get(ino Ino) (*Node, error) {
	v := t.Capture()
	defer v.Release()
	if n := v.Get(ino); n != nil {
		return n, nil
	}
	if n, ok := t.orphans.Load(ino); ok {
		return n, nil
	}
	return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
}

// Acquire returns the node for ino with a reference held, so its streams stay
// readable until Drop.
func (t *Tree) Acquire(ino Ino) (*Node, error) {
	t.mu.RLock()
	n := t.cur.Get(ino)
	if n != nil {
		n.retain()
	}
	t.mu.RUnlock()
	if n != nil {
		return n, nil
	}
	t.orphans.Compute(ino, func(old *Node, loaded bool) (*Node, xsync.ComputeOp) {
		if loaded {
			n = old.retain()
		}
		return old, xsync.CancelOp
	})
	if n == nil {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	return n, nil
}

// Drop releases a node returned by Acquire.
func (t *Tree) Drop(n *Node) { t.discard(n) }

// Lookup resolves name in the directory parent against the current version.
// Resolution takes no locks.
func (t *Tree) Lookup(parent Ino, name string) (*Node, error) {
	v := t.Capture()
	defer v.Release()
	return v.Lookup(parent, name)
}

// Resolve walks a relative path against the current version.
func (t *Tree) Resolve(p string) (*Node, error) {
	v := t.Capture()
	defer v.Release()
	return v.Resolve(p)
}

// ReadDir returns the entries of a directory in key order.
func (t *Tree) ReadDir(ino Ino) ([]Dirent, error) {
	n, err := t.Get(ino)
	if err != nil {
		return nil, err
	}
	if !n.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotDir)
	}
	return n.Dir.Entries(), nil
}

// CreateNode adds a new node named name to the directory parent.
func (t *Tree) CreateNode(ctx context.Context, parent Ino, name string, spec NewNode) (*Node, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	switch spec.Kind {
	case KindFile, KindDir:
	case KindSymlink:
		if spec.Target == "" {
			return nil, fmt.Errorf("%w: empty symlink target", common.ErrInvalidArgument)
		}
	default:
		return nil, fmt.Errorf("%w: cannot create %s", common.ErrInvalidArgument, spec.Kind)
	}

	unlock := t.locks.lock(parent)
	defer unlock()
	v := t.Capture()
	defer v.Release()

	p, err := dirNode(v, parent)
	if err != nil {
		return nil, err
	}
	key := v.Key(name)
	if _, ok := p.Dir.Get(key); ok {
		return nil, fmt.Errorf("%s: %w", name, common.ErrExists)
	}

	n := newNode(t.store, Ino(t.nextIno.Add(1)-1), spec)
	pc := p.clone()
	pc.Dir = p.Dir.With(Dirent{Key: key, Name: name, Ino: n.Ino, Kind: n.Kind})
	stamp(&pc.Attr, n.Attr.Ctime)
	if n.IsDir() {
		n.Parent = parent
		pc.Attr.Nlink++
	}
	if err := t.commit(ctx, txn{puts: []*Node{pc, n}}); err != nil {
		return nil, err
	}
	return n, nil
}

// unlinkChild drops one link of child into tx. A node left with no links is
// deleted from the map; if handles are open it is returned as the orphan the
// caller publishes ahead of the commit.
func (t *Tree) unlinkChild(tx txn, child *Node, now time.Time) (txn, *Node) {
	c := child.clone()
	c.Attr.Ctime = now
	if c.IsDir() || c.Attr.Nlink <= 1 {
		c.Attr.Nlink = 0
	} else {
		c.Attr.Nlink--
	}
	if c.Attr.Nlink > 0 {
		tx.puts = append(tx.puts, c)
		return tx, nil
	}
	tx.dels = append(tx.dels, child.Ino)
	if t.OpenCount(child.Ino) > 0 {
		return tx, c
	}
	t.discard(c)
	return tx, nil
}

// publishOrphan makes orphan reachable by Get and Acquire. It must run before
// the commit that drops the node from the version, under the node lock, so
// open handles never observe a gap.
func (t *Tree) publishOrphan(orphan *Node) {
	if orphan == nil {
		return
	}
	log.Debugf("[Tree] inode %d pending deletion with %d open handles", orphan.Ino, t.OpenCount(orphan.Ino))
	t.orphans.Store(orphan.Ino, orphan)
}

// retractOrphan undoes publishOrphan after a failed commit.
func (t *Tree) retractOrphan(orphan *Node) {
	if orphan == nil {
		return
	}
	t.orphans.Delete(orphan.Ino)
	t.discard(orphan)
}

// Remove detaches name from parent. The entry disappears immediately; a node
// with open handles stays readable through them until the last Unpin.
func (t *Tree) Remove(ctx context.Context, parent Ino, name string, wantDir bool) (*Node, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	for {
		v := t.Capture()
		child, err := v.Lookup(parent, name)
		v.Release()
		if err != nil {
			return nil, err
		}
		n, retry, err := t.remove(ctx, parent, name, child.Ino, wantDir)
		if !retry {
			return n, err
		}
	}
}

func (t *Tree) remove(ctx context.Context, parent Ino, name string, ino Ino, wantDir bool) (*Node, bool, error) {
	unlock := t.locks.lock(parent, ino)
	defer unlock()
	v := t.Capture()
	defer v.Release()

	p, err := dirNode(v, parent)
	if err != nil {
		return nil, false, err
	}
	e, ok := p.Dir.Get(v.Key(name))
	if !ok {
		return nil, false, fmt.Errorf("%s: %w", name, common.ErrNotFound)
	}
	if e.Ino != ino {
		// replaced between resolution and locking
		return nil, true, nil
	}
	child := v.Get(ino)
	if child == nil {
		err := common.Invariant("entry %q points at missing inode %d", name, ino)
		t.report(err)
		return nil, false, err
	}
	switch {
	case wantDir && !child.IsDir():
		return nil, false, fmt.Errorf("%s: %w", name, common.ErrNotDir)
	case !wantDir && child.IsDir():
		return nil, false, fmt.Errorf("%s: %w", name, common.ErrIsDir)
	case child.IsDir() && child.Dir.Len() > 0:
		return nil, false, fmt.Errorf("%s: %w", name, common.ErrNotEmpty)
	}

	now := time.Now()
	pc := p.clone()
	pc.Dir = p.Dir.Without(e.Key)
	stamp(&pc.Attr, now)
	if child.IsDir() {
		pc.Attr.Nlink--
	}
	tx, orphan := t.unlinkChild(txn{puts: []*Node{pc}}, child, now)
	t.publishOrphan(orphan)
	if err := t.commit(ctx, tx); err != nil {
		t.retractOrphan(orphan)
		return nil, false, err
	}
	return child, false, nil
}

// renameTargets resolves the inodes a rename depends on. dst is 0 when the
// target name is free.
func renameTargets(v *Version, parent Ino, name string, newParent Ino, newName string) (src, dst Ino, err error) {
	s, err := v.Lookup(parent, name)
	if err != nil {
		return 0, 0, err
	}
	np, err := dirNode(v, newParent)
	if err != nil {
		return 0, 0, err
	}
	if e, ok := np.Dir.Get(v.Key(newName)); ok {
		dst = e.Ino
	}
	return s.Ino, dst, nil
}

// Rename moves parent/name to newParent/newName as one commit. Renaming an
// entry onto itself is a no-op.
func (t *Tree) Rename(ctx context.Context, parent Ino, name string, newParent Ino, newName string, replace bool) error {
	if err := common.ValidateName(name); err != nil {
		return err
	}
	if err := common.ValidateName(newName); err != nil {
		return err
	}
	for {
		v := t.Capture()
		src, dst, err := renameTargets(v, parent, name, newParent, newName)
		var srcDir bool
		if err == nil {
			srcDir = v.Get(src).IsDir()
		}
		v.Release()
		if err != nil {
			return err
		}
		retry, err := t.rename(ctx, parent, name, newParent, newName, replace, src, dst, srcDir)
		if !retry {
			return err
		}
	}
}

func (t *Tree) rename(ctx context.Context, parent Ino, name string, newParent Ino, newName string,
	replace bool, srcIno, dstIno Ino, srcDir bool) (bool, error) {
	if srcDir && parent != newParent {
		t.renameMu.Lock()
		defer t.renameMu.Unlock()
	}
	unlock := t.locks.lock(parent, newParent, srcIno, dstIno)
	defer unlock()
	v := t.Capture()
	defer v.Release()

	s, d, err := renameTargets(v, parent, name, newParent, newName)
	if err != nil {
		return false, err
	}
	if s != srcIno || d != dstIno {
		return true, nil
	}

	p, np, src := v.Get(parent), v.Get(newParent), v.Get(srcIno)
	srcKey, dstKey := v.Key(name), v.Key(newName)
	now := time.Now()

	if parent == newParent && srcKey == dstKey {
		if name == newName {
			return false, nil
		}
		// same entry, new spelling
		pc := p.clone()
		pc.Dir = p.Dir.With(Dirent{Key: srcKey, Name: newName, Ino: srcIno, Kind: src.Kind})
		stamp(&pc.Attr, now)
		return false, t.commit(ctx, txn{puts: []*Node{pc}})
	}
	if dstIno == srcIno {
		// two links to the same inode
		return false, nil
	}

	if src.IsDir() {
		for a := newParent; ; {
			if a == srcIno {
				return false, fmt.Errorf("%w: cannot move %q inside itself", common.ErrInvalidArgument, name)
			}
			n := v.Get(a)
			if a == RootIno || n == nil {
				break
			}
			a = n.Parent
		}
	}

	var dst *Node
	if dstIno != 0 {
		dst = v.Get(dstIno)
		switch {
		case !replace:
			return false, fmt.Errorf("%s: %w", newName, common.ErrExists)
		case src.IsDir() && !dst.IsDir():
			return false, fmt.Errorf("%s: %w", newName, common.ErrNotDir)
		case !src.IsDir() && dst.IsDir():
			return false, fmt.Errorf("%s: %w", newName, common.ErrIsDir)
		case dst.IsDir() && dst.Dir.Len() > 0:
			return false, fmt.Errorf("%s: %w", newName, common.ErrNotEmpty)
		}
	}

	from := p.clone()
	from.Dir = p.Dir.Without(srcKey)
	stamp(&from.Attr, now)
	to := from
	tx := txn{puts: []*Node{from}}
	if newParent != parent {
		to = np.clone()
		stamp(&to.Attr, now)
		tx.puts = append(tx.puts, to)
	}
	to.Dir = to.Dir.With(Dirent{Key: dstKey, Name: newName, Ino: srcIno, Kind: src.Kind})

	moved := src.clone()
	moved.Attr.Ctime = now
	if src.IsDir() && parent != newParent {
		moved.Parent = newParent
		from.Attr.Nlink--
		to.Attr.Nlink++
	}
	tx.puts = append(tx.puts, moved)

	var orphan *Node
	if dst != nil {
		if dst.IsDir() {
			to.Attr.Nlink--
		}
		tx, orphan = t.unlinkChild(tx, dst, now)
	}
	t.publishOrphan(orphan)
	if err := t.commit(ctx, tx); err != nil {
		t.retractOrphan(orphan)
		return false, err
	}
	return false, nil
}

// Link adds another name for a non-directory node.
func (t *Tree) Link(ctx context.Context, ino, parent Ino, name string) (*Node, error) {
	if err := common.ValidateName(name); err != nil {
		return nil, err
	}
	unlock := t.locks.lock(ino, parent)
	defer unlock()
	v := t.Capture()
	defer v.Release()

	n := v.Get(ino)
	if n == nil {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
	}
	if n.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", ino, common.ErrIsDir)
	}
	p, err := dirNode(v, parent)
	if err != nil {
		return nil, err
	}
	key := v.Key(name)
	if _, ok := p.Dir.Get(key); ok {
		return nil, fmt.Errorf("%s: %w", name, common.ErrExists)
	}

	now := time.Now()
	nc := n.clone()
	nc.Attr.Nlink++
	nc.Attr.Ctime = now
	pc := p.clone()
	pc.Dir = p.Dir.With(Dirent{Key: key, Name: name, Ino: ino, Kind: n.Kind})
	stamp(&pc.Attr, now)
	if err := t.commit(ctx, txn{puts: []*Node{pc, nc}}); err != nil {
		return nil, err
	}
	return nc, nil
}

// Update publishes a modified copy of a node. fn receives a private clone it
// may change freely (use SetStream to swap streams); returning an error
// abandons the change. Pending-deletion nodes are updated in place of their
// orphan entry.
func (t *Tree) Update(ctx context.Context, ino Ino, fn func(*Node) error) (*Node, error) {
	unlock := t.locks.lock(ino)
	defer unlock()
	v := t.Capture()
	defer v.Release()

	cur, orphan := v.Get(ino), false
	if cur == nil {
		o, ok := t.orphans.Load(ino)
		if !ok {
			return nil, fmt.Errorf("inode %d: %w", ino, common.ErrNotFound)
		}
		cur, orphan = o, true
	}

	nc := cur.clone()
	if err := fn(nc); err != nil {
		t.discard(nc)
		return nil, err
	}
	if nc.Ino != cur.Ino || nc.Kind != cur.Kind {
		t.discard(nc)
		err := common.Invariant("update of inode %d changed its identity", ino)
		t.report(err)
		return nil, err
	}

	if orphan {
		if err := ctx.Err(); err != nil {
			t.discard(nc)
			return nil, err
		}
		t.orphans.Store(ino, nc)
		t.discard(cur)
		return nc, nil
	}
	if err := t.commit(ctx, txn{puts: []*Node{nc}}); err != nil {
		return nil, err
	}
	return nc, nil
}

// Pin records an open handle on ino. It fails with NotFound once the node is
// gone, which orders opens against concurrent removals.
func (t *Tree) Pin(ino Ino) error {
	unlock := t.locks.lock(ino)
	defer unlock()
	if _, err := t.Get(ino); err != nil {
		return err
	}
	t.pins.Compute(ino, func(old int, _ bool) (int, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})
	return nil
}

// Unpin drops an open-handle record. The last Unpin of a pending-deletion
// node reclaims it and reports true.
func (t *Tree) Unpin(ino Ino) bool {
	unlock := t.locks.lock(ino)
	defer unlock()

	left := -1
	t.pins.Compute(ino, func(old int, loaded bool) (int, xsync.ComputeOp) {
		if !loaded {
			return 0, xsync.CancelOp
		}
		left = old - 1
		if left <= 0 {
			return 0, xsync.DeleteOp
		}
		return left, xsync.UpdateOp
	})
	if left < 0 {
		t.report(common.Invariant("unpin of inode %d without open handles", ino))
		return false
	}
	if left > 0 {
		return false
	}
	if n, ok := t.orphans.LoadAndDelete(ino); ok {
		log.Debugf("[Tree] reclaiming inode %d after last close", ino)
		t.discard(n)
		return true
	}
	return false
}

// OpenCount is the number of handles pinning ino.
func (t *Tree) OpenCount(ino Ino) int {
	n, _ := t.pins.Load(ino)
	return n
}

// IsOrphan reports whether ino is pending deletion.
func (t *Tree) IsOrphan(ino Ino) bool {
	_, ok := t.orphans.Load(ino)
	return ok
}

// Stats is a point-in-time view of a tree.
type Stats struct {
	Nodes   int
	Orphans int
	Pinned  int
	Gen     uint64
}

func (t *Tree) Stats() Stats {
	v := t.Capture()
	defer v.Release()
	return Stats{
		Nodes:   v.Count(),
		Orphans: t.orphans.Size(),
		Pinned:  t.pins.Size(),
		Gen:     v.Gen(),
	}
}

// Close releases the current version and every orphan. Later mutations fail.
func (t *Tree) Close() {
	if t.closed.Swap(true) {
		return
	}
	t.orphans.Range(func(ino Ino, n *Node) bool {
		t.orphans.Delete(ino)
		t.discard(n)
		return true
	})
	t.pins.Clear()
	t.mu.Lock()
	v := t.cur
	empty := &Version{height: 1, gen: v.gen + 1, fold: v.fold, report: v.report}
	empty.refs.Store(1)
	t.cur = empty
	t.mu.Unlock()
	v.Release()
}
