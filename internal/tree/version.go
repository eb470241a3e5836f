package tree

import (
	"fmt"
	"sync/atomic"

	"agentfs/internal/common"
)

// Version is an immutable, reference counted root of the inode map. A branch
// advances through versions; a snapshot is a retained version.
type Version struct {
	refs   atomic.Int32
	root   *trieNode
	height int
	count  int
	maxIno Ino
	gen    uint64
	fold   bool

	report func(error)
}

// Retain adds a reference and returns v.
func (v *Version) Retain() *Version {
	v.refs.Add(1)
	return v
}

// Release drops a reference. The last release frees every trie node and node
// not shared with another version.
func (v *Version) Release() {
	r := v.refs.Add(-1)
	if r > 0 {
		return
	}
	if r < 0 {
		v.reportf("version %d released too often", v.gen)
		return
	}
	bad := 0
	releaseTrie(v.root, &bad)
	if bad > 0 {
		v.reportf("%d nodes over-released while freeing version %d", bad, v.gen)
	}
}

func (v *Version) reportf(format string, args ...any) {
	if v.report != nil {
		v.report(common.Invariant(format, args...))
	}
}

// Get returns the node for ino, or nil.
func (v *Version) Get(ino Ino) *Node {
	return trieGet(v.root, v.height, ino)
}

// Count is the number of nodes in the version.
func (v *Version) Count() int { return v.count }

// Gen increases with every commit of the owning tree.
func (v *Version) Gen() uint64 { return v.gen }

// MaxIno is the largest inode ever stored in this version's lineage.
func (v *Version) MaxIno() Ino { return v.maxIno }

// CaseInsensitive reports the name policy the version was built with.
func (v *Version) CaseInsensitive() bool { return v.fold }

// Key maps a name to its directory key under the version's name policy.
func (v *Version) Key(name string) string { return nameKey(name, v.fold) }

// Lookup resolves name inside the directory parent.
func (v *Version) Lookup(parent Ino, name string) (*Node, error) {
	p := v.Get(parent)
	if p == nil {
		return nil, fmt.Errorf("inode %d: %w", parent, common.ErrNotFound)
	}
	if !p.IsDir() {
		return nil, fmt.Errorf("inode %d: %w", parent, common.ErrNotDir)
	}
	e, ok := p.Dir.Get(v.Key(name))
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, common.ErrNotFound)
	}
	n := v.Get(e.Ino)
	if n == nil {
		err := common.Invariant("entry %q in directory %d points at missing inode %d", name, parent, e.Ino)
		if v.report != nil {
			v.report(err)
		}
		return nil, err
	}
	return n, nil
}

// Resolve walks a normalized relative path ("" is the root). Symlinks are
// returned as-is, never followed.
func (v *Version) Resolve(p string) (*Node, error) {
	n := v.Get(RootIno)
	if n == nil {
		return nil, common.Invariant("version %d has no root", v.gen)
	}
	for _, part := range common.SplitPath(p) {
		next, err := v.Lookup(n.Ino, part)
		if err != nil {
			return nil, err
		}
		n = next
	}
	return n, nil
}

// txn is the set of node changes applied by one commit.
type txn struct {
	puts []*Node // each carries a reference transferred to the new version
	dels []Ino
}

// apply derives a new version from v. v itself is left unchanged.
func (v *Version) apply(tx txn) *Version {
	b := newTrieBuilder(v.root, v.height)
	nv := &Version{count: v.count, maxIno: v.maxIno, gen: v.gen + 1, fold: v.fold, report: v.report}
	for _, n := range tx.puts {
		if !b.set(n.Ino, n) {
			nv.count++
		}
		nv.maxIno = max(nv.maxIno, n.Ino)
	}
	for _, ino := range tx.dels {
		if b.set(ino, nil) {
			nv.count--
		}
	}
	if b.bad > 0 {
		v.reportf("%d nodes over-released while committing version %d", b.bad, nv.gen)
	}
	nv.root, nv.height = b.root, b.height
	nv.refs.Store(1)
	return nv
}
