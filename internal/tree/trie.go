package tree

import "sync/atomic"

const (
	trieBits   = 5
	trieFanout = 1 << trieBits
	trieMask   = trieFanout - 1
)

// trieNode is one level of the persistent inode map. Interior levels use
// kids, the bottom level uses nodes. Trie nodes are shared between versions
// and reference counted; a shared trie node is never written.
type trieNode struct {
	refs  atomic.Int32
	kids  [trieFanout]*trieNode
	nodes [trieFanout]*Node
}

func trieIndex(ino Ino, level int) int {
	return int(uint64(ino)>>(trieBits*level)) & trieMask
}

// trieCapacity is the number of inodes addressable with the given height.
func trieCapacity(height int) uint64 {
	if height*trieBits >= 64 {
		return ^uint64(0)
	}
	return 1 << (trieBits * height)
}

func trieGet(t *trieNode, height int, ino Ino) *Node {
	if uint64(ino) >= trieCapacity(height) {
		return nil
	}
	for level := height - 1; t != nil && level > 0; level-- {
		t = t.kids[trieIndex(ino, level)]
	}
	if t == nil {
		return nil
	}
	return t.nodes[trieIndex(ino, 0)]
}

// releaseTrie drops a reference to t. Freed trie nodes release their children
// and the nodes they hold. bad counts nodes whose refcount went negative.
func releaseTrie(t *trieNode, bad *int) {
	if t == nil || t.refs.Add(-1) > 0 {
		return
	}
	for _, k := range t.kids {
		releaseTrie(k, bad)
	}
	for _, n := range t.nodes {
		if n != nil && !n.release() {
			*bad++
		}
	}
}

// trieBuilder path-copies a trie. Trie nodes created by the builder are
// private to it and are written in place, so a transaction touching several
// inodes under the same spine copies that spine once.
type trieBuilder struct {
	root   *trieNode
	height int
	owned  map[*trieNode]struct{}
	bad    int
}

// newTrieBuilder starts from root; the builder takes its own reference.
func newTrieBuilder(root *trieNode, height int) *trieBuilder {
	if root != nil {
		root.refs.Add(1)
	}
	return &trieBuilder{root: root, height: height, owned: make(map[*trieNode]struct{})}
}

// own returns a private copy of t. The copy holds references to everything t
// holds; the caller's reference to t is dropped.
func (b *trieBuilder) own(t *trieNode) *trieNode {
	if _, ok := b.owned[t]; ok && t != nil {
		return t
	}
	c := &trieNode{}
	c.refs.Store(1)
	if t != nil {
		c.kids = t.kids
		c.nodes = t.nodes
		for _, k := range c.kids {
			if k != nil {
				k.refs.Add(1)
			}
		}
		for _, n := range c.nodes {
			if n != nil {
				n.retain()
			}
		}
		releaseTrie(t, &b.bad)
	}
	b.owned[c] = struct{}{}
	return c
}

// set stores n (transferring the caller's reference) at ino; a nil n
// deletes. It reports whether a node was previously stored.
func (b *trieBuilder) set(ino Ino, n *Node) bool {
	for uint64(ino) >= trieCapacity(b.height) {
		if n == nil {
			return false
		}
		top := b.own(nil)
		top.kids[0] = b.root
		b.root = top
		b.height++
	}
	b.root = b.own(b.root)
	t := b.root
	for level := b.height - 1; level > 0; level-- {
		i := trieIndex(ino, level)
		if t.kids[i] == nil && n == nil {
			return false
		}
		t.kids[i] = b.own(t.kids[i])
		t = t.kids[i]
	}
	i := trieIndex(ino, 0)
	old := t.nodes[i]
	t.nodes[i] = n
	if old != nil && !old.release() {
		b.bad++
	}
	return old != nil
}
