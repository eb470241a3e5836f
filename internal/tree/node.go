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

package tree

import (
	"fmt"
	"maps"
	"slices"
	"sync/atomic"
	"time"

	"agentfs/internal/storage"
)

// Ino identifies a node within a tree and every version derived from it.
type Ino uint64

// RootIno is the inode of the root directory.
const RootIno Ino = 1

// Kind is the type of a filesystem object.
type Kind uint8

const (
	// KindFile is a regular file
	KindFile Kind = iota + 1
	// KindDir is a directory
	KindDir
	// KindSymlink is a symbolic link
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Attr holds the metadata of a node. Mode carries permission bits only.
type Attr struct {
	Mode  uint32
	UID   uint32
	GID   uint32
	Nlink uint32
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
	Btime time.Time
}

// Node is one published version of a filesystem object. Published nodes are
// never modified; mutations go through Tree.Update, which hands the callback a
// private clone.
//
// A node owns one reference to each of its streams. The node itself is
// reference counted by the trie slots and orphan entries holding it.
type Node struct {
	Ino     Ino
	Kind    Kind
	Attr    Attr
	Data    *storage.Stream            // default stream
	Streams map[string]*storage.Stream // named streams
	Xattrs  map[string][]byte
	Target  string // symlink target
	Dir     *Dir   // directory entries
	Parent  Ino    // parent directory, for directories

	refs  atomic.Int32
	store *storage.Store
}

// NewNode describes a node to create.
type NewNode struct {
	Kind   Kind
	Attr   Attr
	Target string
}

func newNode(store *storage.Store, ino Ino, spec NewNode) *Node {
	n := &Node{Ino: ino, Kind: spec.Kind, Attr: spec.Attr, Target: spec.Target, store: store}
	now := time.Now()
	for _, ts := range []*time.Time{&n.Attr.Atime, &n.Attr.Mtime, &n.Attr.Ctime, &n.Attr.Btime} {
		if ts.IsZero() {
			*ts = now
		}
	}
	n.Attr.Nlink = 1
	if spec.Kind == KindDir {
		n.Attr.Nlink = 2
	}
	n.refs.Store(1)
	return n
}

// IsDir reports whether n is a directory.
func (n *Node) IsDir() bool { return n.Kind == KindDir }

// Size is the length of the default stream for files, the target length for
// symlinks and the entry count for directories.
func (n *Node) Size() int64 {
	switch n.Kind {
	case KindDir:
		return int64(n.Dir.Len())
	case KindSymlink:
		return int64(len(n.Target))
	default:
		return n.Data.Size()
	}
}

// Stream returns the named stream, or the default stream for "".
func (n *Node) Stream(name string) (*storage.Stream, bool) {
	if name == "" {
		return n.Data, true
	}
	st, ok := n.Streams[name]
	return st, ok
}

// StreamNames lists the named streams in sorted order.
func (n *Node) StreamNames() []string {
	return slices.Sorted(maps.Keys(n.Streams))
}

// SetStream replaces a stream and takes ownership of st. The previous stream
// reference is dropped. Only valid on a clone inside Tree.Update.
func (n *Node) SetStream(name string, st *storage.Stream) {
	var old *storage.Stream
	if name == "" {
		old, n.Data = n.Data, st
	} else {
		if n.Streams == nil {
			n.Streams = make(map[string]*storage.Stream)
		}
		old = n.Streams[name]
		n.Streams[name] = st
	}
	n.store.Release(old)
}

// RemoveStream drops a named stream. Only valid inside Tree.Update.
func (n *Node) RemoveStream(name string) bool {
	st, ok := n.Streams[name]
	if !ok {
		return false
	}
	delete(n.Streams, name)
	n.store.Release(st)
	return true
}

// clone returns a private copy holding its own stream references.
func (n *Node) clone() *Node {
	c := &Node{
		Ino:     n.Ino,
		Kind:    n.Kind,
		Attr:    n.Attr,
		Data:    n.store.Retain(n.Data),
		Xattrs:  maps.Clone(n.Xattrs),
		Target:  n.Target,
		Dir:     n.Dir,
		Parent:  n.Parent,
		store:   n.store,
	}
	if len(n.Streams) > 0 {
		c.Streams = make(map[string]*storage.Stream, len(n.Streams))
		for name, st := range n.Streams {
			c.Streams[name] = n.store.Retain(st)
		}
	}
	c.refs.Store(1)
	return c
}

func (n *Node) retain() *Node {
	n.refs.Add(1)
	return n
}

// release drops one reference; the last one frees the node's streams.
// It reports false when the count went negative.
func (n *Node) release() bool {
	switch r := n.refs.Add(-1); {
	case r == 0:
		n.store.Release(n.Data)
		for _, st := range n.Streams {
			n.store.Release(st)
		}
		return true
	case r < 0:
		return false
	}
	return true
}

// Refs returns the current reference count, for diagnostics.
func (n *Node) Refs() int { return int(n.refs.Load()) }
