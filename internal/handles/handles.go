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

// Package handles keeps the open-handle and byte-range lock state of a branch.
package handles

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/tree"
)

// ID identifies a handle. IDs are unique across every table sharing a Limits.
type ID uint64

// Access is the set of operations a handle was opened for.
type Access uint8

const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessDelete
)

// Share is the set of operations a handle allows other handles on the same
// object to perform.
type Share uint8

const (
	ShareRead Share = 1 << iota
	ShareWrite
	ShareDelete

	ShareNone Share = 0
	// ShareAll is the POSIX behavior: opens never conflict.
	ShareAll = ShareRead | ShareWrite | ShareDelete
	// DenyWrite allows other readers and deleters but no writers.
	DenyWrite = ShareRead | ShareDelete
)

// allows reports whether s permits every access in a.
func (s Share) allows(a Access) bool {
	return Access(s)&a == a
}

// DefaultMaxHandles is the engine-wide open handle limit.
const DefaultMaxHandles = 10000

// Limits is the state shared by all handle tables of an engine instance: the
// handle id sequence and the open handle budget.
type Limits struct {
	max  int64
	next atomic.Uint64
	open atomic.Int64
}

func NewLimits(maxHandles int) *Limits {
	if maxHandles <= 0 {
		maxHandles = DefaultMaxHandles
	}
	return &Limits{max: int64(maxHandles)}
}

// Open is the number of open handles across all tables.
func (l *Limits) Open() int { return int(l.open.Load()) }

// Max is the configured limit.
func (l *Limits) Max() int { return int(l.max) }

// Request describes an open.
type Request struct {
	Ino    tree.Ino
	Stream string
	Owner  common.Identity
	Access Access
	Share  Share
	Append bool
	Dir    bool
}

// Handle is one open instance of a node.
type Handle struct {
	ID     ID
	Ino    tree.Ino
	Stream string
	Owner  common.Identity
	Access Access
	Share  Share
	Append bool
	Dir    bool

	mu     sync.Mutex
	offset int64
	cursor string // last directory key returned by ReadDir
	closed atomic.Bool
}

func (h *Handle) CanRead() bool  { return h.Access&AccessRead != 0 }
func (h *Handle) CanWrite() bool { return h.Access&AccessWrite != 0 }

// Closed reports whether the handle has been closed.
func (h *Handle) Closed() bool { return h.closed.Load() }

// Offset returns the cursor used by sequential reads and writes.
func (h *Handle) Offset() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// SetOffset moves the cursor.
func (h *Handle) SetOffset(off int64) {
	h.mu.Lock()
	h.offset = off
	h.mu.Unlock()
}

// Cursor returns the directory enumeration position.
func (h *Handle) Cursor() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// SetCursor records the directory enumeration position.
func (h *Handle) SetCursor(key string) {
	h.mu.Lock()
	h.cursor = key
	h.mu.Unlock()
}

type key struct {
	ino    tree.Ino
	stream string
}

// Table holds the handles and locks of one branch.
type Table struct {
	limits *Limits

	mu      sync.RWMutex
	handles map[ID]*Handle
	byKey   map[key][]*Handle
	locks   map[key]lockList
}

func NewTable(limits *Limits) *Table {
	return &Table{
		limits:  limits,
		handles: make(map[ID]*Handle),
		byKey:   make(map[key][]*Handle),
		locks:   make(map[key]lockList),
	}
}

// Open registers a new handle after checking share modes in both directions:
// the new access must be shared by every existing handle, and every existing
// handle's access must be shared by the new one.
func (t *Table) Open(req Request) (*Handle, error) {
	k := key{req.Ino, req.Stream}

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, h := range t.byKey[k] {
		if !h.Share.allows(req.Access) || !req.Share.allows(h.Access) {
			return nil, fmt.Errorf("inode %d held by handle %d: %w", req.Ino, h.ID, common.ErrSharingViolation)
		}
	}
	// Delete access is checked against every stream of the node.
	if req.Access&AccessDelete != 0 {
		for k2, hs := range t.byKey {
			if k2.ino != req.Ino || k2 == k {
				continue
			}
			for _, h := range hs {
				if !h.Share.allows(AccessDelete) {
					return nil, fmt.Errorf("inode %d held by handle %d: %w", req.Ino, h.ID, common.ErrSharingViolation)
				}
			}
		}
	}

	if n := t.limits.open.Add(1); n > t.limits.max {
		t.limits.open.Add(-1)
		return nil, fmt.Errorf("%w: open handle limit of %d reached", common.ErrOutOfSpace, t.limits.max)
	}
	h := &Handle{
		ID:     ID(t.limits.next.Add(1)),
		Ino:    req.Ino,
		Stream: req.Stream,
		Owner:  req.Owner,
		Access: req.Access,
		Share:  req.Share,
		Append: req.Append,
		Dir:    req.Dir,
	}
	t.handles[h.ID] = h
	t.byKey[k] = append(t.byKey[k], h)
	return h, nil
}

// Get returns an open handle.
func (t *Table) Get(id ID) (*Handle, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handles[id]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", id, common.ErrStaleHandle)
	}
	return h, nil
}

// Close removes a handle and every lock it holds.
func (t *Table) Close(id ID) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked(id)
}

func (t *Table) closeLocked(id ID) (*Handle, error) {
	h, ok := t.handles[id]
	if !ok {
		return nil, fmt.Errorf("handle %d: %w", id, common.ErrStaleHandle)
	}
	delete(t.handles, id)
	k := key{h.Ino, h.Stream}
	t.byKey[k] = slices.DeleteFunc(t.byKey[k], func(o *Handle) bool { return o == h })
	if len(t.byKey[k]) == 0 {
		delete(t.byKey, k)
	}
	t.dropLocksLocked(k, func(l Lock) bool { return l.Handle == id })
	h.closed.Store(true)
	t.limits.open.Add(-1)
	return h, nil
}

// CheckDelete fails with SharingViolation if any open handle on ino does not
// share delete access.
func (t *Table) CheckDelete(ino tree.Ino) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for k, hs := range t.byKey {
		if k.ino != ino {
			continue
		}
		for _, h := range hs {
			if !h.Share.allows(AccessDelete) {
				return fmt.Errorf("inode %d held by handle %d: %w", ino, h.ID, common.ErrSharingViolation)
			}
		}
	}
	return nil
}

// Count is the number of open handles on one stream of ino.
func (t *Table) Count(ino tree.Ino, stream string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byKey[key{ino, stream}])
}

// OwnerHandles returns the open handles of an identity.
func (t *Table) OwnerHandles(who common.Identity) []*Handle {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []*Handle
	for _, h := range t.handles {
		if h.Owner == who {
			out = append(out, h)
		}
	}
	slices.SortFunc(out, func(a, b *Handle) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Owners returns the distinct identities holding handles in the table.
func (t *Table) Owners() []common.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	seen := make(map[common.Identity]struct{})
	for _, h := range t.handles {
		seen[h.Owner] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// ReleaseOwner closes every handle of an identity, dropping their locks. It
// is the response to abnormal termination of a process or session.
func (t *Table) ReleaseOwner(who common.Identity) []*Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	var closed []*Handle
	for id, h := range t.handles {
		if h.Owner != who {
			continue
		}
		if _, err := t.closeLocked(id); err == nil {
			closed = append(closed, h)
		}
	}
	if len(closed) > 0 {
		log.Debugf("[Handles] released %d handles of %s", len(closed), who)
	}
	return closed
}

// Len is the number of open handles in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handles)
}
