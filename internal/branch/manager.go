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

// Package branch manages snapshots and branches of the tree and routes
// identities to branches.
package branch

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/storage"
	"agentfs/internal/tree"
)

// ID identifies a branch.
type ID uint64

// SnapshotID identifies a snapshot.
type SnapshotID uint64

const (
	// DefaultBranchID is the branch unbound identities are routed to.
	DefaultBranchID ID = 1
	// DefaultBranchName is the name of the default branch.
	DefaultBranchName = "main"

	DefaultMaxBranches  = 1000
	DefaultMaxSnapshots = 10000
)

// Branch is a mutable root with its own handle and lock state.
type Branch struct {
	ID           ID
	Name         string
	Origin       SnapshotID // snapshot the branch was created from, 0 if none
	OriginBranch ID         // branch whose live state seeded this one, 0 if none
	CreatedAt    time.Time

	Tree    *tree.Tree
	Handles *handles.Table
}

// BranchInfo describes a branch.
type BranchInfo struct {
	ID           ID
	Name         string
	Origin       SnapshotID
	OriginBranch ID
	CreatedAt    time.Time
	Nodes        int
	OpenHandles  int
}

func (b *Branch) info() BranchInfo {
	return BranchInfo{
		ID:           b.ID,
		Name:         b.Name,
		Origin:       b.Origin,
		OriginBranch: b.OriginBranch,
		CreatedAt:    b.CreatedAt,
		Nodes:        b.Tree.Stats().Nodes,
		OpenHandles:  b.Handles.Len(),
	}
}

// snapshot is an immutable retained version.
type snapshot struct {
	id        SnapshotID
	name      string
	createdAt time.Time
	branch    ID
	version   *tree.Version
}

// SnapshotInfo describes a snapshot.
type SnapshotInfo struct {
	ID        SnapshotID
	Name      string
	CreatedAt time.Time
	BranchID  ID
}

func (s *snapshot) info() SnapshotInfo {
	return SnapshotInfo{ID: s.id, Name: s.name, CreatedAt: s.createdAt, BranchID: s.branch}
}

// Source selects what a new branch is rooted at: a snapshot, or the live
// state of a branch when Current is set.
type Source struct {
	Snapshot SnapshotID
	Current  bool
	Branch   ID
}

// Options configures a Manager.
type Options struct {
	MaxBranches  int
	MaxSnapshots int
	// Tree configures the default branch's tree.
	Tree tree.Options
	// Report receives internal invariant violations. Optional.
	Report func(error)
}

// Manager owns every branch and snapshot of an engine instance.
type Manager struct {
	store  *storage.Store
	limits *handles.Limits
	opts   Options

	mu         sync.RWMutex
	branches   map[ID]*Branch
	byName     map[string]ID
	snapshots  []*snapshot // ascending id
	snapNames  map[string]SnapshotID
	nextBranch ID
	nextSnap   SnapshotID

	bindings *xsync.Map[common.Identity, ID]
}

// NewManager creates a manager with an empty default branch.
func NewManager(store *storage.Store, limits *handles.Limits, opts Options) *Manager {
	if opts.MaxBranches <= 0 {
		opts.MaxBranches = DefaultMaxBranches
	}
	if opts.MaxSnapshots <= 0 {
		opts.MaxSnapshots = DefaultMaxSnapshots
	}
	m := &Manager{
		store:      store,
		limits:     limits,
		opts:       opts,
		branches:   make(map[ID]*Branch),
		byName:     make(map[string]ID),
		snapNames:  make(map[string]SnapshotID),
		nextBranch: DefaultBranchID,
		bindings:   xsync.NewMap[common.Identity, ID](),
	}
	m.addLocked(DefaultBranchName, tree.New(store, opts.Tree), 0, 0)
	return m
}

func (m *Manager) addLocked(name string, t *tree.Tree, origin SnapshotID, originBranch ID) *Branch {
	b := &Branch{
		ID:           m.nextBranch,
		Name:         name,
		Origin:       origin,
		OriginBranch: originBranch,
		CreatedAt:    time.Now(),
		Tree:         t,
		Handles:      handles.NewTable(m.limits),
	}
	if b.Name == "" {
		b.Name = fmt.Sprintf("branch-%d", b.ID)
	}
	m.nextBranch++
	m.branches[b.ID] = b
	m.byName[b.Name] = b.ID
	return b
}

// Default returns the default branch.
func (m *Manager) Default() *Branch {
	b, _ := m.Branch(DefaultBranchID)
	return b
}

// Branch returns a branch by id.
func (m *Manager) Branch(id ID) (*Branch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.branches[id]
	if !ok {
		return nil, fmt.Errorf("branch %d: %w", id, common.ErrNotFound)
	}
	return b, nil
}

// CreateSnapshot captures the live root of a branch. Only the root pointer is
// copied; the branch keeps accepting writes immediately.
func (m *Manager) CreateSnapshot(ctx context.Context, branchID ID, name string) (SnapshotInfo, error) {
	if err := ctx.Err(); err != nil {
		return SnapshotInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.branches[branchID]
	if !ok {
		return SnapshotInfo{}, fmt.Errorf("branch %d: %w", branchID, common.ErrNotFound)
	}
	if name != "" {
		if _, taken := m.snapNames[name]; taken {
			return SnapshotInfo{}, fmt.Errorf("snapshot %q: %w", name, common.ErrExists)
		}
	}
	if len(m.snapshots) >= m.opts.MaxSnapshots {
		return SnapshotInfo{}, fmt.Errorf("%w: snapshot limit of %d reached", common.ErrOutOfSpace, m.opts.MaxSnapshots)
	}

	m.nextSnap++
	s := &snapshot{
		id:        m.nextSnap,
		name:      name,
		createdAt: time.Now(),
		branch:    b.ID,
		version:   b.Tree.Capture(),
	}
	m.snapshots = append(m.snapshots, s)
	if name != "" {
		m.snapNames[name] = s.id
	}
	log.Infof("[Branch] snapshot %d (%q) of branch %s at generation %d", s.id, name, b.Name, s.version.Gen())
	return s.info(), nil
}

func (m *Manager) snapshotIndexLocked(id SnapshotID) (int, bool) {
	return slices.BinarySearchFunc(m.snapshots, id, func(s *snapshot, id SnapshotID) int {
		return cmp.Compare(s.id, id)
	})
}

// Snapshots yields snapshots with ids greater than after, in id order. The
// sequence is lazy: each step re-reads the manager state, so snapshots created
// or deleted while iterating are observed, and a consumer can resume from the
// last id it saw.
func (m *Manager) Snapshots(after SnapshotID) iter.Seq[SnapshotInfo] {
	return func(yield func(SnapshotInfo) bool) {
		cursor := after
		for {
			m.mu.RLock()
			i := sort.Search(len(m.snapshots), func(i int) bool { return m.snapshots[i].id > cursor })
			if i == len(m.snapshots) {
				m.mu.RUnlock()
				return
			}
			info := m.snapshots[i].info()
			m.mu.RUnlock()

			if !yield(info) {
				return
			}
			cursor = info.ID
		}
	}
}

// ListSnapshots collects up to limit snapshots after the given id. A limit of
// 0 or less returns all of them.
func (m *Manager) ListSnapshots(after SnapshotID, limit int) []SnapshotInfo {
	var out []SnapshotInfo
	for s := range m.Snapshots(after) {
		out = append(out, s)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// SnapshotVersion returns a retained reference to a snapshot's version. The
// caller must Release it.
func (m *Manager) SnapshotVersion(id SnapshotID) (*tree.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.snapshotIndexLocked(id)
	if !ok {
		return nil, fmt.Errorf("snapshot %d: %w", id, common.ErrNotFound)
	}
	return m.snapshots[i].version.Retain(), nil
}

// DeleteSnapshot drops a snapshot. Branches created from it keep their own
// reference to its version.
func (m *Manager) DeleteSnapshot(id SnapshotID) error {
	m.mu.Lock()
	i, ok := m.snapshotIndexLocked(id)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("snapshot %d: %w", id, common.ErrNotFound)
	}
	s := m.snapshots[i]
	m.snapshots = slices.Delete(m.snapshots, i, i+1)
	if s.name != "" {
		delete(m.snapNames, s.name)
	}
	m.mu.Unlock()

	s.version.Release()
	log.Infof("[Branch] deleted snapshot %d", id)
	return nil
}

// CreateBranch creates a branch rooted at a snapshot or at the live state of
// a branch. The new branch starts with an empty handle table.
func (m *Manager) CreateBranch(ctx context.Context, src Source, name string) (BranchInfo, error) {
	if err := ctx.Err(); err != nil {
		return BranchInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if name != "" {
		if _, taken := m.byName[name]; taken {
			return BranchInfo{}, fmt.Errorf("branch %q: %w", name, common.ErrExists)
		}
	}
	if len(m.branches) >= m.opts.MaxBranches {
		return BranchInfo{}, fmt.Errorf("%w: branch limit of %d reached", common.ErrOutOfSpace, m.opts.MaxBranches)
	}

	var (
		v            *tree.Version
		origin       SnapshotID
		originBranch ID
	)
	if src.Current {
		id := src.Branch
		if id == 0 {
			id = DefaultBranchID
		}
		b, ok := m.branches[id]
		if !ok {
			return BranchInfo{}, fmt.Errorf("branch %d: %w", id, common.ErrNotFound)
		}
		v, originBranch = b.Tree.Capture(), b.ID
	} else {
		i, ok := m.snapshotIndexLocked(src.Snapshot)
		if !ok {
			return BranchInfo{}, fmt.Errorf("snapshot %d: %w", src.Snapshot, common.ErrNotFound)
		}
		s := m.snapshots[i]
		v, origin = s.version.Retain(), s.id
	}
	t := tree.FromVersion(m.store, v, m.opts.Report)
	v.Release()

	b := m.addLocked(name, t, origin, originBranch)
	log.Infof("[Branch] created branch %d (%s) from snapshot=%d branch=%d", b.ID, b.Name, origin, originBranch)
	return b.info(), nil
}

// DeleteBranch tears a branch down. It fails with Conflict while handles are
// open on it; identities bound to it fall back to the default branch.
func (m *Manager) DeleteBranch(ctx context.Context, id ID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if id == DefaultBranchID {
		return fmt.Errorf("%w: the default branch cannot be deleted", common.ErrInvalidArgument)
	}
	m.mu.Lock()
	b, ok := m.branches[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("branch %d: %w", id, common.ErrNotFound)
	}
	if n := b.Handles.Len(); n > 0 {
		m.mu.Unlock()
		return fmt.Errorf("branch %d has %d open handles: %w", id, n, common.ErrConflict)
	}
	delete(m.branches, id)
	delete(m.byName, b.Name)
	m.mu.Unlock()

	m.bindings.Range(func(who common.Identity, bound ID) bool {
		if bound == id {
			m.bindings.Delete(who)
		}
		return true
	})
	b.Tree.Close()
	log.Infof("[Branch] deleted branch %d (%s)", id, b.Name)
	return nil
}

// Branches lists every branch in id order.
func (m *Manager) Branches() []BranchInfo {
	m.mu.RLock()
	infos := lo.MapToSlice(m.branches, func(_ ID, b *Branch) BranchInfo { return b.info() })
	m.mu.RUnlock()
	slices.SortFunc(infos, func(a, b BranchInfo) int { return cmp.Compare(a.ID, b.ID) })
	return infos
}

// Bind routes an identity to a branch. An identity holding open handles on
// another branch cannot be moved.
func (m *Manager) Bind(id ID, who common.Identity) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.branches[id]; !ok {
		return fmt.Errorf("branch %d: %w", id, common.ErrNotFound)
	}
	for _, b := range m.branches {
		if b.ID == id {
			continue
		}
		if hs := b.Handles.OwnerHandles(who); len(hs) > 0 {
			return fmt.Errorf("%s holds %d open handles on branch %d: %w", who, len(hs), b.ID, common.ErrConflict)
		}
	}
	m.bindings.Store(who, id)
	log.Debugf("[Branch] bound %s to branch %d", who, id)
	return nil
}

// Unbind returns an identity to the default branch. It reports whether a
// binding existed.
func (m *Manager) Unbind(who common.Identity) bool {
	_, ok := m.bindings.LoadAndDelete(who)
	return ok
}

// Bound returns the branch an identity is explicitly bound to.
func (m *Manager) Bound(who common.Identity) (ID, bool) {
	return m.bindings.Load(who)
}

// Bindings returns a copy of every explicit identity binding.
func (m *Manager) Bindings() map[common.Identity]ID {
	out := make(map[common.Identity]ID, m.bindings.Size())
	m.bindings.Range(func(who common.Identity, id ID) bool {
		out[who] = id
		return true
	})
	return out
}

// Resolve returns the branch serving an identity.
func (m *Manager) Resolve(who common.Identity) *Branch {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if id, ok := m.bindings.Load(who); ok {
		if b, ok := m.branches[id]; ok {
			return b
		}
	}
	return m.branches[DefaultBranchID]
}

// Each calls fn for every branch until it returns false.
func (m *Manager) Each(fn func(*Branch) bool) {
	m.mu.RLock()
	bs := lo.Values(m.branches)
	m.mu.RUnlock()
	slices.SortFunc(bs, func(a, b *Branch) int { return cmp.Compare(a.ID, b.ID) })
	for _, b := range bs {
		if !fn(b) {
			return
		}
	}
}

// Stats is a point-in-time view of the manager.
type Stats struct {
	Branches     int
	Snapshots    int
	Bindings     int
	OpenHandles  int
	MaxHandles   int
	MaxBranches  int
	MaxSnapshots int
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Stats{
		Branches:     len(m.branches),
		Snapshots:    len(m.snapshots),
		Bindings:     m.bindings.Size(),
		OpenHandles:  m.limits.Open(),
		MaxHandles:   m.limits.Max(),
		MaxBranches:  m.opts.MaxBranches,
		MaxSnapshots: m.opts.MaxSnapshots,
	}
}

// Close releases every snapshot and branch.
func (m *Manager) Close() {
	m.mu.Lock()
	snaps, branches := m.snapshots, lo.Values(m.branches)
	m.snapshots, m.branches = nil, map[ID]*Branch{}
	clear(m.byName)
	clear(m.snapNames)
	m.mu.Unlock()

	for _, s := range snaps {
		s.version.Release()
	}
	for _, b := range branches {
		b.Tree.Close()
	}
	m.bindings.Clear()
}
