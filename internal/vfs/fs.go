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

// Package vfs is the operation dispatcher: the single API every OS adapter
// calls. Each call is routed to the branch its caller is bound to, resolves
// paths without locks against a captured version, and leaves linearization
// to the node locks of the tree.
package vfs

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/branch"
	"agentfs/internal/cache"
	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/storage"
	"agentfs/internal/tree"
)

// resolveCacheTTL bounds how long entries of superseded tree generations
// linger. Entries are exact for their generation, so this only trades memory.
const resolveCacheTTL = 5 * time.Second

// resolveCacheMaxEntries caps memory usage.
const resolveCacheMaxEntries = 10000

const (
	DefaultVolumeLabel    = "agentfs"
	DefaultMaxXattrBytes  = 64 << 10
	DefaultMaxStreamBytes = 64 << 20
)

// Options is the mount-time configuration of an FS.
type Options struct {
	CaseInsensitive bool
	VolumeLabel     string

	EnableXattrs bool
	// MaxXattrBytes caps the total size of names and values on one node.
	MaxXattrBytes int
	EnableStreams bool
	// MaxStreamBytes caps the size of each named stream.
	MaxStreamBytes int64

	MaxHandles   int
	MaxBranches  int
	MaxSnapshots int

	// Policy defaults to DefaultPolicy with the process uid and gid.
	Policy SecurityPolicy
	// Reporter receives internal invariant violations. Optional.
	Reporter Reporter
}

// DefaultOptions enables every optional feature with default limits.
func DefaultOptions() Options {
	return Options{
		VolumeLabel:    DefaultVolumeLabel,
		EnableXattrs:   true,
		MaxXattrBytes:  DefaultMaxXattrBytes,
		EnableStreams:  true,
		MaxStreamBytes: DefaultMaxStreamBytes,
	}
}

// FS dispatches filesystem operations onto branches.
type FS struct {
	store    *storage.Store
	mgr      *branch.Manager
	opts     Options
	policy   SecurityPolicy
	reporter Reporter

	// open indexes every open handle of every branch; handle ids are unique
	// across branches.
	open *xsync.Map[handles.ID, *openFile]

	resolved *cache.ResolveCache
}

// New creates an engine over store with an empty default branch.
func New(store *storage.Store, opts Options) *FS {
	if opts.VolumeLabel == "" {
		opts.VolumeLabel = DefaultVolumeLabel
	}
	if opts.MaxXattrBytes <= 0 {
		opts.MaxXattrBytes = DefaultMaxXattrBytes
	}
	if opts.MaxStreamBytes <= 0 {
		opts.MaxStreamBytes = DefaultMaxStreamBytes
	}
	if opts.Policy == nil {
		opts.Policy = DefaultPolicy{UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
	}
	if opts.Reporter == nil {
		opts.Reporter = nopReporter{}
	}
	fs := &FS{
		store:    store,
		opts:     opts,
		policy:   opts.Policy,
		reporter: opts.Reporter,
		open:     xsync.NewMap[handles.ID, *openFile](),
		resolved: cache.NewResolveCache(resolveCacheTTL, resolveCacheMaxEntries),
	}
	uid, gid := opts.Policy.Owner(common.Anonymous)
	fs.mgr = branch.NewManager(store, handles.NewLimits(opts.MaxHandles), branch.Options{
		MaxBranches:  opts.MaxBranches,
		MaxSnapshots: opts.MaxSnapshots,
		Tree: tree.Options{
			CaseInsensitive: opts.CaseInsensitive,
			Root:            tree.Attr{Mode: 0o755, UID: uid, GID: gid},
			Report:          fs.reporter.Invariant,
		},
		Report: fs.reporter.Invariant,
	})
	log.Debugf("[VFS] volume %q ready (case-insensitive=%v xattrs=%v streams=%v)",
		opts.VolumeLabel, opts.CaseInsensitive, opts.EnableXattrs, opts.EnableStreams)
	return fs
}

// Manager returns the snapshot/branch manager, for the control plane.
func (fs *FS) Manager() *branch.Manager { return fs.mgr }

// Store returns the data store.
func (fs *FS) Store() *storage.Store { return fs.store }

// Options returns the effective configuration.
func (fs *FS) Options() Options { return fs.opts }

// Shutdown releases every branch and snapshot. The store is left open.
func (fs *FS) Shutdown() {
	fs.open.Clear()
	fs.resolved.Invalidate()
	fs.mgr.Close()
}

// Branch returns the branch serving who.
func (fs *FS) Branch(who common.Identity) branch.ID {
	return fs.mgr.Resolve(who).ID
}

// ForgetBranch drops cached state of a deleted branch.
func (fs *FS) ForgetBranch(id branch.ID) {
	fs.resolved.InvalidateBranch(uint64(id))
}

// --- Namespace Operations ---

// Getattr returns the attributes of path.
func (fs *FS) Getattr(ctx context.Context, who common.Identity, path string) (attrs Attributes, err error) {
	defer fs.recoverPanic("Getattr", &err)
	n, err := fs.lookup(fs.mgr.Resolve(who), path)
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, ""), nil
}

// Setattr changes the selected attributes of path.
func (fs *FS) Setattr(ctx context.Context, who common.Identity, path string, sa SetAttr) (attrs Attributes, err error) {
	defer fs.recoverPanic("Setattr", &err)
	b := fs.mgr.Resolve(who)
	n, err := fs.lookup(b, path)
	if err != nil {
		return Attributes{}, err
	}
	return fs.setattr(ctx, b, who, n.Ino, nil, sa)
}

// Truncate sets the size of the file at path.
func (fs *FS) Truncate(ctx context.Context, who common.Identity, path string, size int64) error {
	_, err := fs.Setattr(ctx, who, path, SetAttr{Size: &size})
	return err
}

// Mkdir creates a directory.
func (fs *FS) Mkdir(ctx context.Context, who common.Identity, path string, mode uint32) (attrs Attributes, err error) {
	defer fs.recoverPanic("Mkdir", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Mkdir %q → %v (%v)", path, err, time.Since(start)) }()
	}
	if mode == 0 {
		mode = 0o755
	}
	n, err := fs.create(ctx, who, path, tree.NewNode{Kind: tree.KindDir, Attr: tree.Attr{Mode: mode & 0o7777}})
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, ""), nil
}

// Symlink creates a symbolic link at path pointing to target. The target is
// stored verbatim and never interpreted by the engine.
func (fs *FS) Symlink(ctx context.Context, who common.Identity, target, path string) (attrs Attributes, err error) {
	defer fs.recoverPanic("Symlink", &err)
	n, err := fs.create(ctx, who, path, tree.NewNode{Kind: tree.KindSymlink, Attr: tree.Attr{Mode: 0o777}, Target: target})
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, ""), nil
}

// Readlink returns the target of a symbolic link.
func (fs *FS) Readlink(ctx context.Context, who common.Identity, path string) (target string, err error) {
	defer fs.recoverPanic("Readlink", &err)
	n, err := fs.lookup(fs.mgr.Resolve(who), path)
	if err != nil {
		return "", err
	}
	if n.Kind != tree.KindSymlink {
		return "", fmt.Errorf("%s is not a symlink: %w", path, common.ErrInvalidArgument)
	}
	return n.Target, nil
}

// Unlink removes a non-directory entry. A node that still has open handles
// disappears from the namespace immediately and is reclaimed on last close.
func (fs *FS) Unlink(ctx context.Context, who common.Identity, path string) (err error) {
	defer fs.recoverPanic("Unlink", &err)
	return fs.remove(ctx, who, path, false)
}

// Rmdir removes an empty directory.
func (fs *FS) Rmdir(ctx context.Context, who common.Identity, path string) (err error) {
	defer fs.recoverPanic("Rmdir", &err)
	return fs.remove(ctx, who, path, true)
}

func (fs *FS) remove(ctx context.Context, who common.Identity, path string, wantDir bool) error {
	b := fs.mgr.Resolve(who)
	parent, name, err := fs.parentOf(b, path)
	if err != nil {
		return err
	}
	n, err := b.Tree.Lookup(parent, name)
	if err != nil {
		return err
	}
	if err := fs.policy.Allow(who, n.Attr, handles.AccessDelete); err != nil {
		return err
	}
	if err := b.Handles.CheckDelete(n.Ino); err != nil {
		return err
	}
	_, err = b.Tree.Remove(ctx, parent, name, wantDir)
	return err
}

// Rename moves from to to in one atomic step. With replace unset an existing
// target fails with AlreadyExists.
func (fs *FS) Rename(ctx context.Context, who common.Identity, from, to string, replace bool) (err error) {
	defer fs.recoverPanic("Rename", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Rename %q → %q → %v (%v)", from, to, err, time.Since(start)) }()
	}
	b := fs.mgr.Resolve(who)
	sp, sn, err := fs.parentOf(b, from)
	if err != nil {
		return err
	}
	dp, dn, err := fs.parentOf(b, to)
	if err != nil {
		return err
	}
	src, err := b.Tree.Lookup(sp, sn)
	if err != nil {
		return err
	}
	if err := fs.policy.Allow(who, src.Attr, handles.AccessDelete); err != nil {
		return err
	}
	if err := b.Handles.CheckDelete(src.Ino); err != nil {
		return err
	}
	if dst, err := b.Tree.Lookup(dp, dn); err == nil && dst.Ino != src.Ino && replace {
		if err := b.Handles.CheckDelete(dst.Ino); err != nil {
			return err
		}
	}
	return b.Tree.Rename(ctx, sp, sn, dp, dn, replace)
}

// Link adds newPath as another name for the non-directory at existing.
func (fs *FS) Link(ctx context.Context, who common.Identity, existing, newPath string) (attrs Attributes, err error) {
	defer fs.recoverPanic("Link", &err)
	b := fs.mgr.Resolve(who)
	n, err := fs.lookup(b, existing)
	if err != nil {
		return Attributes{}, err
	}
	parent, name, err := fs.parentOf(b, newPath)
	if err != nil {
		return Attributes{}, err
	}
	if err := fs.allowIno(b, who, parent, handles.AccessWrite); err != nil {
		return Attributes{}, err
	}
	n, err = b.Tree.Link(ctx, n.Ino, parent, name)
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, ""), nil
}

// Capacity reports the memory budget plus spill space as one volume.
func (fs *FS) Capacity(ctx context.Context) (Capacity, error) {
	if err := ctx.Err(); err != nil {
		return Capacity{}, err
	}
	c, err := fs.store.Capacity()
	if err != nil {
		return Capacity{}, err
	}
	return Capacity{
		Label:           fs.opts.VolumeLabel,
		BlockSize:       fs.store.BlockSize(),
		TotalBytes:      c.TotalBytes,
		FreeBytes:       c.FreeBytes,
		MaxNameLen:      common.MaxNameLen,
		CaseInsensitive: fs.opts.CaseInsensitive,
	}, nil
}

// ProcessExited releases every handle and lock of who on every branch and
// drops its branch binding. It returns the number of handles released.
func (fs *FS) ProcessExited(ctx context.Context, who common.Identity) int {
	released := 0
	fs.mgr.Each(func(b *branch.Branch) bool {
		for _, h := range b.Handles.ReleaseOwner(who) {
			fs.open.Delete(h.ID)
			b.Tree.Unpin(h.Ino)
			released++
		}
		return true
	})
	fs.mgr.Unbind(who)
	if released > 0 {
		log.Infof("[VFS] %s exited, released %d handles", who, released)
	}
	return released
}

// Identities returns every identity that holds open handles or a branch
// binding.
func (fs *FS) Identities() []common.Identity {
	seen := make(map[common.Identity]struct{})
	for who := range fs.mgr.Bindings() {
		seen[who] = struct{}{}
	}
	fs.mgr.Each(func(b *branch.Branch) bool {
		for _, who := range b.Handles.Owners() {
			seen[who] = struct{}{}
		}
		return true
	})
	return slices.Sorted(maps.Keys(seen))
}

// Stats aggregates the manager, tree and store counters of the engine.
type Stats struct {
	Manager  branch.Stats
	Store    storage.Stats
	Nodes    int
	Orphans  int
	Resolver cache.ResolveCacheStats
}

// Stats returns a point-in-time view of the engine. Counters are read
// independently and may be mutually inconsistent under load.
func (fs *FS) Stats() Stats {
	st := Stats{
		Manager:  fs.mgr.Stats(),
		Store:    fs.store.Stats(),
		Resolver: fs.resolved.Stats(),
	}
	fs.mgr.Each(func(b *branch.Branch) bool {
		ts := b.Tree.Stats()
		st.Nodes += ts.Nodes
		st.Orphans += ts.Orphans
		return true
	})
	return st
}
