package vfs

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/tree"
)

// Inode-addressed entry points, for adapters that track their own file ids
// (NFS file handles, FUSE node ids) instead of re-resolving paths. Inode
// numbers are scoped to the caller's branch.

// RootIno is the inode of every branch's root directory.
const RootIno = uint64(tree.RootIno)

// NewEntry describes a node created with CreateChild.
type NewEntry struct {
	Type FileType
	// Mode holds the permission bits; 0 picks 0644 for files and 0755 for
	// directories.
	Mode uint32
	// Target is the symlink target.
	Target string
}

// DirEntryPlus is a directory entry with the attributes of its node.
type DirEntryPlus struct {
	DirEntry
	Attrs Attributes
}

func inoLabel(ino uint64) string { return fmt.Sprintf("inode %d", ino) }

// GetattrIno returns the attributes of ino, including a node that is pending
// deletion but still open.
func (fs *FS) GetattrIno(ctx context.Context, who common.Identity, ino uint64) (attrs Attributes, err error) {
	defer fs.recoverPanic("GetattrIno", &err)
	n, err := fs.mgr.Resolve(who).Tree.Get(tree.Ino(ino))
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, ""), nil
}

// LookupChild resolves one name in the directory parent.
func (fs *FS) LookupChild(ctx context.Context, who common.Identity, parent uint64, name string) (attrs Attributes, err error) {
	defer fs.recoverPanic("LookupChild", &err)
	if err := common.ValidateName(name); err != nil {
		return Attributes{}, err
	}
	n, err := fs.mgr.Resolve(who).Tree.Lookup(tree.Ino(parent), name)
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, ""), nil
}

// CreateChild adds a file, directory or symlink named name to the directory
// parent. An existing name fails with AlreadyExists.
func (fs *FS) CreateChild(ctx context.Context, who common.Identity, parent uint64, name string, e NewEntry) (attrs Attributes, err error) {
	defer fs.recoverPanic("CreateChild", &err)
	spec := tree.NewNode{Attr: tree.Attr{Mode: e.Mode & 0o7777}}
	switch e.Type {
	case FileTypeRegularFile:
		spec.Kind = tree.KindFile
		if spec.Attr.Mode == 0 {
			spec.Attr.Mode = 0o644
		}
	case FileTypeDirectory:
		spec.Kind = tree.KindDir
		if spec.Attr.Mode == 0 {
			spec.Attr.Mode = 0o755
		}
	case FileTypeSymlink:
		spec.Kind = tree.KindSymlink
		spec.Attr.Mode = 0o777
		spec.Target = e.Target
	default:
		return Attributes{}, fmt.Errorf("%w: file type %d", common.ErrInvalidArgument, e.Type)
	}
	n, err := fs.createIn(ctx, fs.mgr.Resolve(who), who, tree.Ino(parent), name, spec)
	if err != nil {
		return Attributes{}, err
	}
	log.Tracef("[VFS] CreateChild %d/%q → inode %d", parent, name, n.Ino)
	return attributesOf(n, ""), nil
}

// OpenIno opens an existing node by inode. Create is not accepted; use
// CreateChild first. A pending-deletion node can be reopened while another
// handle keeps it alive.
func (fs *FS) OpenIno(ctx context.Context, who common.Identity, ino uint64, o OpenOptions) (id handles.ID, err error) {
	defer fs.recoverPanic("OpenIno", &err)
	if o.Create && o.Stream == "" {
		return 0, fmt.Errorf("%w: create by inode", common.ErrInvalidArgument)
	}
	if err := fs.validateOpen(o); err != nil {
		return 0, err
	}
	b := fs.mgr.Resolve(who)
	n, err := b.Tree.Get(tree.Ino(ino))
	if err != nil {
		return 0, err
	}
	return fs.openNode(ctx, b, who, n, false, inoLabel(ino), o)
}

// ReadDirPlus is ReadDir returning each entry's attributes as well. Entries
// removed between the page read and the attribute fetch are skipped.
func (fs *FS) ReadDirPlus(ctx context.Context, id handles.ID, limit int) (entries []DirEntryPlus, err error) {
	defer fs.recoverPanic("ReadDirPlus", &err)
	of, err := fs.handle(id)
	if err != nil {
		return nil, err
	}
	ents, err := fs.nextDirents(of, limit)
	if err != nil {
		return nil, err
	}
	entries = make([]DirEntryPlus, 0, len(ents))
	for _, e := range ents {
		n, err := of.branch.Tree.Get(e.Ino)
		if errors.Is(err, common.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntryPlus{
			DirEntry: DirEntry{Name: e.Name, Ino: uint64(e.Ino), Type: fileTypeOf(e.Kind)},
			Attrs:    attributesOf(n, ""),
		})
	}
	return entries, nil
}
