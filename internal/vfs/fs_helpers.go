package vfs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime/debug"
	"time"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/branch"
	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/tree"
)

// errNoChange abandons a Tree.Update callback without failing the operation.
var errNoChange = errors.New("no change")

// recoverPanic converts a panic in an operation into an internal invariant
// violation so a single bad call cannot take down the adapter.
func (fs *FS) recoverPanic(operation string, err *error) {
	if r := recover(); r != nil {
		log.Errorf("[VFS] PANIC RECOVERED in %s: %v\nStack:\n%s", operation, r, debug.Stack())
		e := common.Invariant("panic in %s: %v", operation, r)
		fs.reporter.Invariant(e)
		if err != nil {
			*err = e
		}
	}
}

// =============================================================================
// Resolution Helpers
// =============================================================================

// lookup resolves path in the current version of b.
func (fs *FS) lookup(b *branch.Branch, path string) (*tree.Node, error) {
	if err := common.ValidatePath(path); err != nil {
		return nil, err
	}
	v := b.Tree.Capture()
	defer v.Release()
	return fs.lookupIn(b, v, common.NormalizePath(path))
}

// lookupIn resolves a normalized path in v, consulting the resolve cache.
func (fs *FS) lookupIn(b *branch.Branch, v *tree.Version, path string) (*tree.Node, error) {
	if ino, ok := fs.resolved.Get(uint64(b.ID), v.Gen(), path); ok {
		if n := v.Get(tree.Ino(ino)); n != nil {
			return n, nil
		}
	}
	n, err := v.Resolve(path)
	if err != nil {
		return nil, fmt.Errorf("%q: %w", path, err)
	}
	fs.resolved.Put(uint64(b.ID), v.Gen(), path, uint64(n.Ino))
	return n, nil
}

// parentOf resolves the directory holding path and returns its final
// component. The tree re-validates both once it holds the node locks.
func (fs *FS) parentOf(b *branch.Branch, path string) (tree.Ino, string, error) {
	if err := common.ValidatePath(path); err != nil {
		return 0, "", err
	}
	path = common.NormalizePath(path)
	if path == "" {
		return 0, "", fmt.Errorf("%w: the root has no parent", common.ErrInvalidArgument)
	}
	v := b.Tree.Capture()
	defer v.Release()
	dir, err := fs.lookupIn(b, v, common.ParentPath(path))
	if err != nil {
		return 0, "", err
	}
	if !dir.IsDir() {
		return 0, "", fmt.Errorf("%q: %w", common.ParentPath(path), common.ErrNotDir)
	}
	return dir.Ino, common.BaseName(path), nil
}

func (fs *FS) allowIno(b *branch.Branch, who common.Identity, ino tree.Ino, access handles.Access) error {
	n, err := b.Tree.Get(ino)
	if err != nil {
		return err
	}
	return fs.policy.Allow(who, n.Attr, access)
}

// create adds a node at path, stamping the caller's ownership.
func (fs *FS) create(ctx context.Context, who common.Identity, path string, spec tree.NewNode) (*tree.Node, error) {
	b := fs.mgr.Resolve(who)
	parent, name, err := fs.parentOf(b, path)
	if err != nil {
		return nil, err
	}
	return fs.createIn(ctx, b, who, parent, name, spec)
}

func (fs *FS) createIn(ctx context.Context, b *branch.Branch, who common.Identity, parent tree.Ino, name string, spec tree.NewNode) (*tree.Node, error) {
	if err := fs.allowIno(b, who, parent, handles.AccessWrite); err != nil {
		return nil, err
	}
	spec.Attr.UID, spec.Attr.GID = fs.policy.Owner(who)
	return b.Tree.CreateNode(ctx, parent, name, spec)
}

// =============================================================================
// Mutation Helpers
// =============================================================================

// toEOF is the length of a range starting at off that covers every later byte.
func toEOF(off int64) int64 {
	return math.MaxInt64 - off
}

// truncateStream resizes one stream of a node clone inside Tree.Update.
func (fs *FS) truncateStream(ctx context.Context, n *tree.Node, stream string, size int64) error {
	if size < 0 {
		return fmt.Errorf("%w: negative size %d", common.ErrInvalidArgument, size)
	}
	if stream != "" && size > fs.opts.MaxStreamBytes {
		return fmt.Errorf("%w: stream %q capped at %d bytes", common.ErrOutOfSpace, stream, fs.opts.MaxStreamBytes)
	}
	st, ok := n.Stream(stream)
	if !ok {
		return fmt.Errorf("stream %q: %w", stream, common.ErrNotFound)
	}
	if st.Size() == size {
		return nil
	}
	ns, err := fs.store.Truncate(ctx, st, size)
	if err != nil {
		return err
	}
	n.SetStream(stream, ns)
	return nil
}

// setattr applies sa to ino. h is the handle the call arrived through, if any.
func (fs *FS) setattr(ctx context.Context, b *branch.Branch, who common.Identity, ino tree.Ino, h *handles.Handle, sa SetAttr) (Attributes, error) {
	stream := ""
	if h != nil {
		stream = h.Stream
	}
	if sa.Size != nil {
		size := *sa.Size
		if size < 0 {
			return Attributes{}, fmt.Errorf("%w: negative size %d", common.ErrInvalidArgument, size)
		}
		var err error
		if h != nil {
			err = b.Handles.CheckIO(h, size, toEOF(size), true)
		} else {
			err = b.Handles.CheckPath(ino, size, toEOF(size), true)
		}
		if err != nil {
			return Attributes{}, err
		}
	}

	n, err := b.Tree.Update(ctx, ino, func(n *tree.Node) error {
		if err := fs.policy.Allow(who, n.Attr, handles.AccessWrite); err != nil {
			return err
		}
		now := time.Now()
		if sa.Mode != nil {
			n.Attr.Mode = *sa.Mode & 0o7777
		}
		if sa.UID != nil {
			n.Attr.UID = *sa.UID
		}
		if sa.GID != nil {
			n.Attr.GID = *sa.GID
		}
		if sa.Atime != nil {
			n.Attr.Atime = *sa.Atime
		}
		if sa.Mtime != nil {
			n.Attr.Mtime = *sa.Mtime
		}
		if sa.Size != nil {
			switch n.Kind {
			case tree.KindDir:
				return fmt.Errorf("inode %d: %w", n.Ino, common.ErrIsDir)
			case tree.KindSymlink:
				return fmt.Errorf("%w: cannot resize a symlink", common.ErrInvalidArgument)
			}
			if err := fs.truncateStream(ctx, n, stream, *sa.Size); err != nil {
				return err
			}
			if sa.Mtime == nil {
				n.Attr.Mtime = now
			}
		}
		n.Attr.Ctime = now
		return nil
	})
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, stream), nil
}
