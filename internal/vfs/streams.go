package vfs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"agentfs/internal/branch"
	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/tree"
)

func (fs *FS) streamsEnabled() error {
	if !fs.opts.EnableStreams {
		return fmt.Errorf("named streams: %w", common.ErrUnsupported)
	}
	return nil
}

func validateStreamName(name string) error {
	if err := common.ValidateName(name); err != nil {
		return err
	}
	if strings.ContainsRune(name, ':') {
		return fmt.Errorf("%w: stream name %q contains ':'", common.ErrInvalidArgument, name)
	}
	return nil
}

// ensureStream makes sure ino has the named stream, creating an empty one
// when create is set.
func (fs *FS) ensureStream(ctx context.Context, b *branch.Branch, ino tree.Ino, name string, create, exclusive bool) error {
	_, err := b.Tree.Update(ctx, ino, func(n *tree.Node) error {
		if n.Kind == tree.KindSymlink {
			return fmt.Errorf("%w: symlinks carry no streams", common.ErrInvalidArgument)
		}
		if _, ok := n.Stream(name); ok {
			if exclusive {
				return fmt.Errorf("stream %q: %w", name, common.ErrExists)
			}
			return errNoChange
		}
		if !create {
			return fmt.Errorf("stream %q: %w", name, common.ErrNotFound)
		}
		n.SetStream(name, nil)
		n.Attr.Ctime = time.Now()
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

// ListStreams enumerates the named streams of path.
func (fs *FS) ListStreams(ctx context.Context, who common.Identity, path string) (streams []StreamInfo, err error) {
	defer fs.recoverPanic("ListStreams", &err)
	if err := fs.streamsEnabled(); err != nil {
		return nil, err
	}
	b := fs.mgr.Resolve(who)
	n, err := fs.lookup(b, path)
	if err != nil {
		return nil, err
	}
	n, err = b.Tree.Acquire(n.Ino)
	if err != nil {
		return nil, err
	}
	defer b.Tree.Drop(n)
	for _, name := range n.StreamNames() {
		st, _ := n.Stream(name)
		streams = append(streams, StreamInfo{Name: name, Size: st.Size()})
	}
	return streams, nil
}

// RemoveStream deletes a named stream. A stream with open handles cannot be
// removed.
func (fs *FS) RemoveStream(ctx context.Context, who common.Identity, path, name string) (err error) {
	defer fs.recoverPanic("RemoveStream", &err)
	if err := fs.streamsEnabled(); err != nil {
		return err
	}
	if err := validateStreamName(name); err != nil {
		return err
	}
	b := fs.mgr.Resolve(who)
	n, err := fs.lookup(b, path)
	if err != nil {
		return err
	}
	if c := b.Handles.Count(n.Ino, name); c > 0 {
		return fmt.Errorf("stream %q has %d open handles: %w", name, c, common.ErrSharingViolation)
	}
	_, err = b.Tree.Update(ctx, n.Ino, func(n *tree.Node) error {
		if err := fs.policy.Allow(who, n.Attr, handles.AccessDelete); err != nil {
			return err
		}
		if !n.RemoveStream(name) {
			return fmt.Errorf("stream %q: %w", name, common.ErrNotFound)
		}
		n.Attr.Ctime = time.Now()
		return nil
	})
	return err
}
