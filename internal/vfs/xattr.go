package vfs

import (
	"bytes"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/tree"
)

// maxXattrNameLen is the longest accepted attribute name.
const maxXattrNameLen = 255

var errNoAttr = fmt.Errorf("no such attribute: %w", common.ErrNotFound)

// XattrFlags control SetXattr on an existing or missing name.
type XattrFlags int

const (
	// XattrCreate fails with AlreadyExists if the name is set.
	XattrCreate XattrFlags = 1 << iota
	// XattrReplace fails with NotFound if the name is not set.
	XattrReplace
)

func (fs *FS) xattrsEnabled() error {
	if !fs.opts.EnableXattrs {
		return fmt.Errorf("extended attributes: %w", common.ErrUnsupported)
	}
	return nil
}

func validateXattrName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: empty attribute name", common.ErrInvalidArgument)
	case len(name) > maxXattrNameLen:
		return fmt.Errorf("%w: attribute name longer than %d bytes", common.ErrInvalidArgument, maxXattrNameLen)
	case strings.IndexByte(name, 0) >= 0:
		return fmt.Errorf("%w: attribute name contains NUL", common.ErrInvalidArgument)
	}
	return nil
}

func xattrBytes(xs map[string][]byte) int {
	total := 0
	for name, v := range xs {
		total += len(name) + len(v)
	}
	return total
}

// GetXattr returns the value of one extended attribute.
func (fs *FS) GetXattr(ctx context.Context, who common.Identity, path, name string) (value []byte, err error) {
	defer fs.recoverPanic("GetXattr", &err)
	if err := fs.xattrsEnabled(); err != nil {
		return nil, err
	}
	if err := validateXattrName(name); err != nil {
		return nil, err
	}
	n, err := fs.lookup(fs.mgr.Resolve(who), path)
	if err != nil {
		return nil, err
	}
	if err := fs.policy.Allow(who, n.Attr, handles.AccessRead); err != nil {
		return nil, err
	}
	v, ok := n.Xattrs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, errNoAttr)
	}
	return bytes.Clone(v), nil
}

// SetXattr sets one extended attribute. The names and values of a node
// together may not exceed MaxXattrBytes.
func (fs *FS) SetXattr(ctx context.Context, who common.Identity, path, name string, value []byte, flags XattrFlags) (err error) {
	defer fs.recoverPanic("SetXattr", &err)
	if err := fs.xattrsEnabled(); err != nil {
		return err
	}
	if err := validateXattrName(name); err != nil {
		return err
	}
	b := fs.mgr.Resolve(who)
	n, err := fs.lookup(b, path)
	if err != nil {
		return err
	}
	_, err = b.Tree.Update(ctx, n.Ino, func(n *tree.Node) error {
		if err := fs.policy.Allow(who, n.Attr, handles.AccessWrite); err != nil {
			return err
		}
		old, exists := n.Xattrs[name]
		switch {
		case exists && flags&XattrCreate != 0:
			return fmt.Errorf("%s: %w", name, common.ErrExists)
		case !exists && flags&XattrReplace != 0:
			return fmt.Errorf("%s: %w", name, errNoAttr)
		}
		total := xattrBytes(n.Xattrs) + len(value) - len(old)
		if !exists {
			total += len(name)
		}
		if total > fs.opts.MaxXattrBytes {
			return fmt.Errorf("%w: extended attributes capped at %d bytes", common.ErrOutOfSpace, fs.opts.MaxXattrBytes)
		}
		if n.Xattrs == nil {
			n.Xattrs = make(map[string][]byte)
		}
		n.Xattrs[name] = bytes.Clone(value)
		n.Attr.Ctime = time.Now()
		return nil
	})
	return err
}

// ListXattr returns the attribute names of path in sorted order.
func (fs *FS) ListXattr(ctx context.Context, who common.Identity, path string) (names []string, err error) {
	defer fs.recoverPanic("ListXattr", &err)
	if err := fs.xattrsEnabled(); err != nil {
		return nil, err
	}
	n, err := fs.lookup(fs.mgr.Resolve(who), path)
	if err != nil {
		return nil, err
	}
	return slices.Sorted(maps.Keys(n.Xattrs)), nil
}

// RemoveXattr deletes one extended attribute.
func (fs *FS) RemoveXattr(ctx context.Context, who common.Identity, path, name string) (err error) {
	defer fs.recoverPanic("RemoveXattr", &err)
	if err := fs.xattrsEnabled(); err != nil {
		return err
	}
	if err := validateXattrName(name); err != nil {
		return err
	}
	b := fs.mgr.Resolve(who)
	n, err := fs.lookup(b, path)
	if err != nil {
		return err
	}
	_, err = b.Tree.Update(ctx, n.Ino, func(n *tree.Node) error {
		if err := fs.policy.Allow(who, n.Attr, handles.AccessWrite); err != nil {
			return err
		}
		if _, ok := n.Xattrs[name]; !ok {
			return fmt.Errorf("%s: %w", name, errNoAttr)
		}
		delete(n.Xattrs, name)
		n.Attr.Ctime = time.Now()
		return nil
	})
	return err
}
