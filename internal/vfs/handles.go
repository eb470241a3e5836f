package vfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	log "github.com/sirupsen/logrus"

	"agentfs/internal/branch"
	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/tree"
)

// openFile ties a handle to the branch whose table issued it.
type openFile struct {
	branch *branch.Branch
	h      *handles.Handle
}

// handle returns the open file for id, or StaleHandle.
func (fs *FS) handle(id handles.ID) (*openFile, error) {
	of, ok := fs.open.Load(id)
	if !ok || of.h.Closed() {
		return nil, fmt.Errorf("handle %d: %w", id, common.ErrStaleHandle)
	}
	return of, nil
}

// --- File Operations ---

// Create opens path for reading and writing, creating it or truncating an
// existing file.
func (fs *FS) Create(ctx context.Context, who common.Identity, path string, mode uint32) (handles.ID, error) {
	return fs.Open(ctx, who, path, OpenOptions{Read: true, Write: true, Create: true, Truncate: true, Mode: mode})
}

// Open opens path, or one of its named streams, and returns a handle.
func (fs *FS) Open(ctx context.Context, who common.Identity, path string, o OpenOptions) (id handles.ID, err error) {
	defer fs.recoverPanic("Open", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Open %q %+v → %d %v (%v)", path, o, id, err, time.Since(start)) }()
	}
	if err := fs.validateOpen(o); err != nil {
		return 0, err
	}
	b := fs.mgr.Resolve(who)
	n, created, err := fs.openTarget(ctx, b, who, path, o)
	if err != nil {
		return 0, err
	}
	return fs.openNode(ctx, b, who, n, created, path, o)
}

func (fs *FS) validateOpen(o OpenOptions) error {
	if o.Stream != "" {
		if !fs.opts.EnableStreams {
			return fmt.Errorf("named streams: %w", common.ErrUnsupported)
		}
		if err := validateStreamName(o.Stream); err != nil {
			return err
		}
	}
	if o.Directory && o.Stream != "" {
		return fmt.Errorf("%w: directory open of a stream", common.ErrInvalidArgument)
	}
	return nil
}

// openNode checks access to a resolved node and registers a handle on it.
// label names the node in errors.
func (fs *FS) openNode(ctx context.Context, b *branch.Branch, who common.Identity, n *tree.Node, created bool, label string, o OpenOptions) (handles.ID, error) {
	access := o.access()
	switch {
	case n.Kind == tree.KindSymlink:
		return 0, fmt.Errorf("%s is a symlink: %w", label, common.ErrInvalidArgument)
	case o.Directory && !n.IsDir():
		return 0, fmt.Errorf("%s: %w", label, common.ErrNotDir)
	case n.IsDir() && (access&handles.AccessWrite != 0 || o.Stream != ""):
		return 0, fmt.Errorf("%s: %w", label, common.ErrIsDir)
	}
	if !created {
		if err := fs.policy.Allow(who, n.Attr, access); err != nil {
			return 0, err
		}
	}
	if o.Stream != "" {
		if err := fs.ensureStream(ctx, b, n.Ino, o.Stream, o.Create, o.Create && o.Exclusive); err != nil {
			return 0, err
		}
	}

	h, err := b.Handles.Open(handles.Request{
		Ino:    n.Ino,
		Stream: o.Stream,
		Owner:  who,
		Access: access,
		Share:  handles.ShareAll &^ o.Deny,
		Append: o.Append,
		Dir:    n.IsDir(),
	})
	if err != nil {
		return 0, err
	}
	// Pin fails once the node is gone, ordering this open against a
	// concurrent removal.
	if err := b.Tree.Pin(n.Ino); err != nil {
		_, _ = b.Handles.Close(h.ID)
		return 0, err
	}
	of := &openFile{branch: b, h: h}
	fs.open.Store(h.ID, of)

	if o.Truncate && !(created && o.Stream == "") {
		if _, err := fs.setattr(ctx, b, who, n.Ino, h, SetAttr{Size: new(int64)}); err != nil {
			_ = fs.Close(ctx, h.ID)
			return 0, err
		}
	}
	return h.ID, nil
}

// openTarget resolves the node an open refers to, creating it when asked.
func (fs *FS) openTarget(ctx context.Context, b *branch.Branch, who common.Identity, path string, o OpenOptions) (*tree.Node, bool, error) {
	exclusive := o.Create && o.Exclusive && o.Stream == ""
	for {
		n, err := fs.lookup(b, path)
		if err == nil {
			if exclusive {
				return nil, false, fmt.Errorf("%s: %w", path, common.ErrExists)
			}
			return n, false, nil
		}
		if !o.Create || !errors.Is(err, common.ErrNotFound) {
			return nil, false, err
		}

		spec := tree.NewNode{Kind: tree.KindFile, Attr: tree.Attr{Mode: o.Mode & 0o7777}}
		if o.Directory {
			spec.Kind = tree.KindDir
		}
		if spec.Attr.Mode == 0 {
			spec.Attr.Mode = 0o644
			if o.Directory {
				spec.Attr.Mode = 0o755
			}
		}
		n, err = fs.create(ctx, who, path, spec)
		if errors.Is(err, common.ErrExists) && !exclusive {
			// another creator won; open theirs
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return n, true, nil
	}
}

// Close releases a handle, its locks and its pin. The last close of a
// pending-deletion node reclaims it.
func (fs *FS) Close(ctx context.Context, id handles.ID) (err error) {
	defer fs.recoverPanic("Close", &err)
	of, ok := fs.open.LoadAndDelete(id)
	if !ok {
		return fmt.Errorf("handle %d: %w", id, common.ErrStaleHandle)
	}
	// A concurrent ProcessExited may have closed it already; whoever closes
	// the table entry drops the pin.
	if _, err := of.branch.Handles.Close(id); err != nil {
		return err
	}
	of.branch.Tree.Unpin(of.h.Ino)
	return nil
}

// ReadAt reads from an explicit offset. It returns io.EOF when fewer than
// len(p) bytes remain.
func (fs *FS) ReadAt(ctx context.Context, id handles.ID, p []byte, off int64) (n int, err error) {
	defer fs.recoverPanic("ReadAt", &err)
	of, err := fs.readable(id)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", common.ErrInvalidArgument, off)
	}
	return fs.readAt(ctx, of, p, off)
}

// Read reads at the handle's cursor and advances it.
func (fs *FS) Read(ctx context.Context, id handles.ID, p []byte) (n int, err error) {
	defer fs.recoverPanic("Read", &err)
	of, err := fs.readable(id)
	if err != nil {
		return 0, err
	}
	off := of.h.Offset()
	n, err = fs.readAt(ctx, of, p, off)
	of.h.SetOffset(off + int64(n))
	return n, err
}

func (fs *FS) readable(id handles.ID) (*openFile, error) {
	of, err := fs.handle(id)
	if err != nil {
		return nil, err
	}
	if of.h.Dir {
		return nil, fmt.Errorf("handle %d: %w", id, common.ErrIsDir)
	}
	if !of.h.CanRead() {
		return nil, fmt.Errorf("%w: handle %d is not open for reading", common.ErrInvalidArgument, id)
	}
	return of, nil
}

func (fs *FS) readAt(ctx context.Context, of *openFile, p []byte, off int64) (int, error) {
	if err := of.branch.Handles.CheckIO(of.h, off, int64(len(p)), false); err != nil {
		return 0, err
	}
	n, err := of.branch.Tree.Acquire(of.h.Ino)
	if err != nil {
		return 0, err
	}
	defer of.branch.Tree.Drop(n)
	st, ok := n.Stream(of.h.Stream)
	if !ok {
		return 0, fmt.Errorf("stream %q: %w", of.h.Stream, common.ErrNotFound)
	}
	return fs.store.Read(ctx, st, off, p)
}

// WriteAt writes at an explicit offset, ignoring append mode. Writing past
// the end leaves a sparse gap that reads as zeros.
func (fs *FS) WriteAt(ctx context.Context, id handles.ID, p []byte, off int64) (n int, err error) {
	defer fs.recoverPanic("WriteAt", &err)
	of, err := fs.writable(id)
	if err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", common.ErrInvalidArgument, off)
	}
	if _, err := fs.writeAt(ctx, of, p, off, false); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Write writes at the handle's cursor, or at the end in append mode, and
// advances the cursor.
func (fs *FS) Write(ctx context.Context, id handles.ID, p []byte) (n int, err error) {
	defer fs.recoverPanic("Write", &err)
	if log.IsLevelEnabled(log.TraceLevel) {
		start := time.Now()
		defer func() { log.Tracef("[VFS] Write handle=%d len=%d → %v (%v)", id, len(p), err, time.Since(start)) }()
	}
	of, err := fs.writable(id)
	if err != nil {
		return 0, err
	}
	end, err := fs.writeAt(ctx, of, p, of.h.Offset(), of.h.Append)
	if err != nil {
		return 0, err
	}
	of.h.SetOffset(end)
	return len(p), nil
}

func (fs *FS) writable(id handles.ID) (*openFile, error) {
	of, err := fs.handle(id)
	if err != nil {
		return nil, err
	}
	if of.h.Dir {
		return nil, fmt.Errorf("handle %d: %w", id, common.ErrIsDir)
	}
	if !of.h.CanWrite() {
		return nil, fmt.Errorf("%w: handle %d is not open for writing", common.ErrInvalidArgument, id)
	}
	return of, nil
}

// writeAt publishes a new version of the handle's stream with p at off and
// returns the offset after the written bytes. The lock check and the append
// position are evaluated under the node lock.
func (fs *FS) writeAt(ctx context.Context, of *openFile, p []byte, off int64, appendMode bool) (int64, error) {
	h := of.h
	end := off
	_, err := of.branch.Tree.Update(ctx, h.Ino, func(n *tree.Node) error {
		st, ok := n.Stream(h.Stream)
		if !ok {
			return fmt.Errorf("stream %q: %w", h.Stream, common.ErrNotFound)
		}
		if appendMode {
			off = st.Size()
		}
		end = off + int64(len(p))
		if h.Stream != "" && end > fs.opts.MaxStreamBytes {
			return fmt.Errorf("%w: stream %q capped at %d bytes", common.ErrOutOfSpace, h.Stream, fs.opts.MaxStreamBytes)
		}
		if err := of.branch.Handles.CheckIO(h, off, int64(len(p)), true); err != nil {
			return err
		}
		if len(p) == 0 {
			return errNoChange
		}
		ns, err := fs.store.Write(ctx, st, off, p)
		if err != nil {
			return err
		}
		n.SetStream(h.Stream, ns)
		now := time.Now()
		n.Attr.Mtime = now
		n.Attr.Ctime = now
		return nil
	})
	if errors.Is(err, errNoChange) {
		err = nil
	}
	return end, err
}

// Seek moves the cursor of a file handle. On a directory handle only a
// rewind to 0 is accepted; it restarts enumeration.
func (fs *FS) Seek(ctx context.Context, id handles.ID, offset int64, whence int) (pos int64, err error) {
	defer fs.recoverPanic("Seek", &err)
	of, err := fs.handle(id)
	if err != nil {
		return 0, err
	}
	h := of.h
	if h.Dir {
		if offset != 0 || whence != io.SeekStart {
			return 0, fmt.Errorf("%w: directories can only be rewound", common.ErrInvalidArgument)
		}
		h.SetCursor("")
		return 0, nil
	}
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = h.Offset() + offset
	case io.SeekEnd:
		n, err := of.branch.Tree.Get(h.Ino)
		if err != nil {
			return 0, err
		}
		st, _ := n.Stream(h.Stream)
		pos = st.Size() + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", common.ErrInvalidArgument, whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("%w: negative position %d", common.ErrInvalidArgument, pos)
	}
	h.SetOffset(pos)
	return pos, nil
}

// Ftruncate sets the size of the handle's stream.
func (fs *FS) Ftruncate(ctx context.Context, id handles.ID, size int64) (err error) {
	defer fs.recoverPanic("Ftruncate", &err)
	of, err := fs.writable(id)
	if err != nil {
		return err
	}
	_, err = fs.setattr(ctx, of.branch, of.h.Owner, of.h.Ino, of.h, SetAttr{Size: &size})
	return err
}

// Fgetattr returns the attributes of an open node, including one that is
// pending deletion. For a stream handle Size is the stream's size.
func (fs *FS) Fgetattr(ctx context.Context, id handles.ID) (attrs Attributes, err error) {
	defer fs.recoverPanic("Fgetattr", &err)
	of, err := fs.handle(id)
	if err != nil {
		return Attributes{}, err
	}
	n, err := of.branch.Tree.Get(of.h.Ino)
	if err != nil {
		return Attributes{}, err
	}
	return attributesOf(n, of.h.Stream), nil
}

// Fsetattr is Setattr through a handle.
func (fs *FS) Fsetattr(ctx context.Context, id handles.ID, sa SetAttr) (attrs Attributes, err error) {
	defer fs.recoverPanic("Fsetattr", &err)
	of, err := fs.handle(id)
	if err != nil {
		return Attributes{}, err
	}
	if sa.Size != nil && !of.h.CanWrite() {
		return Attributes{}, fmt.Errorf("%w: handle %d is not open for writing", common.ErrInvalidArgument, id)
	}
	return fs.setattr(ctx, of.branch, of.h.Owner, of.h.Ino, of.h, sa)
}

// ReadDir returns up to limit entries after the handle's enumeration cursor
// (limit <= 0 means all) and advances it. Enumeration resumes by name, so it
// survives concurrent changes to the directory. It returns io.EOF once the
// directory is exhausted.
func (fs *FS) ReadDir(ctx context.Context, id handles.ID, limit int) (entries []DirEntry, err error) {
	defer fs.recoverPanic("ReadDir", &err)
	of, err := fs.handle(id)
	if err != nil {
		return nil, err
	}
	ents, err := fs.nextDirents(of, limit)
	if err != nil {
		return nil, err
	}
	entries = make([]DirEntry, len(ents))
	for i, e := range ents {
		entries[i] = DirEntry{Name: e.Name, Ino: uint64(e.Ino), Type: fileTypeOf(e.Kind)}
	}
	return entries, nil
}

// nextDirents returns the page after the handle's cursor and advances it.
func (fs *FS) nextDirents(of *openFile, limit int) ([]tree.Dirent, error) {
	if !of.h.Dir {
		return nil, fmt.Errorf("handle %d: %w", of.h.ID, common.ErrNotDir)
	}
	n, err := of.branch.Tree.Get(of.h.Ino)
	if err != nil {
		return nil, err
	}
	ents := n.Dir.After(of.h.Cursor(), limit)
	if len(ents) == 0 {
		return nil, io.EOF
	}
	of.h.SetCursor(ents[len(ents)-1].Key)
	return ents, nil
}

// Flush validates the handle. Data is visible to other handles as soon as a
// write returns, so there is nothing to flush.
func (fs *FS) Flush(ctx context.Context, id handles.ID) error {
	_, err := fs.handle(id)
	return err
}

// Fsync validates the handle. The engine keeps no durable tier.
func (fs *FS) Fsync(ctx context.Context, id handles.ID) error {
	_, err := fs.handle(id)
	return err
}

// Lock takes a byte-range lock. A length of 0 extends to end of file. Locks
// are mandatory: conflicting reads and writes through other handles fail
// with Conflict.
func (fs *FS) Lock(ctx context.Context, id handles.ID, off, length int64, exclusive bool) (err error) {
	defer fs.recoverPanic("Lock", &err)
	of, err := fs.handle(id)
	if err != nil {
		return err
	}
	return of.branch.Handles.Lock(of.h, off, length, exclusive)
}

// Unlock releases the lock with exactly the given range.
func (fs *FS) Unlock(ctx context.Context, id handles.ID, off, length int64) (err error) {
	defer fs.recoverPanic("Unlock", &err)
	of, err := fs.handle(id)
	if err != nil {
		return err
	}
	return of.branch.Handles.Unlock(of.h, off, length)
}
