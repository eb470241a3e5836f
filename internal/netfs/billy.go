package netfs

import (
	"context"
	"errors"
	"io"
	"os"
	"path"
	"syscall"
	"time"

	billy "github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/helper/chroot"
	"github.com/google/uuid"
	nfsfile "github.com/willscott/go-nfs/file"

	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/vfs"
)

// maxSymlinkDepth bounds symlink resolution in Stat.
const maxSymlinkDepth = 40

// BillyAdapter adapts the dispatcher to the billy filesystem interface. All
// calls act as one identity, so binding that identity through the control
// plane moves the whole export to another branch.
type BillyAdapter struct {
	ctx context.Context
	fs  *vfs.FS
	who common.Identity
}

// NewBillyAdapter creates a billy adapter serving fs as who.
func NewBillyAdapter(ctx context.Context, fs *vfs.FS, who common.Identity) *BillyAdapter {
	return &BillyAdapter{ctx: ctx, fs: fs, who: who}
}

// pathError shapes engine errors the way os does, so callers that test with
// os.IsNotExist and friends see the right errno.
func pathError(op, name string, err error) error {
	if err == nil || errors.Is(err, io.EOF) {
		return err
	}
	return &os.PathError{Op: op, Path: name, Err: vfs.Errno(err)}
}

func (b *BillyAdapter) Create(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
}

func (b *BillyAdapter) Open(filename string) (billy.File, error) {
	return b.OpenFile(filename, os.O_RDONLY, 0)
}

func (b *BillyAdapter) OpenFile(filename string, flag int, perm os.FileMode) (billy.File, error) {
	opts := vfs.OpenOptions{
		Create:    flag&os.O_CREATE != 0,
		Exclusive: flag&os.O_EXCL != 0,
		Truncate:  flag&os.O_TRUNC != 0,
		Append:    flag&os.O_APPEND != 0,
		Mode:      uint32(perm.Perm()),
	}
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		opts.Write = true
	case os.O_RDWR:
		opts.Read, opts.Write = true, true
	default:
		opts.Read = true
	}
	id, err := b.fs.Open(b.ctx, b.who, filename, opts)
	if err != nil {
		return nil, pathError("open", filename, err)
	}
	return &BillyFile{adapter: b, id: id, name: filename}, nil
}

func (b *BillyAdapter) Lstat(filename string) (os.FileInfo, error) {
	attrs, err := b.fs.Getattr(b.ctx, b.who, filename)
	if err != nil {
		return nil, pathError("lstat", filename, err)
	}
	return newFileInfo(path.Base(filename), attrs), nil
}

// Stat follows symlinks; the engine itself never does.
func (b *BillyAdapter) Stat(filename string) (os.FileInfo, error) {
	p := filename
	for range maxSymlinkDepth {
		attrs, err := b.fs.Getattr(b.ctx, b.who, p)
		if err != nil {
			return nil, pathError("stat", filename, err)
		}
		if attrs.Type != vfs.FileTypeSymlink {
			return newFileInfo(path.Base(filename), attrs), nil
		}
		target, err := b.fs.Readlink(b.ctx, b.who, p)
		if err != nil {
			return nil, pathError("stat", filename, err)
		}
		if path.IsAbs(target) {
			p = target
		} else {
			p = path.Join(path.Dir(p), target)
		}
	}
	return nil, &os.PathError{Op: "stat", Path: filename, Err: syscall.ELOOP}
}

func (b *BillyAdapter) Rename(oldpath, newpath string) error {
	return pathError("rename", oldpath, b.fs.Rename(b.ctx, b.who, oldpath, newpath, true))
}

func (b *BillyAdapter) Remove(filename string) error {
	err := b.fs.Unlink(b.ctx, b.who, filename)
	if errors.Is(err, common.ErrIsDir) {
		err = b.fs.Rmdir(b.ctx, b.who, filename)
	}
	return pathError("remove", filename, err)
}

func (b *BillyAdapter) Join(elem ...string) string {
	return path.Join(elem...)
}

func (b *BillyAdapter) TempFile(dir, prefix string) (billy.File, error) {
	for {
		name := path.Join(dir, prefix+uuid.NewString()[:8])
		f, err := b.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
		if os.IsExist(err) {
			continue
		}
		return f, err
	}
}

func (b *BillyAdapter) ReadDir(dirname string) ([]os.FileInfo, error) {
	id, err := b.fs.Open(b.ctx, b.who, dirname, vfs.OpenOptions{Directory: true})
	if err != nil {
		return nil, pathError("readdir", dirname, err)
	}
	defer b.fs.Close(b.ctx, id)

	var result []os.FileInfo
	for {
		entries, err := b.fs.ReadDirPlus(b.ctx, id, 256)
		if errors.Is(err, io.EOF) {
			return result, nil
		}
		if err != nil {
			return nil, pathError("readdir", dirname, err)
		}
		for _, e := range entries {
			result = append(result, newFileInfo(e.Name, e.Attrs))
		}
	}
}

func (b *BillyAdapter) MkdirAll(filename string, perm os.FileMode) error {
	parts := common.SplitPath(filename)
	for i := range parts {
		p := path.Join(parts[:i+1]...)
		_, err := b.fs.Mkdir(b.ctx, b.who, p, uint32(perm.Perm()))
		if errors.Is(err, common.ErrExists) {
			attrs, serr := b.fs.Getattr(b.ctx, b.who, p)
			if serr == nil && attrs.IsDir() {
				continue
			}
		}
		if err != nil {
			return pathError("mkdir", p, err)
		}
	}
	return nil
}

func (b *BillyAdapter) Symlink(target, link string) error {
	_, err := b.fs.Symlink(b.ctx, b.who, target, link)
	return pathError("symlink", link, err)
}

func (b *BillyAdapter) Readlink(link string) (string, error) {
	target, err := b.fs.Readlink(b.ctx, b.who, link)
	return target, pathError("readlink", link, err)
}

func (b *BillyAdapter) Chroot(p string) (billy.Filesystem, error) {
	return chroot.New(b, p), nil
}

func (b *BillyAdapter) Root() string {
	return "/"
}

// billy.Change interface
func (b *BillyAdapter) Chmod(name string, mode os.FileMode) error {
	m := uint32(mode.Perm())
	_, err := b.fs.Setattr(b.ctx, b.who, name, vfs.SetAttr{Mode: &m})
	return pathError("chmod", name, err)
}

func (b *BillyAdapter) Lchown(name string, uid, gid int) error {
	return b.Chown(name, uid, gid)
}

func (b *BillyAdapter) Chown(name string, uid, gid int) error {
	var sa vfs.SetAttr
	if uid >= 0 {
		u := uint32(uid)
		sa.UID = &u
	}
	if gid >= 0 {
		g := uint32(gid)
		sa.GID = &g
	}
	_, err := b.fs.Setattr(b.ctx, b.who, name, sa)
	return pathError("chown", name, err)
}

func (b *BillyAdapter) Chtimes(name string, atime, mtime time.Time) error {
	_, err := b.fs.Setattr(b.ctx, b.who, name, vfs.SetAttr{Atime: &atime, Mtime: &mtime})
	return pathError("chtimes", name, err)
}

func (b *BillyAdapter) Capabilities() billy.Capability {
	return billy.WriteCapability | billy.ReadCapability | billy.ReadAndWriteCapability |
		billy.SeekCapability | billy.TruncateCapability | billy.LockCapability
}

// BillyFile is an open engine handle. The cursor lives in the handle.
type BillyFile struct {
	adapter *BillyAdapter
	id      handles.ID
	name    string
}

func (f *BillyFile) Name() string {
	return f.name
}

func (f *BillyFile) Write(p []byte) (int, error) {
	n, err := f.adapter.fs.Write(f.adapter.ctx, f.id, p)
	return n, pathError("write", f.name, err)
}

func (f *BillyFile) Read(p []byte) (int, error) {
	n, err := f.adapter.fs.Read(f.adapter.ctx, f.id, p)
	return n, pathError("read", f.name, err)
}

func (f *BillyFile) ReadAt(p []byte, off int64) (int, error) {
	n, err := f.adapter.fs.ReadAt(f.adapter.ctx, f.id, p, off)
	return n, pathError("read", f.name, err)
}

func (f *BillyFile) Seek(offset int64, whence int) (int64, error) {
	pos, err := f.adapter.fs.Seek(f.adapter.ctx, f.id, offset, whence)
	return pos, pathError("seek", f.name, err)
}

func (f *BillyFile) Close() error {
	return pathError("close", f.name, f.adapter.fs.Close(f.adapter.ctx, f.id))
}

// Lock takes an exclusive byte-range lock over the whole file.
func (f *BillyFile) Lock() error {
	return pathError("lock", f.name, f.adapter.fs.Lock(f.adapter.ctx, f.id, 0, 0, true))
}

func (f *BillyFile) Unlock() error {
	return pathError("unlock", f.name, f.adapter.fs.Unlock(f.adapter.ctx, f.id, 0, 0))
}

func (f *BillyFile) Truncate(size int64) error {
	return pathError("truncate", f.name, f.adapter.fs.Ftruncate(f.adapter.ctx, f.id, size))
}

// BillyFileInfo is an os.FileInfo over engine attributes.
type BillyFileInfo struct {
	name  string
	attrs vfs.Attributes
}

func newFileInfo(name string, attrs vfs.Attributes) *BillyFileInfo {
	if name == "." || name == "/" {
		name = ""
	}
	return &BillyFileInfo{name: name, attrs: attrs}
}

func (fi *BillyFileInfo) Name() string       { return fi.name }
func (fi *BillyFileInfo) Size() int64        { return fi.attrs.Size }
func (fi *BillyFileInfo) ModTime() time.Time { return fi.attrs.Mtime }
func (fi *BillyFileInfo) IsDir() bool        { return fi.attrs.IsDir() }

func (fi *BillyFileInfo) Mode() os.FileMode {
	mode := os.FileMode(fi.attrs.Mode & 0o777)
	switch fi.attrs.Type {
	case vfs.FileTypeDirectory:
		mode |= os.ModeDir
	case vfs.FileTypeSymlink:
		mode |= os.ModeSymlink
	}
	return mode
}

// Sys returns the go-nfs file info; go-nfs only reads ids and link counts
// from that type.
func (fi *BillyFileInfo) Sys() any {
	return &nfsfile.FileInfo{
		Nlink:  fi.attrs.Nlink,
		UID:    fi.attrs.UID,
		GID:    fi.attrs.GID,
		Fileid: fi.attrs.Ino,
	}
}

var (
	_ billy.Filesystem = (*BillyAdapter)(nil)
	_ billy.Change     = (*BillyAdapter)(nil)
	_ billy.File       = (*BillyFile)(nil)
	_ os.FileInfo      = (*BillyFileInfo)(nil)
)
