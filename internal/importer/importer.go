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

// Package importer seeds a branch with the contents of a host directory.
package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/djherbis/times"
	"github.com/pkg/xattr"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"agentfs/internal/common"
	"agentfs/internal/handles"
	"agentfs/internal/vfs"
)

const copyBufferSize = 1 << 20

// Options configures Import.
type Options struct {
	// Filter selects what to import. Nil imports everything.
	Filter Filter
	// SkipHidden skips names starting with '.'.
	SkipHidden bool
	// AllowPartial continues past unreadable entries and records them in
	// Result.Skipped.
	AllowPartial bool
	// Workers bounds concurrent file copies. 0 means GOMAXPROCS.
	Workers int
	// Xattrs copies host extended attributes when the engine supports them.
	Xattrs bool
}

// Result summarizes an import.
type Result struct {
	Dirs     int
	Files    int
	Symlinks int
	Bytes    int64
	Skipped  []string
	Duration time.Duration
}

type item struct {
	rel  string // engine path below dst
	src  string
	info os.FileInfo
}

type importer struct {
	fs   *vfs.FS
	who  common.Identity
	opts Options

	mu  sync.Mutex
	res Result
}

// Import copies the tree at src into dst on the branch serving who.
// Directories are created in walk order and files are copied concurrently.
func Import(ctx context.Context, fsys *vfs.FS, who common.Identity, src, dst string, opts Options) (*Result, error) {
	start := time.Now()
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	root, err := filepath.EvalSymlinks(src)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve source path: %w", err)
	}
	im := &importer{fs: fsys, who: who, opts: opts}
	dst = common.NormalizePath(dst)
	if dst != "" {
		if err := im.mkdirAll(ctx, dst); err != nil {
			return nil, err
		}
	}

	var dirs []item
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if cerr := gctx.Err(); cerr != nil {
			return cerr
		}
		if err != nil {
			return im.skip(p, err)
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !im.wanted(rel, d) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return im.skip(p, err)
		}
		it := item{rel: common.JoinPath(dst, rel), src: p, info: info}

		switch {
		case d.IsDir():
			if err := im.dir(gctx, it); err != nil {
				return err
			}
			dirs = append(dirs, it)
		case info.Mode()&os.ModeSymlink != 0:
			return im.symlink(gctx, it)
		case info.Mode().IsRegular():
			g.Go(func() error { return im.file(gctx, it) })
		default:
			log.Debugf("[Import] skipping special file %s", p)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return &im.res, err
	}
	if walkErr != nil {
		return &im.res, walkErr
	}
	// Children bump directory mtimes, so directories are stamped last,
	// deepest first.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := im.metadata(ctx, dirs[i]); err != nil {
			return &im.res, err
		}
	}
	im.res.Duration = time.Since(start)
	log.Infof("[Import] %s → %q: %d dirs, %d files, %d symlinks, %d bytes in %v",
		src, dst, im.res.Dirs, im.res.Files, im.res.Symlinks, im.res.Bytes, im.res.Duration)
	return &im.res, nil
}

func (im *importer) wanted(rel string, d fs.DirEntry) bool {
	if im.opts.SkipHidden {
		name := d.Name()
		if len(name) > 0 && name[0] == '.' {
			return false
		}
	}
	return im.opts.Filter == nil || im.opts.Filter(rel, d.IsDir())
}

// skip records an unreadable entry, or fails the import.
func (im *importer) skip(p string, err error) error {
	if !im.opts.AllowPartial {
		return err
	}
	im.mu.Lock()
	im.res.Skipped = append(im.res.Skipped, p+": "+err.Error())
	im.mu.Unlock()
	return nil
}

func (im *importer) mkdirAll(ctx context.Context, p string) error {
	parts := common.SplitPath(p)
	for i := range parts {
		sub := path.Join(parts[:i+1]...)
		if _, err := im.fs.Mkdir(ctx, im.who, sub, 0o755); err != nil && !errors.Is(err, common.ErrExists) {
			return err
		}
	}
	return nil
}

func (im *importer) dir(ctx context.Context, it item) error {
	_, err := im.fs.Mkdir(ctx, im.who, it.rel, uint32(it.info.Mode().Perm()))
	if errors.Is(err, common.ErrExists) {
		err = nil
	}
	if err != nil {
		return err
	}
	im.mu.Lock()
	im.res.Dirs++
	im.mu.Unlock()
	return nil
}

func (im *importer) symlink(ctx context.Context, it item) error {
	target, err := os.Readlink(it.src)
	if err != nil {
		return im.skip(it.src, err)
	}
	if _, err := im.fs.Symlink(ctx, im.who, target, it.rel); err != nil {
		return err
	}
	im.mu.Lock()
	im.res.Symlinks++
	im.mu.Unlock()
	return nil
}

func (im *importer) file(ctx context.Context, it item) error {
	f, err := os.Open(it.src)
	if err != nil {
		return im.skip(it.src, err)
	}
	defer f.Close()

	id, err := im.fs.Open(ctx, im.who, it.rel, vfs.OpenOptions{
		Write:    true,
		Create:   true,
		Truncate: true,
		Mode:     uint32(it.info.Mode().Perm()),
	})
	if err != nil {
		return err
	}
	n, copyErr := io.CopyBuffer(&handleWriter{ctx: ctx, fs: im.fs, id: id}, f, make([]byte, copyBufferSize))
	if err := im.fs.Close(ctx, id); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		var pe *fs.PathError
		if errors.As(copyErr, &pe) {
			return im.skip(it.src, copyErr)
		}
		return fmt.Errorf("%s: %w", it.rel, copyErr)
	}
	if err := im.metadata(ctx, it); err != nil {
		return err
	}
	im.mu.Lock()
	im.res.Files++
	im.res.Bytes += n
	im.mu.Unlock()
	return nil
}

// metadata carries host timestamps and, when enabled, extended attributes.
func (im *importer) metadata(ctx context.Context, it item) error {
	ts := times.Get(it.info)
	atime, mtime := ts.AccessTime(), ts.ModTime()
	if _, err := im.fs.Setattr(ctx, im.who, it.rel, vfs.SetAttr{Atime: &atime, Mtime: &mtime}); err != nil {
		return err
	}
	if !im.opts.Xattrs || !xattr.XATTR_SUPPORTED || !im.fs.Options().EnableXattrs {
		return nil
	}
	names, err := xattr.LList(it.src)
	if err != nil {
		log.Debugf("[Import] cannot list xattrs of %s: %v", it.src, err)
		return nil
	}
	for _, name := range names {
		value, err := xattr.LGet(it.src, name)
		if err != nil {
			log.Debugf("[Import] cannot read xattr %s of %s: %v", name, it.src, err)
			continue
		}
		if err := im.fs.SetXattr(ctx, im.who, it.rel, name, value, 0); err != nil {
			if errors.Is(err, common.ErrOutOfSpace) {
				log.Warnf("[Import] dropping xattrs of %s: %v", it.src, err)
				return nil
			}
			return err
		}
	}
	return nil
}

// handleWriter appends to an open engine handle.
type handleWriter struct {
	ctx context.Context
	fs  *vfs.FS
	id  handles.ID
}

func (w *handleWriter) Write(p []byte) (int, error) {
	return w.fs.Write(w.ctx, w.id, p)
}
