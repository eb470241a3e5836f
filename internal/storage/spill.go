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

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"agentfs/internal/common"
)

// Spill backend names accepted in settings.
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

const (
	spillDirPrefix = "agentfs-spill-"
	spillLockName  = ".lock"
)

// SpillStore holds evicted block bytes on disk. Implementations must be safe
// for concurrent use.
type SpillStore interface {
	Put(ctx context.Context, id BlockID, data []byte) error
	Get(ctx context.Context, id BlockID) ([]byte, error)
	Delete(ctx context.Context, id BlockID) error
	// Usage is the number of payload bytes currently stored.
	Usage() int64
	// Available is how many more bytes can be stored.
	Available() (uint64, error)
	Close() error
}

// spillBackend is the raw key/value layer under a Spill.
type spillBackend interface {
	put(ctx context.Context, id BlockID, payload []byte) error
	get(ctx context.Context, id BlockID) ([]byte, error)
	del(ctx context.Context, id BlockID) error
	close() error
}

// SpillOptions configures OpenSpill.
type SpillOptions struct {
	Dir         string      // parent directory; a private subdirectory is created inside
	Backend     string      // BackendSQLite (default) or BackendBolt
	Compression Compression // payload encoding
	MaxBytes    int64       // 0 means limited only by free disk space
}

// Spill is the on-disk tier of the data store. Each engine instance owns a
// private, flock-held directory that is removed on Close.
type Spill struct {
	dir      string
	lock     *flock.Flock
	backend  spillBackend
	codec    Compression
	maxBytes int64

	mu    sync.Mutex
	sizes map[BlockID]int64
	used  int64
}

// OpenSpill creates a fresh spill area under opts.Dir.
func OpenSpill(ctx context.Context, opts SpillOptions) (*Spill, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("%w: spill directory not configured", common.ErrInvalidArgument)
	}
	if err := os.MkdirAll(opts.Dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}
	dir := filepath.Join(opts.Dir, spillDirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create spill area: %w", err)
	}

	lock := flock.New(filepath.Join(dir, spillLockName))
	locked, err := lock.TryLock()
	if err != nil || !locked {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to lock spill area %s: %v", dir, err)
	}

	var backend spillBackend
	switch opts.Backend {
	case "", BackendSQLite:
		backend, err = openSQLiteSpill(ctx, filepath.Join(dir, "blocks.db"))
	case BackendBolt:
		backend, err = openBoltSpill(filepath.Join(dir, "blocks.bolt"))
	default:
		err = fmt.Errorf("unknown spill backend %q", opts.Backend)
	}
	if err != nil {
		lock.Unlock()
		os.RemoveAll(dir)
		return nil, err
	}

	log.Debugf("[Spill] opened %s backend at %s (compression=%s)", backendName(opts.Backend), dir, opts.Compression)
	return &Spill{
		dir:      dir,
		lock:     lock,
		backend:  backend,
		codec:    opts.Compression,
		maxBytes: opts.MaxBytes,
		sizes:    make(map[BlockID]int64),
	}, nil
}

func backendName(name string) string {
	if name == "" {
		return BackendSQLite
	}
	return name
}

// Dir returns the private spill directory.
func (s *Spill) Dir() string { return s.dir }

func (s *Spill) Put(ctx context.Context, id BlockID, data []byte) error {
	payload, err := encodePayload(s.codec, data)
	if err != nil {
		return err
	}
	n := int64(len(payload))

	s.mu.Lock()
	if s.maxBytes > 0 && s.used+n > s.maxBytes {
		s.mu.Unlock()
		return fmt.Errorf("%w: spill area limit of %d bytes reached", common.ErrOutOfSpace, s.maxBytes)
	}
	s.used += n
	s.mu.Unlock()

	if err := s.backend.put(ctx, id, payload); err != nil {
		s.mu.Lock()
		s.used -= n
		s.mu.Unlock()
		if errors.Is(err, syscall.ENOSPC) || strings.Contains(err.Error(), "disk is full") {
			return fmt.Errorf("%w: %v", common.ErrOutOfSpace, err)
		}
		return err
	}

	s.mu.Lock()
	s.sizes[id] = n
	s.mu.Unlock()
	return nil
}

func (s *Spill) Get(ctx context.Context, id BlockID) ([]byte, error) {
	payload, err := s.backend.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return decodePayload(payload)
}

func (s *Spill) Delete(ctx context.Context, id BlockID) error {
	if err := s.backend.del(ctx, id); err != nil {
		return err
	}
	s.mu.Lock()
	s.used -= s.sizes[id]
	delete(s.sizes, id)
	s.mu.Unlock()
	return nil
}

func (s *Spill) Usage() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Spill) Available() (uint64, error) {
	free, err := diskFree(s.dir)
	if err != nil {
		return 0, err
	}
	if s.maxBytes > 0 {
		left := s.maxBytes - s.Usage()
		if left < 0 {
			left = 0
		}
		free = min(free, uint64(left))
	}
	return free, nil
}

// Close removes the spill area. Spilled bytes do not outlive the process.
func (s *Spill) Close() error {
	err := s.backend.close()
	s.lock.Unlock()
	if rmErr := os.RemoveAll(s.dir); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}

func diskFree(dir string) (uint64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(dir, &st); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// CleanupStaleSpill removes spill areas left behind by processes that exited
// without closing their store. Areas whose lock is still held are skipped.
func CleanupStaleSpill(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cleaned := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), spillDirPrefix) {
			continue
		}
		area := filepath.Join(dir, e.Name())
		lock := flock.New(filepath.Join(area, spillLockName))
		locked, err := lock.TryLock()
		if err != nil || !locked {
			continue
		}
		if err := os.RemoveAll(area); err != nil {
			log.Warnf("[Spill] failed to remove stale spill area %s: %v", area, err)
		} else {
			cleaned++
		}
		lock.Unlock()
	}
	return cleaned, nil
}
