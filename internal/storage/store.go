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

// Package storage is the data store of the engine: immutable, reference
// counted blocks grouped into streams, tiered between memory and a spill area.
//
// Blocks are never modified after allocation. A write allocates private copies
// of every block it touches, so a block shared by several versions (or being
// migrated to disk) can be read without holding any lock.
package storage

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	log "github.com/sirupsen/logrus"
	"github.com/zeebo/blake3"

	"agentfs/internal/common"
)

const (
	// DefaultBlockSize is the size of one data block.
	DefaultBlockSize = 64 * 1024
	// DefaultMemoryBudget is the resident-byte high-water mark.
	DefaultMemoryBudget = 1 << 30
)

// BlockID identifies a data block. IDs are never reused within a Store.
type BlockID uint64

type block struct {
	id     BlockID
	refs   int32    // streams holding the block; guarded by Store.mu
	size   int      // length of data
	data   []byte   // resident bytes, nil when only the spill copy exists
	onDisk bool     // a verified spill copy exists
	sum    [32]byte // blake3 of data, set when the spill copy is written
	dead   bool

	load sync.Mutex // serializes page-in
}

// Options configures a Store.
type Options struct {
	BlockSize    int
	MemoryBudget int64
	// Spill receives evicted blocks. Nil means the budget is a hard limit.
	Spill SpillStore
	// Report receives internal invariant violations. Optional.
	Report func(error)
}

// Store owns all block bytes of an engine instance.
type Store struct {
	opts Options

	mu       sync.Mutex
	blocks   map[BlockID]*block
	lru      *simplelru.LRU[BlockID, struct{}] // resident blocks eligible for eviction
	resident int64
	nextID   BlockID

	spills        uint64
	pageIns       uint64
	evictFailures uint64
}

// NewStore creates an empty store.
func NewStore(opts Options) (*Store, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	if opts.MemoryBudget <= 0 {
		opts.MemoryBudget = DefaultMemoryBudget
	}
	lru, err := simplelru.NewLRU[BlockID, struct{}](math.MaxInt32, nil)
	if err != nil {
		return nil, err
	}
	return &Store{
		opts:   opts,
		blocks: make(map[BlockID]*block),
		lru:    lru,
	}, nil
}

// BlockSize returns the configured block size.
func (s *Store) BlockSize() int { return s.opts.BlockSize }

// Close releases the spill area, if any.
func (s *Store) Close() error {
	if s.opts.Spill != nil {
		return s.opts.Spill.Close()
	}
	return nil
}

func (s *Store) report(err error) {
	log.Errorf("[Store] %v", err)
	if s.opts.Report != nil {
		s.opts.Report(err)
	}
}

// alloc stores data as a new block with one reference.
func (s *Store) alloc(ctx context.Context, data []byte) (BlockID, error) {
	if err := s.reserve(ctx, int64(len(data))); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	b := &block{id: s.nextID, refs: 1, size: len(data), data: data}
	s.blocks[b.id] = b
	s.lru.Add(b.id, struct{}{})
	return b.id, nil
}

// reserve accounts n resident bytes, evicting least recently used blocks to
// the spill area until the budget holds.
func (s *Store) reserve(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resident += n
	for s.resident > s.opts.MemoryBudget {
		if s.opts.Spill == nil {
			s.resident -= n
			return fmt.Errorf("%w: memory budget of %d bytes exhausted and no spill area configured",
				common.ErrOutOfSpace, s.opts.MemoryBudget)
		}
		id, _, ok := s.lru.RemoveOldest()
		if !ok {
			s.resident -= n
			return fmt.Errorf("%w: memory budget of %d bytes exhausted", common.ErrOutOfSpace, s.opts.MemoryBudget)
		}
		if err := s.evictLocked(ctx, s.blocks[id]); err != nil {
			s.resident -= n
			return err
		}
	}
	return nil
}

// evictLocked migrates b to the spill area. Called with s.mu held; the lock is
// released while bytes are written. The resident copy is dropped only after the
// spill copy is durable, so a failed migration loses nothing.
func (s *Store) evictLocked(ctx context.Context, b *block) error {
	if !b.onDisk {
		data := b.data
		s.mu.Unlock()
		sum := blake3.Sum256(data)
		err := s.opts.Spill.Put(ctx, b.id, data)
		s.mu.Lock()

		if err != nil {
			s.evictFailures++
			if !b.dead {
				s.lru.Add(b.id, struct{}{})
			}
			return fmt.Errorf("spill block %d: %w", b.id, err)
		}
		if b.dead {
			s.mu.Unlock()
			s.dropSpill(b.id)
			s.mu.Lock()
			return nil
		}
		b.sum = sum
		b.onDisk = true
		s.spills++
	}
	if b.data != nil && !b.dead {
		b.data = nil
		s.resident -= int64(b.size)
	}
	return nil
}

func (s *Store) dropSpill(id BlockID) {
	if err := s.opts.Spill.Delete(context.Background(), id); err != nil {
		log.Warnf("[Store] failed to delete spilled block %d: %v", id, err)
	}
}

// blockData returns the bytes of a live block, paging it in from the spill
// area when needed. The returned slice must not be modified.
func (s *Store) blockData(ctx context.Context, id BlockID) ([]byte, error) {
	s.mu.Lock()
	b, ok := s.blocks[id]
	if !ok {
		s.mu.Unlock()
		err := common.Invariant("block %d is not live", id)
		s.report(err)
		return nil, err
	}
	if b.data != nil {
		data := b.data
		s.lru.Get(id)
		s.mu.Unlock()
		return data, nil
	}
	s.mu.Unlock()

	b.load.Lock()
	defer b.load.Unlock()

	s.mu.Lock()
	if b.data != nil {
		data := b.data
		s.mu.Unlock()
		return data, nil
	}
	sum := b.sum
	s.mu.Unlock()

	data, err := s.opts.Spill.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("page in block %d: %w", id, err)
	}
	if blake3.Sum256(data) != sum {
		err := common.Invariant("block %d failed checksum verification on page-in", id)
		s.report(err)
		return nil, err
	}

	s.mu.Lock()
	s.pageIns++
	// Cache only when it fits; otherwise serve this read straight from disk.
	if !b.dead && b.data == nil && s.resident+int64(len(data)) <= s.opts.MemoryBudget {
		b.data = data
		s.resident += int64(len(data))
		s.lru.Add(id, struct{}{})
	}
	s.mu.Unlock()
	return data, nil
}

func (s *Store) incref(ids ...BlockID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if b, ok := s.blocks[id]; ok {
			b.refs++
		} else {
			s.report(common.Invariant("incref of dead block %d", id))
		}
	}
}

func (s *Store) decref(ids ...BlockID) {
	var drop []BlockID
	s.mu.Lock()
	for _, id := range ids {
		b, ok := s.blocks[id]
		if !ok {
			s.report(common.Invariant("decref of dead block %d", id))
			continue
		}
		b.refs--
		if b.refs > 0 {
			continue
		}
		b.dead = true
		delete(s.blocks, id)
		s.lru.Remove(id)
		if b.data != nil {
			s.resident -= int64(b.size)
			b.data = nil
		}
		if b.onDisk {
			drop = append(drop, id)
		}
	}
	s.mu.Unlock()
	for _, id := range drop {
		s.dropSpill(id)
	}
}

// Refs returns the reference count of a block, or 0 once reclaimed.
func (s *Store) Refs(id BlockID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blocks[id]; ok {
		return int(b.refs)
	}
	return 0
}

// Stats is a point-in-time view of the store.
type Stats struct {
	Blocks         int
	ResidentBlocks int
	ResidentBytes  int64
	MemoryBudget   int64
	SpillBytes     int64
	Spills         uint64
	PageIns        uint64
	EvictFailures  uint64
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	st := Stats{
		Blocks:         len(s.blocks),
		ResidentBlocks: s.lru.Len(),
		ResidentBytes:  s.resident,
		MemoryBudget:   s.opts.MemoryBudget,
		Spills:         s.spills,
		PageIns:        s.pageIns,
		EvictFailures:  s.evictFailures,
	}
	s.mu.Unlock()
	if s.opts.Spill != nil {
		st.SpillBytes = s.opts.Spill.Usage()
	}
	return st
}

// Capacity reports the memory budget and the spill area as one volume.
type Capacity struct {
	TotalBytes  uint64
	FreeBytes   uint64
	MemoryTotal uint64
	MemoryFree  uint64
	SpillUsed   uint64
	SpillFree   uint64
}

func (s *Store) Capacity() (Capacity, error) {
	s.mu.Lock()
	budget, resident := s.opts.MemoryBudget, s.resident
	s.mu.Unlock()

	c := Capacity{MemoryTotal: uint64(budget)}
	if resident < budget {
		c.MemoryFree = uint64(budget - resident)
	}
	if s.opts.Spill != nil {
		free, err := s.opts.Spill.Available()
		if err != nil {
			return Capacity{}, err
		}
		c.SpillUsed = uint64(s.opts.Spill.Usage())
		c.SpillFree = free
	}
	c.TotalBytes = c.MemoryTotal + c.SpillUsed + c.SpillFree
	c.FreeBytes = c.MemoryFree + c.SpillFree
	return c, nil
}
