package storage

import (
	"context"
	"fmt"
	"io"
	"math"
	"slices"
	"sort"
	"sync/atomic"

	"agentfs/internal/common"
)

type extent struct {
	index int64 // block index within the stream
	id    BlockID
}

// Stream is an immutable byte sequence made of block extents. Indices without
// an extent are sparse and read as zeros. A nil *Stream is the empty stream.
//
// Streams are reference counted: every holder (a node version) owns one
// reference, and the last Release drops the stream's block references.
type Stream struct {
	refs    atomic.Int32
	size    int64
	extents []extent // sorted by index
}

func newStream(size int64, extents []extent) *Stream {
	st := &Stream{size: size, extents: extents}
	st.refs.Store(1)
	return st
}

// Size returns the logical length.
func (st *Stream) Size() int64 {
	if st == nil {
		return 0
	}
	return st.size
}

// BlockIDs returns the blocks backing the stream in index order.
func (st *Stream) BlockIDs() []BlockID {
	if st == nil {
		return nil
	}
	ids := make([]BlockID, len(st.extents))
	for i, e := range st.extents {
		ids[i] = e.id
	}
	return ids
}

func (st *Stream) cloneExtents() []extent {
	if st == nil {
		return nil
	}
	return slices.Clone(st.extents)
}

func findExtent(ext []extent, index int64) (int, bool) {
	i := sort.Search(len(ext), func(i int) bool { return ext[i].index >= index })
	return i, i < len(ext) && ext[i].index == index
}

func setExtent(ext []extent, index int64, id BlockID) []extent {
	i, ok := findExtent(ext, index)
	if ok {
		ext[i].id = id
		return ext
	}
	return slices.Insert(ext, i, extent{index: index, id: id})
}

// Retain adds a reference to st and returns it.
func (s *Store) Retain(st *Stream) *Stream {
	if st != nil {
		st.refs.Add(1)
	}
	return st
}

// Release drops a reference. The last release frees the stream's blocks.
func (s *Store) Release(st *Stream) {
	if st == nil {
		return
	}
	switch n := st.refs.Add(-1); {
	case n == 0:
		s.decref(st.BlockIDs()...)
	case n < 0:
		s.report(common.Invariant("stream released %d times too often", -n))
	}
}

// Read copies bytes at off into p. Sparse ranges read as zeros. It returns
// io.EOF when fewer than len(p) bytes remain.
func (s *Store) Read(ctx context.Context, st *Stream, off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative offset %d", common.ErrInvalidArgument, off)
	}
	size := st.Size()
	if off >= size {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := len(p)
	if rem := size - off; int64(n) > rem {
		n = int(rem)
	}

	bs := int64(s.opts.BlockSize)
	for done := 0; done < n; {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		pos := off + int64(done)
		inner := int(pos % bs)
		chunk := min(n-done, int(bs)-inner)
		dst := p[done : done+chunk]

		if i, ok := findExtent(st.extents, pos/bs); ok {
			data, err := s.blockData(ctx, st.extents[i].id)
			if err != nil {
				return done, err
			}
			c := 0
			if inner < len(data) {
				c = copy(dst, data[inner:])
			}
			clear(dst[c:])
		} else {
			clear(dst)
		}
		done += chunk
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// Write returns a new stream equal to st with p written at off. The result
// carries one reference owned by the caller; st is left untouched. A write
// past the end leaves the gap sparse.
func (s *Store) Write(ctx context.Context, st *Stream, off int64, p []byte) (*Stream, error) {
	if off < 0 {
		return nil, fmt.Errorf("%w: negative offset %d", common.ErrInvalidArgument, off)
	}
	if off > math.MaxInt64-int64(len(p)) {
		return nil, fmt.Errorf("%w: write of %d bytes at %d overflows the stream", common.ErrInvalidArgument, len(p), off)
	}
	if len(p) == 0 {
		if st == nil {
			return newStream(0, nil), nil
		}
		return s.Retain(st), nil
	}

	bs := int64(s.opts.BlockSize)
	end := off + int64(len(p))
	ext := st.cloneExtents()
	var fresh []BlockID

	for pos := off; pos < end; {
		idx := pos / bs
		inner := int(pos % bs)
		chunk := int(min(end-pos, bs-int64(inner)))

		var prev []byte
		if i, ok := findExtent(ext, idx); ok {
			data, err := s.blockData(ctx, ext[i].id)
			if err != nil {
				s.decref(fresh...)
				return nil, err
			}
			prev = data
		}
		buf := make([]byte, max(len(prev), inner+chunk))
		copy(buf, prev)
		copy(buf[inner:], p[pos-off:pos-off+int64(chunk)])

		id, err := s.alloc(ctx, buf)
		if err != nil {
			s.decref(fresh...)
			return nil, err
		}
		fresh = append(fresh, id)
		ext = setExtent(ext, idx, id)
		pos += int64(chunk)
	}

	s.retainInherited(ext, fresh)
	return newStream(max(st.Size(), end), ext), nil
}

// Truncate returns a new stream of the given size. Shrinking drops blocks past
// the end and rewrites a partial tail block so that later growth reads zeros.
func (s *Store) Truncate(ctx context.Context, st *Stream, size int64) (*Stream, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", common.ErrInvalidArgument, size)
	}
	ext := st.cloneExtents()
	if size >= st.Size() {
		s.retainInherited(ext, nil)
		return newStream(size, ext), nil
	}

	bs := int64(s.opts.BlockSize)
	keep, _ := findExtent(ext, (size+bs-1)/bs)
	ext = ext[:keep]

	var fresh []BlockID
	if tail := int(size % bs); tail != 0 {
		if i, ok := findExtent(ext, size/bs); ok {
			data, err := s.blockData(ctx, ext[i].id)
			if err != nil {
				return nil, err
			}
			if len(data) > tail {
				buf := make([]byte, tail)
				copy(buf, data)
				id, err := s.alloc(ctx, buf)
				if err != nil {
					return nil, err
				}
				fresh = append(fresh, id)
				ext[i].id = id
			}
		}
	}
	s.retainInherited(ext, fresh)
	return newStream(size, ext), nil
}

// retainInherited takes a reference on every block in ext that was not just
// allocated (fresh blocks already carry their reference).
func (s *Store) retainInherited(ext []extent, fresh []BlockID) {
	inherited := make([]BlockID, 0, len(ext))
	for _, e := range ext {
		if !slices.Contains(fresh, e.id) {
			inherited = append(inherited, e.id)
		}
	}
	if len(inherited) > 0 {
		s.incref(inherited...)
	}
}
