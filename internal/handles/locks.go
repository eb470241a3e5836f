package handles

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"agentfs/internal/common"
	"agentfs/internal/tree"
)

// Lock is a byte-range lock record. A Len of 0 extends to the end of file,
// including any future growth.
type Lock struct {
	Handle    ID
	Owner     common.Identity
	Off       int64
	Len       int64
	Exclusive bool
}

func (l Lock) end() int64 {
	if l.Len == 0 || l.Off > math.MaxInt64-l.Len {
		return math.MaxInt64
	}
	return l.Off + l.Len
}

func (l Lock) overlaps(off, end int64) bool {
	return l.Off < end && off < l.end()
}

func rangeEnd(off, n int64) int64 {
	return Lock{Off: off, Len: n}.end()
}

// lockList holds the locks of one object ordered by offset. Locks of the
// same offset keep acquisition order.
type lockList []Lock

func cmpOff(l Lock, off int64) int { return cmp.Compare(l.Off, off) }

// startingBefore returns the locks whose range begins before end. Only these
// can overlap a range that ends there.
func (ls lockList) startingBefore(end int64) lockList {
	i, _ := slices.BinarySearchFunc(ls, end, cmpOff)
	return ls[:i]
}

func (ls lockList) insert(l Lock) lockList {
	i, _ := slices.BinarySearchFunc(ls, l.Off+1, cmpOff)
	if l.Off == math.MaxInt64 {
		i = len(ls)
	}
	return slices.Insert(ls, i, l)
}

// index finds the lock of h with exactly the range off+n, or -1.
func (ls lockList) index(h ID, off, n int64) int {
	i, _ := slices.BinarySearchFunc(ls, off, cmpOff)
	for ; i < len(ls) && ls[i].Off == off; i++ {
		if ls[i].Handle == h && ls[i].Len == n {
			return i
		}
	}
	return -1
}

func (t *Table) dropLocksLocked(k key, match func(Lock) bool) {
	ls := slices.DeleteFunc(t.locks[k], match)
	if len(ls) == 0 {
		delete(t.locks, k)
		return
	}
	t.locks[k] = ls
}

// Lock acquires a byte-range lock for h. Overlapping locks of the same handle
// never conflict; across handles an exclusive lock conflicts with any
// overlapping lock.
func (t *Table) Lock(h *Handle, off, n int64, exclusive bool) error {
	if off < 0 || n < 0 {
		return fmt.Errorf("%w: lock range %d+%d", common.ErrInvalidArgument, off, n)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handles[h.ID]; !ok {
		return fmt.Errorf("handle %d: %w", h.ID, common.ErrStaleHandle)
	}
	k := key{h.Ino, h.Stream}
	end := rangeEnd(off, n)
	for _, l := range t.locks[k].startingBefore(end) {
		if l.Handle != h.ID && l.overlaps(off, end) && (l.Exclusive || exclusive) {
			return fmt.Errorf("range %d+%d locked by handle %d: %w", off, n, l.Handle, common.ErrConflict)
		}
	}
	t.locks[k] = t.locks[k].insert(Lock{Handle: h.ID, Owner: h.Owner, Off: off, Len: n, Exclusive: exclusive})
	return nil
}

// Unlock releases the lock of h with exactly the given range.
func (t *Table) Unlock(h *Handle, off, n int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key{h.Ino, h.Stream}
	i := t.locks[k].index(h.ID, off, n)
	if i < 0 {
		return fmt.Errorf("no lock at %d+%d for handle %d: %w", off, n, h.ID, common.ErrNotFound)
	}
	t.locks[k] = slices.Delete(t.locks[k], i, i+1)
	if len(t.locks[k]) == 0 {
		delete(t.locks, k)
	}
	return nil
}

// CheckIO enforces locks held by other handles on an I/O range: reads are
// blocked by exclusive locks, writes by any lock.
func (t *Table) CheckIO(h *Handle, off, n int64, write bool) error {
	return t.check(key{h.Ino, h.Stream}, h.ID, off, n, write)
}

// CheckPath enforces every lock on an inode's default stream, for operations
// that arrive by path rather than through a handle.
func (t *Table) CheckPath(ino tree.Ino, off, n int64, write bool) error {
	return t.check(key{ino, ""}, 0, off, n, write)
}

func (t *Table) check(k key, self ID, off, n int64, write bool) error {
	if n == 0 {
		return nil
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	end := rangeEnd(off, n)
	for _, l := range t.locks[k].startingBefore(end) {
		if l.Handle == self || !l.overlaps(off, end) {
			continue
		}
		if write || l.Exclusive {
			return fmt.Errorf("range %d+%d locked by handle %d: %w", off, n, l.Handle, common.ErrConflict)
		}
	}
	return nil
}

// Locks returns the lock records of h's object ordered by offset, for
// diagnostics.
func (t *Table) Locks(h *Handle) []Lock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return []Lock(slices.Clone(t.locks[key{h.Ino, h.Stream}]))
}
