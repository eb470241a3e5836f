package tree

import (
	"slices"
	"sync"
)

const lockStripes = 1024

// lockSet linearizes operations on the same inode. Inodes hash onto a fixed
// set of mutexes; multi-inode operations take their stripes in ascending
// order, so two operations can never wait on each other in a cycle.
type lockSet struct {
	stripes [lockStripes]sync.Mutex
}

func stripeOf(ino Ino) int {
	// Fibonacci hashing spreads sequential inodes across stripes.
	return int((uint64(ino) * 0x9E3779B97F4A7C15) >> (64 - 10))
}

// lock acquires the stripes of every given inode and returns the release
// function. Zero inodes are ignored.
func (l *lockSet) lock(inos ...Ino) (unlock func()) {
	idx := make([]int, 0, len(inos))
	for _, ino := range inos {
		if ino != 0 {
			idx = append(idx, stripeOf(ino))
		}
	}
	slices.Sort(idx)
	idx = slices.Compact(idx)
	for _, i := range idx {
		l.stripes[i].Lock()
	}
	return func() {
		for i := len(idx) - 1; i >= 0; i-- {
			l.stripes[idx[i]].Unlock()
		}
	}
}
