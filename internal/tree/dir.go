package tree

import (
	"slices"
	"strings"

	"golang.org/x/text/cases"
)

// Dirent is one directory entry. Key is the lookup key: the name itself in
// case-sensitive trees, the case-folded name otherwise. Name keeps the
// spelling used at creation.
type Dirent struct {
	Key  string
	Name string
	Ino  Ino
	Kind Kind
}

// Dir is an immutable set of entries sorted by Key. A nil *Dir is empty.
type Dir struct {
	entries []Dirent
}

func (d *Dir) Len() int {
	if d == nil {
		return 0
	}
	return len(d.entries)
}

func (d *Dir) search(key string) (int, bool) {
	if d == nil {
		return 0, false
	}
	return slices.BinarySearchFunc(d.entries, key, func(e Dirent, k string) int {
		return strings.Compare(e.Key, k)
	})
}

// Get returns the entry with the given key.
func (d *Dir) Get(key string) (Dirent, bool) {
	i, ok := d.search(key)
	if !ok {
		return Dirent{}, false
	}
	return d.entries[i], true
}

// Entries returns the entries in key order. The slice must not be modified.
func (d *Dir) Entries() []Dirent {
	if d == nil {
		return nil
	}
	return d.entries
}

// After returns up to limit entries whose key sorts after the given key.
// A limit of 0 or less means no limit.
func (d *Dir) After(key string, limit int) []Dirent {
	if d == nil {
		return nil
	}
	i := 0
	if key != "" {
		var found bool
		i, found = d.search(key)
		if found {
			i++
		}
	}
	out := d.entries[i:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// With returns a copy of d with e inserted or replacing the entry with the
// same key.
func (d *Dir) With(e Dirent) *Dir {
	i, ok := d.search(e.Key)
	var entries []Dirent
	if ok {
		entries = slices.Clone(d.entries)
		entries[i] = e
	} else {
		entries = make([]Dirent, 0, d.Len()+1)
		entries = append(entries, d.Entries()[:i]...)
		entries = append(entries, e)
		entries = append(entries, d.Entries()[i:]...)
	}
	return &Dir{entries: entries}
}

// Without returns a copy of d without the entry for key.
func (d *Dir) Without(key string) *Dir {
	i, ok := d.search(key)
	if !ok {
		return d
	}
	return &Dir{entries: slices.Delete(slices.Clone(d.entries), i, i+1)}
}

// nameKey maps a display name to its lookup key.
func nameKey(name string, fold bool) string {
	if !fold {
		return name
	}
	// cases.Caser keeps state and is not safe for concurrent use.
	return cases.Fold().String(name)
}
