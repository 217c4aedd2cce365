package epoch

import (
	"sort"
	"unsafe"

	"github.com/persistex/pmcore/persist"
)

// dirtyRange is one {ptr,len} pair awaiting a flush, per this module's
// "persist_set (sorted set of {ptr,len} pairs by ptr)".
type dirtyRange struct {
	ptr uintptr
	len uintptr
}

// persistSet is a small, owning-thread-only sorted set, kept ordered by
// ptr the way the standard library's sort.Slice orders any small in-memory slice
// rather than reaching for a tree structure nobody here needs.
type persistSet struct {
	entries []dirtyRange
}

// insert adds {ptr,len} in sorted position. Set semantics: a second
// insert of the same ptr overwrites the length rather than duplicating
// the entry, matching this module's "set semantics".
func (s *persistSet) insert(ptr unsafe.Pointer, length uintptr) {
	p := uintptr(ptr)
	i := sort.Search(len(s.entries), func(i int) bool { return s.entries[i].ptr >= p })
	if i < len(s.entries) && s.entries[i].ptr == p {
		s.entries[i].len = length
		return
	}
	s.entries = append(s.entries, dirtyRange{})
	copy(s.entries[i+1:], s.entries[i:])
	s.entries[i] = dirtyRange{ptr: p, len: length}
}

// flush persists every entry in ptr order with persist;sfence and clears
// the set, per this module's design: "On unpin and on repin across an epoch
// change, every entry is flushed with persist;sfence and the set is
// cleared."
func (s *persistSet) flush() {
	if len(s.entries) == 0 {
		return
	}
	for _, e := range s.entries {
		persist.Persist(unsafe.Pointer(e.ptr), e.len)
	}
	persist.Sfence()
	s.entries = s.entries[:0]
}

func (s *persistSet) len() int { return len(s.entries) }
