// Package vtable implements collectable dispatch for recovery sweeps:
// the Filter/Mark hooks a recovery sweep needs are polymorphic over
// whatever type lives at each root-table index, and Go has no
// inheritance to hang them off of. The chosen model — function
// pointers in a static table keyed by root index — is implemented
// directly on sync.Map, the standard library's own read-mostly
// concurrent map (sync/map.go): registration happens once per data
// structure type at startup (write-rarely), and lookups happen on every
// recovery sweep and GC mark pass (read-mostly) — exactly the access
// pattern sync.Map is optimized for.
package vtable

import (
	"sort"
	"sync"

	"github.com/persistex/pmcore/offset"
)

// MarkFunc is invoked once per registered root during a recovery sweep
// with that root's current Offset. The implementation walks its own
// structure starting from root and calls mark with the pool-relative
// byte offset of every block it owns, so pmpool can tell reachable
// allocations apart from orphans. It deals in raw byte offsets rather
// than typed Offsets because the alignment (and therefore the
// offset/low_tag split) is known only to the data structure being
// marked, not to this package.
type MarkFunc func(root offset.Offset, mark func(blockByteOffset uintptr))

// FilterFunc reports whether a block discovered while marking a root is
// still considered part of that root's live set (used to prune
// tombstoned or logically-deleted entries before they are counted as
// reachable).
type FilterFunc func(blockByteOffset uintptr) bool

// Entry is the {filter, mark} capability pair registered per root index.
type Entry struct {
	Filter FilterFunc
	Mark   MarkFunc
}

var registry sync.Map // map[int]Entry

// Register installs the {filter, mark} pair for rootIndex. Registering
// the same index twice overwrites the previous entry — callers
// typically do this once, at package init time, for each data structure
// that claims a root.
func Register(rootIndex int, entry Entry) {
	registry.Store(rootIndex, entry)
}

// Lookup returns the entry registered for rootIndex, if any.
func Lookup(rootIndex int) (Entry, bool) {
	v, ok := registry.Load(rootIndex)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Sweep calls fn for every registered root index, in ascending order, so
// pmpool.Open can run a deterministic mark phase over all known roots
// during recovery.
func Sweep(fn func(rootIndex int, entry Entry)) {
	indices := make([]int, 0)
	entries := make(map[int]Entry)
	registry.Range(func(key, value any) bool {
		idx := key.(int)
		indices = append(indices, idx)
		entries[idx] = value.(Entry)
		return true
	})
	sort.Ints(indices)
	for _, idx := range indices {
		fn(idx, entries[idx])
	}
}
