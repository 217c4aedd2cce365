package epoch

import (
	"encoding/binary"
	"hash/fnv"
	"sync"
)

// bagCapacity matches this module's "full at a fixed capacity (40 for
// normal builds, 4 under sanitizers)". This module only ships the normal
// build; a sanitizer-sized bag adds a build-tag variant with no other
// caller that would exercise it, so it is not wired.
const bagCapacity = 40

// Deferred is one retired-object record, carrying the destructor to run,
// an optional de-duplication key, and the argument it closed over.
type Deferred struct {
	Key *uint64
	Run func()
}

// KeyForOffset folds a pool-relative byte offset into a Deferred dedup
// key via FNV-1a, so a data structure (dstack's Pop) can key a node's
// destructor on its address without the epoch package ever seeing the
// node's actual type.
func KeyForOffset(byteOffset uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], byteOffset)
	_, _ = h.Write(buf[:])
	return h.Sum64()
}

// bagPool recycles the backing slice for a Bag's deferred list, the same
// victim-cache idea the standard library's sync.Pool implements for free objects
// of a given size class — here the size class is always bagCapacity.
var bagPool = sync.Pool{
	New: func() any {
		s := make([]Deferred, 0, bagCapacity)
		return &s
	},
}

// Bag accumulates Deferred records for a single pinned participant. It is
// owned exclusively by its Local in the steady state (this module's
// "accessed only by their owning thread" policy).
type Bag struct {
	items *[]Deferred
}

func newBag() *Bag {
	items := bagPool.Get().(*[]Deferred)
	*items = (*items)[:0]
	return &Bag{items: items}
}

// Len reports the number of deferred records currently held.
func (b *Bag) Len() int { return len(*b.items) }

// Full reports whether the next Push would exceed bagCapacity.
func (b *Bag) Full() bool { return len(*b.items) >= bagCapacity }

// Push appends a Deferred record. Callers must check Full first; Bag does
// not grow past bagCapacity so a sealed bag's backing array is always
// reusable from bagPool.
func (b *Bag) Push(d Deferred) {
	*b.items = append(*b.items, d)
}

// seal de-duplicates by Key (last writer for a given key wins, matching
// this module's "two deferreds with the same key in the same bag are
// de-duplicated before sealing") and returns a SealedBag tagged with the
// given epoch. The Bag's slice is handed to the SealedBag; a fresh one is
// not allocated here since the caller replaces this Bag with a new one.
func (b *Bag) seal(at Epoch) *SealedBag {
	items := *b.items
	if len(items) == 0 {
		bagPool.Put(b.items)
		return nil
	}

	seen := make(map[uint64]int, len(items))
	out := items[:0:len(items)]
	for _, d := range items {
		if d.Key == nil {
			out = append(out, d)
			continue
		}
		if idx, ok := seen[*d.Key]; ok {
			out[idx] = d
			continue
		}
		seen[*d.Key] = len(out)
		out = append(out, d)
	}

	sealed := &SealedBag{epoch: at, deferred: append([]Deferred(nil), out...)}
	recycled := items[:0]
	b.items = &recycled
	bagPool.Put(b.items)
	return sealed
}

// release returns the Bag's backing array to bagPool. Called when a Local
// is torn down with an empty bag.
func (b *Bag) release() {
	if b.items != nil {
		bagPool.Put(b.items)
		b.items = nil
	}
}

// SealedBag is a Bag tagged with the global epoch at seal time, queued for
// collection once the global epoch has advanced ≥2 beyond it.
type SealedBag struct {
	epoch    Epoch
	deferred []Deferred
}

// Epoch reports the epoch this bag was sealed at.
func (s *SealedBag) Epoch() Epoch { return s.epoch }

// run executes every deferred destructor in the bag, in insertion order.
func (s *SealedBag) run() {
	for _, d := range s.deferred {
		if d.Run != nil {
			d.Run()
		}
	}
}
