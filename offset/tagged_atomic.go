package offset

import (
	"math/bits"
	"sync/atomic"
	"unsafe"
)

// TaggedAtomic is a single atomic 64-bit word storing an Offset. It is
// the building block every detectable-CAS and PMwCAS target word is
// made of (this module's design "TaggedAtomic<T>").
//
// T only determines the alignment used to split the offset/low_tag
// fields; TaggedAtomic never stores a T value or a live pointer — just
// the encoded Offset.
//
// word is a raw *uint64 rather than an embedded atomic.Uint64 so a
// TaggedAtomic can be built over memory it does not own: WrapTaggedAtomic
// points one directly at a field already living inside a pmpool-mapped
// region (a root-table slot, a header field), so the word a DCAS or
// PMwCAS operates on literally is the persistent-memory location, and no
// separate copy-back/republish step is needed to make a CAS durable.
// NewTaggedAtomic still heap-allocates its own word for callers (mostly
// tests) that only need a volatile tagged pointer.
type TaggedAtomic[T any] struct {
	word       *uint64
	alignShift uint
}

// AlignShiftOf returns log2(alignof(T)), the number of trailing bits an
// aligned offset of T always has free for a low_tag.
func AlignShiftOf[T any]() uint {
	var zero T
	return uint(bits.TrailingZeros64(uint64(unsafe.Alignof(zero))))
}

// NewTaggedAtomic constructs a heap-backed TaggedAtomic[T] holding
// initial. Use WrapTaggedAtomic instead when the word must live at a
// specific, already-allocated address (in particular, inside a pmpool
// region).
func NewTaggedAtomic[T any](initial Offset) *TaggedAtomic[T] {
	word := new(uint64)
	*word = initial.Bits()
	return &TaggedAtomic[T]{word: word, alignShift: AlignShiftOf[T]()}
}

// WrapTaggedAtomic builds a TaggedAtomic[T] over an existing word instead
// of allocating one, so DCAS/PMwCAS operate on that exact memory. word
// must already be 8-byte aligned (true of any pmpool.PointerTo/OffsetToAddr
// result and of pmpool's own header fields); callers typically pass the
// address of a pool-resident uint64 — a root-table slot or a struct field
// allocated inside the pool — so every CompareAndSwap below persists the
// real persistent-memory location, not a volatile stand-in for it.
func WrapTaggedAtomic[T any](word *uint64) *TaggedAtomic[T] {
	return &TaggedAtomic[T]{word: word, alignShift: AlignShiftOf[T]()}
}

// AlignShift returns the alignment shift this TaggedAtomic was built with.
func (t *TaggedAtomic[T]) AlignShift() uint { return t.alignShift }

// Load reads the current Offset with acquire-or-stronger ordering.
func (t *TaggedAtomic[T]) Load() Offset { return FromBits(atomic.LoadUint64(t.word)) }

// Store writes a new Offset with release-or-stronger ordering.
func (t *TaggedAtomic[T]) Store(o Offset) { atomic.StoreUint64(t.word, o.Bits()) }

// Swap atomically replaces the current Offset and returns the previous
// value.
func (t *TaggedAtomic[T]) Swap(o Offset) Offset {
	return FromBits(atomic.SwapUint64(t.word, o.Bits()))
}

// Addr returns the address of the underlying word, for persist.Persist to
// flush directly. When built via WrapTaggedAtomic over a pmpool address,
// this is the pool's own backing memory, so the flush is genuinely
// persisting the word rather than a disconnected heap copy of it.
func (t *TaggedAtomic[T]) Addr() unsafe.Pointer { return unsafe.Pointer(t.word) }

// CompareAndSwap installs new iff the current value equals old. Go's
// atomic primitives have no separate "weak" CAS (spurious failure is
// never observed on this platform's atomic words), so this single
// method serves both the "strong" and "weak" compare-exchange forms
// callers may expect.
func (t *TaggedAtomic[T]) CompareAndSwap(old, new Offset) bool {
	return atomic.CompareAndSwapUint64(t.word, old.Bits(), new.Bits())
}
