// Package pmwcas implements this module's design: an N-word (N≤4) persistent
// multi-word compare-and-swap using a descriptor protocol and an RDCSS
// install stage, so any thread that observes a partially-completed
// PMwCAS can help finish it instead of blocking.
package pmwcas

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/persist"
	"github.com/persistex/pmcore/pmpool"
)

// MaxWords is this module's MwCasDescriptor "words[k]" with k=4.
const MaxWords = 4

// Word is the minimal surface pmwcas needs from a target location.
// offset.TaggedAtomic[T] satisfies this for any T, so callers pass
// whatever tagged atomic their data structure already declared.
type Word interface {
	Load() offset.Offset
	CompareAndSwap(old, new offset.Offset) bool
	Addr() unsafe.Pointer
}

// Status is a PMwCAS descriptor's three-valued outcome (this module's design).
type Status uint32

const (
	Undecided Status = iota
	Succeeded
	Failed
)

// wordEntry is the live, in-process half of one {target,old,new} triple:
// an actual Word a helper can call Load/CompareAndSwap on, alongside the
// raw Offsets it was built from.
type wordEntry struct {
	target    Word
	old       offset.Offset
	new       offset.Offset
	installed bool
}

// rawWordEntry is the PM-resident half of the same triple: just the
// target word's pool-relative byte offset plus old/new, enough for
// resolveDescriptor to rebuild a wordEntry (and therefore a usable Word)
// from nothing but pool bytes — no live Go pointer required.
type rawWordEntry struct {
	addr uint64
	old  uint64
	new  uint64
}

// descRaw is the pool-resident body of a Descriptor: {status, count,
// words[k]}, allocated once via pool.Alloc. Its own pool-relative offset
// is what descPointer encodes into a target word in place of a
// process-local id, so any thread — including one in a freshly started
// process that crashed mid-PMwCAS — can resolve the descriptor a word's
// descriptor pointer refers to by reading these bytes straight out of the
// pool, rather than consulting a registry that only exists in the
// crashed process's memory.
type descRaw struct {
	status atomic.Uint32 // low 2 bits: Status; bit 2: DIRTY
	count  uint32
	words  [MaxWords]rawWordEntry
}

var descAlignShift = offset.AlignShiftOf[descRaw]()

// Descriptor is this module's MwCasDescriptor, backed by a descRaw
// allocated inside pool. words mirrors raw.words with live Word values:
// built up by AddWord on the owning thread's path, or rebuilt by
// resolveDescriptor on a helper's (or a recovering process's) path.
type Descriptor struct {
	pool   *pmpool.Pool
	offset offset.Offset
	raw    *descRaw
	words  []wordEntry
}

func statusBits(s Status, dirty bool) uint32 {
	v := uint32(s)
	if dirty {
		v |= 1 << 2
	}
	return v
}

func decodeStatus(bits uint32) (Status, bool) {
	return Status(bits & 0x3), bits&(1<<2) != 0
}

// NewDescriptor allocates a fresh descRaw inside pool and returns a
// Descriptor with no words yet. Callers add up to MaxWords entries with
// AddWord before Commit.
func NewDescriptor(pool *pmpool.Pool) (*Descriptor, error) {
	off, err := pool.Alloc(unsafe.Sizeof(descRaw{}), unsafe.Alignof(descRaw{}))
	if err != nil {
		return nil, err
	}
	raw := pmpool.PointerTo[descRaw](pool, off)
	raw.status.Store(statusBits(Undecided, false))
	return &Descriptor{pool: pool, offset: off, raw: raw}, nil
}

// resolveDescriptor reconstructs the Descriptor already persisted at off
// inside pool. It is how a helper thread (or a fresh process recovering
// after a crash) finishes a PMwCAS it did not start: off's bytes are
// always there in the pool, so unlike a volatile registry lookup this
// never fails with "not found" — only with genuinely corrupted state.
func resolveDescriptor(pool *pmpool.Pool, off offset.Offset) *Descriptor {
	raw := pmpool.PointerTo[descRaw](pool, off)
	d := &Descriptor{pool: pool, offset: off, raw: raw}

	n := int(raw.count)
	if n > MaxWords {
		n = MaxWords
	}
	d.words = make([]wordEntry, n)
	for i := 0; i < n; i++ {
		rw := raw.words[i]
		word := offset.Nil.WithByteOffset(uintptr(rw.addr), wordAlignShift)
		addr := (*uint64)(pool.OffsetToAddr(word, wordAlignShift))
		d.words[i] = wordEntry{
			target: offset.WrapTaggedAtomic[uint64](addr),
			old:    offset.FromBits(rw.old),
			new:    offset.FromBits(rw.new),
		}
	}
	return d
}

// wordAlignShift is the alignment every target word is addressed at: a
// plain 8-byte-aligned uint64, regardless of the T the original
// TaggedAtomic[T] was declared over (T only affects low_tag width, never
// where the word itself lives).
var wordAlignShift = offset.AlignShiftOf[uint64]()

// AddWord appends one {target,old,new} entry, both to the live word list
// and, persisted, to this descriptor's PM-resident copy. It panics past
// MaxWords, matching the design's fixed k≤4 bound rather than silently
// truncating.
func (d *Descriptor) AddWord(target Word, old, new offset.Offset) {
	if len(d.words) >= MaxWords {
		panic("pmwcas: descriptor already holds MaxWords entries")
	}
	i := len(d.words)
	d.words = append(d.words, wordEntry{target: target, old: old, new: new})

	addrOff := d.pool.AddrToOffset(target.Addr(), wordAlignShift)
	d.raw.words[i] = rawWordEntry{
		addr: uint64(addrOff.ByteOffset(wordAlignShift)),
		old:  old.Bits(),
		new:  new.Bits(),
	}
	persist.Persist(unsafe.Pointer(&d.raw.words[i]), unsafe.Sizeof(d.raw.words[i]))
	d.raw.count = uint32(len(d.words))
	persist.Persist(unsafe.Pointer(&d.raw.count), 4)
}

// sortWords orders entries ascending by target address, this module's
// deadlock-avoidance invariant ("the addresses in words are sorted
// ascending"). Grounded on the standard library's sort.Slice idiom.
func (d *Descriptor) sortWords() {
	sort.Slice(d.words, func(i, j int) bool {
		return uintptr(d.words[i].target.Addr()) < uintptr(d.words[j].target.Addr())
	})
}

func (d *Descriptor) Status() Status {
	s, _ := decodeStatus(d.raw.status.Load())
	return s
}
