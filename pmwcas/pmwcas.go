package pmwcas

import (
	"unsafe"

	"github.com/persistex/pmcore/internal/spin"
	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/persist"
	"github.com/persistex/pmcore/pmpool"
)

// descPointer encodes a pointer to a descRaw allocated at off into an
// Offset: the Desc bit set, and a payload packed into the offset/low_tag
// region (alignShift=0 exposes the full 42-bit field) holding off's own
// pool-relative byte offset shifted left one bit, with the low bit
// marking whether this is the ephemeral RDCSS install stage or the
// final, fully-installed PMwCAS descriptor pointer — the two kinds of
// descriptor pointer this module's Install step distinguishes ("another
// RDCSS pointer" vs "a PMwCAS descriptor pointer"). Encoding off itself
// (rather than a process-local registry id) is what lets any thread,
// including one in a freshly started process, decode a target word
// straight back into a resolvable pool address.
func descPointer(off offset.Offset, rdcssStage bool) offset.Offset {
	raw := uint64(off.ByteOffset(descAlignShift))
	val := raw << 1
	if rdcssStage {
		val |= 1
	}
	return offset.Nil.WithDesc(true).WithByteOffset(uintptr(val), 0)
}

func decodeDescPointer(o offset.Offset) (off offset.Offset, rdcssStage bool) {
	val := uint64(o.ByteOffset(0))
	raw := val >> 1
	return offset.Nil.WithByteOffset(uintptr(raw), descAlignShift), val&1 != 0
}

func findWordIndex(d *Descriptor, target Word) int {
	addr := target.Addr()
	for i := range d.words {
		if d.words[i].target.Addr() == addr {
			return i
		}
	}
	return -1
}

// completeRdcss advances word i from the ephemeral RDCSS-stage pointer to
// the final PMwCAS-descriptor-stage pointer, the "complete_install" step
// this module's design names. A losing CAS here means another helper already did
// it; both outcomes leave the word in the same state.
func (d *Descriptor) completeRdcss(i int) {
	if i < 0 {
		return
	}
	w := &d.words[i]
	rdcss := descPointer(d.offset, true)
	final := descPointer(d.offset, false)
	w.target.CompareAndSwap(rdcss, final)
}

// installWord runs the per-word loop of this module's Install step:
// RDCSS the target from old to our descriptor pointer, helping any
// descriptor (RDCSS-stage or fully-installed) already occupying the word
// before retrying. Every descriptor pointer resolves to pool bytes that
// are always there (resolveDescriptor never returns "not found"), so a
// descriptor a crash interrupted can always be helped to completion
// instead of stalling a helper forever.
func (d *Descriptor) installWord(i int) bool {
	w := &d.words[i]
	b := spin.Backoff{}
	for {
		cur := w.target.Load()
		if cur.Desc() {
			descOff, stage := decodeDescPointer(cur)
			other := resolveDescriptor(d.pool, descOff)
			if other.offset == d.offset {
				w.installed = true
				return true
			}
			if stage {
				other.completeRdcss(findWordIndex(other, w.target))
			} else {
				other.Commit()
			}
			continue
		}

		if cur.Bits() != w.old.Bits() {
			return false
		}

		rdcss := descPointer(d.offset, true)
		if w.target.CompareAndSwap(cur, rdcss) {
			d.completeRdcss(i)
			w.installed = true
			return true
		}
		b.Snooze()
	}
}

// install runs the Install phase over every word in ascending address
// order, per this module's deadlock-avoidance invariant.
func (d *Descriptor) install() bool {
	d.sortWords()
	for i := range d.words {
		if !d.installWord(i) {
			return false
		}
	}
	return true
}

// Commit runs this module's full two-phase protocol — Install, then
// decide and persist status, then replace every installed word's
// descriptor pointer with the literal outcome — and is safe to call more
// than once or from a helper thread that only resolved this Descriptor
// from pool bytes; every step is a CAS guarded by the word's current
// value, so a second caller's redundant attempt is a no-op.
//
// The descRaw backing this Descriptor is deliberately never freed: a
// helper can be resolving it from a stale descriptor pointer concurrently
// with this call finishing, and reclaiming the block (unlike in the
// volatile-registry design this replaced, where a stale id just meant a
// map miss) would be a genuine PM use-after-free. Descriptors are small
// and fixed-size, so the module accepts this as a bounded, documented
// leak rather than add epoch-deferred reclamation this design never
// called for.
func (d *Descriptor) Commit() bool {
	ok := d.install()

	var final Status
	if ok {
		final = Succeeded
	} else {
		final = Failed
	}
	// Linearization point: this status transition.
	d.raw.status.CompareAndSwap(statusBits(Undecided, false), statusBits(final, true))
	persist.Persist(unsafe.Pointer(&d.raw.status), 4)
	s, _ := decodeStatus(d.raw.status.Load())

	for i := range d.words {
		w := &d.words[i]
		if !w.installed {
			continue
		}
		var resolved offset.Offset
		if s == Succeeded {
			resolved = w.new
		} else {
			resolved = w.old
		}
		expect := descPointer(d.offset, false)
		cur := w.target.Load()
		if cur.Bits() == expect.Bits() {
			w.target.CompareAndSwap(cur, resolved)
		}
		persist.Persist(w.target.Addr(), 8)
	}
	persist.Sfence()

	return s == Succeeded
}

// Entry is one {target,old,new} triple for the Execute convenience.
type Entry struct {
	Target Word
	Old    offset.Offset
	New    offset.Offset
}

// Execute allocates a Descriptor in pool, builds it from entries and
// commits it in one call, for callers that don't need to hold the
// Descriptor across a crash boundary themselves.
func Execute(pool *pmpool.Pool, entries ...Entry) (bool, error) {
	d, err := NewDescriptor(pool)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		d.AddWord(e.Target, e.Old, e.New)
	}
	return d.Commit(), nil
}
