// Package dstack is a demonstration client proving this module's claim
// that "typical clients build queues, stacks, lists, and hash maps on
// top" of the CORE: a Treiber-style durable stack whose Push and Pop
// are built entirely out of dcas.Execute, epoch deferred reclamation
// and a memento.Memento checkpoint, with no bespoke recovery logic of
// its own. Grounded on the original source's ds/ tree, which builds
// exactly this kind of structure directly on top of ploc/pepoch.
package dstack

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"github.com/persistex/pmcore/dcas"
	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/handle"
	"github.com/persistex/pmcore/internal/spin"
	"github.com/persistex/pmcore/internal/vtable"
	"github.com/persistex/pmcore/memento"
	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/persist"
	"github.com/persistex/pmcore/pmerr"
	"github.com/persistex/pmcore/pmpool"
)

// Node is one pool-resident stack cell: a value and the raw bits of
// the Offset it pointed to at push time. Next is a plain uint64 rather
// than a TaggedAtomic: once a node is linked under the head, its Next
// field is never mutated again — only the head pointer itself moves —
// so it needs no atomicity beyond the one persist that installs it
// before the node is ever made reachable.
type Node[T any] struct {
	Value T
	Next  uint64
}

// stackHeader is the pool-resident block a Stack's root index points at.
// head is the literal word every DCAS in Push/Pop targets — wrapping it
// directly with offset.WrapTaggedAtomic means a successful CAS's own
// persist.Persist already durably publishes the new top, with no
// separate SetRoot republish step needed afterwards. pendingBase is the
// pool-relative Offset of this stack's per-tid pending-allocation table,
// allocated once on first use and then found at a fixed location on every
// later New, including one in a freshly started process.
type stackHeader struct {
	head        uint64
	pendingBase uint64
}

// Stack is a durable, lock-free LIFO built on a single TaggedAtomic
// head word. rootIdx identifies the pmpool.Pool root entry this
// stack's header is persisted under.
type Stack[T any] struct {
	pool *pmpool.Pool
	head *offset.TaggedAtomic[Node[T]]
	hdr  *stackHeader

	// pending is indexed by tid (1..=handle.MaxThreads) and checkpoints
	// the node offset a Push has allocated but not yet confirmed
	// installed, per this module's design: a thread recovering mid-Push reads
	// this back and reuses the allocation instead of leaking it and
	// waiting for pmpool's orphan sweep to notice. Each entry points at a
	// pool-resident memento.Memento record (see ensurePending), not a
	// heap-allocated one, so it survives the crash it exists to handle.
	pending [handle.MaxThreads + 1]*memento.Memento[uint64]
}

// ErrEmpty is returned by Pop when the stack holds no elements.
var ErrEmpty = errors.New("dstack: empty")

func nodeSize[T any]() uintptr  { return unsafe.Sizeof(Node[T]{}) }
func nodeAlign[T any]() uintptr { return unsafe.Alignof(Node[T]{}) }

// New attaches a Stack to pool root rootIdx. On a brand-new pool (root
// rootIdx still Nil) it allocates a fresh stackHeader and publishes its
// offset there; otherwise it reattaches to the header already persisted
// from a previous run, reconstructing head and the per-tid pending table
// from pool-resident state rather than zero-valued Go memory. It also
// registers this stack's Mark hook so pmpool.Open's recovery sweep can
// walk its chain (and the header/pending blocks themselves) instead of
// treating every live allocation as an orphan.
//
// New is expected to run once per process for a given (pool, rootIdx);
// concurrent first-time calls on the same pool/rootIdx would race on
// allocating the header, the same restriction ensurePending documents for
// the pending table.
func New[T any](pool *pmpool.Pool, rootIdx int) (*Stack[T], error) {
	hdrOff := pool.Root(rootIdx)
	if hdrOff.IsNil() {
		off, err := pool.Alloc(unsafe.Sizeof(stackHeader{}), unsafe.Alignof(stackHeader{}))
		if err != nil {
			return nil, err
		}
		pool.SetRoot(rootIdx, off)
		hdrOff = off
	}
	hdr := pmpool.PointerTo[stackHeader](pool, hdrOff)

	s := &Stack[T]{
		pool: pool,
		head: offset.WrapTaggedAtomic[Node[T]](&hdr.head),
		hdr:  hdr,
	}
	if err := s.ensurePending(); err != nil {
		return nil, err
	}
	vtable.Register(rootIdx, vtable.Entry{Mark: s.markFn})
	return s, nil
}

// ensurePending allocates this stack's per-tid pending-allocation table
// inside pool on first use (a single contiguous run of memento.Memento
// records, one per tid) and publishes its offset in hdr.pendingBase, then
// points every s.pending[tid] at its slot in that pool-resident table. A
// later New against the same header finds pendingBase already set and
// skips straight to reattaching.
//
// The CAS on pendingBase only guards against two goroutines racing the
// very first New call for this header; it is not a general-purpose lock.
func (s *Stack[T]) ensurePending() error {
	recordAlign := unsafe.Alignof(memento.Memento[uint64]{})
	recordSize := unsafe.Sizeof(memento.Memento[uint64]{})

	bits := atomic.LoadUint64(&s.hdr.pendingBase)
	if bits == 0 {
		off, err := s.pool.Alloc(recordSize*uintptr(len(s.pending)), recordAlign)
		if err != nil {
			return err
		}
		if atomic.CompareAndSwapUint64(&s.hdr.pendingBase, 0, off.Bits()) {
			persist.Persist(unsafe.Pointer(&s.hdr.pendingBase), 8)
			bits = off.Bits()
		} else {
			s.pool.Free(off, recordSize*uintptr(len(s.pending)), recordAlign)
			bits = atomic.LoadUint64(&s.hdr.pendingBase)
		}
	}

	alignShift := offset.AlignShiftOf[memento.Memento[uint64]]()
	base := s.pool.OffsetToAddr(offset.FromBits(bits), alignShift)
	for i := range s.pending {
		s.pending[i] = (*memento.Memento[uint64])(unsafe.Add(base, uintptr(i)*recordSize))
	}
	return nil
}

// markFn walks the chain from hdr.head, reporting the header block, the
// pending table block and every live node's byte offset, so
// pmpool.Open's recovery sweep can tell this stack's own allocations
// apart from genuine orphans without knowing Node[T]'s shape itself.
func (s *Stack[T]) markFn(root offset.Offset, mark func(uintptr)) {
	hdrAlignShift := offset.AlignShiftOf[stackHeader]()
	mark(root.ByteOffset(hdrAlignShift))

	if bits := atomic.LoadUint64(&s.hdr.pendingBase); bits != 0 {
		pendingAlignShift := offset.AlignShiftOf[memento.Memento[uint64]]()
		mark(offset.FromBits(bits).ByteOffset(pendingAlignShift))
	}

	nodeAlignShift := offset.AlignShiftOf[Node[T]]()
	cur := offset.FromBits(atomic.LoadUint64(&s.hdr.head)).WithDesc(false).WithAux(false)
	for !cur.IsNil() {
		mark(cur.ByteOffset(nodeAlignShift))
		node := pmpool.PointerTo[Node[T]](s.pool, cur)
		cur = offset.FromBits(node.Next)
	}
}

// Push installs value as the new top of the stack. h's tid scopes the
// allocation-reuse checkpoint; concurrent Push/Pop calls from distinct
// Handles are safe, matching this module's per-Guard ordering guarantee.
func (s *Stack[T]) Push(h *handle.Handle, value T) error {
	tid := h.TID()

	var nodeOff offset.Offset
	if h.Rec() {
		if v, ok := s.pending[tid].Read(); ok && v != 0 {
			nodeOff = offset.FromBits(v)
		}
	}
	if nodeOff.IsNil() {
		off, err := h.Pool().Alloc(nodeSize[T](), nodeAlign[T]())
		if err != nil {
			return err
		}
		nodeOff = off
		s.pending[tid].Checkpoint(nodeOff.Bits())
	}

	node := pmpool.PointerTo[Node[T]](h.Pool(), nodeOff)
	node.Value = value

	b := spin.Backoff{}
	for {
		old := s.head.Load()
		node.Next = old.WithDesc(false).WithAux(false).Bits()
		persist.PersistObj(node)

		newHead := nodeOff.WithDesc(false).WithAux(false)
		ok, err := dcas.Execute(s.head, old, newHead, h)
		if err != nil {
			if errors.Is(err, pmerr.ErrConflict) {
				b.Snooze()
				continue
			}
			return err
		}
		if ok {
			// dcas.Execute's own CAS+persist already made hdr.head (the
			// word s.head wraps) durably show newHead; there is nothing
			// left to republish.
			s.pending[tid].Checkpoint(0)
			return nil
		}
	}
}

// Pop removes and returns the current top of the stack. It reports
// ErrEmpty rather than an error wrapping it, since an empty stack is
// an expected outcome, not a failure of the CAS protocol.
func (s *Stack[T]) Pop(h *handle.Handle) (T, error) {
	var zero T
	b := spin.Backoff{}
	for {
		old := s.head.Load()
		logical := old.WithDesc(false).WithAux(false)
		if logical.IsNil() {
			return zero, ErrEmpty
		}

		node := pmpool.PointerTo[Node[T]](h.Pool(), logical)
		newHead := offset.FromBits(node.Next).WithDesc(false).WithAux(false)

		ok, err := dcas.Execute(s.head, old, newHead, h)
		if err != nil {
			if errors.Is(err, pmerr.ErrConflict) {
				b.Snooze()
				continue
			}
			return zero, err
		}
		if ok {
			value := node.Value

			poppedOff := logical
			key := epoch.KeyForOffset(uint64(poppedOff.ByteOffset(offset.AlignShiftOf[Node[T]]())))
			size, align := nodeSize[T](), nodeAlign[T]()
			h.Guard().DeferDestroy(&key, func() {
				s.pool.Free(poppedOff, size, align)
			})
			return value, nil
		}
	}
}
