// Package memento implements this module's Memento interface: a
// per-operation, per-thread persistent record that lets a recoverable
// operation checkpoint a value atomically with persistence, then read it
// back after a crash to decide whether to resume or re-execute.
package memento

import (
	"sync/atomic"
	"unsafe"

	"github.com/persistex/pmcore/dcas"
	"github.com/persistex/pmcore/handle"
	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/persist"
)

// slot is one generation-tagged checkpoint value.
type slot[T any] struct {
	gen   uint64
	value T
}

// Memento is the general-payload checkpoint record: two generation-
// tagged slots so a {gen,value} write is crash-atomic even though the
// pair is wider than one machine word. A Memento is single-writer —
// only the owning thread's Handle ever calls Checkpoint, matching
// this module's "per-thread ... accessed only by their owning thread"
// resource policy — so no CAS is needed on the slot contents themselves,
// only ordering between the value write and the generation publish.
type Memento[T any] struct {
	slots   [2]slot[T]
	current atomic.Uint64
}

// New returns a Memento with no checkpoint yet recorded.
func New[T any]() *Memento[T] {
	return &Memento[T]{}
}

// Checkpoint records value as this Memento's latest state: write to the
// slot with the older generation, flush it, then publish by advancing
// the generation counter. This is this module's "two-slot generation
// flip" verbatim — the write that can crash mid-flight (the slot
// contents) is never the one a reader trusts until the generation bump
// that follows it has also landed.
func (m *Memento[T]) Checkpoint(value T) {
	next := m.current.Load() + 1
	idx := next & 1
	m.slots[idx] = slot[T]{gen: next, value: value}
	persist.Persist(unsafe.Pointer(&m.slots[idx]), unsafe.Sizeof(m.slots[idx]))
	persist.Sfence()
	m.current.Store(next)
	persist.Persist(unsafe.Pointer(&m.current), 8)
}

// Read returns the most recently checkpointed value. The bool is false
// iff Checkpoint has never been called.
func (m *Memento[T]) Read() (T, bool) {
	gen := m.current.Load()
	if gen == 0 {
		var zero T
		return zero, false
	}
	return m.slots[gen&1].value, true
}

// Generation returns the currently published generation counter, for
// callers comparing it against their own liveness counters the way
// combine.Combiner.Recovered compares activate against deactivate.
func (m *Memento[T]) Generation() uint64 {
	return m.current.Load()
}

// PointerCheckpoint is the pointer-sized specialization this module's design
// calls out: "implemented on top of DCAS when the payload is
// pointer-sized". A single word already has room for a detectable CAS's
// parity bit, so the two-slot flip's only job — surviving a crash
// mid-write — is solved directly by dcas.Execute without needing a
// second slot at all.
type PointerCheckpoint struct {
	word *offset.TaggedAtomic[uint64]
}

// NewPointerCheckpoint wraps an existing tagged word as a checkpoint
// target. The word's initial value is its first checkpoint.
func NewPointerCheckpoint(word *offset.TaggedAtomic[uint64]) *PointerCheckpoint {
	return &PointerCheckpoint{word: word}
}

// Checkpoint installs value via a detectable CAS, so a crash between the
// CAS and its persist leaves a parity bit recovery can consult through h.
func (p *PointerCheckpoint) Checkpoint(h *handle.Handle, value offset.Offset) (bool, error) {
	old := p.word.Load()
	return dcas.Execute(p.word, old, value, h)
}

// Read returns the currently checkpointed value, with the detectable-CAS
// bookkeeping bits cleared.
func (p *PointerCheckpoint) Read() offset.Offset {
	return p.word.Load().WithDesc(false).WithAux(false)
}
