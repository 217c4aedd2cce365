// Package handle implements this module's design: the per-thread execution
// context — {tid, Guard, Pool, rec} — every CORE operation is handed.
package handle

import (
	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/pmpool"
)

// Handle bundles {tid ∈ 1..=MAX_THREADS, &Guard, &Pool, rec}. It is
// acquired from a Registry and must be released back to it; a Handle
// is not safe to share across goroutines, matching the Guard it
// carries.
type Handle struct {
	tid      uint32
	guard    *epoch.Guard
	pool     *pmpool.Pool
	rec      bool
	registry *Registry
	ring     checkpointRing
}

// TID returns this Handle's thread id, stable for the lifetime of the
// Handle and reused by the Registry once released.
func (h *Handle) TID() uint32 { return h.tid }

// Guard exposes the pin this Handle is holding, for dcas/pmwcas/combine
// to defer destructors and dirty ranges through.
func (h *Handle) Guard() *epoch.Guard { return h.guard }

// Pool exposes the pool this Handle's operations allocate from.
func (h *Handle) Pool() *pmpool.Pool { return h.pool }

// Rec reports whether this is the first post-crash entry of the
// operation this Handle is being used for, per this module's design: "initialised
// true on the first post-crash entry of each thread's operation and
// cleared once the operation has successfully validated its checkpointed
// progress."
func (h *Handle) Rec() bool { return h.rec }

// Ack clears Rec once the caller has validated (or re-derived) its
// checkpointed progress after a recovery re-execution, so subsequent
// operations on this tid see rec=false until the next crash.
func (h *Handle) Ack() {
	h.rec = false
	if h.registry != nil {
		h.registry.ack(h.tid)
	}
}

// PushCheckpoint records a recovery checkpoint into this Handle's ring and,
// when this Handle came from a Registry, writes it through to that tid's
// PM-resident durableCheckpoint slot, so a crash losing this process still
// leaves the checkpoint readable by whichever process next acquires this
// tid. Most useful right after a dcas/pmwcas linearization point so a
// crash between the CAS and the caller's next step can still be
// disambiguated on restart.
func (h *Handle) PushCheckpoint(c Checkpoint) {
	h.ring.push(c)
	if h.registry != nil {
		h.registry.checkpointSlot(h.tid).checkpoint(c)
	}
}

// LastCheckpoint returns the most recent checkpoint pushed, if any.
func (h *Handle) LastCheckpoint() (Checkpoint, bool) { return h.ring.last() }

// Checkpoints returns every live checkpoint in the ring, oldest first.
func (h *Handle) Checkpoints() []Checkpoint { return h.ring.all() }

// Release unpins the Guard and returns the tid to the Registry's free
// pool. Callers must not use the Handle afterwards.
func (h *Handle) Release() {
	h.guard.Unpin()
	if h.registry != nil {
		h.registry.release(h)
	}
}
