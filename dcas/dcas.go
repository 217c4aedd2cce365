// Package dcas implements this module's detectable single-word
// persistent compare-and-swap: a CAS over an offset.TaggedAtomic whose
// outcome a crashed-and-restarted thread can re-derive instead of
// guessing.
package dcas

import (
	"fmt"

	"github.com/persistex/pmcore/handle"
	"github.com/persistex/pmcore/internal/spin"
	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/persist"
	"github.com/persistex/pmcore/pmerr"
)

const wordSize = 8

// helpRead implements the detectable-read step: load addr; if the word's
// aux bit (DIRTY) is set, flush the cache line and CAS away the DIRTY bit.
// This is how the *next* reader of a word persists the previous writer's
// commit point, so every Execute call performs it before comparing.
func helpRead[T any](addr *offset.TaggedAtomic[T]) offset.Offset {
	cur := addr.Load()
	if !cur.Aux() {
		return cur
	}
	persist.Persist(addr.Addr(), wordSize)
	cleared := cur.WithAux(false)
	if addr.CompareAndSwap(cur, cleared) {
		return cleared
	}
	// Another thread helped first; re-read rather than assume.
	return addr.Load()
}

// Execute runs the detectable CAS protocol on addr, installing new iff
// the word (ignoring its DIRTY bit) currently equals old. h is optional:
// when non-nil and h.Rec() is true, Execute first checks h's last
// checkpoint against addr's current parity (the Desc bit, repurposed per
// this module's design as a one-bit per-thread generation counter since the
// Desc bit is otherwise only meaningful to pmwcas descriptor words) to
// answer "did my last attempt already commit" without re-running the CAS,
// per this module's recovery contract. When h.Rec() is true Execute acks
// the recovery flag on entry, whatever that check finds. On every
// successful install, if h is non-nil, Execute pushes a fresh checkpoint.
func Execute[T any](addr *offset.TaggedAtomic[T], old, new offset.Offset, h *handle.Handle) (bool, error) {
	if h != nil && h.Rec() {
		if cp, ok := h.LastCheckpoint(); ok {
			cur := helpRead(addr)
			if cur.Desc() == cp.Parity {
				h.Ack()
				return true, nil
			}
		}
		h.Ack()
	}

	b := spin.Backoff{}
	for {
		cur := helpRead(addr)
		logical := cur.WithAux(false)
		wantParity := !logical.Desc()
		logicalNoParity := logical.WithDesc(false)
		if logicalNoParity.Bits() != old.WithDesc(false).Bits() {
			return false, fmt.Errorf("dcas: %w", pmerr.ErrConflict)
		}

		dirtyNew := new.WithDesc(wantParity).WithAux(true)
		if addr.CompareAndSwap(cur, dirtyNew) {
			// Linearization point: the CAS above. Persistence point:
			// this flush, which observes DIRTY before the next helpRead
			// clears it — but Execute is also the first "next reader",
			// so it clears DIRTY itself rather than leaving that to
			// whoever calls Load next.
			persist.Persist(addr.Addr(), wordSize)
			cleared := dirtyNew.WithAux(false)
			addr.CompareAndSwap(dirtyNew, cleared)

			if h != nil {
				h.PushCheckpoint(handle.Checkpoint{Offset: cleared.Bits(), Parity: wantParity})
			}
			return true, nil
		}
		b.Snooze()
	}
}
