package handle

import (
	"sync/atomic"
	"unsafe"

	"github.com/persistex/pmcore/persist"
)

// Checkpoint is one thread-local recovery record: the last detectable
// operation's parity bit and the offset it touched, per this module's
// "a detectable variant further records a parity bit in the target word
// per issuing thread and a checkpoint of {arg, parity} in the Memento."
//
// this module's design supplements this with a small ring of the last four
// checkpoints instead of just one, matching the original's bookkeeping
// for nested or retried operations (a combiner call into DCAS, for
// instance, checkpoints more than once per top-level operation).
type Checkpoint struct {
	Offset uint64
	Parity bool
}

// checkpointRingSize is this module's N=4.
const checkpointRingSize = 4

// checkpointRing is a fixed-capacity circular buffer, oldest entry
// overwritten first, owned exclusively by one Handle's thread.
type checkpointRing struct {
	slots [checkpointRingSize]Checkpoint
	next  int
	len   int
}

func (r *checkpointRing) push(c Checkpoint) {
	r.slots[r.next] = c
	r.next = (r.next + 1) % checkpointRingSize
	if r.len < checkpointRingSize {
		r.len++
	}
}

// last returns the most recently pushed checkpoint, if any.
func (r *checkpointRing) last() (Checkpoint, bool) {
	if r.len == 0 {
		return Checkpoint{}, false
	}
	idx := (r.next - 1 + checkpointRingSize) % checkpointRingSize
	return r.slots[idx], true
}

// all returns every live checkpoint, oldest first.
func (r *checkpointRing) all() []Checkpoint {
	out := make([]Checkpoint, 0, r.len)
	start := (r.next - r.len + checkpointRingSize) % checkpointRingSize
	for i := 0; i < r.len; i++ {
		out = append(out, r.slots[(start+i)%checkpointRingSize])
	}
	return out
}

// durableSlot is one generation-tagged checkpoint record. durableCheckpoint
// below is memento.Memento's two-slot generation-flip pattern inlined
// rather than imported: package memento depends on handle (through dcas),
// so handle importing memento back would cycle. The pattern is
// duplicated, not reinvented — see memento.Memento.Checkpoint.
type durableSlot struct {
	gen   uint64
	value Checkpoint
}

// durableCheckpoint is a PM-resident checkpoint record: one per tid,
// allocated inside the pool by Registry so a freshly started process can
// read back the last checkpoint a crashed predecessor wrote, instead of
// every Handle starting with an empty, unrecoverable in-memory ring.
type durableCheckpoint struct {
	slots   [2]durableSlot
	current atomic.Uint64
}

func (d *durableCheckpoint) checkpoint(value Checkpoint) {
	next := d.current.Load() + 1
	idx := next & 1
	d.slots[idx] = durableSlot{gen: next, value: value}
	persist.Persist(unsafe.Pointer(&d.slots[idx]), unsafe.Sizeof(d.slots[idx]))
	persist.Sfence()
	d.current.Store(next)
	persist.Persist(unsafe.Pointer(&d.current), 8)
}

func (d *durableCheckpoint) read() (Checkpoint, bool) {
	gen := d.current.Load()
	if gen == 0 {
		return Checkpoint{}, false
	}
	return d.slots[gen&1].value, true
}
