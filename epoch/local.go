package epoch

import (
	"sync/atomic"
	"unsafe"

	"github.com/persistex/pmcore/stats"
)

// node is one entry in Global's intrusive, singly-linked participant
// list. Deletion is logical first (the deleted bit), physical removal
// happens opportunistically the next time a scan walks past it — the
// same mark-then-unlink shape as any lock-free singly linked list, kept
// deliberately simple since this module's list is small (≤ MaxThreads).
type node struct {
	local   *Local
	deleted atomic.Bool
	next    atomic.Pointer[node]
}

// Local is a single participant: this module's "{tid?, entry in linked
// list, local_epoch, bag, persist_set, guard_count, handle_count,
// pin_count, is_repinning}". Only the owning thread calls Pin/Unpin and
// the deferred-work methods; localEpoch, guardCount and handleCount are
// the fields a collector or another thread's Unregister call may also
// touch, so they stay atomic.
type Local struct {
	global *Global
	node   *node

	localEpoch  atomic.Uint64
	guardCount  atomic.Int64
	handleCount atomic.Int64

	// pinCount and isRepinning are owned exclusively by this Local's
	// thread (this module's "accessed only by their owning thread"
	// policy) and implement this module's reentrant-pin supplement:
	// nested Pin calls increment pinCount without republishing the
	// epoch; only the outermost Pin/Unpin transition touches localEpoch.
	pinCount    int
	isRepinning bool

	bag        *Bag
	persistSet persistSet
}

// AddHandle and RemoveHandle let the handle package register its
// ownership of this Local without epoch needing to know about tids;
// Global.Unregister refuses to retire a Local while handleCount > 0.
func (l *Local) AddHandle()    { l.handleCount.Add(1) }
func (l *Local) RemoveHandle() { l.handleCount.Add(-1) }

// GuardCount reports the number of currently outstanding pins, including
// nested ones — useful for tests asserting balanced Pin/Unpin pairs.
func (l *Local) GuardCount() int64 { return l.guardCount.Load() }

// Pin publishes the current global epoch into localEpoch (full fence via
// the atomic store) and returns a Guard witnessing the pin. A thread
// already pinned gets a nested Guard instead of republishing the epoch,
// per this module's reentrant-pin supplement; only when the outermost
// Guard is released does Unpin actually un-publish the epoch and flush
// the persist set.
func (l *Local) Pin() *Guard {
	l.guardCount.Add(1)
	l.pinCount++
	stats.EpochPins.Add(1)
	if l.pinCount == 1 {
		current := l.global.GlobalEpoch()
		l.localEpoch.Store(uint64(current.Pin()))

		ticks := l.global.pins.Add(1)
		if ticks%pinTickInterval == 0 {
			l.global.collectCycle()
		}
	}
	return &Guard{local: l}
}

// unpin is called by Guard.Unpin. On the outermost unpin it un-publishes
// the epoch with release ordering and flushes the persist set — also on
// a repin across an epoch change, matching this module's design.
func (l *Local) unpin() {
	l.pinCount--
	l.guardCount.Add(-1)
	if l.pinCount > 0 {
		return
	}

	before := Epoch(l.localEpoch.Load())
	current := l.global.GlobalEpoch()
	if before.Value() != current.Value() {
		l.isRepinning = true
	}
	l.localEpoch.Store(uint64(Unpinned))
	l.persistSet.flush()
	l.isRepinning = false

	if l.bag.Full() {
		l.sealAndPush()
	}
}

// DeferDestroy appends a destructor to this Local's bag, keyed so a
// later deferral for the same key replaces this one before sealing. A
// nil key means "never de-duplicate this entry". Overflow seals and
// pushes the bag to the global queue immediately, starting a fresh one.
func (l *Local) DeferDestroy(key *uint64, run func()) {
	l.bag.Push(Deferred{Key: key, Run: run})
	if l.bag.Full() {
		l.sealAndPush()
	}
}

// DeferPersist records [ptr,len) to be flushed at the next unpin or
// repin, per this module's persist-set channel.
func (l *Local) DeferPersist(ptr unsafe.Pointer, length uintptr) {
	l.persistSet.insert(ptr, length)
}

// sealAndPush seals the current bag at the current global epoch and
// pushes it to the collector queue. No separate fence is issued: the
// queue push is a CompareAndSwap, and Go's atomics are sequentially
// consistent, so a collector that pops the bag observes every write this
// thread made before the push.
func (l *Local) sealAndPush() {
	at := l.global.GlobalEpoch()
	if sealed := l.bag.seal(at); sealed != nil {
		l.global.pushSealed(sealed)
	}
	l.bag = newBag()
}

// flushBag seals whatever remains in the bag, for use when a Local is
// torn down with pending deferred work still queued locally.
func (l *Local) flushBag() {
	if l.bag.Len() > 0 {
		l.sealAndPush()
	} else {
		l.bag.release()
	}
}
