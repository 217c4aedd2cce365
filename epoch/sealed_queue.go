package epoch

import "sync/atomic"

// sealedQueue is a lock-free singly linked list of pending SealedBags, the
// same Treiber-stack style Global.head uses for the participant list: push
// is a CAS-retry prepend, and a collector pass scans the list once,
// unlinking and returning the first bag it finds ≥2 epochs behind the
// caller's current epoch.
//
// Bags don't need to come off oldest-first, only eventually once they are
// old enough to collect, so a single scan per collect step is enough; it
// trades a priority heap's pop-the-minimum guarantee for never blocking a
// pusher behind a collector or vice versa.
type sealedQueue struct {
	head atomic.Pointer[sealedNode]
}

type sealedNode struct {
	bag  *SealedBag
	next atomic.Pointer[sealedNode]
}

func (q *sealedQueue) push(b *SealedBag) {
	n := &sealedNode{bag: b}
	for {
		head := q.head.Load()
		n.next.Store(head)
		if q.head.CompareAndSwap(head, n) {
			return
		}
	}
}

// popReady scans the list for the first bag ≥2 behind current, unlinks it,
// and returns it, or returns nil if none currently qualify. A lost unlink
// race restarts the scan from head (unlike Global.scan, which leaves a
// node it failed to unlink for a later scan).
func (q *sealedQueue) popReady(current Epoch) *SealedBag {
	prev := &q.head
	cur := prev.Load()
	for cur != nil {
		next := cur.next.Load()
		if current.IsAtLeast2Ahead(cur.bag.epoch) {
			if prev.CompareAndSwap(cur, next) {
				return cur.bag
			}
			prev = &q.head
			cur = prev.Load()
			continue
		}
		prev = &cur.next
		cur = next
	}
	return nil
}

func (q *sealedQueue) len() int {
	n := 0
	cur := q.head.Load()
	for cur != nil {
		n++
		cur = cur.next.Load()
	}
	return n
}
