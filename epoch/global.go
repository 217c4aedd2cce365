package epoch

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/persistex/pmcore/internal/plog"
	"github.com/persistex/pmcore/stats"
)

// collectSteps is the bounded collection budget this module's design assigns the
// opportunistic collector: "a collector pop step pops up to 8 SealedBags
// whose epoch is ≥2 behind the global epoch".
const collectSteps = 8

// pinTickInterval is "every 128th pin triggers a try_advance + 8-step
// collect cycle" (this module's design).
const pinTickInterval = 128

// Global is the process-wide epoch coordinator: this module's "{lock-free
// linked list of Locals, lock-free queue of SealedBags, global_epoch}".
type Global struct {
	head  atomic.Pointer[node]
	epoch atomic.Uint64

	queue sealedQueue

	pins atomic.Uint64

	log *zap.Logger
}

// New builds a fresh Global with epoch 0 and an empty participant list.
// logger defaults to a no-op logger if nil, matching this module's
// ambient logging contract.
func New(logger *zap.Logger) *Global {
	return &Global{log: plog.Or(logger)}
}

// GlobalEpoch loads the current global epoch.
func (g *Global) GlobalEpoch() Epoch { return Epoch(g.epoch.Load()) }

// Register inserts a fresh Local at the head of the participant list via
// a Treiber-stack push and returns it.
func (g *Global) Register() *Local {
	l := &Local{global: g, bag: newBag()}
	l.localEpoch.Store(uint64(Unpinned))
	n := &node{local: l}
	l.node = n

	for {
		head := g.head.Load()
		n.next.Store(head)
		if g.head.CompareAndSwap(head, n) {
			return l
		}
	}
}

// Unregister logically removes l from the participant list. It refuses
// while any Guard or Handle still references l, returning false; callers
// should retry once those drain. Any deferred work still queued locally
// is sealed and pushed before the node is marked deleted, so it is not
// lost.
func (g *Global) Unregister(l *Local) bool {
	if l.guardCount.Load() != 0 || l.handleCount.Load() != 0 {
		return false
	}
	l.flushBag()
	l.node.deleted.Store(true)
	return true
}

// scan walks the participant list, invoking visit for every live node and
// opportunistically unlinking logically-deleted ones it passes over. A
// concurrent deletion racing the unlink attempt just leaves that node for
// a later scan, matching this module's "a concurrent iteration stalled
// by a concurrent deletion aborts the advance (leaving the job to another
// thread)" — here narrowed to the unlink step rather than the whole scan.
func (g *Global) scan(visit func(*node)) {
	var prev *atomic.Pointer[node]
	prev = &g.head
	cur := g.head.Load()
	for cur != nil {
		next := cur.next.Load()
		if cur.deleted.Load() {
			if prev.CompareAndSwap(cur, next) {
				cur = next
				continue
			}
			// Lost the race to unlink; leave it for next time.
		} else {
			visit(cur)
		}
		prev = &cur.next
		cur = next
	}
}

// tryAdvance attempts to move the global epoch forward by one, per
// this module's design: "The global epoch advances only when no pinned
// participant is pinned in the previous epoch." It is a cold path,
// invoked from the periodic collect cycle and from Collect.
func (g *Global) tryAdvance() (Epoch, bool) {
	current := Epoch(g.epoch.Load())
	if current.Advancing() {
		return current, false
	}
	advancing := current.WithAdvancing()
	if !g.epoch.CompareAndSwap(uint64(current), uint64(advancing)) {
		return current, false
	}

	canAdvance := true
	g.scan(func(n *node) {
		if !canAdvance {
			return
		}
		le := Epoch(n.local.localEpoch.Load())
		if le.Pinned() && le.Value() != current.Value() {
			canAdvance = false
		}
	})

	if !canAdvance {
		g.epoch.CompareAndSwap(uint64(advancing), uint64(current))
		g.log.Debug("epoch advance stalled by a pinned participant")
		stats.EpochStalledAdvances.Add(1)
		return current, false
	}

	next := current.Successor()
	g.epoch.Store(uint64(next))
	stats.EpochAdvances.Add(1)
	return next, true
}

// pushSealed enqueues a SealedBag for later collection.
func (g *Global) pushSealed(b *SealedBag) {
	g.queue.push(b)
}

// collectCycle runs a try_advance followed by one bounded collect step,
// the periodic maintenance this module's design schedules every 128th pin.
func (g *Global) collectCycle() {
	current, advanced := g.tryAdvance()
	if !advanced {
		current = g.GlobalEpoch()
	}
	g.collect(current, collectSteps)
}

// collect pops and runs up to budget SealedBags whose epoch is ≥2 behind
// current, per this module's design.
func (g *Global) collect(current Epoch, budget int) int {
	ran := 0
	for ran < budget {
		b := g.queue.popReady(current)
		if b == nil {
			break
		}
		b.run()
		ran++
	}
	stats.EpochBagsCollected.Add(int64(ran))
	return ran
}

// Collect forces a try_advance followed by a bounded collect pass,
// exposed for callers (such as tests or an explicit maintenance loop in
// cmd/pmctl) that want to drain pending reclamation deterministically
// instead of waiting for the 128th pin.
func (g *Global) Collect() int {
	current, advanced := g.tryAdvance()
	if !advanced {
		current = g.GlobalEpoch()
	}
	return g.collect(current, collectSteps)
}

// PendingBags reports how many SealedBags are still queued, for tests.
func (g *Global) PendingBags() int {
	return g.queue.len()
}
