// Package combine implements this module's combining lock: a single
// combiner thread applies every waiting thread's pending request on
// their behalf, publishing the new durable state with one atomic word
// rather than each thread fighting over the same lock individually.
package combine

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/persistex/pmcore/internal/plog"
	"github.com/persistex/pmcore/internal/spin"
	"github.com/persistex/pmcore/stats"
)

// ownerBits matches this module's packed word: "{ptr-to-latest-state
// (55 bits), tid-of-owner (9 bits)}". This module has no 55-bit-wide
// live pointer to pack (Go values aren't addressed that way); the high
// field instead holds a generation counter selecting which of the two
// flip buffers is current, which is what "ptr-to-latest-state" means in
// a design built around a two-slot flip rather than a free-form heap.
const ownerBits = 9

const ownerMask = uint64(1)<<ownerBits - 1

func packWord(gen uint64, tid uint32) uint64 {
	return gen<<ownerBits | uint64(tid)&ownerMask
}

func unpackWord(w uint64) (gen uint64, tid uint32) {
	return w >> ownerBits, uint32(w & ownerMask)
}

// CombiningRounds bounds how many other threads' requests one combiner
// pass serves before publishing, matching this module's COMBINING_ROUNDS.
const CombiningRounds = 16

// Request is one thread's pending call into the combiner: Apply receives
// the flip buffer's current state and returns the next state plus this
// request's own result.
type Request struct {
	Apply func(state any) (next any, result any)
}

type slot struct {
	activate   atomic.Uint64
	deactivate atomic.Uint64
	request    atomic.Pointer[Request]
	result     atomic.Pointer[any]
}

// Combiner is this module's combining lock for one data structure's
// durable state. State is any rather than a generic type parameter: the
// combiner never inspects it, only threads its Clone/Persist hooks, and
// per-call generics for Apply's own {next,result} pair would force every
// caller to instantiate a second type parameter with no benefit here.
type Combiner struct {
	maxThreads int
	word       atomic.Uint64
	buffers    [2]any
	slots      []slot
	clone      func(any) any
	persist    func(any)
	log        *zap.Logger
}

// New builds a Combiner seeded with initial state. clone must return a
// deep-enough copy of state for the combiner's flip buffer to diverge
// safely from the previous generation's; persist, if non-nil, is called
// with the new state before it is published, the durability barrier
// this module's "persists it, then publishes it via unlock" step names.
func New(maxThreads int, initial any, clone func(any) any, persist func(any), logger *zap.Logger) *Combiner {
	c := &Combiner{
		maxThreads: maxThreads,
		slots:      make([]slot, maxThreads+1),
		clone:      clone,
		persist:    persist,
		log:        plog.Or(logger),
	}
	c.buffers[0] = initial
	c.word.Store(packWord(0, 0))
	return c
}

// TryLock succeeds when the owner field is 0 (unlocked) or already tid,
// per this module's design.
func (c *Combiner) TryLock(tid uint32) bool {
	for {
		cur := c.word.Load()
		gen, owner := unpackWord(cur)
		if owner != 0 && owner != tid {
			return false
		}
		next := packWord(gen, tid)
		if cur == next {
			return true
		}
		if c.word.CompareAndSwap(cur, next) {
			return true
		}
	}
}

// Peek returns the current generation and owner tid (0 = unlocked) in
// one atomic read.
func (c *Combiner) Peek() (gen uint64, ownerTid uint32) {
	return unpackWord(c.word.Load())
}

// unlock publishes newGen and clears the owner field.
func (c *Combiner) unlock(newGen uint64) {
	for {
		cur := c.word.Load()
		next := packWord(newGen, 0)
		if c.word.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Execute submits apply as tid's request and returns its result once
// some thread — possibly tid itself, possibly another combiner — has run
// it. tid must be in 1..=maxThreads.
func (c *Combiner) Execute(tid uint32, apply func(state any) (next any, result any)) any {
	s := &c.slots[tid]
	myActivate := s.activate.Add(1)
	s.request.Store(&Request{Apply: apply})

	for {
		if done, result := c.completed(tid, myActivate); done {
			return result
		}
		if c.TryLock(tid) {
			return c.runCombinerPass(tid, myActivate)
		}
		b := spin.Backoff{}
		for {
			if done, result := c.completed(tid, myActivate); done {
				return result
			}
			_, owner := c.Peek()
			if owner == 0 {
				break
			}
			b.Snooze()
		}
	}
}

func (c *Combiner) completed(tid uint32, myActivate uint64) (bool, any) {
	s := &c.slots[tid]
	if s.deactivate.Load() < myActivate {
		return false, nil
	}
	res := s.result.Load()
	if res == nil {
		return true, nil
	}
	return true, *res
}

// runCombinerPass is the combiner protocol itself: copy the current
// state into the alternate flip slot, apply up to CombiningRounds
// pending requests to it, persist, then publish via unlock. Per-thread
// activate/deactivate counters are how a non-combiner tells its request
// was served without re-reading the request itself.
func (c *Combiner) runCombinerPass(selfTid uint32, selfActivate uint64) any {
	curGen, _ := c.Peek()
	next := c.clone(c.buffers[curGen%2])

	rounds := 0
	var selfResult any
	haveSelfResult := false

	for tid := 1; tid <= c.maxThreads && rounds < CombiningRounds; tid++ {
		s := &c.slots[tid]
		act := s.activate.Load()
		deact := s.deactivate.Load()
		if act <= deact {
			continue
		}
		req := s.request.Load()
		if req == nil || req.Apply == nil {
			continue
		}
		var result any
		next, result = req.Apply(next)
		s.result.Store(&result)
		s.deactivate.Store(act)
		rounds++
		if uint32(tid) == selfTid {
			selfResult = result
			haveSelfResult = true
		}
	}

	if c.persist != nil {
		c.persist(next)
	}

	newGen := curGen + 1
	c.buffers[newGen%2] = next
	c.unlock(newGen)

	stats.CombinerPasses.Add(1)
	stats.CombinerRequestsServed.Add(int64(rounds))

	if haveSelfResult {
		return selfResult
	}
	if done, result := c.completed(selfTid, selfActivate); done {
		return result
	}
	return nil
}

// Recovered implements this module's recovery rule: "if the checkpointed
// activate is ≤ current deactivate[tid], the request completed;
// otherwise the thread re-enters the normal protocol."
func (c *Combiner) Recovered(tid uint32, checkpointedActivate uint64) (done bool, result any) {
	return c.completed(tid, checkpointedActivate)
}

// State returns the current published state, for callers that only need
// a read (not a combined mutation).
func (c *Combiner) State() any {
	gen, _ := c.Peek()
	return c.buffers[gen%2]
}
