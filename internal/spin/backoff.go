// Package spin implements the bounded spin-then-sleep backoff policy used
// by every retry and help loop in this module (dcas, pmwcas, combine,
// dstack).
//
// The policy — spin a handful of times, then yield the processor, then
// sleep for an exponentially increasing, capped duration — is the one
// crossbeam_utils::Backoff uses (see comb.rs's use of Backoff::new() /
// snooze() in the retrieved original source). Nothing here blocks
// indefinitely: this module's design permits only bounded spinning on the hot path.
package spin

import (
	"runtime"
	"time"
)

const (
	spinLimit  = 6
	yieldLimit = 10
)

// Backoff tracks how many times Spin or Snooze has been called and grows
// the wait accordingly. The zero value is ready to use.
type Backoff struct {
	step int
}

// Reset returns the Backoff to its initial, unwound state.
func (b *Backoff) Reset() {
	b.step = 0
}

// Spin performs a short, constant-time busy-wait. Use this while waiting
// for a condition expected to resolve within a handful of instructions
// (e.g. spinning on the combining lock's owner field).
func (b *Backoff) Spin() {
	for i := 0; i < 1<<min(b.step, spinLimit); i++ {
		procYield()
	}
	if b.step <= spinLimit {
		b.step++
	}
}

// Snooze escalates from busy-spinning to runtime.Gosched to a capped
// exponential sleep. Use this in help loops that may need to wait for a
// concurrent thread to finish installing or committing a descriptor.
func (b *Backoff) Snooze() {
	switch {
	case b.step <= spinLimit:
		for i := 0; i < 1<<b.step; i++ {
			procYield()
		}
	case b.step <= yieldLimit:
		runtime.Gosched()
	default:
		d := time.Duration(1<<min(b.step-yieldLimit, 10)) * time.Microsecond
		time.Sleep(d)
	}
	b.step++
}

// IsCompleted reports whether Snooze has escalated past pure spinning,
// i.e. the caller is now yielding or sleeping rather than busy-waiting.
func (b *Backoff) IsCompleted() bool {
	return b.step > spinLimit
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// procYield is a thin indirection point so tests can substitute a no-op
// and keep backoff-heavy unit tests fast.
var procYield = runtime.Gosched
