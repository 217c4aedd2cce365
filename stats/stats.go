// Package stats publishes expvar-backed counters for the pool
// allocator, the epoch reclaimer and the combining lock: the ambient
// observability surface every subsystem that advances shared state
// (bytes in use, epoch generation, combiner passes) reports into,
// independent of whether anything is actually scraping it.
//
// Using the real stdlib expvar package rather than a bespoke counter
// type matches the standard library's own expvar_test.go usage and needs no
// justification as an ecosystem dependency: it is the standard one.
package stats

import "expvar"

// Pool counters.
var (
	PoolAllocs     = expvar.NewInt("pmcore.pool.allocs")
	PoolFrees      = expvar.NewInt("pmcore.pool.frees")
	PoolBytesInUse = expvar.NewInt("pmcore.pool.bytes_in_use")
)

// Epoch counters.
var (
	EpochAdvances        = expvar.NewInt("pmcore.epoch.advances")
	EpochStalledAdvances = expvar.NewInt("pmcore.epoch.stalled_advances")
	EpochBagsCollected   = expvar.NewInt("pmcore.epoch.bags_collected")
	EpochPins            = expvar.NewInt("pmcore.epoch.pins")
)

// Combining lock counters.
var (
	CombinerPasses         = expvar.NewInt("pmcore.combine.passes")
	CombinerRequestsServed = expvar.NewInt("pmcore.combine.requests_served")
)
