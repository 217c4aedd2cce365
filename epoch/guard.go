package epoch

import "unsafe"

// Guard is the lifetime witness of a pin, this module's "unforgeable
// reference to a Local. Non-Send." Go has no Send marker; the module's
// convention (matching this module's scheduling model) is that a Guard
// never crosses goroutines — it is created and released by the same
// goroutine that called Pin.
type Guard struct {
	local *Local
}

// DeferDestroy defers running fn until the epoch this Guard pinned has
// been reclaimed, de-duplicating against any other deferral sharing key.
func (g *Guard) DeferDestroy(key *uint64, fn func()) {
	g.local.DeferDestroy(key, fn)
}

// DeferPersist records a dirty range to be flushed no later than this
// Guard's release.
func (g *Guard) DeferPersist(ptr unsafe.Pointer, length uintptr) {
	g.local.DeferPersist(ptr, length)
}

// Flush forces an immediate flush of the persist set without waiting for
// Unpin, for operations that need a durability barrier mid-pin.
func (g *Guard) Flush() {
	g.local.persistSet.flush()
}

// Unpin releases the pin. Calling Unpin more than once on the same Guard
// is a caller bug; this module does not guard against it, matching the
// teacher's own unchecked Unlock idiom.
func (g *Guard) Unpin() {
	g.local.unpin()
}

// Epoch reports the epoch this Guard's Local currently has published,
// useful for tests and for components (dcas, pmwcas) that checkpoint the
// epoch a linearization point occurred in.
func (g *Guard) Epoch() Epoch {
	return Epoch(g.local.localEpoch.Load())
}

// Local exposes the underlying Local for components that need to defer
// work or inspect pin depth directly.
func (g *Guard) Local() *Local { return g.local }
