// Package persist provides the cache-line-flush intrinsics the rest of
// this module treats as given (this module's design): Persist flushes a byte
// range to the persistence domain, Sfence orders prior flushes before
// later stores, and PersistObj/PersistRange are the typed and untyped
// call-site conveniences everything else uses.
//
// There is no portable way to issue CLWB/CLFLUSHOPT/SFENCE from pure Go
// without assembly, and no library in the retrieved corpus supplies one
// (every PM example we found — mansub1029's undoTx.go, hyperdrive's
// PersistentMemoryPool — hand-rolls a `flush`/`PersistRange` primitive
// the same way). The implementation here follows mansub1029's call
// shape exactly: flush after a log write, fence before and after a tail
// update. No build issues CLWB/SFENCE: on every architecture, amd64
// included, flushLine is an atomic load of the line and sfence is an
// atomic read-modify-write on a local variable. persist_amd64.go keeps
// the amd64 variant in its own file so an assembly stub can replace it
// there without touching callers.
package persist

import "unsafe"

const cacheLineSize = 64

// Sfence orders all persists issued before this call ahead of any store
// issued after it, matching the SFENCE instruction's semantics.
func Sfence() { sfence() }

// Persist flushes every cache line intersecting [addr, addr+len) to the
// persistence domain. It does not imply an SFENCE; call Sfence
// afterwards if subsequent stores must be ordered after the flush.
func Persist(addr unsafe.Pointer, length uintptr) {
	if length == 0 {
		return
	}
	start := uintptr(addr) &^ (cacheLineSize - 1)
	end := (uintptr(addr) + length + cacheLineSize - 1) &^ (cacheLineSize - 1)
	for p := start; p < end; p += cacheLineSize {
		flushLine(unsafe.Pointer(p))
	}
}

// PersistRange is an alias for Persist kept for call-site parity with
// the undo-log style this package is grounded on (runtime.PersistRange
// in mansub1029's undoTx.go).
func PersistRange(addr unsafe.Pointer, length uintptr) { Persist(addr, length) }

// PersistObj flushes sizeof(*obj) bytes starting at obj. It is shorthand
// for Persist(unsafe.Pointer(obj), unsafe.Sizeof(*obj)) that works for
// any pointer type without the caller repeating Sizeof at each call
// site.
func PersistObj[T any](obj *T) {
	if obj == nil {
		return
	}
	Persist(unsafe.Pointer(obj), unsafe.Sizeof(*obj))
}

// PersistAndFence is the Persist-then-Sfence pairing as one call. The
// module's own packages call Persist and Sfence separately rather than
// this helper.
func PersistAndFence(addr unsafe.Pointer, length uintptr) {
	Persist(addr, length)
	Sfence()
}
