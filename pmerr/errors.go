// Package pmerr declares the four error kinds this module's design defines for
// the whole module, so every package raises (and every caller checks)
// the same sentinels via errors.Is/errors.As instead of each package
// minting its own near-duplicate error.
package pmerr

import "errors"

var (
	// ErrConflict means a CAS or PMwCAS observed a contending value;
	// callers retry. dcas.Execute (and memento.PointerCheckpoint, which
	// wraps it) return it to their caller; dstack's Push and Pop recover
	// from it locally in their retry loops.
	ErrConflict = errors.New("pmcore: conflicting value observed")

	// ErrOutOfPool means the allocator could not satisfy a request. It
	// is the one error kind steady-state CAS/defer paths are allowed to
	// surface to a caller (this module's design).
	ErrOutOfPool = errors.New("pmcore: pool exhausted")

	// ErrStalled means a lock-free list iteration contended with a
	// concurrent deletion; the calling algorithm must retry.
	ErrStalled = errors.New("pmcore: iteration stalled by concurrent deletion")

	// ErrCorrupted means a magic/version mismatch was found on open;
	// fatal, terminates Open/Create.
	ErrCorrupted = errors.New("pmcore: pool header corrupted or unsupported version")
)
