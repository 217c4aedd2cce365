package pmpool

import "unsafe"

// poolMagic and poolVersion identify a pool file as belonging to this
// module and to a layout this build understands (this module's design:
// "Corrupted — on open, a magic/version mismatch; fatal").
const (
	poolMagic   uint64 = 0x504D434F524531 // "PMCORE1" packed into 7 bytes + NUL
	poolVersion uint32 = 1

	// NumRoots is the fixed size of the root entry table (this module's design
	// "Pool ... owns a small, fixed-size array of root entries keyed by
	// an integer index (0…R-1)").
	NumRoots = 64

	// minPoolSize mirrors hyperdrive.PMEM_MIN_SIZE's role: refuse to
	// create unreasonably small pools that can't even hold their own
	// header plus one allocation.
	minPoolSize = 1 << 20 // 1 MiB

	cacheLine = 64
)

// header is the on-PM layout described in this module's design: magic, version,
// pool size, base offset (here: byte offset of the first allocator
// region, i.e. right after the header) and the root table. It sits at
// byte offset 0 of the mapped file and is accessed only through atomic
// operations on its fields after creation, since any thread may read or
// update a root entry concurrently with another thread allocating.
type header struct {
	Magic        uint64
	Version      uint32
	_            uint32 // padding to keep PoolSize 8-byte aligned
	PoolSize     uint64
	FreeListHead uint64 // byte offset of the first free block, 0 = none
	RootTable    [NumRoots]uint64
}

var headerSize = uintptr(unsafe.Sizeof(header{}))

// allocRegionStart is the first byte offset available to the allocator:
// right after the header, rounded up to a cache line so the first
// allocation is itself cache-aligned.
var allocRegionStart = (headerSize + cacheLine - 1) &^ (cacheLine - 1)
