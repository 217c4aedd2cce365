package pmpool

import (
	"sync/atomic"
	"unsafe"

	"github.com/persistex/pmcore/pmerr"
)

// freeBlock is the free-list node layout, grounded directly on
// hyperdrive.FreeBlock: offset/size/next, all pool-relative so the list
// survives a remap at a different base address.
type freeBlock struct {
	size uint64
	next uint64 // byte offset of next free block, 0 = end of list
}

// dirEntry is one slot in the allocation directory: a bounded,
// append-mostly record of every block ever handed out by Alloc, used
// only by the recovery sweep (pmpool.Open) to tell live allocations
// apart from orphans per this module's "(d) GC has swept orphaned
// allocations not reachable from any root". This directory — and the
// sweep built on it — is a deliberately simple stand-in for a real
// allocator's bookkeeping; this module's design explicitly treats crash-consistent
// allocation as delegated/out of scope, so nothing here claims to be a
// production-grade heap.
type dirEntry struct {
	offset uint64
	size   uint64
	freed  uint32
	_      uint32
}

const dirCapacity = 4096

var dirEntrySize = uintptr(unsafe.Sizeof(dirEntry{}))
var dirRegionSize = dirEntrySize * dirCapacity

func (p *Pool) dirBase() unsafe.Pointer {
	return unsafe.Add(p.base, allocRegionStart)
}

func (p *Pool) dirEntryPtr(i int) *dirEntry {
	return (*dirEntry)(unsafe.Add(p.dirBase(), uintptr(i)*dirEntrySize))
}

func (p *Pool) dirCountPtr() *uint64 {
	return (*uint64)(unsafe.Add(p.base, allocRegionStart+dirRegionSize))
}

// allocAreaStart is where the first-fit free list actually lives, after
// the header and the allocation directory.
var allocAreaStart = (allocRegionStart + dirRegionSize + 8 + cacheLine - 1) &^ (cacheLine - 1)

func roundUp(n, align uintptr) uintptr {
	if align == 0 {
		align = 1
	}
	return (n + align - 1) &^ (align - 1)
}

func (p *Pool) freeBlockAt(off uint64) *freeBlock {
	return (*freeBlock)(unsafe.Add(p.base, uintptr(off)))
}

func (p *Pool) headerFreeListHead() *uint64 {
	return &p.hdr.FreeListHead
}

// recordAlloc appends a directory entry for a freshly allocated block
// and remembers its index so a later Free can tombstone it in O(1).
func (p *Pool) recordAlloc(off, size uint64) {
	idx := atomic.AddUint64(p.dirCountPtr(), 1) - 1
	if int(idx) >= dirCapacity {
		// Directory exhausted: the block is still valid, it simply
		// won't participate in the orphan sweep. This only affects how
		// aggressively Open reclaims leaked allocations, never
		// correctness of Alloc/Free themselves.
		return
	}
	e := p.dirEntryPtr(int(idx))
	e.offset = off
	e.size = size
	e.freed = 0
	p.persistRange(unsafe.Pointer(e), dirEntrySize)

	p.dirMu.Lock()
	p.dirIndex[off] = int(idx)
	p.dirMu.Unlock()
}

func (p *Pool) recordFree(off uint64) {
	p.dirMu.Lock()
	idx, ok := p.dirIndex[off]
	delete(p.dirIndex, off)
	p.dirMu.Unlock()
	if !ok {
		return
	}
	e := p.dirEntryPtr(idx)
	atomic.StoreUint32(&e.freed, 1)
	p.persistRange(unsafe.Pointer(e), dirEntrySize)
}

// allocLocked finds, and if necessary splits, a first-fit free block of at
// least size bytes, size having already been rounded up to align and to
// the cache line. Callers hold p.allocMu.
func (p *Pool) allocLocked(size uint64) (uint64, error) {
	var prevOff uint64 = 0
	cur := atomic.LoadUint64(p.headerFreeListHead())
	for cur != 0 {
		block := p.freeBlockAt(cur)
		if block.size >= size {
			next := block.next
			if block.size > size+uint64(unsafe.Sizeof(freeBlock{})) {
				// Split: carve [cur, cur+size) off the front, leave the
				// remainder as a smaller free block in the same list
				// position.
				remainderOff := cur + size
				remainder := p.freeBlockAt(remainderOff)
				remainder.size = block.size - size
				remainder.next = next
				p.persistRange(unsafe.Pointer(remainder), unsafe.Sizeof(freeBlock{}))
				next = remainderOff
			}
			p.unlink(prevOff, cur, next)
			return cur, nil
		}
		prevOff = cur
		cur = block.next
	}
	return 0, pmerr.ErrOutOfPool
}

func (p *Pool) unlink(prevOff, curOff, nextOff uint64) {
	if prevOff == 0 {
		atomic.StoreUint64(p.headerFreeListHead(), nextOff)
		p.persistRange(unsafe.Pointer(p.headerFreeListHead()), 8)
		return
	}
	prev := p.freeBlockAt(prevOff)
	prev.next = nextOff
	p.persistRange(unsafe.Pointer(&prev.next), 8)
}

// freeLocked prepends [off, off+size) to the free list. Callers hold
// p.allocMu. No coalescing with adjacent blocks is attempted — another
// simplification the out-of-scope allocator carries, matching
// hyperdrive's own addToFreeList, which does not coalesce either.
func (p *Pool) freeLocked(off, size uint64) {
	block := p.freeBlockAt(off)
	block.size = size
	block.next = atomic.LoadUint64(p.headerFreeListHead())
	p.persistRange(unsafe.Pointer(block), unsafe.Sizeof(freeBlock{}))
	atomic.StoreUint64(p.headerFreeListHead(), off)
	p.persistRange(unsafe.Pointer(p.headerFreeListHead()), 8)
}
