// Package pmpool implements the PM allocator and tagged-pointer
// dereferencing surface this module's design calls the "Pool": open/create a
// memory-mapped backing file, translate between pool-relative Offsets
// and process addresses, and hand out/reclaim storage through a small
// first-fit free list. Everything about the allocator's internal
// bookkeeping is intentionally minimal — this module's design lists "general heap
// management" and "crash-consistent allocation itself" as non-goals,
// delegated to whatever production allocator a real deployment would
// plug in here.
package pmpool

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"unsafe"

	atomicfile "github.com/natefinch/atomic"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/persistex/pmcore/internal/plog"
	"github.com/persistex/pmcore/internal/vtable"
	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/pmerr"
	"github.com/persistex/pmcore/stats"
)

// Pool is a process-wide handle to a memory-mapped PM-backed file. It
// owns the root table and the minimal allocator described in alloc.go.
type Pool struct {
	path string
	file *os.File
	data []byte
	base unsafe.Pointer
	hdr  *header
	size uint64

	allocMu sync.Mutex

	dirMu    sync.Mutex
	dirIndex map[uint64]int

	numaNode int
	log      *zap.Logger
}

// Option configures Open/Create. Path (and, for Create, size) are
// positional arguments, not Options; the Options are WithNumaNode and
// WithLogger. No config-file library is involved.
type Option func(*Pool)

// WithNumaNode records a NUMA node preference. No NUMA-binding library
// appears anywhere in the retrieved corpus, so this is honored as a
// best-effort page-in hint via madvise(MADV_WILLNEED) rather than true
// node binding (which would need libnuma/mbind).
func WithNumaNode(node int) Option {
	return func(p *Pool) { p.numaNode = node }
}

// WithLogger attaches a structured logger; nil (the default) installs
// the no-op logger from internal/plog.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.log = plog.Or(l) }
}

// Create initializes a brand-new pool file of the given size (rounded
// up to a page boundary) at path and opens it. The header is built in
// memory and written to disk via an atomic temp-file-then-rename
// (github.com/natefinch/atomic), so a crash mid-creation never leaves a
// torn header for a later Open to trip over.
func Create(path string, size uint64, opts ...Option) (*Pool, error) {
	if size < minPoolSize {
		size = minPoolSize
	}
	pageSize := uint64(os.Getpagesize())
	size = (size + pageSize - 1) &^ (pageSize - 1)

	buf := make([]byte, size)
	h := header{
		Magic:        poolMagic,
		Version:      poolVersion,
		PoolSize:     size,
		FreeListHead: uint64(allocAreaStart),
	}
	writeHeader(buf, &h)

	fb := freeBlock{size: size - uint64(allocAreaStart), next: 0}
	writeFreeBlock(buf, uint64(allocAreaStart), &fb)

	if err := atomicfile.WriteFile(path, bytesReader(buf)); err != nil {
		return nil, fmt.Errorf("pmpool: create %s: %w", path, err)
	}
	return Open(path, opts...)
}

// Open maps an existing pool file, verifies its header, runs the
// recovery sweep (internal/vtable) to reclaim anything allocated but no
// longer reachable from any registered root, and returns the live Pool.
func Open(path string, opts ...Option) (*Pool, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pmpool: open %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pmpool: stat %s: %w", path, err)
	}
	size := uint64(info.Size())
	if size < uint64(headerSize) {
		file.Close()
		return nil, fmt.Errorf("pmpool: %s: %w", path, pmerr.ErrCorrupted)
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("pmpool: mmap %s: %w", path, err)
	}

	p := &Pool{
		path:     path,
		file:     file,
		data:     data,
		base:     unsafe.Pointer(&data[0]),
		hdr:      (*header)(unsafe.Pointer(&data[0])),
		size:     size,
		dirIndex: make(map[uint64]int),
		numaNode: -1,
		log:      plog.Nop(),
	}
	for _, o := range opts {
		o(p)
	}

	if err := p.verify(); err != nil {
		unix.Munmap(data)
		file.Close()
		return nil, err
	}

	if p.numaNode >= 0 {
		_ = unix.Madvise(data, unix.MADV_WILLNEED)
	}

	p.rebuildDirIndex()
	p.sweepOrphans()

	return p, nil
}

func (p *Pool) verify() error {
	if p.hdr.Magic != poolMagic {
		return fmt.Errorf("pmpool: %s: %w", p.path, pmerr.ErrCorrupted)
	}
	if p.hdr.Version != poolVersion {
		return fmt.Errorf("pmpool: %s: unsupported version %d: %w", p.path, p.hdr.Version, pmerr.ErrCorrupted)
	}
	if p.hdr.PoolSize != p.size {
		return fmt.Errorf("pmpool: %s: pool size mismatch (header %d, file %d): %w", p.path, p.hdr.PoolSize, p.size, pmerr.ErrCorrupted)
	}
	return nil
}

// rebuildDirIndex scans the allocation directory written by alloc.go
// and reconstructs the in-memory offset->index map recordFree needs;
// this runs once per Open, never on the hot Alloc/Free path.
func (p *Pool) rebuildDirIndex() {
	n := *p.dirCountPtr()
	if n > dirCapacity {
		n = dirCapacity
	}
	p.dirMu.Lock()
	defer p.dirMu.Unlock()
	for i := uint64(0); i < n; i++ {
		e := p.dirEntryPtr(int(i))
		if e.freed == 0 {
			p.dirIndex[e.offset] = int(i)
		}
	}
}

// sweepOrphans implements this module's supplemented recovery
// feature: mark every block reachable from a registered root, then
// free anything the allocation directory still shows as live but that
// no root's Mark reached. If no data structure has registered a vtable
// entry, the sweep is skipped entirely rather than risk freeing blocks
// this pool simply doesn't have enough information about.
func (p *Pool) sweepOrphans() {
	var anyRegistered bool
	live := make(map[uint64]struct{})

	vtable.Sweep(func(idx int, e vtable.Entry) {
		anyRegistered = true
		if e.Mark == nil {
			return
		}
		root := p.Root(idx)
		e.Mark(root, func(blockByteOffset uintptr) {
			live[uint64(blockByteOffset)] = struct{}{}
		})
	})
	if !anyRegistered {
		return
	}

	p.dirMu.Lock()
	orphans := make([]uint64, 0)
	sizes := make(map[uint64]uint64)
	for off, idx := range p.dirIndex {
		if _, ok := live[off]; !ok {
			orphans = append(orphans, off)
			sizes[off] = p.dirEntryPtr(idx).size
		}
	}
	p.dirMu.Unlock()

	for _, off := range orphans {
		p.Free(offset.Nil.WithByteOffset(uintptr(off), 0), uintptr(sizes[off]), 1)
	}
}

// Alloc reserves size bytes aligned to align (a power of two) and
// returns a pool-relative Offset. Errors with pmerr.ErrOutOfPool when no
// free block is large enough.
func (p *Pool) Alloc(size, align uintptr) (offset.Offset, error) {
	rounded := roundUp(size, align)
	rounded = roundUp(rounded, cacheLine)

	p.allocMu.Lock()
	off, err := p.allocLocked(uint64(rounded))
	p.allocMu.Unlock()
	if err != nil {
		return offset.Nil, err
	}

	p.recordAlloc(off, uint64(rounded))
	stats.PoolAllocs.Add(1)
	stats.PoolBytesInUse.Add(int64(rounded))

	alignShift := alignShiftOf(align)
	return offset.Nil.WithByteOffset(uintptr(off), alignShift), nil
}

// Free returns a previously allocated block to the pool.
func (p *Pool) Free(o offset.Offset, size, align uintptr) {
	alignShift := alignShiftOf(align)
	off := uint64(o.ByteOffset(alignShift))
	rounded := roundUp(size, align)
	rounded = roundUp(rounded, cacheLine)

	p.recordFree(off)

	p.allocMu.Lock()
	p.freeLocked(off, uint64(rounded))
	p.allocMu.Unlock()

	stats.PoolFrees.Add(1)
	stats.PoolBytesInUse.Add(-int64(rounded))
}

// Root returns the Offset stored at root index i.
func (p *Pool) Root(i int) offset.Offset {
	if i < 0 || i >= NumRoots {
		panic(fmt.Sprintf("pmpool: root index %d out of range", i))
	}
	return offset.FromBits(loadUint64(&p.hdr.RootTable[i]))
}

// SetRoot durably installs o at root index i.
func (p *Pool) SetRoot(i int, o offset.Offset) {
	if i < 0 || i >= NumRoots {
		panic(fmt.Sprintf("pmpool: root index %d out of range", i))
	}
	storeUint64(&p.hdr.RootTable[i], o.Bits())
	p.persistRange(unsafe.Pointer(&p.hdr.RootTable[i]), 8)
}

// BaseAddr returns the process address the pool is currently mapped at.
// It changes between runs; never persist it.
func (p *Pool) BaseAddr() unsafe.Pointer { return p.base }

// OffsetToAddr dereferences o using alignShift (see offset.AlignShiftOf)
// into a live process address.
func (p *Pool) OffsetToAddr(o offset.Offset, alignShift uint) unsafe.Pointer {
	return unsafe.Add(p.base, o.ByteOffset(alignShift))
}

// AddrToOffset computes the pool-relative Offset of an address this
// pool's mapping contains.
func (p *Pool) AddrToOffset(addr unsafe.Pointer, alignShift uint) offset.Offset {
	off := uintptr(addr) - uintptr(p.base)
	return offset.Nil.WithByteOffset(off, alignShift)
}

// OffsetOf is the generic convenience wrapper around AddrToOffset that
// infers alignShift from T.
func OffsetOf[T any](p *Pool, ptr *T) offset.Offset {
	return p.AddrToOffset(unsafe.Pointer(ptr), offset.AlignShiftOf[T]())
}

// PointerTo is the generic convenience wrapper around OffsetToAddr that
// infers alignShift from T and returns a typed pointer.
func PointerTo[T any](p *Pool, o offset.Offset) *T {
	return (*T)(p.OffsetToAddr(o, offset.AlignShiftOf[T]()))
}

func (p *Pool) persistRange(addr unsafe.Pointer, length uintptr) {
	persistRange(addr, length)
}

// Close flushes outstanding data, unmaps and closes the backing file.
func (p *Pool) Close() error {
	if err := unix.Msync(p.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("pmpool: msync %s: %w", p.path, err)
	}
	if err := unix.Munmap(p.data); err != nil {
		return fmt.Errorf("pmpool: munmap %s: %w", p.path, err)
	}
	return p.file.Close()
}

func alignShiftOf(align uintptr) uint {
	if align <= 1 {
		return 0
	}
	shift := uint(0)
	for (uintptr(1) << shift) < align {
		shift++
	}
	return shift
}

func writeHeader(buf []byte, h *header) {
	binary.LittleEndian.PutUint64(buf[0:8], h.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], h.Version)
	binary.LittleEndian.PutUint64(buf[16:24], h.PoolSize)
	binary.LittleEndian.PutUint64(buf[24:32], h.FreeListHead)
}

func writeFreeBlock(buf []byte, off uint64, fb *freeBlock) {
	binary.LittleEndian.PutUint64(buf[off:off+8], fb.size)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], fb.next)
}
