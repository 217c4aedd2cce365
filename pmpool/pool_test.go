package pmpool

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/persistex/pmcore/internal/vtable"
	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/pmerr"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	dir := t.TempDir()
	p, err := Create(filepath.Join(dir, "pool.pm"), minPoolSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestCreateOpenRoundTrip(t *testing.T) {
	p := newTestPool(t)
	require.Equal(t, poolMagic, p.hdr.Magic)
	require.Equal(t, poolVersion, p.hdr.Version)
}

func TestAllocFreeReuse(t *testing.T) {
	p := newTestPool(t)

	o1, err := p.Alloc(64, 8)
	require.NoError(t, err)
	require.False(t, o1.IsNil())

	p.Free(o1, 64, 8)

	o2, err := p.Alloc(64, 8)
	require.NoError(t, err)
	require.Equal(t, o1.ByteOffset(3), o2.ByteOffset(3))
}

func TestAllocOutOfPool(t *testing.T) {
	p := newTestPool(t)
	_, err := p.Alloc(p.size*2, 8)
	require.ErrorIs(t, err, pmerr.ErrOutOfPool)
}

func TestRootGetSet(t *testing.T) {
	p := newTestPool(t)
	o, err := p.Alloc(128, 8)
	require.NoError(t, err)

	p.SetRoot(0, o)
	require.Equal(t, o, p.Root(0))
}

func TestOffsetAddrRoundTrip(t *testing.T) {
	p := newTestPool(t)
	o, err := p.Alloc(64, 8)
	require.NoError(t, err)

	addr := p.OffsetToAddr(o, 3)
	back := p.AddrToOffset(addr, 3)
	require.Equal(t, o.ByteOffset(3), back.ByteOffset(3))
}

func TestCorruptedHeaderRejected(t *testing.T) {
	p := newTestPool(t)
	path := p.path
	require.NoError(t, p.Close())

	// Corrupt the magic in place.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0, 0, 0, 0}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	require.ErrorIs(t, err, pmerr.ErrCorrupted)
}

func TestOrphanSweepReclaimsUnreachableBlocks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.pm")

	p, err := Create(path, minPoolSize)
	require.NoError(t, err)

	var reachable offset.Offset
	vtable.Register(0, vtable.Entry{
		Mark: func(root offset.Offset, mark func(uintptr)) {
			if !root.IsNil() {
				mark(root.ByteOffset(3))
			}
		},
	})

	keep, err := p.Alloc(64, 8)
	require.NoError(t, err)
	orphan, err := p.Alloc(64, 8)
	require.NoError(t, err)
	_ = orphan

	p.SetRoot(0, keep)
	reachable = keep
	_ = reachable
	require.NoError(t, p.Close())

	p2, err := Open(path)
	require.NoError(t, err)
	defer p2.Close()

	// The orphaned block should be back on the free list: the sweep
	// prepends it, so the next first-fit allocation of the same size
	// reuses it.
	got, err := p2.Alloc(64, 8)
	require.NoError(t, err)
	require.Equal(t, orphan.ByteOffset(3), got.ByteOffset(3))
}
