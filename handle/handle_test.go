package handle

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/pmpool"
)

func newTestRegistry(t *testing.T, recovering bool) *Registry {
	t.Helper()
	dir := t.TempDir()
	p, err := pmpool.Create(filepath.Join(dir, "pool.pm"), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	g := epoch.New(nil)
	r, err := NewRegistry(p, g, recovering, nil)
	require.NoError(t, err)
	return r
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	r := newTestRegistry(t, false)

	h, err := r.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, h.Rec())
	require.NotNil(t, h.Guard())
	require.NotNil(t, h.Pool())

	h.Release()
}

func TestRecoveringSeedsRecOnFirstAcquire(t *testing.T) {
	r := newTestRegistry(t, true)

	h, err := r.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, h.Rec())
	h.Ack()
	require.False(t, h.Rec())
	h.Release()

	h2, err := r.Acquire(context.Background())
	require.NoError(t, err)
	require.False(t, h2.Rec(), "rec clears for this tid once Ack'd")
	h2.Release()
}

func TestRegistryBoundsConcurrentHandles(t *testing.T) {
	r := newTestRegistry(t, false)

	held := make([]*Handle, 0, MaxThreads)
	for i := 0; i < MaxThreads; i++ {
		h, err := r.Acquire(context.Background())
		require.NoError(t, err)
		held = append(held, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Acquire(ctx)
	require.Error(t, err, "all MaxThreads slots are held")

	for _, h := range held {
		h.Release()
	}
}

func TestCheckpointSurvivesFreshRegistry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.pm")
	p, err := pmpool.Create(path, 1<<20)
	require.NoError(t, err)

	g := epoch.New(nil)
	r, err := NewRegistry(p, g, false, nil)
	require.NoError(t, err)
	h, err := r.Acquire(context.Background())
	require.NoError(t, err)
	h.PushCheckpoint(Checkpoint{Offset: 42, Parity: true})
	h.Release()
	require.NoError(t, p.Close())

	// Simulate a fresh process: reopen the pool and build a brand new
	// Registry/Handle, with no shared in-memory state from the one above.
	p2, err := pmpool.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p2.Close() })

	g2 := epoch.New(nil)
	r2, err := NewRegistry(p2, g2, true, nil)
	require.NoError(t, err)
	h2, err := r2.Acquire(context.Background())
	require.NoError(t, err)
	defer h2.Release()

	require.True(t, h2.Rec())
	cp, ok := h2.LastCheckpoint()
	require.True(t, ok, "the durable checkpoint must survive into a freshly built Registry")
	require.Equal(t, Checkpoint{Offset: 42, Parity: true}, cp)
}

func TestCheckpointRingKeepsLastFour(t *testing.T) {
	r := newTestRegistry(t, false)
	h, err := r.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	for i := uint64(0); i < 6; i++ {
		h.PushCheckpoint(Checkpoint{Offset: i, Parity: i%2 == 0})
	}

	last, ok := h.LastCheckpoint()
	require.True(t, ok)
	require.Equal(t, uint64(5), last.Offset)

	all := h.Checkpoints()
	require.Len(t, all, checkpointRingSize)
	require.Equal(t, uint64(2), all[0].Offset)
	require.Equal(t, uint64(5), all[3].Offset)
}
