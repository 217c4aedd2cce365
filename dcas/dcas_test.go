package dcas

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/handle"
	"github.com/persistex/pmcore/offset"
	"github.com/persistex/pmcore/pmpool"
)

func TestExecuteInstallsOnMatch(t *testing.T) {
	word := offset.NewTaggedAtomic[uint64](offset.Nil)

	ok, err := Execute(word, offset.Nil, offset.Nil.WithHighTag(7), nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, word.Load().Aux(), "DIRTY must be cleared by the writer's own flush")
	require.EqualValues(t, 7, word.Load().HighTag())
}

func TestExecuteFailsOnMismatch(t *testing.T) {
	word := offset.NewTaggedAtomic[uint64](offset.Nil.WithHighTag(1))

	_, err := Execute(word, offset.Nil, offset.Nil.WithHighTag(2), nil)
	require.Error(t, err)
}

func TestExecuteOnRecoveringHandleWithoutCheckpointInstallsAndAcks(t *testing.T) {
	dir := t.TempDir()
	p, err := pmpool.Create(filepath.Join(dir, "pool.pm"), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	g := epoch.New(nil)
	reg, err := handle.NewRegistry(p, g, true, nil)
	require.NoError(t, err)
	h, err := reg.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, h.Rec())

	word := offset.NewTaggedAtomic[uint64](offset.Nil)
	ok, err := Execute(word, offset.Nil, offset.Nil.WithHighTag(9), h)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, h.Rec(), "the first post-crash entry must ack the recovery flag")

	cp, ok := h.LastCheckpoint()
	require.True(t, ok)
	require.Equal(t, word.Load().Bits(), cp.Offset)
}

// TestExecuteRecoversAcrossFreshProcess is the genuine crash scenario:
// the checkpoint is written by one Registry/Handle, then a brand new
// Registry is built against the reopened pool (standing in for a fresh
// process after a crash, with no Go-heap state carried over) and must
// still see the pre-crash checkpoint well enough to avoid re-running
// (and spuriously conflicting on) an already-committed CAS.
func TestExecuteRecoversAcrossFreshProcess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.pm")
	p, err := pmpool.Create(path, 1<<20)
	require.NoError(t, err)

	g := epoch.New(nil)
	reg, err := handle.NewRegistry(p, g, false, nil)
	require.NoError(t, err)
	h, err := reg.Acquire(context.Background())
	require.NoError(t, err)

	word := offset.NewTaggedAtomic[uint64](offset.Nil)

	ok, err := Execute(word, offset.Nil, offset.Nil.WithHighTag(9), h)
	require.NoError(t, err)
	require.True(t, ok)
	committed := word.Load()

	h.Release()
	require.NoError(t, p.Close())

	p2, err := pmpool.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p2.Close() })

	g2 := epoch.New(nil)
	reg2, err := handle.NewRegistry(p2, g2, true, nil)
	require.NoError(t, err)
	h2, err := reg2.Acquire(context.Background())
	require.NoError(t, err)
	defer h2.Release()
	require.True(t, h2.Rec())

	cp, ok := h2.LastCheckpoint()
	require.True(t, ok, "the pre-crash checkpoint must be visible to a fresh process")
	require.Equal(t, committed.Bits(), cp.Offset)
}

func TestExecuteConcurrentOnlyOneWinsPerRound(t *testing.T) {
	word := offset.NewTaggedAtomic[uint64](offset.Nil)

	const n = 16
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(tag uint16) {
			defer wg.Done()
			ok, err := Execute(word, offset.Nil, offset.Nil.WithHighTag(tag), nil)
			if err == nil && ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint16(i + 1))
	}
	wg.Wait()
	require.Equal(t, 1, wins)
}
