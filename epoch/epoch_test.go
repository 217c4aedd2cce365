package epoch

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestPinPublishesEpochAndUnpinClears(t *testing.T) {
	g := New(nil)
	l := g.Register()

	guard := l.Pin()
	require.True(t, guard.Epoch().Pinned())
	require.Equal(t, g.GlobalEpoch().Value(), guard.Epoch().Value())

	guard.Unpin()
	require.Equal(t, Unpinned, Epoch(l.localEpoch.Load()))
}

func TestReentrantPinDoesNotRepublish(t *testing.T) {
	g := New(nil)
	l := g.Register()

	outer := l.Pin()
	epochAfterOuter := outer.Epoch()

	inner := l.Pin()
	require.Equal(t, epochAfterOuter, inner.Epoch())
	require.EqualValues(t, 2, l.GuardCount())

	inner.Unpin()
	// Still pinned: the outer guard has not released yet.
	require.True(t, Epoch(l.localEpoch.Load()).Pinned())

	outer.Unpin()
	require.Equal(t, Unpinned, Epoch(l.localEpoch.Load()))
}

func TestTryAdvanceBlockedByPinnedParticipantAtPreviousEpoch(t *testing.T) {
	g := New(nil)
	l1 := g.Register()
	l2 := g.Register()

	guard1 := l1.Pin()
	defer guard1.Unpin()

	_, advanced := g.tryAdvance()
	require.True(t, advanced)

	guard2 := l2.Pin()
	defer guard2.Unpin()

	_, advanced = g.tryAdvance()
	require.False(t, advanced, "l1 is still pinned at the previous epoch")
}

func TestDeferDestroyRunsAfterTwoAdvances(t *testing.T) {
	g := New(nil)
	l := g.Register()

	ran := false
	guard := l.Pin()
	guard.DeferDestroy(nil, func() { ran = true })
	guard.Unpin()
	l.flushBag()

	require.False(t, ran)

	g.Collect()
	require.False(t, ran, "must not reclaim until global epoch is >=2 ahead")

	g.Collect()
	require.True(t, ran)
}

func TestBagDeduplicatesByKey(t *testing.T) {
	g := New(nil)
	l := g.Register()

	var calls []int
	key := uint64(42)
	guard := l.Pin()
	guard.DeferDestroy(&key, func() { calls = append(calls, 1) })
	guard.DeferDestroy(&key, func() { calls = append(calls, 2) })
	guard.Unpin()

	l.flushBag()
	require.Equal(t, 1, l.global.PendingBags())

	g.tryAdvance()
	g.tryAdvance()
	g.Collect()
	require.Equal(t, []int{2}, calls)
}

func TestBagSealsOnOverflow(t *testing.T) {
	g := New(nil)
	l := g.Register()

	guard := l.Pin()
	for i := 0; i < bagCapacity; i++ {
		guard.DeferDestroy(nil, func() {})
	}
	guard.Unpin()

	require.Equal(t, 1, l.global.PendingBags())
}

func TestDeferPersistFlushesOnUnpin(t *testing.T) {
	g := New(nil)
	l := g.Register()

	var buf [64]byte
	guard := l.Pin()
	guard.DeferPersist(unsafe.Pointer(&buf), uintptr(len(buf)))
	require.Equal(t, 1, l.persistSet.len())
	guard.Unpin()
	require.Equal(t, 0, l.persistSet.len())
}

func TestUnregisterRefusedWhilePinned(t *testing.T) {
	g := New(nil)
	l := g.Register()
	guard := l.Pin()

	require.False(t, g.Unregister(l))
	guard.Unpin()
	require.True(t, g.Unregister(l))
}

func TestConcurrentPinUnpinManyParticipants(t *testing.T) {
	g := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l := g.Register()
			for j := 0; j < 200; j++ {
				guard := l.Pin()
				guard.Unpin()
			}
		}()
	}
	wg.Wait()
}
