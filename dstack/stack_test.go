package dstack

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/handle"
	"github.com/persistex/pmcore/pmpool"
)

func newTestRig(t *testing.T) (*pmpool.Pool, *handle.Registry) {
	t.Helper()
	dir := t.TempDir()
	p, err := pmpool.Create(filepath.Join(dir, "pool.pm"), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	g := epoch.New(nil)
	reg, err := handle.NewRegistry(p, g, false, nil)
	require.NoError(t, err)
	return p, reg
}

func TestPushPopSingleThreaded(t *testing.T) {
	p, reg := newTestRig(t)
	s, err := New[int](p, 0)
	require.NoError(t, err)

	h, err := reg.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()

	require.NoError(t, s.Push(h, 1))
	require.NoError(t, s.Push(h, 2))
	require.NoError(t, s.Push(h, 3))

	v, err := s.Pop(h)
	require.NoError(t, err)
	require.Equal(t, 3, v)

	v, err = s.Pop(h)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	v, err = s.Pop(h)
	require.NoError(t, err)
	require.Equal(t, 1, v)

	_, err = s.Pop(h)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestPushSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pool.pm")

	p, err := pmpool.Create(path, 1<<20)
	require.NoError(t, err)

	g := epoch.New(nil)
	reg, err := handle.NewRegistry(p, g, false, nil)
	require.NoError(t, err)
	s, err := New[string](p, 1)
	require.NoError(t, err)

	h, err := reg.Acquire(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.Push(h, "durable"))
	h.Release()
	require.NoError(t, p.Close())

	p2, err := pmpool.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p2.Close() })

	s2, err := New[string](p2, 1)
	require.NoError(t, err)
	g2 := epoch.New(nil)
	reg2, err := handle.NewRegistry(p2, g2, true, nil)
	require.NoError(t, err)
	h2, err := reg2.Acquire(context.Background())
	require.NoError(t, err)
	defer h2.Release()

	v, err := s2.Pop(h2)
	require.NoError(t, err)
	require.Equal(t, "durable", v)
}

func TestConcurrentPushPopConserveCount(t *testing.T) {
	p, reg := newTestRig(t)
	s, err := New[int](p, 0)
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			h, err := reg.Acquire(context.Background())
			require.NoError(t, err)
			defer h.Release()
			require.NoError(t, s.Push(h, v))
		}(i)
	}
	wg.Wait()

	seen := make(map[int]bool)
	var mu sync.Mutex
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := reg.Acquire(context.Background())
			require.NoError(t, err)
			defer h.Release()
			v, err := s.Pop(h)
			require.NoError(t, err)
			mu.Lock()
			seen[v] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, n)

	h, err := reg.Acquire(context.Background())
	require.NoError(t, err)
	defer h.Release()
	_, err = s.Pop(h)
	require.ErrorIs(t, err, ErrEmpty)
}
