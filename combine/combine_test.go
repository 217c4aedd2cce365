package combine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func cloneCounter(state any) any {
	v := state.(int)
	return v
}

func TestTryLockAndPeek(t *testing.T) {
	c := New(4, 0, cloneCounter, nil, nil)

	require.True(t, c.TryLock(1))
	gen, owner := c.Peek()
	require.EqualValues(t, 0, gen)
	require.EqualValues(t, 1, owner)

	require.True(t, c.TryLock(1), "re-entrant lock by the same tid succeeds")
	require.False(t, c.TryLock(2), "a different tid is refused while locked")

	c.unlock(1)
	_, owner = c.Peek()
	require.EqualValues(t, 0, owner)
}

func TestExecuteSingleThreadIncrementsState(t *testing.T) {
	c := New(4, 0, cloneCounter, nil, nil)

	result := c.Execute(1, func(state any) (any, any) {
		v := state.(int) + 1
		return v, v
	})
	require.Equal(t, 1, result)
	require.Equal(t, 1, c.State())

	result = c.Execute(1, func(state any) (any, any) {
		v := state.(int) + 1
		return v, v
	})
	require.Equal(t, 2, result)
}

func TestExecuteConcurrentAppliesEveryRequestExactlyOnce(t *testing.T) {
	const n = 20
	c := New(n, 0, cloneCounter, nil, nil)

	var wg sync.WaitGroup
	results := make([]int, n+1)
	for tid := 1; tid <= n; tid++ {
		wg.Add(1)
		go func(tid int) {
			defer wg.Done()
			r := c.Execute(uint32(tid), func(state any) (any, any) {
				v := state.(int) + 1
				return v, v
			})
			results[tid] = r.(int)
		}(tid)
	}
	wg.Wait()

	require.Equal(t, n, c.State(), "every increment must have landed exactly once")

	seen := make(map[int]bool)
	for tid := 1; tid <= n; tid++ {
		require.False(t, seen[results[tid]], "no two threads should observe the same post-increment value")
		seen[results[tid]] = true
	}
}

func TestRecoveredReportsCompletedRequest(t *testing.T) {
	c := New(4, 0, cloneCounter, nil, nil)

	result := c.Execute(1, func(state any) (any, any) {
		v := state.(int) + 1
		return v, v
	})
	require.Equal(t, 1, result)

	done, got := c.Recovered(1, 1)
	require.True(t, done)
	require.Equal(t, 1, got)

	done, _ = c.Recovered(1, 2)
	require.False(t, done, "a higher activate than ever issued has not completed")
}

func TestPersistHookRunsBeforePublish(t *testing.T) {
	var persisted []int
	c := New(4, 0, cloneCounter, func(s any) {
		persisted = append(persisted, s.(int))
	}, nil)

	c.Execute(1, func(state any) (any, any) {
		v := state.(int) + 5
		return v, v
	})
	require.Equal(t, []int{5}, persisted)
}

func TestCombiningRoundsBoundsOneCombinerPass(t *testing.T) {
	require.Equal(t, 16, CombiningRounds)
}
