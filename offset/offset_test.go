package offset

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRoundTrip checks the core round-trip property: decode(encode(...))
// must recover every field independently, for legal ranges of each
// field, at every alignment shift the module actually uses.
func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	alignShifts := []uint{0, 1, 2, 3, 4, 5, 6}

	for _, shift := range alignShifts {
		for i := 0; i < 2000; i++ {
			aux := rng.Intn(2) == 1
			desc := rng.Intn(2) == 1
			tid := uint16(rng.Intn(int(MaxTid) + 1))
			high := uint16(rng.Intn(1 << highTagBits))
			lowTag := uint16(0)
			if shift > 0 {
				lowTag = uint16(rng.Intn(1 << shift))
			}
			maxOffUnits := uint64(1) << (lowRegionBits - shift)
			offUnits := uint64(rng.Int63n(int64(maxOffUnits)))
			byteOff := uintptr(offUnits << shift)

			o := Nil
			o = o.WithAux(aux)
			o = o.WithDesc(desc)
			o = o.WithTid(tid)
			o = o.WithHighTag(high)
			o = o.WithByteOffset(byteOff, shift)
			o = o.WithLowTag(lowTag, shift)

			require.Equal(t, aux, o.Aux())
			require.Equal(t, desc, o.Desc())
			require.Equal(t, tid, o.Tid())
			require.Equal(t, high, o.HighTag())
			require.Equal(t, byteOff, o.ByteOffset(shift))
			require.Equal(t, lowTag, o.LowTag(shift))
		}
	}
}

func TestFieldsAreIndependent(t *testing.T) {
	o := Nil.WithAux(true).WithTid(7).WithHighTag(42).WithByteOffset(64, 3).WithLowTag(5, 3)
	o2 := o.WithDesc(true)
	require.True(t, o2.Aux())
	require.Equal(t, uint16(7), o2.Tid())
	require.Equal(t, uint16(42), o2.HighTag())
	require.Equal(t, uintptr(64), o2.ByteOffset(3))
	require.Equal(t, uint16(5), o2.LowTag(3))
	require.True(t, o2.Desc())
}

func TestWithByteOffsetPanicsOnMisalignment(t *testing.T) {
	require.Panics(t, func() {
		Nil.WithByteOffset(1, 3)
	})
}

func TestTaggedAtomicCAS(t *testing.T) {
	ta := NewTaggedAtomic[uint64](Nil)
	old := ta.Load()
	next := old.WithByteOffset(8, ta.AlignShift()).WithAux(true)
	require.True(t, ta.CompareAndSwap(old, next))
	require.False(t, ta.CompareAndSwap(old, next)) // old is stale now
	require.Equal(t, next, ta.Load())
}
