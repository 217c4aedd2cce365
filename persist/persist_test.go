package persist

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestPersistDoesNotPanicOnUnalignedRanges(t *testing.T) {
	buf := make([]byte, 256)
	require.NotPanics(t, func() {
		Persist(unsafe.Pointer(&buf[3]), 100)
		Sfence()
	})
}

func TestPersistObj(t *testing.T) {
	type payload struct {
		A uint64
		B [32]byte
	}
	p := &payload{A: 7}
	require.NotPanics(t, func() {
		PersistObj(p)
	})
}

func TestPersistZeroLength(t *testing.T) {
	require.NotPanics(t, func() {
		Persist(nil, 0)
	})
}
