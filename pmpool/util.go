package pmpool

import (
	"bytes"
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/persistex/pmcore/persist"
)

func bytesReader(b []byte) io.Reader { return bytes.NewReader(b) }

func loadUint64(p *uint64) uint64 { return atomic.LoadUint64(p) }

func storeUint64(p *uint64, v uint64) { atomic.StoreUint64(p, v) }

func persistRange(addr unsafe.Pointer, length uintptr) {
	persist.PersistRange(addr, length)
}
