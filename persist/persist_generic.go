//go:build !amd64

package persist

import (
	"sync/atomic"
	"unsafe"
)

func flushLine(addr unsafe.Pointer) {
	atomic.LoadUint64((*uint64)(addr))
}

func sfence() {
	var fenceVar int32
	atomic.AddInt32(&fenceVar, 1)
}
