package handle

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/persistex/pmcore/epoch"
	"github.com/persistex/pmcore/internal/plog"
	"github.com/persistex/pmcore/pmpool"
)

// MaxThreads is this module's "a thread maps 1:1 to a tid ∈ 1..=MAX_THREADS=64".
const MaxThreads = 64

// checkpointRootIdx reserves the last pool root index for the durable
// per-tid checkpoint table every Registry built against that pool shares.
const checkpointRootIdx = pmpool.NumRoots - 1

// checkpointTable is indexed by tid (0 unused, 1..=MaxThreads live), one
// durableCheckpoint per thread slot.
type checkpointTable [MaxThreads + 1]durableCheckpoint

// Registry hands out tids 1..=MaxThreads and the Local/Handle bound to
// each, bounding concurrent participants the same way
// golang.org/x/sync/semaphore bounds any other fan-out in the retrieved
// corpus (Voskan/arena-cache, nmxmxh/inos_v1) instead of a hand-scanned
// bitmap.
type Registry struct {
	global *epoch.Global
	pool   *pmpool.Pool
	log    *zap.Logger

	sem *semaphore.Weighted

	mu         sync.Mutex
	freeTids   []uint32
	locals     map[uint32]*epoch.Local
	recovering map[uint32]bool

	checkpoints *checkpointTable
}

// NewRegistry builds a Registry bounding concurrent Handles to
// MaxThreads. recovering should be true when pool was just opened after
// an unclean shutdown, per this module's "Safety on crash" sequencing —
// it seeds every tid's first Acquire with rec=true until Ack clears it,
// and (when a durable checkpoint for that tid survived the crash) with
// that checkpoint already loaded into the fresh Handle's ring.
//
// The first Registry ever built against pool allocates the durable
// checkpoint table and publishes its offset at checkpointRootIdx; every
// later NewRegistry call against the same pool (including one in a freshly
// started process after a crash) finds that offset already set and
// attaches to the existing table instead of allocating a second one.
func NewRegistry(pool *pmpool.Pool, global *epoch.Global, recovering bool, logger *zap.Logger) (*Registry, error) {
	tableOff := pool.Root(checkpointRootIdx)
	if tableOff.IsNil() {
		off, err := pool.Alloc(unsafe.Sizeof(checkpointTable{}), unsafe.Alignof(checkpointTable{}))
		if err != nil {
			return nil, fmt.Errorf("handle: alloc checkpoint table: %w", err)
		}
		pool.SetRoot(checkpointRootIdx, off)
		tableOff = off
	}

	r := &Registry{
		global:      global,
		pool:        pool,
		log:         plog.Or(logger),
		sem:         semaphore.NewWeighted(MaxThreads),
		locals:      make(map[uint32]*epoch.Local, MaxThreads),
		recovering:  make(map[uint32]bool, MaxThreads),
		checkpoints: pmpool.PointerTo[checkpointTable](pool, tableOff),
	}
	r.freeTids = make([]uint32, MaxThreads)
	for i := 0; i < MaxThreads; i++ {
		r.freeTids[i] = uint32(MaxThreads - i)
		if recovering {
			r.recovering[uint32(i+1)] = true
		}
	}
	return r, nil
}

// checkpointSlot returns the PM-resident durableCheckpoint for tid.
func (r *Registry) checkpointSlot(tid uint32) *durableCheckpoint {
	return &r.checkpoints[tid]
}

// Acquire blocks until a tid slot is available (or ctx is done), pins a
// Guard for it and returns a ready-to-use Handle.
func (r *Registry) Acquire(ctx context.Context) (*Handle, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("handle: acquire: %w", err)
	}

	r.mu.Lock()
	n := len(r.freeTids)
	tid := r.freeTids[n-1]
	r.freeTids = r.freeTids[:n-1]
	local, ok := r.locals[tid]
	if !ok {
		local = r.global.Register()
		r.locals[tid] = local
	}
	rec := r.recovering[tid]
	r.mu.Unlock()

	local.AddHandle()
	guard := local.Pin()

	h := &Handle{tid: tid, guard: guard, pool: r.pool, rec: rec, registry: r}
	if rec {
		if cp, ok := r.checkpointSlot(tid).read(); ok {
			h.ring.push(cp)
		}
	}
	return h, nil
}

func (r *Registry) ack(tid uint32) {
	r.mu.Lock()
	r.recovering[tid] = false
	r.mu.Unlock()
}

func (r *Registry) release(h *Handle) {
	r.mu.Lock()
	local := r.locals[h.tid]
	r.freeTids = append(r.freeTids, h.tid)
	r.mu.Unlock()

	if local != nil {
		local.RemoveHandle()
	}
	r.sem.Release(1)
}

// Shutdown logically unregisters every Local this Registry created, for
// a clean process exit. It must only be called once every Handle has
// been released.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	locals := make([]*epoch.Local, 0, len(r.locals))
	for _, l := range r.locals {
		locals = append(locals, l)
	}
	r.mu.Unlock()

	for _, l := range locals {
		if !r.global.Unregister(l) {
			r.log.Warn("handle: local still referenced at shutdown")
		}
	}
}
