// Package heap is the collector side of the freeze/thaw contract: it
// allocates stack chunks, decides which chunks need store barriers,
// applies those barriers, and marks chunks with oop bitmaps while a
// collection is running. It is deliberately small; everything else
// about garbage collection is someone else's problem.
package heap

import (
	"sync"
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/chunk"
	"github.com/vthreadrt/continuation/frame"
)

// ErrOutOfMemory is returned when a chunk cannot be allocated.
var ErrOutOfMemory = xerrors.New("heap: out of memory")

// ErrHumongousChunk is returned when a requested chunk reaches the
// configured maximum; freeze turns it into a stack-overflow error.
var ErrHumongousChunk = xerrors.New("heap: humongous stack chunk")

// Options configures a Heap.
type Options struct {
	// TLABWords is the thread-local allocation budget refilled on
	// each slow allocation.
	TLABWords int

	// ChunkMaxWords caps a single chunk: requests of this many words or
	// more are refused. Zero means no cap.
	ChunkMaxWords int

	// PromoteAge is the age at which a chunk is considered old and
	// its stores need barriers.
	PromoteAge uint32

	// Budget caps total words allocated; zero means unlimited. Used
	// to provoke allocation failure.
	Budget int
}

// Heap implements the allocator and barrier contracts.
type Heap struct {
	mu  sync.Mutex
	reg *frame.Registry
	opt Options

	tlabRemaining int
	allocated     int

	marking atomic.Bool

	safepoints    atomic.Int64
	safepointHook func()

	stores atomic.Int64
	nextID atomic.Uintptr
}

// New builds a heap. Zero options get workable defaults.
func New(reg *frame.Registry, opt Options) *Heap {
	if opt.TLABWords == 0 {
		opt.TLABWords = 1 << 14
	}
	if opt.PromoteAge == 0 {
		opt.PromoteAge = 4
	}
	h := &Heap{reg: reg, opt: opt}
	h.tlabRemaining = opt.TLABWords
	return h
}

// SetSafepointHook installs a callback run at every safepoint poll.
func (h *Heap) SetSafepointHook(fn func()) { h.safepointHook = fn }

// Safepoints counts safepoint polls taken inside slow allocations.
func (h *Heap) Safepoints() int64 { return h.safepoints.Load() }

// StoresApplied counts words covered by store barriers.
func (h *Heap) StoresApplied() int64 { return h.stores.Load() }

func (h *Heap) newChunk(stackWords int, age uint32) *chunk.Chunk {
	c := chunk.New(h.nextID.Add(1), stackWords, h)
	c.SetAge(age)
	return c
}

// TryTLABAlloc allocates a chunk from the thread-local budget without
// polling a safepoint. It fails (nil) when the budget is exhausted or
// the chunk is humongous; TLAB chunks are young and never require
// barriers.
func (h *Heap) TryTLABAlloc(stackWords int) *chunk.Chunk {
	if h.opt.ChunkMaxWords > 0 && stackWords >= h.opt.ChunkMaxWords {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if stackWords > h.tlabRemaining {
		return nil
	}
	if h.opt.Budget > 0 && h.allocated+stackWords > h.opt.Budget {
		return nil
	}
	h.tlabRemaining -= stackWords
	h.allocated += stackWords
	return h.newChunk(stackWords, 0)
}

// Allocate is the slow path: it polls a safepoint, refills the TLAB,
// and may hand back a chunk that requires barriers when a collection
// is running.
func (h *Heap) Allocate(stackWords int) (*chunk.Chunk, error) {
	if h.opt.ChunkMaxWords > 0 && stackWords >= h.opt.ChunkMaxWords {
		return nil, ErrHumongousChunk
	}

	h.safepoints.Add(1)
	if h.safepointHook != nil {
		h.safepointHook()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.opt.Budget > 0 && h.allocated+stackWords > h.opt.Budget {
		return nil, xerrors.Errorf("heap: allocating %d words: %w", stackWords, ErrOutOfMemory)
	}
	h.tlabRemaining = h.opt.TLABWords
	h.allocated += stackWords

	var age uint32
	if h.marking.Load() {
		// Outside-TLAB allocation during a mark lands in old space.
		age = h.opt.PromoteAge
	}
	return h.newChunk(stackWords, age), nil
}

// RequiresBarriers implements chunk.Collector: old chunks need store
// barriers on reference writes.
func (h *Heap) RequiresBarriers(c *chunk.Chunk) bool {
	return c.Age() >= h.opt.PromoteAge
}

// StoreRange implements chunk.Collector.
func (h *Heap) StoreRange(c *chunk.Chunk, lo, hi int) {
	h.stores.Add(int64(hi - lo))
	if h.marking.Load() {
		if bm := c.Bitmap(); bm != nil {
			for i := lo; i < hi; i++ {
				bm.Set(i)
			}
		}
	}
}

// Promote ages a chunk into old space.
func (h *Heap) Promote(c *chunk.Chunk) { c.SetAge(h.opt.PromoteAge) }

// StartMark begins a collection cycle.
func (h *Heap) StartMark() { h.marking.Store(true) }

// FinishMark ends the cycle.
func (h *Heap) FinishMark() { h.marking.Store(false) }

// IsMarking reports whether a cycle is running.
func (h *Heap) IsMarking() bool { return h.marking.Load() }

// MarkChunk puts a chunk into GC mode and builds its oop bitmap from
// the frame oop maps, the way a concurrent collector scans a chunk.
func (h *Heap) MarkChunk(c *chunk.Chunk) {
	c.SetGCMode(true)
	bm := c.InitBitmap()
	for fs := chunk.NewFrameStream(c, h.reg, chunk.MixedFrames); !fs.IsDone(); fs.Next(frame.SmallRegisterMap) {
		f := fs.ToFrame()
		if f.IsEmpty() {
			break
		}
		if f.IsInterpreted() {
			for i := f.UnextendedSP(); i < f.Bottom(); i++ {
				bm.Set(i)
			}
			continue
		}
		if m := f.OopMap(); m != nil {
			for _, off := range m.Refs {
				bm.Set(f.SP() + off)
			}
		}
	}
}
