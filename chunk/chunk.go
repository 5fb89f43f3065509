// Package chunk implements stack chunks: heap objects holding a
// contiguous run of frozen stack words plus the header the freeze and
// thaw engines operate on. A continuation owns a parent-linked list
// of chunks, tail first.
package chunk

import (
	"sync/atomic"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/frame"
)

// Flags is the chunk flag set.
type Flags uint32

const (
	// FlagHasMixedFrames marks chunks that may contain interpreted
	// frames; such chunks are only touched by the slow paths.
	FlagHasMixedFrames Flags = 1 << iota

	// FlagGCMode marks chunks being processed by the collector.
	FlagGCMode

	// FlagHasBitmap marks chunks whose oop positions are tracked by a
	// per-word bitmap.
	FlagHasBitmap
)

// Collector is the garbage-collector contract a chunk forwards its
// barrier queries to. A nil collector never requires barriers.
type Collector interface {
	// RequiresBarriers reports whether stores into the chunk's words
	// need store barriers, typically because the chunk's memory has
	// been promoted.
	RequiresBarriers(c *Chunk) bool

	// StoreRange records a barriered store covering words [lo, hi).
	StoreRange(c *Chunk, lo, hi int)
}

// Chunk is a frozen stack segment. The sp, argsize, max size, pc,
// flags and parent header fields are written only by the owning
// carrier but read concurrently by stack walkers and the collector,
// so they are accessed atomically; readers must tolerate the
// empty-tail transient that exists between a thaw emptying the tail
// and the next freeze or unlink.
//
// Word layout: the array holds stackSize words; [sp, stackSize) is
// live, with sp == stackSize meaning empty. The word at sp-1 is the
// return pc of the topmost frozen frame and always equals pc. The
// bottom frame's incoming stack arguments occupy the argsize words at
// the top of the array (or overlap the parent's top frame).
type Chunk struct {
	id        uintptr
	stackSize int
	words     []arch.Word
	collector Collector

	sp      atomic.Int64
	argsize atomic.Int64
	maxSize atomic.Int64
	pc      atomic.Uint64
	flags   atomic.Uint32
	age     atomic.Uint32
	parent  atomic.Pointer[Chunk]

	bitmap atomic.Pointer[Bitmap]

	// cont is the owning continuation, set once at allocation.
	cont any
}

// New builds an empty chunk of the given capacity in words.
func New(id uintptr, stackWords int, collector Collector) *Chunk {
	c := &Chunk{
		id:        id,
		stackSize: stackWords,
		words:     make([]arch.Word, stackWords),
		collector: collector,
	}
	c.sp.Store(int64(stackWords))
	return c
}

// ID is a stable identity used by verification walks.
func (c *Chunk) ID() uintptr { return c.id }

// StackSize is the capacity in words.
func (c *Chunk) StackSize() int { return c.stackSize }

// Words exposes the backing array. Only the owning carrier may write
// to it.
func (c *Chunk) Words() []arch.Word { return c.words }

func (c *Chunk) SP() int { return int(c.sp.Load()) }
func (c *Chunk) SetSP(sp int) { c.sp.Store(int64(sp)) }
func (c *Chunk) Argsize() int { return int(c.argsize.Load()) }
func (c *Chunk) SetArgsize(n int) { c.argsize.Store(int64(n)) }
func (c *Chunk) MaxSize() int { return int(c.maxSize.Load()) }
func (c *Chunk) SetMaxSize(n int) { c.maxSize.Store(int64(n)) }

func (c *Chunk) PC() arch.PC { return arch.PC(c.pc.Load()) }
func (c *Chunk) SetPC(pc arch.PC) { c.pc.Store(uint64(pc)) }

func (c *Chunk) Parent() *Chunk { return c.parent.Load() }
func (c *Chunk) SetParent(p *Chunk) { c.parent.Store(p) }

// Cont is the owning continuation.
func (c *Chunk) Cont() any { return c.cont }
func (c *Chunk) SetCont(ct any) { c.cont = ct }

// IsEmpty reports whether the chunk holds no frames.
func (c *Chunk) IsEmpty() bool { return c.SP() == c.stackSize }

func (c *Chunk) Flags() Flags { return Flags(c.flags.Load()) }

func (c *Chunk) setFlag(f Flags, on bool) {
	for {
		old := c.flags.Load()
		var next uint32
		if on {
			next = old | uint32(f)
		} else {
			next = old &^ uint32(f)
		}
		if c.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *Chunk) HasMixedFrames() bool { return c.Flags()&FlagHasMixedFrames != 0 }
func (c *Chunk) SetHasMixedFrames(on bool) { c.setFlag(FlagHasMixedFrames, on) }

func (c *Chunk) IsGCMode() bool { return c.Flags()&FlagGCMode != 0 }
func (c *Chunk) SetGCMode(on bool) { c.setFlag(FlagGCMode, on) }

func (c *Chunk) HasBitmap() bool { return c.Flags()&FlagHasBitmap != 0 }

// HasThawSlowpathCondition reports whether any flag forces thaw off
// the fast path.
func (c *Chunk) HasThawSlowpathCondition() bool { return c.Flags() != 0 }

// Age is the collector's promotion age for this chunk.
func (c *Chunk) Age() uint32 { return c.age.Load() }
func (c *Chunk) SetAge(age uint32) { c.age.Store(age) }

// RequiresBarriers forwards to the collector.
func (c *Chunk) RequiresBarriers() bool {
	return c.collector != nil && c.collector.RequiresBarriers(c)
}

// CopyFromStack copies stack words into the chunk at the given
// offset. Barrier application is the caller's business: the fast
// freeze path requires none, the slow path applies them afterwards.
func (c *Chunk) CopyFromStack(off int, src []arch.Word) {
	copy(c.words[off:off+len(src)], src)
}

// CopyToStack copies chunk words [off, off+len(dst)) out to a stack.
func (c *Chunk) CopyToStack(off int, dst []arch.Word) {
	copy(dst, c.words[off:off+len(dst)])
}

// ApplyStoreBarriers runs the collector's store barrier over the oop
// slots of the stream's current frame.
func (c *Chunk) ApplyStoreBarriers(fs *FrameStream, rm *frame.RegisterMap) {
	if c.collector == nil || fs.IsDone() {
		return
	}
	f := fs.ToFrame()
	if f.IsInterpreted() {
		c.collector.StoreRange(c, f.UnextendedSP(), f.Bottom())
		return
	}
	if m := f.OopMap(); m != nil {
		for _, off := range m.Refs {
			c.collector.StoreRange(c, f.SP()+off, f.SP()+off+1)
		}
	}
}

// Verify checks the chunk's universal invariants and returns false
// with a reason when one is violated.
func (c *Chunk) Verify() (bool, string) {
	sp, max, argsize := c.SP(), c.MaxSize(), c.Argsize()
	switch {
	case sp < 0 || sp > c.stackSize:
		return false, "sp out of range"
	case (sp == c.stackSize) != (max == 0):
		return false, "empty iff max_size == 0 violated"
	case sp < c.stackSize && sp+max > c.stackSize+argsize:
		return false, "live content exceeds stack_size + argsize"
	case sp < c.stackSize && arch.PC(c.words[sp-1]) != c.PC():
		return false, "return-pc slot of topmost frame does not match pc"
	}
	return true, ""
}
