package continuation

import (
	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/carrier"
	"github.com/vthreadrt/continuation/chunk"
)

// wrapper is the mutable view of a continuation opened for the length
// of one freeze or thaw. Tail changes accumulate locally and become
// visible in the single write() step, so a concurrent stack walk
// observes either the pre-state or a consistent post-state.
type wrapper struct {
	th    *carrier.Carrier
	entry *carrier.Entry
	cont  *Continuation
	tail  *chunk.Chunk
}

func openWrapper(th *carrier.Carrier) (*wrapper, error) {
	entry := th.LastContinuation()
	if entry == nil {
		return nil, xerrors.New("continuation: no continuation mounted on carrier")
	}
	cont, ok := entry.Cont().(*Continuation)
	if !ok {
		return nil, xerrors.New("continuation: entry holds no continuation")
	}
	return &wrapper{th: th, entry: entry, cont: cont, tail: cont.Tail()}, nil
}

func (w *wrapper) entrySP() int { return w.entry.SP() }
func (w *wrapper) entryFP() int { return w.entry.FP() }

func (w *wrapper) argsize() int { return w.entry.Argsize() }
func (w *wrapper) setArgsize(n int) { w.entry.SetArgsize(n) }

func (w *wrapper) setTail(c *chunk.Chunk) { w.tail = c }

func (w *wrapper) lastNonemptyChunk() *chunk.Chunk {
	t := w.tail
	if t != nil && t.IsEmpty() {
		t = t.Parent()
	}
	return t
}

func (w *wrapper) isEmpty() bool { return w.lastNonemptyChunk() == nil }

// write commits the accumulated changes to the heap object in one
// visible step.
func (w *wrapper) write() {
	w.cont.SetTail(w.tail)
}

// parked runs fn inside a safepoint-open region. The wrapper holds no
// raw pointers into the heap across fn, so a collection triggered by
// fn (a slow chunk allocation) finds the continuation in a scannable
// state.
func (w *wrapper) parked(fn func()) {
	fn()
	w.tail = w.cont.Tail()
}
