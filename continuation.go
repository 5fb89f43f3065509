package continuation

import (
	"sync/atomic"

	"github.com/zephyrtronium/contains"
	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/chunk"
)

// Continuation is the heap object a frozen execution state hangs off:
// a scope tag and the head of the chunk list. It is mutated only by
// freeze and thaw running on the owning carrier; concurrent readers
// go through the atomically published tail.
type Continuation struct {
	scope any

	// tail is the most recently frozen chunk; older chunks are
	// reachable through parent links. Nil before the first freeze,
	// and nil again when a thaw unlinks the last, emptied chunk.
	tail atomic.Pointer[chunk.Chunk]

	done         atomic.Bool
	pinnedReason atomic.Int32
}

// New creates an unmounted continuation for the given scope.
func New(scope any) *Continuation {
	return &Continuation{scope: scope}
}

// Scope is the opaque scope tag.
func (c *Continuation) Scope() any { return c.scope }

// Tail returns the head of the chunk list.
func (c *Continuation) Tail() *chunk.Chunk { return c.tail.Load() }

// SetTail publishes a new chunk list head.
func (c *Continuation) SetTail(t *chunk.Chunk) { c.tail.Store(t) }

// Done reports whether the continuation ran to completion.
func (c *Continuation) Done() bool { return c.done.Load() }
func (c *Continuation) SetDone() { c.done.Store(true) }

// PinnedReason is the advisory reason of the last failed freeze.
func (c *Continuation) PinnedReason() Result {
	return Result(c.pinnedReason.Load())
}

func (c *Continuation) setPinnedReason(r Result) {
	c.pinnedReason.Store(int32(r))
}

// LastNonemptyChunk skips an empty tail left behind by a thaw.
func (c *Continuation) LastNonemptyChunk() *chunk.Chunk {
	t := c.Tail()
	if t != nil && t.IsEmpty() {
		t = t.Parent()
	}
	return t
}

// IsEmpty reports whether no frames are frozen anywhere in the list.
func (c *Continuation) IsEmpty() bool { return c.LastNonemptyChunk() == nil }

// Verify walks the chunk list and checks the universal invariants.
// The set guards against a corrupted parent link forming a cycle.
func (c *Continuation) Verify() error {
	seen := contains.Set{}
	for t := c.Tail(); t != nil; t = t.Parent() {
		if !seen.Add(t.ID()) {
			return xerrors.Errorf("continuation: chunk %d appears twice in the parent chain", t.ID())
		}
		if ok, reason := t.Verify(); !ok {
			return xerrors.Errorf("continuation: chunk %d: %s", t.ID(), reason)
		}
	}
	return nil
}
