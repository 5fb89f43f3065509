// Package carrier models the OS thread a continuation runs on: its
// native stack words, frame anchor, overflow state and the chain of
// continuation entries mounted on it. Freeze reads frames from a
// carrier's stack; thaw writes frames back onto it.
package carrier

import (
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/frame"
)

// ErrStackOverflow is raised on the carrier when a freeze runs out of
// room. Thaw does not raise it; thaw sizing reports overflow by
// returning zero.
var ErrStackOverflow = xerrors.New("carrier: stack overflow")

// pageWords is the overflow-check granularity: copies smaller than a
// page are covered by the guard page itself.
const pageWords = 512

var nextCarrierID atomic.Uintptr

// Anchor publishes the carrier's last frame for asynchronous stack
// walkers. Between unwinding and publishing a freeze, the anchor is
// at the continuation entry, so a walker sees either the pre-freeze
// stack or the post-freeze one, never a torn intermediate.
type Anchor struct {
	sp    int
	fp    int
	pc    arch.PC
	valid bool
}

// Carrier is one carrier thread.
type Carrier struct {
	id     uintptr
	reg    *frame.Registry
	stack  []arch.Word
	unmap  func() error
	anchor atomic.Pointer[Anchor]

	// overflowLimit is the lowest stack index frames may reach.
	overflowLimit int

	// fastpathWatermark is non-zero when something below it (an
	// interpreted or deoptimized frame left by thaw) forces the next
	// freeze onto the slow path.
	fastpathWatermark int
	fastpathState     bool

	heldMonitors int
	interpOnly   bool

	entry      *Entry
	pendingErr error
}

// New builds a carrier with a heap-backed stack of the given size in
// words.
func New(reg *frame.Registry, stackWords int) *Carrier {
	return newCarrier(reg, make([]arch.Word, stackWords), nil)
}

// NewMapped builds a carrier whose stack is an anonymous mapping with
// a guard page at the low end, on platforms that support it.
func NewMapped(reg *frame.Registry, stackWords int) (*Carrier, error) {
	words, unmap, err := mapStack(stackWords)
	if err != nil {
		return nil, xerrors.Errorf("carrier: mapping stack: %w", err)
	}
	return newCarrier(reg, words, unmap), nil
}

func newCarrier(reg *frame.Registry, words []arch.Word, unmap func() error) *Carrier {
	c := &Carrier{
		id:            nextCarrierID.Add(1),
		reg:           reg,
		stack:         words,
		unmap:         unmap,
		overflowLimit: pageWords / 4,
		fastpathState: true,
	}
	register(c)
	return c
}

// Close releases the stack mapping, if any, and drops the carrier
// from the registry.
func (c *Carrier) Close() error {
	unregister(c)
	if c.unmap != nil {
		return c.unmap()
	}
	return nil
}

func (c *Carrier) ID() uintptr { return c.id }
func (c *Carrier) Registry() *frame.Registry { return c.reg }
func (c *Carrier) Stack() []arch.Word { return c.stack }
func (c *Carrier) StackSize() int { return len(c.stack) }

// OverflowLimit is the lowest legal stack index.
func (c *Carrier) OverflowLimit() int { return c.overflowLimit }
func (c *Carrier) SetOverflowLimit(lim int) { c.overflowLimit = lim }

// StackOverflowCheck reports whether size words fit below sp without
// crossing the overflow limit.
func (c *Carrier) StackOverflowCheck(size, sp int) bool {
	if size > pageWords {
		if sp-size < c.overflowLimit {
			return false
		}
	}
	return true
}

// SetAnchor publishes the frame at sp as the last frame, reading its
// pc and fp from the metadata below sp.
func (c *Carrier) SetAnchor(sp int) {
	p := c.reg.Params()
	c.anchor.Store(&Anchor{
		sp:    sp,
		fp:    p.ReadFP(c.stack, sp),
		pc:    p.ReadPC(c.stack, sp),
		valid: true,
	})
}

// SetAnchorToEntry publishes the continuation entry as the last
// frame; this is the unwound state freeze leaves behind.
func (c *Carrier) SetAnchorToEntry(e *Entry) {
	c.anchor.Store(&Anchor{sp: e.sp, fp: e.fp, pc: e.pc, valid: true})
}

// ClearAnchor removes the published frame.
func (c *Carrier) ClearAnchor() { c.anchor.Store(nil) }

// HasLastFrame reports whether an anchor is published.
func (c *Carrier) HasLastFrame() bool {
	a := c.anchor.Load()
	return a != nil && a.valid
}

// LastFrame materializes the anchored frame.
func (c *Carrier) LastFrame() (frame.Frame, error) {
	a := c.anchor.Load()
	if a == nil || !a.valid {
		return frame.Frame{}, xerrors.New("carrier: no last frame")
	}
	return frame.New(c.reg, c.stack, a.sp, a.fp, a.pc, false)
}

// AnchorSP returns the published sp, or -1 when no anchor is set.
func (c *Carrier) AnchorSP() int {
	a := c.anchor.Load()
	if a == nil || !a.valid {
		return -1
	}
	return a.sp
}

// RawContFastpath returns the fast-path disable watermark; zero means
// the fast path is allowed.
func (c *Carrier) RawContFastpath() int { return c.fastpathWatermark }
func (c *Carrier) SetContFastpath(sp int) { c.fastpathWatermark = sp }

// MaybeSetFastpath raises the watermark to sp if it is higher; thaw
// records the deepest frame that disqualifies fast freezing.
func (c *Carrier) MaybeSetFastpath(sp int) {
	if sp > c.fastpathWatermark {
		c.fastpathWatermark = sp
	}
}

// ContFastpath reports whether the next freeze may take the fast
// path as far as this carrier's state is concerned.
func (c *Carrier) ContFastpath() bool {
	return c.fastpathState && c.fastpathWatermark == 0
}

// FastpathThreadState reports the thread-state half of the fast-path
// predicate.
func (c *Carrier) FastpathThreadState() bool { return c.fastpathState }
func (c *Carrier) SetFastpathThreadState(v bool) { c.fastpathState = v }

// HeldMonitorCount is the number of monitors the carrier holds while
// running continuation code.
func (c *Carrier) HeldMonitorCount() int { return c.heldMonitors }
func (c *Carrier) SetHeldMonitorCount(n int) { c.heldMonitors = n }
func (c *Carrier) ResetHeldMonitorCount() { c.heldMonitors = 0 }

// IsInterpOnlyMode reports whether a debugger forced the carrier to
// interpret everything; thawed compiled frames are then deoptimized.
func (c *Carrier) IsInterpOnlyMode() bool { return c.interpOnly }
func (c *Carrier) SetInterpOnlyMode(v bool) { c.interpOnly = v }

// LastContinuation is the innermost continuation entry mounted on the
// carrier, or nil.
func (c *Carrier) LastContinuation() *Entry { return c.entry }
func (c *Carrier) SetLastContinuation(e *Entry) { c.entry = e }

// PendingError is the error raised on the carrier, typically a stack
// overflow constructed during freeze.
func (c *Carrier) PendingError() error { return c.pendingErr }
func (c *Carrier) SetPendingError(err error) { c.pendingErr = err }

// TakePendingError returns and clears the pending error.
func (c *Carrier) TakePendingError() error {
	err := c.pendingErr
	c.pendingErr = nil
	return err
}
