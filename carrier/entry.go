package carrier

import (
	"github.com/vthreadrt/continuation/arch"
)

// Entry marks the frame on the carrier stack where a continuation was
// mounted. Frames at lower indices belong to the continuation and are
// what freeze captures; everything at the entry and above belongs to
// the carrier. Entries nest when continuations do.
type Entry struct {
	parent *Entry

	sp int
	fp int
	pc arch.PC

	// argsize is the stack-argument size of the bottom-most
	// continuation frame, maintained by thaw and consumed by the next
	// freeze to bound the frozen region.
	argsize int

	// pins counts critical sections entered on this continuation; a
	// pinned entry refuses to freeze.
	pins int

	scope any
	cont  any
}

// NewEntry records a continuation entry laid out at sp on the carrier
// stack.
func NewEntry(sp, fp int, pc arch.PC, scope, cont any, parent *Entry) *Entry {
	return &Entry{parent: parent, sp: sp, fp: fp, pc: pc, scope: scope, cont: cont}
}

func (e *Entry) Parent() *Entry { return e.parent }
func (e *Entry) SP() int        { return e.sp }
func (e *Entry) FP() int        { return e.fp }
func (e *Entry) PC() arch.PC    { return e.pc }
func (e *Entry) Scope() any     { return e.scope }
func (e *Entry) Cont() any      { return e.cont }

func (e *Entry) Argsize() int     { return e.argsize }
func (e *Entry) SetArgsize(n int) { e.argsize = n }

// Pin enters a critical section on the entry; freezing fails with a
// pinned result until the matching Unpin.
func (e *Entry) Pin()   { e.pins++ }
func (e *Entry) Unpin() { e.pins-- }

// IsPinned reports whether a critical section is open.
func (e *Entry) IsPinned() bool { return e.pins > 0 }

// FlushStackProcessing completes any concurrent stack processing over
// the frames about to be unwound, so the collector has seen their
// oops before the words are copied away. The current collector scans
// chunks, not carrier stacks, so there is nothing to flush.
func (e *Entry) FlushStackProcessing(c *Carrier) {
}
