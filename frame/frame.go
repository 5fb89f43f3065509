// Package frame provides a uniform descriptor over the interpreted,
// compiled, stub and native frames that the freeze and thaw engines
// walk, both on carrier stacks and inside heap chunks.
package frame

import (
	"fmt"

	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/arch"
)

// Kind is the frame taxonomy used by the engines.
type Kind uint8

const (
	Interpreted Kind = iota
	Compiled
	Stub
	Native
	Deoptimized
)

func (k Kind) String() string {
	switch k {
	case Interpreted:
		return "interpreted"
	case Compiled:
		return "compiled"
	case Stub:
		return "stub"
	case Native:
		return "native"
	case Deoptimized:
		return "deoptimized"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Frame is a view of one activation. The backing words are either a
// carrier's native stack or a chunk's word array; heap marks the
// latter, in which case interpreter header slots hold fp-relative
// offsets instead of absolute indices.
//
// A frame with stack pointer s and size z occupies words [s, s+z); its
// return pc is at s+z-1, its saved fp at s+z-2, and its incoming stack
// arguments are the words [s+z, s+z+argsize) at the bottom of the
// caller's own frame.
type Frame struct {
	reg   *Registry
	words []arch.Word
	sp    int
	usp   int
	fp    int
	pc    arch.PC
	blob  *Blob
	heap  bool
}

// New builds a frame descriptor. The blob is resolved from pc; a pc
// outside any blob yields an error rather than a descriptor.
func New(reg *Registry, words []arch.Word, sp, fp int, pc arch.PC, heap bool) (Frame, error) {
	b := reg.FindBlob(pc)
	if b == nil {
		return Frame{}, xerrors.Errorf("frame: no blob for pc %#x: %w", uint64(pc), ErrNoBlob)
	}
	return Frame{reg: reg, words: words, sp: sp, usp: sp, fp: fp, pc: pc, blob: b, heap: heap}, nil
}

// IsEmpty reports whether the descriptor has no blob behind it. Freeze
// uses such a descriptor, placed at the chunk's sp, as the caller of
// the bottom-most frame when the chunk below is empty.
func (f *Frame) IsEmpty() bool { return f.blob == nil }

func (f *Frame) PC() arch.PC        { return f.pc }
func (f *Frame) SP() int            { return f.sp }
func (f *Frame) FP() int            { return f.fp }
func (f *Frame) UnextendedSP() int  { return f.usp }
func (f *Frame) Blob() *Blob        { return f.blob }
func (f *Frame) Words() []arch.Word { return f.words }
func (f *Frame) IsHeapFrame() bool  { return f.heap }

// SetSP moves the frame's stack pointer; thaw uses it to realign an
// odd interpreted sp.
func (f *Frame) SetSP(sp int) { f.sp = sp }

// SetUnextendedSP overrides the unextended sp; freeze uses it after
// reading the cached last-sp of an interpreted frame.
func (f *Frame) SetUnextendedSP(usp int) { f.usp = usp }

// SetFP overrides the frame pointer; the preempt path uses the real
// fp of a safepoint stub frame.
func (f *Frame) SetFP(fp int) { f.fp = fp }

// SetPC rewrites the frame's pc; deoptimization retargets a thawed
// frame at its blob's deopt handler.
func (f *Frame) SetPC(pc arch.PC) { f.pc = pc }

// Kind derives the frame kind from the blob containing pc.
func (f *Frame) Kind() Kind {
	switch f.blob.kind {
	case BlobInterpreter:
		return Interpreted
	case BlobCompiled:
		if f.IsDeoptimized() {
			return Deoptimized
		}
		return Compiled
	case BlobStub:
		return Stub
	default:
		return Native
	}
}

func (f *Frame) IsInterpreted() bool { return f.blob != nil && f.blob.kind == BlobInterpreter }
func (f *Frame) IsCompiled() bool    { return f.blob != nil && f.blob.kind == BlobCompiled }
func (f *Frame) IsStub() bool        { return f.blob != nil && f.blob.kind == BlobStub }

// IsDeoptimized reports whether the frame's pc is its blob's deopt
// handler.
func (f *Frame) IsDeoptimized() bool {
	return f.blob.kind == BlobCompiled && f.pc == f.blob.deoptHandler
}

// OopMap returns the blob's oop map; nil for native wrappers.
func (f *Frame) OopMap() *OopMap { return f.blob.oopMap }

// Method resolves the interpreted frame's method from its header.
func (f *Frame) Method() (*Method, error) {
	return f.reg.MethodByID(f.words[f.fp+InterpMethodOffset])
}

// Size is the frame size in words, metadata included. Interpreted
// frames are sized from their header; the rest from the blob.
func (f *Frame) Size() int {
	if f.IsInterpreted() {
		m, err := f.Method()
		if err != nil {
			return 0
		}
		return f.fp + f.reg.params.MetadataWords + m.MaxLocals() - f.usp
	}
	return f.blob.frameSize
}

// StackArgsize is the number of incoming stack-argument words.
func (f *Frame) StackArgsize() int {
	if f.IsInterpreted() {
		m, err := f.Method()
		if err != nil {
			return 0
		}
		return m.ArgWords()
	}
	if f.blob.kind == BlobCompiled {
		return f.blob.argSize
	}
	return 0
}

// Bottom is the index just past the frame's highest word: the end of
// the locals for interpreted frames, the sender sp otherwise.
func (f *Frame) Bottom() int {
	if f.IsInterpreted() {
		m, err := f.Method()
		if err != nil {
			return f.fp
		}
		return f.fp + f.reg.params.MetadataWords + m.MaxLocals()
	}
	return f.usp + f.blob.frameSize
}

// Top returns the lowest word index to copy when freezing this frame.
// The callee's incoming argument words (or, for an interpreted
// callee, the locals overlapping them) travel with the callee's copy,
// so this frame's region starts above them.
func (f *Frame) Top(calleeArgsize int) int {
	return f.usp + calleeArgsize
}

// SenderSP is the caller's stack pointer. Interpreted frames record
// it in their header because their size is dynamic; the others derive
// it from the blob frame size.
func (f *Frame) SenderSP() int {
	if f.IsInterpreted() {
		return f.interpSlot(InterpSenderSPOffset)
	}
	return f.usp + f.blob.frameSize
}

// Sender walks to the caller frame. The register map carries
// callee-saved state across stub frames; SmallRegisterMap suffices
// everywhere else.
func (f *Frame) Sender(rm *RegisterMap) (Frame, error) {
	var senderSP int
	var senderPC arch.PC
	var senderFP int
	if f.IsInterpreted() {
		senderSP = f.interpSlot(InterpSenderSPOffset)
		senderPC = arch.PC(f.words[f.fp+1])
		senderFP = int(f.words[f.fp])
	} else {
		senderSP = f.usp + f.blob.frameSize
		senderPC = f.reg.params.ReadPC(f.words, senderSP)
		senderFP = f.reg.params.ReadFP(f.words, senderSP)
	}
	if rm != nil {
		rm.UpdateWithCallee(f)
	}
	return New(f.reg, f.words, senderSP, senderFP, senderPC, f.heap)
}

// IsOwningMonitor reports whether the frame holds an object monitor,
// which pins the continuation.
func (f *Frame) IsOwningMonitor() bool {
	if f.IsInterpreted() {
		return f.words[f.fp+InterpMonitorsOffset] != 0
	}
	if f.blob.oopMap == nil {
		return false
	}
	for _, off := range f.blob.oopMap.Monitors {
		if f.words[f.sp+off] != 0 {
			return true
		}
	}
	return false
}

// RawRetPC reads the frame's own return pc from its metadata: at fp+1
// for interpreted frames, below the sender sp otherwise.
func (f *Frame) RawRetPC() arch.PC {
	if f.IsInterpreted() {
		return arch.PC(f.words[f.fp+1])
	}
	return f.reg.params.ReadPC(f.words, f.usp+f.blob.frameSize)
}

// interpSlot resolves an interpreter header slot that holds a frame
// pointer: absolute on the stack, fp-relative in a chunk.
func (f *Frame) interpSlot(off int) int {
	w := f.words[f.fp+off]
	if f.heap {
		return f.fp + int(int64(w))
	}
	return int(w)
}
