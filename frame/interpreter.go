package frame

import (
	"github.com/vthreadrt/continuation/arch"
)

// Interpreter frame header slots, as word offsets from fp. The return
// pc and saved fp live above fp like every other frame; the header
// proper grows down from fp. The expression stack occupies
// [unextended sp, fp+InterpLastSPOffset).
//
// Each slot is one of three classes: a raw word (method id, monitor
// count, bcp once relativized), a pointer into this frame (locals,
// last sp), or a pointer into the caller (sender sp). Pointers are
// absolute stack indices while the frame is on a carrier stack and
// fp-relative offsets while it is frozen in a chunk, so a frozen
// frame is position independent.
const (
	InterpMethodOffset   = -1
	InterpLocalsOffset   = -2
	InterpBCPOffset      = -3
	InterpMonitorsOffset = -4
	InterpSenderSPOffset = -5
	InterpLastSPOffset   = -6
	InterpHeaderWords    = 6
)

// Locals returns the index of the highest local slot. Locals occupy
// [Locals-maxLocals+1, Locals+1).
func (f *Frame) Locals() int {
	return f.interpSlot(InterpLocalsOffset)
}

// BCP returns the bytecode pointer: an absolute bytecode address on
// the stack, a bytecode index in a chunk.
func (f *Frame) BCP() arch.Word {
	return f.words[f.fp+InterpBCPOffset]
}

// LastSP returns the cached operand-stack pointer, or -1 when the
// slot is invalid (zero).
func (f *Frame) LastSP() int {
	if f.words[f.fp+InterpLastSPOffset] == 0 {
		return -1
	}
	return f.interpSlot(InterpLastSPOffset)
}

// AdjustUnextendedSP reloads the frame's unextended sp from the
// cached last-sp slot. The interpreter keeps the cache only while a
// call is in progress; when valid it reflects operand-stack growth
// that the plain sp misses.
func (f *Frame) AdjustUnextendedSP() {
	if last := f.LastSP(); last >= 0 {
		f.usp = last
	}
}

// RelativizeInterpreterMetadata rewrites the heap copy hf of the
// stack frame f so the header is position independent: frame-internal
// pointers become fp-relative offsets and the bcp becomes a bytecode
// index. The inverse is DerelativizeInterpreterMetadata; composing
// the two is the identity.
func RelativizeInterpreterMetadata(f, hf *Frame) {
	w := hf.words
	fp := hf.fp
	w[fp+InterpLocalsOffset] = arch.Word(int64(int(f.words[f.fp+InterpLocalsOffset]) - f.fp))
	if f.words[f.fp+InterpLastSPOffset] != 0 {
		w[fp+InterpLastSPOffset] = arch.Word(int64(int(f.words[f.fp+InterpLastSPOffset]) - f.fp))
	}
	if m, err := f.Method(); err == nil {
		w[fp+InterpBCPOffset] = arch.Word(arch.PC(f.words[f.fp+InterpBCPOffset]) - m.BytecodeBase())
	}
}

// DerelativizeInterpreterMetadata rewrites the thawed stack copy fr
// of the heap frame hf back to absolute values.
func DerelativizeInterpreterMetadata(hf, fr *Frame) {
	w := fr.words
	fp := fr.fp
	w[fp+InterpLocalsOffset] = arch.Word(fp + int(int64(hf.words[hf.fp+InterpLocalsOffset])))
	if hf.words[hf.fp+InterpLastSPOffset] != 0 {
		w[fp+InterpLastSPOffset] = arch.Word(fp + int(int64(hf.words[hf.fp+InterpLastSPOffset])))
	}
	if m, err := fr.Method(); err == nil {
		w[fp+InterpBCPOffset] = arch.Word(m.BytecodeBase() + arch.PC(hf.words[hf.fp+InterpBCPOffset]))
	}
}

// PatchSenderSP records the caller's unextended sp in the frame's
// sender-sp slot. In a chunk the value is stored fp-relative like the
// other pointer slots; it is re-resolved against the real caller when
// the frame is thawed.
func (f *Frame) PatchSenderSP(senderSP int) {
	if f.heap {
		f.words[f.fp+InterpSenderSPOffset] = arch.Word(int64(senderSP - f.fp))
	} else {
		f.words[f.fp+InterpSenderSPOffset] = arch.Word(senderSP)
	}
}

// SetInterpreterFrameBottom rewrites the locals slot so the frame's
// locals end at the given bottom; thaw uses it after the bulk copy
// overwrites the header.
func (f *Frame) SetInterpreterFrameBottom(bottom int) {
	f.words[f.fp+InterpLocalsOffset] = arch.Word(bottom - 1)
}
