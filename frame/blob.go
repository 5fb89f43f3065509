package frame

import (
	"sync/atomic"

	"github.com/vthreadrt/continuation/arch"
)

// BlobKind classifies a code blob. The kind of a frame is derived from
// the blob containing its pc.
type BlobKind uint8

const (
	BlobCompiled BlobKind = iota
	BlobInterpreter
	BlobStub
	BlobNativeWrapper
	BlobEnter
)

// OopMap describes where a compiled frame keeps heap references and
// monitors, as word offsets from the frame's stack pointer. Native
// wrapper blobs have no oop map at all, which pins the continuation.
type OopMap struct {
	// Refs are the slots holding heap references.
	Refs []int

	// Monitors are the slots holding owned monitors; a non-zero word
	// in one of them means the frame owns that monitor.
	Monitors []int
}

// Blob is a unit of generated code occupying a pc range. Frames are
// classified, sized, and walked through their blob.
type Blob struct {
	name string
	kind BlobKind

	base arch.PC
	size int

	// frameSize is the fixed frame size in words for compiled and
	// stub blobs, from sp up to and including the metadata words.
	frameSize int

	// argSize is the number of incoming stack-argument words of a
	// compiled blob.
	argSize int

	oopMap *OopMap

	// deoptHandler is the pc execution resumes at after the frame is
	// deoptimized in place.
	deoptHandler arch.PC
	deopt        atomic.Bool
}

func (b *Blob) Name() string { return b.name }
func (b *Blob) Kind() BlobKind { return b.kind }
func (b *Blob) Base() arch.PC { return b.base }

// Contains reports whether pc falls inside the blob's code range.
func (b *Blob) Contains(pc arch.PC) bool {
	return pc >= b.base && pc < b.base+arch.PC(b.size)
}

// FrameSize is the blob's frame size in words, metadata included.
func (b *Blob) FrameSize() int { return b.frameSize }

// ArgSize is the number of incoming stack-argument words.
func (b *Blob) ArgSize() int { return b.argSize }

// OopMap returns the blob's oop map, or nil for native wrappers.
func (b *Blob) OopMap() *OopMap { return b.oopMap }

// DeoptHandler is the pc a deoptimized frame resumes at.
func (b *Blob) DeoptHandler() arch.PC { return b.deoptHandler }

// MarkForDeoptimization flags the blob so that frames thawed from it
// are deoptimized in place.
func (b *Blob) MarkForDeoptimization() { b.deopt.Store(true) }

// IsMarkedForDeoptimization reports whether the blob has been flagged.
func (b *Blob) IsMarkedForDeoptimization() bool { return b.deopt.Load() }

// Method describes an interpreted method. Interpreter frames refer to
// their method through an id word stored in the frame header.
type Method struct {
	id        arch.Word
	name      string
	maxLocals int
	argWords  int
	native    bool

	// bytecodeBase is the address of the method's first bytecode;
	// bcps are absolute addresses inside [bytecodeBase,
	// bytecodeBase+codeSize).
	bytecodeBase arch.PC
	codeSize     int
}

func (m *Method) ID() arch.Word { return m.id }
func (m *Method) Name() string { return m.name }

// MaxLocals is the number of local slots, incoming arguments included.
func (m *Method) MaxLocals() int { return m.maxLocals }

// ArgWords is the number of parameter slots, which overlap the
// caller's operand stack.
func (m *Method) ArgWords() int { return m.argWords }

// IsNative reports whether this is an interpreter native entry.
func (m *Method) IsNative() bool { return m.native }

// BytecodeBase is the address of the first bytecode.
func (m *Method) BytecodeBase() arch.PC { return m.bytecodeBase }

// CodeSize is the bytecode length.
func (m *Method) CodeSize() int { return m.codeSize }
