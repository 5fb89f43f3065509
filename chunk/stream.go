package chunk

import (
	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/frame"
)

// StreamMode selects how much a FrameStream is prepared to decode.
type StreamMode uint8

const (
	// MixedFrames handles interpreted frames inside the chunk; the
	// slow paths use it.
	MixedFrames StreamMode = iota

	// CompiledOnly is the mode the fast paths use; the chunk must not
	// have mixed frames. The cursor decodes frames the same way in
	// both modes.
	CompiledOnly
)

// FrameStream is a top-to-bottom cursor over the frames frozen in a
// chunk. It starts at the chunk's sp and advances by frame size until
// it runs off the frames and into the bottom frame's argument words.
type FrameStream struct {
	chunk *Chunk
	reg   *frame.Registry
	mode  StreamMode

	sp   int
	usp  int
	fp   int
	pc   arch.PC
	blob *frame.Blob
	end  int
	done bool
}

// NewFrameStream opens a cursor positioned at the chunk's top frame.
func NewFrameStream(c *Chunk, reg *frame.Registry, mode StreamMode) *FrameStream {
	s := &FrameStream{
		chunk: c,
		reg:   reg,
		mode:  mode,
		end:   c.StackSize() - c.Argsize(),
	}
	s.sp = c.SP()
	if s.sp >= s.end {
		s.done = true
		s.usp = s.sp
		return s
	}
	s.load(c.PC())
	return s
}

func (s *FrameStream) load(pc arch.PC) {
	s.pc = pc
	s.blob = s.reg.FindBlob(pc)
	s.usp = s.sp
	s.fp = 0
	if s.blob != nil && s.blob.Kind() == frame.BlobInterpreter {
		p := s.reg.Params()
		s.fp = p.ReadFP(s.chunk.words, s.sp)
		if w := s.chunk.words[s.fp+frame.InterpLastSPOffset]; w != 0 {
			s.usp = s.fp + int(int64(w))
		}
	}
}

// IsDone reports whether the cursor ran past the bottom frame.
func (s *FrameStream) IsDone() bool { return s.done }

// PC is the current frame's pc; zero once the stream is done.
func (s *FrameStream) PC() arch.PC {
	if s.done {
		return 0
	}
	return s.pc
}

// SP is the current frame's stack pointer offset; once done it points
// at the bottom frame's sender sp.
func (s *FrameStream) SP() int { return s.sp }

// UnextendedSP differs from SP only for interpreted frames whose
// operand stack grew beyond the base.
func (s *FrameStream) UnextendedSP() int { return s.usp }

// IsCompiled reports whether the current frame is compiled.
func (s *FrameStream) IsCompiled() bool {
	return !s.done && s.blob != nil && s.blob.Kind() == frame.BlobCompiled
}

// StackArgsize is the current frame's incoming stack-argument size.
func (s *FrameStream) StackArgsize() int {
	if s.done || s.blob == nil {
		return 0
	}
	if s.blob.Kind() == frame.BlobInterpreter {
		m, err := s.reg.MethodByID(s.chunk.words[s.fp+frame.InterpMethodOffset])
		if err != nil {
			return 0
		}
		return m.ArgWords()
	}
	return s.blob.ArgSize()
}

// FrameSize is the current frame's size in words.
func (s *FrameStream) FrameSize() int {
	if s.done || s.blob == nil {
		return 0
	}
	if s.blob.Kind() == frame.BlobInterpreter {
		f := s.ToFrame()
		return f.Size()
	}
	return s.blob.FrameSize()
}

// ToFrame materializes the current frame as a heap-frame descriptor.
func (s *FrameStream) ToFrame() frame.Frame {
	if s.done {
		return frame.Frame{}
	}
	f, err := frame.New(s.reg, s.chunk.words, s.sp, s.fp, s.pc, true)
	if err != nil {
		return frame.Frame{}
	}
	f.SetUnextendedSP(s.usp)
	return f
}

// Next advances to the sender. The register map matters only when
// stepping over a stub frame, whose caller needs callee-saved state.
func (s *FrameStream) Next(rm *frame.RegisterMap) {
	if s.done {
		return
	}
	var senderSP int
	if s.blob != nil && s.blob.Kind() == frame.BlobInterpreter {
		senderSP = s.fp + int(int64(s.chunk.words[s.fp+frame.InterpSenderSPOffset]))
	} else {
		senderSP = s.sp + s.blob.FrameSize()
	}
	if rm != nil {
		if f := s.ToFrame(); !f.IsEmpty() {
			rm.UpdateWithCallee(&f)
		}
	}
	s.sp = senderSP
	if senderSP >= s.end {
		s.done = true
		s.usp = senderSP
		s.pc = 0
		s.blob = nil
		return
	}
	s.load(s.reg.Params().ReadPC(s.chunk.words, senderSP))
}
