package continuation

import (
	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/carrier"
	"github.com/vthreadrt/continuation/chunk"
	"github.com/vthreadrt/continuation/frame"
)

// thawSlackWords pads the conservative thaw sizing for the native
// code running below the resumed frames.
const thawSlackWords = 200

// nativeOverheadWords is the extra native stack the thaw machinery
// itself consumes, added to the overflow check.
const nativeOverheadWords = 40

// thawSize is a conservative upper bound on the native stack room one
// thaw of the chunk can need.
func (rt *Runtime) thawSize(c *chunk.Chunk) int {
	size := c.MaxSize()
	size += rt.arch.MetadataWords
	size += 2 * rt.arch.AlignWiggle
	return size + thawSlackWords
}

// PrepareThaw sizes the native stack room a thaw will need and
// returns it in bytes, or 0 when the stack cannot accommodate it. An
// empty tail left behind by a previous thaw is dropped here.
func (rt *Runtime) PrepareThaw(th *carrier.Carrier, returnBarrier bool) int {
	entry := th.LastContinuation()
	if entry == nil {
		panic("continuation: prepare thaw without a mounted continuation")
	}
	cont := entry.Cont().(*Continuation)

	c := cont.Tail()
	if c.IsEmpty() {
		// The tail was kept for another freeze that never came.
		c = c.Parent()
		cont.SetTail(c)
	}

	size := rt.thawSize(c)
	if !th.StackOverflowCheck(size+nativeOverheadWords, entry.SP()) {
		return 0
	}
	return size * 8
}

// thawer carries the state of one thaw operation.
type thawer struct {
	rt *Runtime
	th *carrier.Carrier
	w  *wrapper

	barriers bool

	stream          *chunk.FrameStream
	topUnextendedSP int
	alignSize       int

	// fastpath is the watermark of slow-condition frames (interpreted
	// or deoptimized) this thaw put on the stack; published to the
	// carrier at the end.
	fastpath int
}

// Thaw reinstalls frames from the tail chunk onto the carrier's
// native stack and returns the sp at which execution resumes. The
// caller stub jumps there; a normal return is bypassed.
func (rt *Runtime) Thaw(th *carrier.Carrier, kind ThawKind) int {
	w, err := openWrapper(th)
	if err != nil {
		panic(err)
	}
	if w.cont.Done() {
		panic("continuation: thaw of a finished continuation")
	}

	c := w.tail
	t := &thawer{rt: rt, th: th, w: w}
	t.barriers = c.RequiresBarriers()

	var sp int
	if t.canThawFast(c) {
		sp = t.thawFast(c)
	} else {
		sp = t.thawSlow(c, kind != ThawTop)
	}

	th.ResetHeldMonitorCount()
	return sp
}

func (t *thawer) canThawFast(c *chunk.Chunk) bool {
	return !t.barriers &&
		t.th.FastpathThreadState() &&
		!t.th.IsInterpOnlyMode() &&
		!c.HasThawSlowpathCondition() &&
		!t.rt.tun.PreserveFramePointer
}

// thawFast copies either the whole chunk (below the bulk threshold)
// or exactly the topmost compiled frame plus its outgoing arguments.
func (t *thawer) thawFast(c *chunk.Chunk) int {
	p := t.rt.arch
	meta := p.MetadataWords
	stack := t.th.Stack()

	chunkStartSP := c.SP()
	fullChunkSize := c.StackSize() - chunkStartSP

	var argsize, thawSize int
	empty := false
	if fullChunkSize < t.rt.tun.BulkThawThresholdWords {
		argsize = c.Argsize()
		empty = true
		c.SetSP(c.StackSize())
		c.SetArgsize(0)
		c.SetMaxSize(0)
		thawSize = fullChunkSize
	} else {
		// Single-frame thaw: the chunk stays the caller of the thawed
		// frame, so only sp, max_size and pc advance.
		fs := chunk.NewFrameStream(c, t.rt.reg, chunk.CompiledOnly)
		frameSize := fs.FrameSize()
		argsize = fs.StackArgsize()
		fs.Next(frame.SmallRegisterMap)
		empty = fs.IsDone()
		if empty {
			c.SetSP(c.StackSize())
			c.SetArgsize(0)
			c.SetMaxSize(0)
		} else {
			c.SetSP(c.SP() + frameSize)
			c.SetMaxSize(c.MaxSize() - frameSize)
			c.SetPC(fs.PC())
		}
		thawSize = frameSize + argsize
	}

	isLast := empty && c.Parent() == nil

	stackSP := t.w.entrySP() - thawSize
	bottomSP := p.FrameAlignPointer(t.w.entrySP() - argsize)
	stackSP = p.FrameAlignPointer(stackSP)

	c.CopyToStack(chunkStartSP-meta, stack[stackSP-meta:stackSP+thawSize])

	t.w.setArgsize(argsize)
	t.patchReturn(bottomSP, isLast)
	return stackSP
}

// patchReturn installs the return barrier below the bottom thawed
// frame, or the true entry pc when this was the last content.
func (t *thawer) patchReturn(sp int, isLast bool) {
	pc := t.rt.reg.ReturnBarrier().Base()
	if isLast {
		pc = t.w.entry.PC()
	}
	t.rt.arch.PatchPC(t.th.Stack(), sp, pc)
}

func (t *thawer) seenByGC() bool {
	return t.barriers || t.w.tail.IsGCMode()
}

// thawSlow walks the chunk frame by frame: one frame for a
// return-barrier re-entry, two for a top thaw.
func (t *thawer) thawSlow(c *chunk.Chunk, returnBarrier bool) int {
	t.alignSize = 0
	numFrames := 2
	if returnBarrier {
		numFrames = 1
	}

	t.stream = chunk.NewFrameStream(c, t.rt.reg, chunk.MixedFrames)
	t.topUnextendedSP = t.stream.UnextendedSP()

	hf := t.stream.ToFrame()
	var caller frame.Frame
	t.thawOneFrame(&hf, &caller, numFrames, true)
	t.finishThaw(&caller)
	t.w.write()

	t.th.SetContFastpath(t.fastpath)
	return caller.SP()
}

func (t *thawer) thawOneFrame(hf, caller *frame.Frame, numFrames int, top bool) {
	switch {
	case top && hf.IsStub():
		t.recurseThawStubFrame(hf, caller, numFrames)
	case hf.IsInterpreted():
		t.recurseThawInterpretedFrame(hf, caller, numFrames)
	default:
		t.recurseThawCompiledFrame(hf, caller, numFrames, false)
	}
}

// recurseThawJavaFrame advances the stream and either ends the walk
// or recurses into the caller, which is thawed first.
func (t *thawer) recurseThawJavaFrame(caller *frame.Frame, numFrames int, interpreted bool) bool {
	argsize := t.stream.StackArgsize()
	t.stream.Next(frame.SmallRegisterMap)

	// Never leave a compiled caller of an interpreted frame as the
	// chunk's top frame; it would complicate the next stream's
	// unextended-sp state.
	if numFrames == 1 && !t.stream.IsDone() && interpreted && t.stream.IsCompiled() {
		numFrames++
	}

	if numFrames == 1 || t.stream.IsDone() {
		if interpreted {
			argsize = 0
		}
		t.finalizeThaw(caller, argsize)
		return true
	}
	next := t.stream.ToFrame()
	t.thawOneFrame(&next, caller, numFrames-1, false)
	return false
}

// finalizeThaw records where the walk stopped in the chunk header and
// materializes the entry frame as the bottom caller.
func (t *thawer) finalizeThaw(entryFrame *frame.Frame, argsize int) {
	c := t.w.tail

	if !t.stream.IsDone() {
		c.SetSP(t.stream.SP())
		c.SetPC(t.stream.PC())
	} else {
		c.SetArgsize(0)
		c.SetSP(c.StackSize())
		c.SetPC(0)
	}

	delta := t.stream.UnextendedSP() - t.topUnextendedSP
	c.SetMaxSize(c.MaxSize() - delta)

	t.w.setArgsize(argsize)

	f, err := frame.New(t.rt.reg, t.th.Stack(), t.w.entrySP(), t.w.entryFP(), t.w.entry.PC(), false)
	if err != nil {
		panic(err)
	}
	*entryFrame = f
}

func (t *thawer) maybeSetFastpath(sp int) {
	if sp > t.fastpath {
		t.fastpath = sp
	}
}

func (t *thawer) recurseThawInterpretedFrame(hf, caller *frame.Frame, numFrames int) {
	c := t.w.tail
	if t.seenByGC() {
		c.ApplyStoreBarriers(t.stream, frame.SmallRegisterMap)
	}

	bottom := t.recurseThawJavaFrame(caller, numFrames, true)

	t.alignSize += t.rt.arch.AlignWiggle

	m, err := hf.Method()
	if err != nil {
		panic(err)
	}
	locals := m.MaxLocals()
	hfBottom := hf.Bottom()
	fsize := hfBottom - hf.UnextendedSP()

	localsEnd := caller.UnextendedSP() + m.ArgWords()
	if bottom {
		localsEnd = caller.UnextendedSP()
	}
	shift := localsEnd - hfBottom

	f, err := frame.New(t.rt.reg, t.th.Stack(), hf.UnextendedSP()+shift, hf.FP()+shift, hf.PC(), false)
	if err != nil {
		panic(err)
	}

	c.CopyToStack(hfBottom-locals, t.th.Stack()[localsEnd-locals:localsEnd])
	c.CopyToStack(hf.UnextendedSP(), t.th.Stack()[f.UnextendedSP():f.UnextendedSP()+fsize-locals])

	f.SetInterpreterFrameBottom(localsEnd)
	frame.DerelativizeInterpreterMetadata(hf, &f)
	t.patch(&f, caller, bottom)

	t.maybeSetFastpath(f.SP())

	if bottom && c.HasBitmap() && locals > 0 {
		// The locals now live in the entry's frame; stale bits would
		// make the next scan process them twice.
		c.ClearBitmapBits(hfBottom-locals, hfBottom)
	}

	*caller = f
}

func (t *thawer) recurseThawCompiledFrame(hf, caller *frame.Frame, numFrames int, stubCaller bool) {
	c := t.w.tail
	if !stubCaller && t.seenByGC() {
		c.ApplyStoreBarriers(t.stream, frame.SmallRegisterMap)
	}

	bottom := t.recurseThawJavaFrame(caller, numFrames, false)

	if (!bottom && caller.IsInterpreted()) ||
		(bottom && t.rt.reg.IsInterpreterPC(c.PC())) {
		t.alignSize += t.rt.arch.AlignWiggle
	}

	p := t.rt.arch
	meta := p.MetadataWords
	frameSize := hf.Blob().FrameSize()

	addedArgsize := 0
	if bottom || caller.IsInterpreted() {
		addedArgsize = hf.StackArgsize()
	}
	fsize := frameSize + addedArgsize

	var fsp int
	if bottom {
		bottomSP := p.FrameAlignPointer(caller.UnextendedSP() - hf.StackArgsize())
		fsp = bottomSP - frameSize
	} else {
		fsp = caller.UnextendedSP() - fsize
	}

	f, err := frame.New(t.rt.reg, t.th.Stack(), fsp, caller.FP(), hf.PC(), false)
	if err != nil {
		panic(err)
	}

	c.CopyToStack(hf.UnextendedSP()-meta, t.th.Stack()[fsp-meta:fsp+fsize])

	t.patch(&f, caller, bottom)

	if f.IsDeoptimized() {
		t.maybeSetFastpath(f.SP())
	} else if t.th.IsInterpOnlyMode() || hf.Blob().IsMarkedForDeoptimization() {
		t.deoptimize(&f)
	}

	if bottom && c.HasBitmap() && addedArgsize > 0 {
		c.ClearBitmapBits(hf.UnextendedSP()+frameSize, hf.UnextendedSP()+frameSize+addedArgsize)
	}

	*caller = f
}

// deoptimize retargets a thawed frame at its blob's deopt handler and
// disables the fast path for the frames below it.
func (t *thawer) deoptimize(f *frame.Frame) {
	handler := f.Blob().DeoptHandler()
	f.SetPC(handler)
	t.rt.arch.PatchPC(t.th.Stack(), f.SP(), handler)
	t.maybeSetFastpath(f.SP())
}

// recurseThawStubFrame thaws a safepoint stub left by a forced
// preemption; its caller needs a full register map.
func (t *thawer) recurseThawStubFrame(hf, caller *frame.Frame, numFrames int) {
	rm := frame.NewFullRegisterMap()
	rm.SetIncludeArgOops(false)

	t.stream.Next(rm)
	if t.seenByGC() {
		t.w.tail.ApplyStoreBarriers(t.stream, rm)
	}

	next := t.stream.ToFrame()
	t.recurseThawCompiledFrame(&next, caller, numFrames, true)

	p := t.rt.arch
	meta := p.MetadataWords
	fsize := hf.Blob().FrameSize()
	fsp := caller.SP() - fsize

	f, err := frame.New(t.rt.reg, t.th.Stack(), fsp, caller.FP(), hf.PC(), false)
	if err != nil {
		panic(err)
	}
	t.w.tail.CopyToStack(hf.SP()-meta, t.th.Stack()[fsp-meta:fsp+fsize])

	*caller = f
}

// patch fixes the thawed frame's links: the bottom frame's return-pc
// slot gets the return barrier or the true entry pc, saved fp slots
// point at the real caller again, and an interpreted frame's
// sender-sp slot is re-resolved.
func (t *thawer) patch(f, caller *frame.Frame, bottom bool) {
	p := t.rt.arch
	stack := t.th.Stack()

	if bottom {
		pc := t.w.entry.PC()
		if !t.w.isEmpty() {
			pc = t.rt.reg.ReturnBarrier().Base()
		}
		if f.IsInterpreted() {
			stack[f.FP()+1] = arch.Word(pc)
		} else {
			p.PatchPC(stack, f.UnextendedSP()+f.Blob().FrameSize(), pc)
		}
	}

	if f.IsInterpreted() {
		stack[f.FP()] = arch.Word(caller.FP())
		f.PatchSenderSP(caller.UnextendedSP())
	} else {
		senderSP := f.UnextendedSP() + f.Blob().FrameSize()
		p.PatchFP(stack, senderSP, caller.FP())
		if !bottom && caller.IsDeoptimized() {
			// The bulk copy above restored the caller's pre-deopt pc;
			// re-assert the handler.
			p.PatchPC(stack, caller.SP(), caller.PC())
		}
	}
}

// finishThaw trims or keeps the emptied tail, realigns the final sp,
// and pushes the synthetic return frame the thaw stub jumps through.
func (t *thawer) finishThaw(f *frame.Frame) {
	c := t.w.tail

	if c.IsEmpty() {
		if t.seenByGC() {
			// Unusable for another freeze; unlink it.
			t.w.setTail(c.Parent())
		} else {
			c.SetHasMixedFrames(false)
		}
		c.SetMaxSize(0)
	} else {
		c.SetMaxSize(c.MaxSize() - t.alignSize)
	}

	if f.SP()%t.rt.arch.FrameAlignment != 0 {
		f.SetSP(f.SP() - 1)
	}
	t.pushReturnFrame(f)
}

// pushReturnFrame lays out the synthetic frame whose pc is the
// topmost thawed frame's raw pc; the thaw stub pops it to resume.
func (t *thawer) pushReturnFrame(f *frame.Frame) {
	p := t.rt.arch
	stack := t.th.Stack()
	p.PatchPC(stack, f.SP(), f.PC())
	p.PatchFP(stack, f.SP(), f.FP())
}
