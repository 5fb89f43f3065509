package continuation

import (
	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/carrier"
	"github.com/vthreadrt/continuation/chunk"
	"github.com/vthreadrt/continuation/frame"
	"github.com/vthreadrt/continuation/heap"
)

// freezeDepthLimit bounds the slow path's native recursion; past it a
// stack overflow is raised on the carrier.
const freezeDepthLimit = 2048

// freezer carries the state of one freeze operation.
type freezer struct {
	rt *Runtime
	th *carrier.Carrier
	w  *wrapper

	// barriers is set when a slow allocation handed back a chunk that
	// needs store barriers; they are applied once after the frames
	// are written.
	barriers bool

	// preempt marks a forced preemption arriving at a safepoint stub;
	// pinning and overflow then become non-fatal return codes.
	preempt bool

	// bottomAddress is the stack index the frozen region may not
	// reach: the entry sp minus the entry's argument area.
	bottomAddress int

	size      int
	alignSize int
	frames    int
	depth     int
}

// Freeze captures the continuation frames between the yield stub at
// sp and the continuation entry into the tail chunk. It is called on
// the carrier that owns the continuation, with the frame anchor laid
// out. On success the anchor is left at the entry; on pinning nothing
// is changed; on Exception a stack-overflow or allocation error has
// been raised on the carrier.
func (rt *Runtime) Freeze(th *carrier.Carrier, sp int) Result {
	return rt.freeze(th, sp, false)
}

// Preempt freezes from a safepoint stub on behalf of a forced
// preemption; failures come back as codes instead of raised errors.
func (rt *Runtime) Preempt(th *carrier.Carrier, sp int) Result {
	return rt.freeze(th, sp, true)
}

func (rt *Runtime) freeze(th *carrier.Carrier, sp int, preempt bool) Result {
	entry := th.LastContinuation()
	if entry == nil {
		panic("continuation: freeze without a mounted continuation")
	}

	// A fast-path watermark outside the current mount window is stale.
	if raw := th.RawContFastpath(); raw != 0 && (raw > entry.SP() || raw < sp) {
		th.SetContFastpath(0)
	}

	w, err := openWrapper(th)
	if err != nil {
		panic(err)
	}

	if entry.IsPinned() {
		w.cont.setPinnedReason(PinnedCS)
		return PinnedCS
	}

	fr := &freezer{rt: rt, th: th, w: w, preempt: preempt}
	fr.bottomAddress = rt.arch.FrameAlignPointer(entry.SP() - w.argsize())

	fast := fr.canFreezeFast()
	if fast && fr.isChunkAvailableForFastFreeze(sp) {
		res := fr.tryFreezeFast(sp, true)
		return fr.epilog(res)
	}
	var res Result
	if fast {
		res = fr.tryFreezeFast(sp, false)
	} else {
		res = fr.freezeSlow()
	}
	return fr.epilog(res)
}

func (fr *freezer) epilog(res Result) Result {
	if res.IsPinned() {
		fr.w.cont.setPinnedReason(res)
	}
	return res
}

// canFreezeFast holds when nothing between the entry and the yield
// stub can be interpreted, native or deoptimized (tracked by the
// carrier's fast-path state) and no monitors are held.
func (fr *freezer) canFreezeFast() bool {
	return fr.rt.tun.UseFastPath &&
		fr.th.ContFastpath() &&
		fr.th.HeldMonitorCount() == 0
}

// isChunkAvailableForFastFreeze reports whether the tail chunk can
// take a fast, compiled-frames-only freeze without allocation.
func (fr *freezer) isChunkAvailableForFastFreeze(frameSP int) bool {
	c := fr.w.tail
	if c == nil || c.IsGCMode() || c.RequiresBarriers() || c.HasMixedFrames() {
		return false
	}
	p := fr.rt.arch
	top := frameSP + p.MetadataWords // skip the yield stub frame
	bottom := fr.w.entrySP() - p.FrameAlignWords(fr.w.argsize())

	size := bottom - top
	if c.SP() < c.StackSize() {
		size -= fr.w.argsize()
	}
	return c.SP()-p.MetadataWords >= size
}

func (fr *freezer) tryFreezeFast(sp int, chunkAvailable bool) Result {
	if fr.freezeFast(sp, chunkAvailable) {
		return Ok
	}
	if fr.th.PendingError() != nil {
		return Exception
	}
	return fr.freezeSlow()
}

// freezeFast is the bulk-copy path: one copy of the whole region plus
// O(1) bookkeeping, no per-frame walk. Returns false to retry slowly.
func (fr *freezer) freezeFast(frameSP int, chunkAvailable bool) bool {
	p := fr.rt.arch
	meta := p.MetadataWords
	stack := fr.th.Stack()

	// The region to freeze: everything between the yield stub and the
	// entry, bottom ending at the entry's (aligned) argument area so
	// the bottom frame's incoming arguments travel with the chunk.
	top := frameSP + meta
	bottom := fr.w.entrySP() - p.FrameAlignWords(fr.w.argsize())
	contSize := bottom - top

	c := fr.w.tail
	var startSP int
	switch {
	case chunkAvailable && c.SP() < c.StackSize():
		// Non-empty chunk: the top argsize words of its top frame are
		// the new bottom frame's caller arguments, so the copy
		// overlaps them and net growth is contSize - argsize.
		startSP = c.SP() + fr.w.argsize()
		c.SetMaxSize(c.MaxSize() + contSize - fr.w.argsize())

		// The bottom frame's caller fp word may hold data that went
		// stale since the thaw; take the chunk's copy.
		bottomSP := bottom - fr.w.argsize()
		p.PatchFP(stack, bottomSP, p.ReadFP(c.Words(), c.SP()))

	case chunkAvailable:
		// Empty chunk: no overlap, full region is written.
		startSP = c.SP()
		c.SetMaxSize(contSize)
		c.SetArgsize(fr.w.argsize())

	default:
		var err error
		c, err = fr.allocateChunk(contSize + meta)
		if err != nil || !fr.th.ContFastpath() || fr.barriers {
			// OOME, a humongous chunk, or an allocation that demanded
			// barriers or a safepoint; the caller retries on the slow
			// path unless an error was raised on the carrier.
			return false
		}
		c.SetMaxSize(contSize)
		c.SetArgsize(fr.w.argsize())
		startSP = c.StackSize()
	}

	// Unwind after the last possible safepoint but before writing, so
	// an asynchronous walk sees either no continuation on the stack
	// or a consistent chunk.
	fr.unwindFrames()

	newSP := startSP - contSize
	c.CopyFromStack(newSP-meta, stack[top-meta:bottom])

	if startSP != c.StackSize() {
		// Link the new bottom frame to the chunk's previous top
		// frame. In a fresh or emptied chunk the copied slot already
		// holds the return barrier or the true entry pc.
		chunkBottomSP := newSP + contSize - fr.w.argsize()
		p.PatchPC(c.Words(), chunkBottomSP, c.PC())
	}

	c.SetSP(newSP)
	c.SetPC(p.ReadPC(stack, top))

	fr.w.write()
	return true
}

// unwindFrames resets the anchor to the entry after the last possible
// safepoint and before chunk writes begin.
func (fr *freezer) unwindFrames() {
	entry := fr.w.entry
	entry.FlushStackProcessing(fr.th)
	fr.th.SetAnchorToEntry(entry)
}

// allocateChunk gets a chunk from the TLAB when possible and falls
// back to a safepointing allocation with the wrapper parked. The new
// chunk is linked in front of the last non-empty chunk.
func (fr *freezer) allocateChunk(stackWords int) (*chunk.Chunk, error) {
	h := fr.rt.heap
	c := h.TryTLABAlloc(stackWords)
	if c == nil {
		var err error
		fr.w.parked(func() {
			c, err = h.Allocate(stackWords)
		})
		if err != nil {
			if !fr.preempt {
				if xerrors.Is(err, heap.ErrHumongousChunk) {
					fr.th.SetPendingError(carrier.ErrStackOverflow)
				} else {
					fr.th.SetPendingError(err)
				}
			}
			return nil, err
		}
		fr.barriers = c.RequiresBarriers()
	}
	c.SetParent(fr.w.lastNonemptyChunk())
	c.SetCont(fr.w.cont)
	fr.w.setTail(c)
	return c, nil
}

// freezeSlow walks sender by sender from the start frame, copying one
// frame at a time and relativizing interpreter metadata.
func (fr *freezer) freezeSlow() Result {
	fr.size, fr.alignSize, fr.frames, fr.depth = 0, 0, 0, 0

	f, err := fr.freezeStartFrame()
	if err != nil {
		return PinnedNative
	}

	var caller frame.Frame
	res := fr.recursiveFreeze(&f, &caller, 0, false, true)
	if res == Ok {
		fr.finishFreeze(&caller)
		fr.w.write()
	}
	return res
}

// freezeStartFrame locates the first frame to freeze: the yield
// stub's caller, or under preemption the safepoint stub itself.
func (fr *freezer) freezeStartFrame() (frame.Frame, error) {
	f, err := fr.th.LastFrame()
	if err != nil {
		return frame.Frame{}, err
	}
	if !fr.preempt {
		if !fr.rt.reg.YieldStub().Contains(f.PC()) {
			return frame.Frame{}, xerrors.New("continuation: freeze not entered from the yield stub")
		}
		return f.Sender(frame.SmallRegisterMap)
	}
	return fr.freezeStartFrameSafepointStub(f)
}

func (fr *freezer) freezeStartFrameSafepointStub(f frame.Frame) (frame.Frame, error) {
	if !fr.rt.reg.IsInterpreterPC(f.PC()) {
		if !f.IsStub() {
			return frame.Frame{}, xerrors.New("continuation: preempt start frame is not a stub")
		}
		if fr.rt.reg.IsInterpreterPC(f.RawRetPC()) {
			// Safepoint stub in the interpreter: start at its caller.
			return f.Sender(frame.SmallRegisterMap)
		}
	}
	return f, nil
}

// recursiveFreeze applies the pinning rules to one frame and recurses
// to its sender; frames are written to the chunk on the way back so
// the bottom frame lands first.
func (fr *freezer) recursiveFreeze(f, caller *frame.Frame, calleeArgsize int, calleeInterpreted, top bool) Result {
	if fr.stackOverflow() {
		return Exception
	}

	switch {
	case f.IsCompiled():
		if f.OopMap() == nil {
			return PinnedNative
		}
		if f.IsOwningMonitor() {
			return PinnedMonitor
		}
		return fr.recurseFreezeCompiledFrame(f, caller, calleeArgsize, calleeInterpreted)

	case f.IsInterpreted():
		if f.IsOwningMonitor() {
			return PinnedMonitor
		}
		if m, err := f.Method(); err != nil || m.IsNative() {
			return PinnedNative
		}
		return fr.recurseFreezeInterpretedFrame(f, caller, calleeArgsize, calleeInterpreted)

	case fr.preempt && top && f.IsStub():
		return fr.recurseFreezeStubFrame(f, caller)

	default:
		return PinnedNative
	}
}

// stackOverflow detects runaway recursion in the native freeze code
// itself.
func (fr *freezer) stackOverflow() bool {
	fr.depth++
	if fr.depth > freezeDepthLimit {
		if !fr.preempt {
			fr.th.SetPendingError(carrier.ErrStackOverflow)
		}
		return true
	}
	return false
}

// recurseFreezeJavaFrame accumulates the frame's size and either ends
// the recursion at the entry boundary or walks to the sender.
func (fr *freezer) recurseFreezeJavaFrame(f, caller *frame.Frame, fsize, argsize int, interpreted bool) Result {
	fr.size += fsize
	fr.frames++

	if f.Bottom() >= fr.bottomAddress-1 { // sometimes there's slack after the entry
		return fr.finalizeFreeze(f, caller, argsize)
	}
	senderf, err := f.Sender(frame.SmallRegisterMap)
	if err != nil {
		return PinnedNative
	}
	return fr.recursiveFreeze(&senderf, caller, argsize, interpreted, false)
}

// finalizeFreeze runs at the recursion end: it decides whether the
// tail chunk can take the accumulated size with argument overlap, or
// allocates a new one, then unwinds the native frames.
func (fr *freezer) finalizeFreeze(callee, caller *frame.Frame, argsize int) Result {
	p := fr.rt.arch
	fr.size += p.MetadataWords // top frame's metadata

	c := fr.w.tail

	// The args overlap the chunk's top frame only when it exists and
	// is of the same kind as the bottom frame being frozen.
	overlap := 0
	unextendedSP := -1
	if c != nil {
		unextendedSP = c.SP()
		if !c.IsEmpty() {
			topInterpreted := fr.rt.reg.IsInterpreterPC(c.PC())
			if topInterpreted {
				last := chunk.NewFrameStream(c, fr.rt.reg, chunk.MixedFrames)
				unextendedSP += last.UnextendedSP() - last.SP()
			}
			if callee.IsInterpreted() == topInterpreted {
				overlap = argsize
			}
		}
	}
	fr.size -= overlap

	if c == nil || unextendedSP < fr.size || c.IsGCMode() || (!fr.barriers && c.RequiresBarriers()) {
		fr.size += overlap // a new chunk has no overlap
		nc, err := fr.allocateChunk(fr.size)
		if err != nil {
			return Exception
		}
		c = nc
		c.SetSP(c.StackSize() - argsize)
		c.SetArgsize(argsize)
	} else if c.IsEmpty() {
		c.SetSP(c.StackSize() - argsize)
		c.SetArgsize(argsize)
		fr.size += overlap
	}
	c.SetHasMixedFrames(true)

	fr.unwindFrames()

	c.SetMaxSize(c.MaxSize() + fr.size - p.MetadataWords)

	// An empty chunk materializes no frame; the bottom frame's caller is
	// then an empty descriptor at the chunk's sp, so the new frame ends
	// at the argument area reserved above it.
	*caller = chunk.NewFrameStream(c, fr.rt.reg, chunk.MixedFrames).ToFrame()
	if caller.IsEmpty() {
		caller.SetSP(c.SP())
		caller.SetUnextendedSP(c.SP())
	}
	return OkBottom
}

// newHeapFrame places a frame inside the chunk below its already
// placed caller. The copied region always ends at the caller's
// argument area so shared words coincide, except at a mixed-kind
// chunk boundary where there is no overlap.
func (fr *freezer) newHeapFrame(f, caller *frame.Frame, argsize int, bottom bool) (hf frame.Frame, end int) {
	c := fr.w.tail
	end = caller.UnextendedSP() + argsize
	if bottom && !caller.IsEmpty() && caller.IsInterpreted() != f.IsInterpreted() {
		end = caller.UnextendedSP()
	}

	var shift int
	if f.IsInterpreted() {
		shift = end - f.Bottom()
	} else {
		shift = end - (f.Bottom() + f.StackArgsize())
	}

	hf, err := frame.New(fr.rt.reg, c.Words(), f.SP()+shift, f.FP()+shift, f.PC(), true)
	if err != nil {
		panic(err)
	}
	hf.SetUnextendedSP(f.UnextendedSP() + shift)
	return hf, end
}

func (fr *freezer) copyToChunk(stackFrom, chunkTo, size int) {
	fr.w.tail.CopyFromStack(chunkTo, fr.th.Stack()[stackFrom:stackFrom+size])
}

// patch links the newly placed heap frame to its surroundings: the
// bottom frame's return-pc slot to the chunk's previous top frame,
// the saved-fp slot to the caller, and an interpreted frame's
// sender-sp header slot to the caller's unextended sp.
func (fr *freezer) patch(f, hf, caller *frame.Frame, bottom bool) {
	p := fr.rt.arch
	c := fr.w.tail

	if bottom && !caller.IsEmpty() {
		// Write the link into the slot this frame's return actually
		// reads: the header slot for interpreted frames, the word
		// below the sender sp otherwise. In an empty chunk the copied
		// slot already holds the return barrier or the true entry pc.
		if hf.IsInterpreted() {
			c.Words()[hf.FP()+1] = arch.Word(caller.PC())
		} else {
			senderSP := hf.UnextendedSP() + hf.Blob().FrameSize()
			p.PatchPC(c.Words(), senderSP, caller.PC())
		}
	}

	if hf.IsInterpreted() {
		c.Words()[hf.FP()] = arch.Word(caller.FP())
		hf.PatchSenderSP(caller.UnextendedSP())
	} else {
		senderSP := hf.UnextendedSP() + hf.Blob().FrameSize()
		p.PatchFP(c.Words(), senderSP, caller.FP())
	}
}

func (fr *freezer) recurseFreezeCompiledFrame(f, caller *frame.Frame, calleeArgsize int, calleeInterpreted bool) Result {
	top := f.Top(calleeArgsize)
	argsize := f.StackArgsize()
	fsize := f.Bottom() + argsize - top

	res := fr.recurseFreezeJavaFrame(f, caller, fsize, argsize, false)
	if res > OkBottom {
		return res
	}
	bottom := res == OkBottom

	hf, _ := fr.newHeapFrame(f, caller, argsize, bottom)
	heapTop := hf.UnextendedSP() + calleeArgsize
	fr.copyToChunk(top, heapTop, fsize)

	if caller.IsInterpreted() {
		fr.alignSize += fr.rt.arch.AlignWiggle
	}

	fr.patch(f, &hf, caller, bottom)

	*caller = hf
	return Ok
}

func (fr *freezer) recurseFreezeInterpretedFrame(f, caller *frame.Frame, calleeArgsize int, calleeInterpreted bool) Result {
	// The cached last sp reflects operand-stack growth the plain sp
	// misses; size the frame from it.
	f.AdjustUnextendedSP()

	p := fr.rt.arch
	top := f.Top(calleeArgsize)
	argsize := f.StackArgsize()
	m, err := f.Method()
	if err != nil {
		return PinnedNative
	}
	locals := m.MaxLocals()
	fsize := f.FP() + p.MetadataWords + locals - top

	res := fr.recurseFreezeJavaFrame(f, caller, fsize, argsize, true)
	if res > OkBottom {
		return res
	}
	bottom := res == OkBottom

	hf, end := fr.newHeapFrame(f, caller, argsize, bottom)
	fr.alignSize += p.AlignWiggle // room for interpreter frame alignment

	heapTop := hf.UnextendedSP() + calleeArgsize
	fr.copyToChunk(f.Bottom()-locals, end-locals, locals) // locals
	fr.copyToChunk(top, heapTop, fsize-locals)            // the rest

	frame.RelativizeInterpreterMetadata(f, &hf)
	fr.patch(f, &hf, caller, bottom)

	*caller = hf
	return Ok
}

// recurseFreezeStubFrame freezes a safepoint stub under forced
// preemption. Its caller is checked with a full register map because
// the stub spilled callee-saved registers.
func (fr *freezer) recurseFreezeStubFrame(f, caller *frame.Frame) Result {
	fsize := f.Blob().FrameSize()
	fr.size += fsize
	fr.frames++

	rm := frame.NewFullRegisterMap()
	rm.SetIncludeArgOops(false)
	rm.UpdateWithCallee(f)

	senderf, err := f.Sender(rm)
	if err != nil || !senderf.IsCompiled() {
		return PinnedNative
	}
	if senderf.OopMap() == nil {
		return PinnedNative
	}
	if senderf.IsOwningMonitor() {
		return PinnedMonitor
	}

	res := fr.recurseFreezeCompiledFrame(&senderf, caller, 0, false)
	if res > OkBottom {
		return res
	}

	hf, _ := fr.newHeapFrame(f, caller, 0, false)
	fr.copyToChunk(f.SP(), hf.UnextendedSP(), fsize)

	*caller = hf
	return Ok
}

// finishFreeze writes the top frame's metadata, publishes the chunk
// header, and applies deferred store barriers.
func (fr *freezer) finishFreeze(top *frame.Frame) {
	p := fr.rt.arch
	c := fr.w.tail

	p.PatchPC(c.Words(), top.SP(), top.PC())
	p.PatchFP(c.Words(), top.SP(), top.FP())

	c.SetSP(top.SP())
	c.SetPC(top.PC())
	c.SetMaxSize(c.MaxSize() + fr.alignSize)

	if fr.barriers {
		for fs := chunk.NewFrameStream(c, fr.rt.reg, chunk.MixedFrames); !fs.IsDone(); fs.Next(frame.SmallRegisterMap) {
			c.ApplyStoreBarriers(fs, frame.SmallRegisterMap)
		}
	}
}
