package chunk

import (
	"testing"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/frame"
)

type fakeCollector struct {
	old    map[*Chunk]bool
	stores int
}

func (f *fakeCollector) RequiresBarriers(c *Chunk) bool { return f.old[c] }
func (f *fakeCollector) StoreRange(c *Chunk, lo, hi int) {
	f.stores += hi - lo
}

func TestChunkEmptyInvariant(t *testing.T) {
	c := New(1, 32, nil)
	if !c.IsEmpty() {
		t.Error("fresh chunk not empty")
	}
	if ok, reason := c.Verify(); !ok {
		t.Errorf("fresh chunk invalid: %s", reason)
	}

	// Non-empty with a mismatched max_size violates the invariant.
	c.SetSP(10)
	if ok, _ := c.Verify(); ok {
		t.Error("sp < stack_size with max_size 0 passed verification")
	}
	c.SetMaxSize(22)
	c.SetPC(0x1234)
	c.Words()[9] = 0x1234
	if ok, reason := c.Verify(); !ok {
		t.Errorf("consistent chunk invalid: %s", reason)
	}

	// Tampering with the return-pc slot of the topmost frame.
	c.Words()[9] = 0x9999
	if ok, _ := c.Verify(); ok {
		t.Error("mismatched sp-1 word passed verification")
	}
}

func TestChunkBarrierGateway(t *testing.T) {
	col := &fakeCollector{old: make(map[*Chunk]bool)}
	c := New(2, 16, col)
	if c.RequiresBarriers() {
		t.Error("young chunk requires barriers")
	}
	col.old[c] = true
	if !c.RequiresBarriers() {
		t.Error("old chunk does not require barriers")
	}

	none := New(3, 16, nil)
	if none.RequiresBarriers() {
		t.Error("collector-less chunk requires barriers")
	}
}

func TestChunkFlags(t *testing.T) {
	c := New(4, 16, nil)
	if c.HasThawSlowpathCondition() {
		t.Error("fresh chunk has slow-path conditions")
	}
	c.SetHasMixedFrames(true)
	c.SetGCMode(true)
	if !c.HasMixedFrames() || !c.IsGCMode() || !c.HasThawSlowpathCondition() {
		t.Error("flag set lost bits")
	}
	c.SetHasMixedFrames(false)
	if c.HasMixedFrames() || !c.IsGCMode() {
		t.Error("flag clear touched the wrong bit")
	}
}

func TestBitmapClearRange(t *testing.T) {
	c := New(5, 200, nil)
	bm := c.InitBitmap()
	if !c.HasBitmap() {
		t.Error("bitmap flag not set")
	}
	for i := 60; i < 70; i++ {
		bm.Set(i)
	}
	c.ClearBitmapBits(62, 66)
	for i := 60; i < 70; i++ {
		want := i < 62 || i >= 66
		if bm.At(i) != want {
			t.Errorf("bit %d: got %v, want %v", i, bm.At(i), want)
		}
	}
}

// freezeCompiledPair lays a two-frame compiled image into a chunk the
// way the fast freeze path would, and returns the blobs.
func freezeCompiledPair(t *testing.T, reg *frame.Registry, c *Chunk) (callee, caller *frame.Blob) {
	t.Helper()
	p := reg.Params()
	callee = reg.AddCompiled("callee", 8, 0, nil)
	caller = reg.AddCompiled("caller", 10, 2, nil)

	// Layout from the top: metadata, callee frame, caller frame,
	// caller's two incoming argument words.
	sp := c.StackSize() - 8 - 10 - 2
	calleePC := callee.Base() + 4
	callerPC := caller.Base() + 4
	p.PatchPC(c.Words(), sp, calleePC)
	callerSP := sp + callee.FrameSize()
	p.PatchPC(c.Words(), callerSP, callerPC)
	p.PatchPC(c.Words(), callerSP+caller.FrameSize(), 0xdead)

	c.SetSP(sp)
	c.SetPC(calleePC)
	c.SetArgsize(2)
	c.SetMaxSize(c.StackSize() - sp)
	return callee, caller
}

func TestFrameStreamWalk(t *testing.T) {
	reg := frame.NewRegistry(arch.AMD64)
	c := New(6, 64, nil)
	callee, caller := freezeCompiledPair(t, reg, c)

	fs := NewFrameStream(c, reg, CompiledOnly)
	if fs.IsDone() {
		t.Fatal("stream done on a non-empty chunk")
	}
	if fs.SP() != c.SP() || fs.PC() != c.PC() {
		t.Errorf("top frame: sp=%d pc=%#x", fs.SP(), uint64(fs.PC()))
	}
	if fs.FrameSize() != callee.FrameSize() || fs.StackArgsize() != 0 {
		t.Errorf("top frame size/argsize: %d/%d", fs.FrameSize(), fs.StackArgsize())
	}

	fs.Next(frame.SmallRegisterMap)
	if fs.IsDone() {
		t.Fatal("stream done after one of two frames")
	}
	if !fs.IsCompiled() || fs.StackArgsize() != caller.ArgSize() {
		t.Errorf("second frame: compiled=%v argsize=%d", fs.IsCompiled(), fs.StackArgsize())
	}
	f := fs.ToFrame()
	if !f.IsHeapFrame() || f.SP() != c.SP()+callee.FrameSize() {
		t.Errorf("materialized frame sp %d", f.SP())
	}

	fs.Next(frame.SmallRegisterMap)
	if !fs.IsDone() {
		t.Error("stream not done past the bottom frame")
	}
	if fs.PC() != 0 {
		t.Error("done stream reports a pc")
	}
	// The cursor stops at the bottom frame's sender sp, just below
	// the argument words.
	if fs.SP() != c.StackSize()-c.Argsize() {
		t.Errorf("done sp: got %d, want %d", fs.SP(), c.StackSize()-c.Argsize())
	}
}

func TestEmptyChunkStream(t *testing.T) {
	reg := frame.NewRegistry(arch.AMD64)
	c := New(7, 16, nil)
	fs := NewFrameStream(c, reg, MixedFrames)
	if !fs.IsDone() {
		t.Error("stream over an empty chunk not done")
	}
	if f := fs.ToFrame(); !f.IsEmpty() {
		t.Error("empty stream materialized a frame")
	}
}

func TestApplyStoreBarriers(t *testing.T) {
	col := &fakeCollector{old: make(map[*Chunk]bool)}
	reg := frame.NewRegistry(arch.AMD64)
	c := New(8, 64, col)

	p := reg.Params()
	b := reg.AddCompiled("refs", 8, 0, &frame.OopMap{Refs: []int{2, 5}})
	sp := c.StackSize() - b.FrameSize()
	p.PatchPC(c.Words(), sp, b.Base()+1)
	c.SetSP(sp)
	c.SetPC(b.Base() + 1)
	c.SetMaxSize(b.FrameSize())

	fs := NewFrameStream(c, reg, MixedFrames)
	c.ApplyStoreBarriers(fs, frame.SmallRegisterMap)
	if col.stores != 2 {
		t.Errorf("stores: got %d, want 2", col.stores)
	}
}
