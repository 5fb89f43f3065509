package carrier

import (
	"testing"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/frame"
)

func newTestCarrier(t *testing.T) (*Carrier, *frame.Registry) {
	t.Helper()
	reg := frame.NewRegistry(arch.AMD64)
	c := New(reg, 1024)
	t.Cleanup(func() { c.Close() })
	return c, reg
}

func TestStackOverflowCheck(t *testing.T) {
	c, _ := newTestCarrier(t)
	if !c.StackOverflowCheck(100, 900) {
		t.Error("small copy rejected")
	}
	if !c.StackOverflowCheck(600, 900) {
		t.Error("fitting copy rejected")
	}
	if c.StackOverflowCheck(880, 900) {
		t.Error("overflowing copy accepted")
	}
}

func TestAnchorPublishes(t *testing.T) {
	c, reg := newTestCarrier(t)
	work := reg.AddCompiled("work", 10, 0, nil)

	sp := 500
	arch.AMD64.PatchPC(c.Stack(), sp, work.Base()+2)
	arch.AMD64.PatchFP(c.Stack(), sp, 600)

	if c.HasLastFrame() {
		t.Error("fresh carrier has a last frame")
	}
	c.SetAnchor(sp)
	f, err := c.LastFrame()
	if err != nil {
		t.Fatal(err)
	}
	if f.SP() != sp || f.FP() != 600 || f.Blob() != work {
		t.Errorf("anchored frame: sp=%d fp=%d blob=%v", f.SP(), f.FP(), f.Blob())
	}

	c.ClearAnchor()
	if c.HasLastFrame() {
		t.Error("anchor survives clearing")
	}
}

func TestAnchorToEntry(t *testing.T) {
	c, reg := newTestCarrier(t)
	e := NewEntry(900, 910, reg.Enter().Base()+4, "scope", nil, nil)
	c.SetLastContinuation(e)
	c.SetAnchorToEntry(e)
	if c.AnchorSP() != 900 {
		t.Errorf("anchor sp: got %d, want 900", c.AnchorSP())
	}
}

func TestFastpathWatermark(t *testing.T) {
	c, _ := newTestCarrier(t)
	if !c.ContFastpath() {
		t.Error("fresh carrier not on the fast path")
	}
	c.MaybeSetFastpath(300)
	c.MaybeSetFastpath(200) // lower does not win
	if c.RawContFastpath() != 300 {
		t.Errorf("watermark: got %d, want 300", c.RawContFastpath())
	}
	if c.ContFastpath() {
		t.Error("fast path enabled with a watermark set")
	}
	c.SetContFastpath(0)
	c.SetFastpathThreadState(false)
	if c.ContFastpath() {
		t.Error("fast path enabled in a slow thread state")
	}
}

func TestEntryPinning(t *testing.T) {
	e := NewEntry(100, 110, 0, nil, nil, nil)
	if e.IsPinned() {
		t.Error("fresh entry pinned")
	}
	e.Pin()
	e.Pin()
	e.Unpin()
	if !e.IsPinned() {
		t.Error("nested pin released too early")
	}
	e.Unpin()
	if e.IsPinned() {
		t.Error("entry still pinned after matching unpins")
	}
}

func TestRegistryLookup(t *testing.T) {
	c, _ := newTestCarrier(t)
	if Get(c.ID()) != c {
		t.Error("registered carrier not found")
	}
	found := false
	Each(func(other *Carrier) {
		if other == c {
			found = true
		}
	})
	if !found {
		t.Error("Each skipped a live carrier")
	}
	c.Close()
	if Get(c.ID()) != nil {
		t.Error("closed carrier still registered")
	}
}

func TestMappedStack(t *testing.T) {
	reg := frame.NewRegistry(arch.AMD64)
	c, err := NewMapped(reg, 2048)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if c.StackSize() != 2048 {
		t.Fatalf("mapped stack size %d", c.StackSize())
	}
	// The mapping is writable end to end.
	c.Stack()[0] = 1
	c.Stack()[2047] = 2
	if c.Stack()[0] != 1 || c.Stack()[2047] != 2 {
		t.Error("mapped stack did not hold writes")
	}
}
