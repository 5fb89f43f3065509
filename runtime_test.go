package continuation

import (
	"testing"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/frame"
	"github.com/vthreadrt/continuation/heap"
)

func TestInitOnce(t *testing.T) {
	params := arch.ARM64
	reg := frame.NewRegistry(params)
	h := heap.New(reg, heap.Options{})
	rt, err := NewRuntime(params, reg, h, DefaultTunables())
	if err != nil {
		t.Fatal(err)
	}
	if Installed() == nil {
		if err := Init(rt); err != nil {
			t.Fatalf("first init: %v", err)
		}
	}
	if err := Init(rt); err == nil {
		t.Error("second init succeeded")
	}
	if Installed() == nil {
		t.Error("no runtime installed after init")
	}
}

func TestNewRuntimeRejectsMismatchedRegistry(t *testing.T) {
	reg := frame.NewRegistry(arch.AMD64)
	h := heap.New(reg, heap.Options{})
	if _, err := NewRuntime(arch.ARM64, reg, h, DefaultTunables()); err == nil {
		t.Error("mismatched registry accepted")
	}
}

func TestLoadTunables(t *testing.T) {
	tun, err := LoadTunables([]byte("bulk_thaw_threshold_words: 128\nuse_fast_path: false\n"))
	if err != nil {
		t.Fatal(err)
	}
	if tun.BulkThawThresholdWords != 128 {
		t.Errorf("threshold: got %d, want 128", tun.BulkThawThresholdWords)
	}
	if tun.UseFastPath {
		t.Error("use_fast_path not overridden")
	}
	if tun.StackChunkMaxWords != DefaultTunables().StackChunkMaxWords {
		t.Error("unrelated default lost")
	}

	if _, err := LoadTunables([]byte("bulk_thaw_threshold_words: 0\n")); err == nil {
		t.Error("zero threshold accepted")
	}
	if _, err := LoadTunables([]byte("no_such_knob: 1\n")); err == nil {
		t.Error("unknown key accepted")
	}
	if _, err := LoadTunables([]byte(":::")); err == nil {
		t.Error("malformed yaml accepted")
	}
}

func TestForcedSlowPathMatchesFastPath(t *testing.T) {
	// The same stack frozen with and without the fast path must
	// produce the same logical chunk content.
	freeze := func(tun Tunables) (words []arch.Word, sp, argsize, max int) {
		env := newTestEnvTunables(t, tun)
		outer := env.reg.AddCompiled("outer", 12, 2, nil)
		inner := env.reg.AddCompiled("inner", 10, 4, nil)
		env.pushBottomCompiled(outer, 0x3101)
		env.pushCompiled(inner, 0x3102)
		ssp := env.pushYieldStub()
		if res := env.freeze(ssp); res != Ok {
			t.Fatalf("freeze: %v", res)
		}
		c := env.cont.Tail()
		w := make([]arch.Word, c.StackSize())
		copy(w, c.Words())
		return w, c.SP(), c.Argsize(), c.MaxSize()
	}

	slow := DefaultTunables()
	slow.UseFastPath = false

	fastWords, fastSP, fastArg, fastMax := freeze(DefaultTunables())
	slowWords, slowSP, slowArg, slowMax := freeze(slow)

	if fastSP != slowSP || fastArg != slowArg || fastMax != slowMax {
		t.Fatalf("fast (sp=%d arg=%d max=%d) != slow (sp=%d arg=%d max=%d)",
			fastSP, fastArg, fastMax, slowSP, slowArg, slowMax)
	}
	if len(fastWords) != len(slowWords) {
		t.Fatalf("chunk sizes differ: %d vs %d", len(fastWords), len(slowWords))
	}
	// Frame content must agree. Saved-fp metadata words may not: the
	// fast path copies raw stack values, the slow path links chunk
	// offsets, and compiled frames never read either.
	fpSlots := map[int]bool{
		fastSP + 10 - 2:      true, // inner's sender fp slot
		fastSP + 10 + 12 - 2: true, // outer's sender fp slot
	}
	for i := fastSP - 1; i < len(fastWords); i++ {
		if fpSlots[i] {
			continue
		}
		if fastWords[i] != slowWords[i] {
			t.Errorf("chunk word %d: fast %#x, slow %#x", i, fastWords[i], slowWords[i])
		}
	}
}
