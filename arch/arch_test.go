package arch

import "testing"

func TestFrameAlignment(t *testing.T) {
	p := AMD64
	if p.FrameAlignWords(4) != 0 || p.FrameAlignWords(3) != 1 {
		t.Errorf("align words: %d %d", p.FrameAlignWords(4), p.FrameAlignWords(3))
	}
	if p.FrameAlignPointer(101) != 100 || p.FrameAlignPointer(100) != 100 {
		t.Errorf("align pointer: %d %d", p.FrameAlignPointer(101), p.FrameAlignPointer(100))
	}
}

func TestPCAndFPPatching(t *testing.T) {
	p := AMD64
	words := make([]Word, 16)
	p.PatchPC(words, 8, 0xcafe)
	p.PatchFP(words, 8, 12)
	if got := p.ReadPC(words, 8); got != 0xcafe {
		t.Errorf("pc: got %#x", uint64(got))
	}
	if got := p.ReadFP(words, 8); got != 12 {
		t.Errorf("fp: got %d", got)
	}
	if words[7] != 0xcafe || words[6] != 12 {
		t.Errorf("slots: %#x %#x", words[7], words[6])
	}
}

func TestParameterSets(t *testing.T) {
	for _, p := range []*Params{AMD64, ARM64} {
		if p.MetadataWords != 2 || p.SenderSPRetAddressOffset != 1 {
			t.Errorf("%s: metadata=%d ret offset=%d", p.Name, p.MetadataWords, p.SenderSPRetAddressOffset)
		}
	}
}
