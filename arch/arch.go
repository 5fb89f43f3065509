// Package arch holds the per-CPU frame layout parameters used by the
// freeze and thaw engines. Stacks and chunks are arrays of machine
// words addressed by word index; a lower index is a lower address, so
// a callee frame sits at lower indices than its caller.
package arch

// Word is one machine stack slot.
type Word uint64

// PC is a code address. PCs are stored in return-pc stack slots and
// round-trip through Word.
type PC uint64

// Params describes the frame layout of one CPU. The freeze and thaw
// engines are written against these parameters only; porting to a new
// CPU means providing a new Params value.
type Params struct {
	Name string

	// MetadataWords is the number of words between a frame's stack
	// pointer and its callee's: the return pc and the saved frame
	// pointer.
	MetadataWords int

	// SenderSPRetAddressOffset is the distance from a frame's sender
	// sp down to its return-pc slot.
	SenderSPRetAddressOffset int

	// AlignWiggle is the per-frame alignment slack that freeze and
	// thaw account for when interpreted frames are involved.
	AlignWiggle int

	// FrameAlignment is the stack alignment in words.
	FrameAlignment int
}

// AMD64 is the default parameter set.
var AMD64 = &Params{
	Name:                     "amd64",
	MetadataWords:            2,
	SenderSPRetAddressOffset: 1,
	AlignWiggle:              1,
	FrameAlignment:           2,
}

// ARM64 differs from AMD64 only in how interpreter frames are padded;
// the engines account for that through AlignWiggle, so the parameter
// values coincide.
var ARM64 = &Params{
	Name:                     "arm64",
	MetadataWords:            2,
	SenderSPRetAddressOffset: 1,
	AlignWiggle:              1,
	FrameAlignment:           2,
}

// FrameAlignWords returns the number of padding words needed below an
// argument area of the given size to keep frames aligned.
func (p *Params) FrameAlignWords(argsize int) int {
	return argsize & (p.FrameAlignment - 1)
}

// FrameAlignPointer rounds a stack index down to the frame alignment.
func (p *Params) FrameAlignPointer(sp int) int {
	return sp &^ (p.FrameAlignment - 1)
}

// ReadPC reads the return pc below the given sender sp.
func (p *Params) ReadPC(words []Word, senderSP int) PC {
	return PC(words[senderSP-p.SenderSPRetAddressOffset])
}

// PatchPC writes the return pc below the given sender sp.
func (p *Params) PatchPC(words []Word, senderSP int, pc PC) {
	words[senderSP-p.SenderSPRetAddressOffset] = Word(pc)
}

// ReadFP reads the saved frame pointer below the given sender sp.
func (p *Params) ReadFP(words []Word, senderSP int) int {
	return int(words[senderSP-p.MetadataWords])
}

// PatchFP writes the saved frame pointer below the given sender sp.
func (p *Params) PatchFP(words []Word, senderSP int, fp int) {
	words[senderSP-p.MetadataWords] = Word(fp)
}
