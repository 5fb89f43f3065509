package continuation

import (
	"testing"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/carrier"
	"github.com/vthreadrt/continuation/frame"
	"github.com/vthreadrt/continuation/heap"
)

// testEnv wires a runtime, a carrier with a mounted continuation, and
// a stack builder for laying out frames the way generated code would.
type testEnv struct {
	t      *testing.T
	params *arch.Params
	reg    *frame.Registry
	heap   *heap.Heap
	rt     *Runtime
	th     *carrier.Carrier
	cont   *Continuation
	entry  *carrier.Entry

	// sp is the builder's current top of stack: the sp of the most
	// recently pushed frame.
	sp int
	// fp of the most recently pushed frame; goes into the metadata of
	// the next push.
	fp int
	// pc the current top frame resumes at; pushed as the return pc of
	// the next callee.
	resumePC arch.PC
}

const testStackWords = 4096

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvTunables(t, DefaultTunables())
}

func newTestEnvTunables(t *testing.T, tun Tunables) *testEnv {
	t.Helper()
	params := arch.AMD64
	reg := frame.NewRegistry(params)
	h := heap.New(reg, heap.Options{})
	rt, err := NewRuntime(params, reg, h, tun)
	if err != nil {
		t.Fatal(err)
	}
	th := carrier.New(reg, testStackWords)
	t.Cleanup(func() { th.Close() })

	env := &testEnv{t: t, params: params, reg: reg, heap: h, rt: rt, th: th}
	env.mount()
	return env
}

// mount lays out a continuation entry near the stack bottom, the way
// the enter intrinsic does, and mounts a fresh continuation.
func (e *testEnv) mount() {
	e.cont = New("test-scope")
	entrySP := testStackWords - 64
	entryFP := entrySP + 8
	entryPC := e.reg.Enter().Base() + 16
	e.entry = carrier.NewEntry(entrySP, entryFP, entryPC, e.cont.Scope(), e.cont, nil)
	e.th.SetLastContinuation(e.entry)

	e.sp = entrySP
	e.fp = entryFP
	e.resumePC = entryPC
}

// pushCompiled lays out a frame of the given blob called from the
// current top frame. Body words are filled with a marker so tests can
// check copies.
func (e *testEnv) pushCompiled(b *frame.Blob, marker arch.Word) {
	e.t.Helper()
	stack := e.th.Stack()
	senderSP := e.sp // callee's incoming args live at the caller's sp
	e.params.PatchPC(stack, senderSP, e.resumePC)
	e.params.PatchFP(stack, senderSP, e.fp)

	sp := senderSP - b.FrameSize()
	for i := sp; i < senderSP-e.params.MetadataWords; i++ {
		stack[i] = marker
	}
	e.sp = sp
	e.fp = sp + 1 // compiled frames do not use fp
	e.resumePC = b.Base() + 8
}

// pushBottomCompiled lays out the bottom-most continuation frame,
// whose incoming arguments sit just below the entry sp. The entry
// records that argsize, the way the enter intrinsic does.
func (e *testEnv) pushBottomCompiled(b *frame.Blob, marker arch.Word) {
	e.t.Helper()
	stack := e.th.Stack()
	pad := e.params.FrameAlignWords(b.ArgSize())
	argBase := e.entry.SP() - pad - b.ArgSize()
	for i := argBase; i < argBase+b.ArgSize(); i++ {
		stack[i] = marker ^ 0xa5
	}
	e.entry.SetArgsize(b.ArgSize())
	e.sp = argBase
	e.fp = e.entry.FP()
	e.resumePC = e.entry.PC()
	e.pushCompiled(b, marker)
}

// resumeAt resets the builder to the state thaw left behind: sp as
// returned by Thaw, pc and fp from the synthetic return frame.
func (e *testEnv) resumeAt(sp int) {
	e.sp = sp
	e.resumePC = e.params.ReadPC(e.th.Stack(), sp)
	e.fp = e.params.ReadFP(e.th.Stack(), sp)
}

// pushInterpreted lays out an interpreted frame of method m with the
// given expression-stack depth and bytecode index. Its locals overlap
// the caller's top words.
func (e *testEnv) pushInterpreted(m *frame.Method, exprDepth, bci int, monitors arch.Word) {
	e.t.Helper()
	stack := e.th.Stack()
	localsEnd := e.sp + m.ArgWords() // args are the first locals
	if e.sp == e.entry.SP() {
		localsEnd = e.entry.SP()
	}
	fp := localsEnd - e.params.MetadataWords - m.MaxLocals()
	stack[fp+1] = arch.Word(e.resumePC)
	stack[fp] = arch.Word(e.fp)
	stack[fp+frame.InterpMethodOffset] = m.ID()
	stack[fp+frame.InterpLocalsOffset] = arch.Word(localsEnd - 1)
	stack[fp+frame.InterpBCPOffset] = arch.Word(m.BytecodeBase() + arch.PC(bci))
	stack[fp+frame.InterpMonitorsOffset] = monitors
	stack[fp+frame.InterpSenderSPOffset] = arch.Word(e.sp)
	usp := fp - frame.InterpHeaderWords - exprDepth
	stack[fp+frame.InterpLastSPOffset] = arch.Word(usp)
	for i := localsEnd - m.MaxLocals(); i < localsEnd; i++ {
		stack[i] = arch.Word(0x10c0 + i)
	}
	for i := usp; i < fp-frame.InterpHeaderWords; i++ {
		stack[i] = arch.Word(0xee00 + i)
	}

	e.sp = usp
	e.fp = fp
	e.resumePC = e.reg.Interpreter().Base() + arch.PC(bci%0x100)
}

// pushYieldStub lays out the yield stub frame and anchors it, leaving
// the carrier in the state the freeze entry contract expects. Returns
// the sp to pass to Freeze.
func (e *testEnv) pushYieldStub() int {
	return e.pushStub(e.reg.YieldStub())
}

func (e *testEnv) pushStub(b *frame.Blob) int {
	e.t.Helper()
	stack := e.th.Stack()
	senderSP := e.sp
	e.params.PatchPC(stack, senderSP, e.resumePC)
	e.params.PatchFP(stack, senderSP, e.fp)

	sp := senderSP - b.FrameSize()
	e.params.PatchPC(stack, sp, b.Base()+4)
	e.params.PatchFP(stack, sp, e.fp)
	e.th.SetAnchor(sp)
	return sp
}

// snapshot copies the live continuation region of the stack for
// byte-identity comparisons across a freeze/thaw round trip.
func (e *testEnv) snapshot(lo int) []arch.Word {
	s := make([]arch.Word, e.entry.SP()-lo)
	copy(s, e.th.Stack()[lo:e.entry.SP()])
	return s
}

func (e *testEnv) freeze(sp int) Result {
	e.t.Helper()
	res := e.rt.Freeze(e.th, sp)
	if err := e.cont.Verify(); err != nil {
		e.t.Fatalf("after freeze: %v", err)
	}
	return res
}
