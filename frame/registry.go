package frame

import (
	"sync"

	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/arch"
)

// Registry is the code cache: it owns the pc space, maps pcs back to
// blobs, and resolves method ids stored in interpreter frames. The
// interpreter, the continuation entry intrinsic, and the yield,
// return-barrier and safepoint stubs are installed at construction;
// compiled and native blobs are added by the runtime as code is
// generated.
type Registry struct {
	mu      sync.RWMutex
	params  *arch.Params
	blobs   []*Blob
	methods map[arch.Word]*Method

	nextPC       arch.PC
	nextBytecode arch.PC
	nextMethodID arch.Word

	interpreter   *Blob
	enter         *Blob
	yieldStub     *Blob
	returnBarrier *Blob
	safepointStub *Blob
}

// ErrNoBlob is returned when a pc resolves to no registered code; an
// unknown method id is reported by wrapping it as well.
var ErrNoBlob = xerrors.New("frame: pc outside any code blob")

const (
	blobRange    = 0x1000
	bytecodeBase = arch.PC(1) << 40
)

// NewRegistry builds a registry with the built-in blobs installed.
// The yield stub's frame is exactly the metadata words; the safepoint
// stub is larger because it spills registers.
func NewRegistry(params *arch.Params) *Registry {
	r := &Registry{
		params:       params,
		methods:      make(map[arch.Word]*Method),
		nextPC:       blobRange,
		nextBytecode: bytecodeBase,
		nextMethodID: 1,
	}
	r.interpreter = r.add(&Blob{name: "interpreter", kind: BlobInterpreter})
	r.enter = r.add(&Blob{name: "enterSpecial", kind: BlobEnter, frameSize: params.MetadataWords + 2, oopMap: &OopMap{}})
	r.yieldStub = r.add(&Blob{name: "cont doYield", kind: BlobStub, frameSize: params.MetadataWords, oopMap: &OopMap{}})
	r.returnBarrier = r.add(&Blob{name: "cont returnBarrier", kind: BlobStub, frameSize: params.MetadataWords, oopMap: &OopMap{}})
	r.safepointStub = r.add(&Blob{name: "safepoint handler", kind: BlobStub, frameSize: 8, oopMap: &OopMap{}})
	return r
}

func (r *Registry) add(b *Blob) *Blob {
	b.base = r.nextPC
	b.size = blobRange / 2
	b.deoptHandler = b.base + arch.PC(b.size) - 1
	r.nextPC += blobRange
	r.blobs = append(r.blobs, b)
	return b
}

// Params returns the platform parameter set the registry was built
// with.
func (r *Registry) Params() *arch.Params { return r.params }

// Interpreter returns the interpreter blob.
func (r *Registry) Interpreter() *Blob { return r.interpreter }

// Enter returns the continuation entry intrinsic blob.
func (r *Registry) Enter() *Blob { return r.enter }

// YieldStub returns the stub whose frame is on top of the stack when
// freeze is entered.
func (r *Registry) YieldStub() *Blob { return r.yieldStub }

// ReturnBarrier returns the synthetic return-barrier stub.
func (r *Registry) ReturnBarrier() *Blob { return r.returnBarrier }

// SafepointStub returns the stub used for forced preemption.
func (r *Registry) SafepointStub() *Blob { return r.safepointStub }

// AddCompiled registers a compiled method blob. A nil oop map would
// make every frame of the blob pin its continuation, so compiled
// blobs always carry one, possibly empty.
func (r *Registry) AddCompiled(name string, frameSize, argSize int, m *OopMap) *Blob {
	if m == nil {
		m = &OopMap{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(&Blob{name: name, kind: BlobCompiled, frameSize: frameSize, argSize: argSize, oopMap: m})
}

// AddNativeWrapper registers a native method wrapper. It has no oop
// map; freezing across one pins the continuation.
func (r *Registry) AddNativeWrapper(name string, frameSize int) *Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.add(&Blob{name: name, kind: BlobNativeWrapper, frameSize: frameSize})
}

// AddMethod registers an interpreted method and assigns its id and
// bytecode range.
func (r *Registry) AddMethod(name string, maxLocals, argWords, codeSize int, native bool) *Method {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := &Method{
		id:           r.nextMethodID,
		name:         name,
		maxLocals:    maxLocals,
		argWords:     argWords,
		native:       native,
		bytecodeBase: r.nextBytecode,
		codeSize:     codeSize,
	}
	r.nextMethodID++
	r.nextBytecode += arch.PC(codeSize + 0xff)
	r.methods[m.id] = m
	return m
}

// FindBlob maps a pc to the blob containing it, or nil.
func (r *Registry) FindBlob(pc arch.PC) *Blob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.blobs {
		if b.Contains(pc) {
			return b
		}
	}
	return nil
}

// MethodByID resolves a method id stored in an interpreter frame.
func (r *Registry) MethodByID(id arch.Word) (*Method, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[id]
	if !ok {
		return nil, xerrors.Errorf("frame: unknown method id %d: %w", id, ErrNoBlob)
	}
	return m, nil
}

// IsInterpreterPC reports whether pc lies in the interpreter.
func (r *Registry) IsInterpreterPC(pc arch.PC) bool {
	return r.interpreter.Contains(pc)
}
