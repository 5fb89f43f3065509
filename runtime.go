package continuation

import (
	"sync/atomic"

	"golang.org/x/xerrors"

	"github.com/vthreadrt/continuation/arch"
	"github.com/vthreadrt/continuation/carrier"
	"github.com/vthreadrt/continuation/frame"
	"github.com/vthreadrt/continuation/heap"
)

// Runtime binds the freeze/thaw engines to their collaborators: the
// platform parameters, the code registry with the stub addresses, the
// heap, and the resolved tunables.
type Runtime struct {
	arch *arch.Params
	reg  *frame.Registry
	heap *heap.Heap
	tun  Tunables
}

// NewRuntime wires a runtime together. The registry must have been
// built for the same platform parameters.
func NewRuntime(params *arch.Params, reg *frame.Registry, h *heap.Heap, tun Tunables) (*Runtime, error) {
	if reg.Params() != params {
		return nil, xerrors.New("continuation: registry built for a different platform")
	}
	if tun.BulkThawThresholdWords <= 0 {
		return nil, xerrors.New("continuation: bulk_thaw_threshold_words must be positive")
	}
	return &Runtime{arch: params, reg: reg, heap: h, tun: tun}, nil
}

func (rt *Runtime) Arch() *arch.Params { return rt.arch }
func (rt *Runtime) Registry() *frame.Registry { return rt.reg }
func (rt *Runtime) Heap() *heap.Heap { return rt.heap }
func (rt *Runtime) Tunables() Tunables { return rt.tun }

// The process-wide entry points, resolved once at Init after the
// collector and platform are known, immutable afterwards.
var global atomic.Pointer[Runtime]

// Init installs the process-wide runtime. It may be called once.
func Init(rt *Runtime) error {
	if !global.CompareAndSwap(nil, rt) {
		return xerrors.New("continuation: already initialized")
	}
	return nil
}

// Installed returns the process-wide runtime, or nil before Init.
func Installed() *Runtime { return global.Load() }

// Freeze is the process-wide freeze entry point.
func Freeze(th *carrier.Carrier, sp int) Result {
	return Installed().Freeze(th, sp)
}

// PrepareThaw is the process-wide thaw-sizing entry point.
func PrepareThaw(th *carrier.Carrier, returnBarrier bool) int {
	return Installed().PrepareThaw(th, returnBarrier)
}

// Thaw is the process-wide thaw entry point.
func Thaw(th *carrier.Carrier, kind ThawKind) int {
	return Installed().Thaw(th, kind)
}

// IsPinned is the process-wide advisory pin query.
func IsPinned(th *carrier.Carrier, scope any) Result {
	return Installed().IsPinned(th, scope)
}
