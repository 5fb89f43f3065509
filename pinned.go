package continuation

import (
	"github.com/vthreadrt/continuation/carrier"
	"github.com/vthreadrt/continuation/frame"
)

// isPinnedFrame applies the per-frame pinning rules shared by freeze
// and the advisory query.
func isPinnedFrame(f *frame.Frame) Result {
	switch {
	case f.Blob().Kind() == frame.BlobEnter:
		// The enter intrinsic frame never pins; the walk just passes
		// through it between entries.
		return Ok
	case f.IsInterpreted():
		if f.IsOwningMonitor() {
			return PinnedMonitor
		}
		if m, err := f.Method(); err != nil || m.IsNative() {
			return PinnedNative
		}
	case f.IsCompiled():
		if f.OopMap() == nil {
			return PinnedNative
		}
		if f.IsOwningMonitor() {
			return PinnedMonitor
		}
	default:
		return PinnedNative
	}
	return Ok
}

// IsPinned is the advisory query the language frontend issues before
// a freeze: it walks the mounted continuations up to the one with the
// given scope and reports the first pin it finds. The state it
// inspects can change as soon as it returns.
func (rt *Runtime) IsPinned(th *carrier.Carrier, scope any) Result {
	entry := th.LastContinuation()
	if entry == nil {
		return Ok
	}
	if entry.IsPinned() {
		return PinnedCS
	}

	f, err := th.LastFrame()
	if err != nil {
		return Ok
	}
	// Skip the frame issuing the query.
	f, err = f.Sender(frame.SmallRegisterMap)
	if err != nil {
		return PinnedNative
	}

	for {
		if res := isPinnedFrame(&f); res != Ok {
			return res
		}
		f, err = f.Sender(frame.SmallRegisterMap)
		if err != nil {
			return PinnedNative
		}
		if !frameInContinuation(entry, &f) {
			if entry.Scope() == scope {
				break
			}
			entry = entry.Parent()
			if entry == nil {
				break
			}
			if entry.IsPinned() {
				return PinnedCS
			}
		}
	}
	return Ok
}

// frameInContinuation reports whether f sits below the entry's
// argument area, inside the continuation's part of the carrier stack.
func frameInContinuation(e *carrier.Entry, f *frame.Frame) bool {
	return f.UnextendedSP() < e.SP()-e.Argsize()
}
