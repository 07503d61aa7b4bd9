package epoch

import (
	"fmt"
	"sync/atomic"
)

// Handle is a registered participant of an epoch service.
// A handle is owned by one goroutine at a time and must be released when the
// goroutine stops using the service.
type Handle struct {
	e        *epochImpl
	idx      int
	released atomic.Bool
}

func (h *Handle) slot() *entry {
	if h.released.Load() {
		plog.Errorf("handle %d used after release", h.idx)
		panic(ErrHandleReleased)
	}
	return &h.e.table[h.idx]
}

// ProtectAndGetEpoch publishes the current global epoch for this handle and returns it.
// Shared structures read afterwards stay valid until Unprotect or Refresh.
func (h *Handle) ProtectAndGetEpoch() uint64 {
	s := h.slot()
	epoch := h.e.current.Load()
	s.local.Store(epoch)
	return epoch
}

// Unprotect clears the published epoch.
func (h *Handle) Unprotect() {
	h.slot().local.Store(0)
}

// Refresh moves a protected handle to the current epoch and runs ready drain
// actions if no other goroutine is sweeping. Returns the new local epoch.
func (h *Handle) Refresh() uint64 {
	epoch := h.ProtectAndGetEpoch()
	if h.e.pending.Load() > 0 {
		h.e.Drain()
	}
	return epoch
}

// IsProtected reports whether the handle currently publishes an epoch.
func (h *Handle) IsProtected() bool {
	return h.slot().local.Load() != 0
}

// Epoch returns the published epoch, 0 when unprotected.
func (h *Handle) Epoch() uint64 {
	return h.slot().local.Load()
}

// IsReleased reports whether Release was called.
func (h *Handle) IsReleased() bool {
	return h.released.Load()
}

// Index returns the slot index of the handle (for diagnostics).
func (h *Handle) Index() int {
	return h.idx
}

// Release returns the slot to the service. The handle must not be protected
// and must not be used afterwards.
func (h *Handle) Release() {
	s := h.slot()
	if s.local.Load() != 0 {
		plog.Errorf("handle %d released while protected at epoch %d", h.idx, s.local.Load())
		panic(fmt.Errorf("%w: release of handle %d", ErrProtected, h.idx))
	}
	if !h.released.CompareAndSwap(false, true) {
		panic(ErrHandleReleased)
	}
	s.inUse.Store(false)
	h.e.active.Add(-1)
	plog.Debugf("released handle %d", h.idx)
}
