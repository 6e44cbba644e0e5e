package pipeline

import (
	"sync"
	"time"
)

// CancelHandle is the cooperative cancel flag for one run. The run controller
// registers it at start; the cancellation registry flips it on request;
// stages and the scheduler probe it at every suspension point. Flipping never
// forcefully interrupts anything.
type CancelHandle struct {
	runID    string
	deadline time.Time

	mu       sync.Mutex
	canceled bool
	reason   string
	done     chan struct{}
}

// NewCancelHandle creates an unflipped handle. deadline is informational; the
// controller enforces it with a timer that calls [CancelHandle.Cancel].
func NewCancelHandle(runID string, deadline time.Time) *CancelHandle {
	return &CancelHandle{
		runID:    runID,
		deadline: deadline,
		done:     make(chan struct{}),
	}
}

// RunID returns the run this handle belongs to.
func (h *CancelHandle) RunID() string { return h.runID }

// Deadline returns the run's wall-clock budget end, zero when unbounded.
func (h *CancelHandle) Deadline() time.Time { return h.deadline }

// Cancel flips the flag with a reason. Only the first flip takes effect;
// Cancel reports whether this call was the one that flipped.
func (h *CancelHandle) Cancel(reason string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled {
		return false
	}
	h.canceled = true
	h.reason = reason
	close(h.done)
	return true
}

// Canceled reports whether the flag has been flipped.
func (h *CancelHandle) Canceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

// Reason returns the first cancel reason, or "".
func (h *CancelHandle) Reason() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reason
}

// Done returns a channel closed when the flag flips, for use in selects at
// suspension points.
func (h *CancelHandle) Done() <-chan struct{} { return h.done }
