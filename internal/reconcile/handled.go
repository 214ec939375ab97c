package reconcile

import (
	"sync"

	"github.com/dealdesk/jobpulse/pkg/models"
)

// DefaultHandledCap bounds the terminal-handled set. It prevents leaks, not
// history: when the cap is hit the set is cleared wholesale, which at worst
// repeats a side effect for a job the UI stopped caring about long ago.
const DefaultHandledCap = 200

type handledKey struct {
	jobID  string
	status models.JobStatus
}

// HandledSet records which (job_id, terminal status) pairs have already had
// their side effects fired. It is process-lifetime scoped so a remounted view
// does not re-notify, and injectable so tests and independent sessions get a
// fresh instance.
type HandledSet struct {
	mu  sync.Mutex
	set map[handledKey]struct{}
	cap int
}

// NewHandledSet creates a bounded set. A non-positive cap falls back to
// DefaultHandledCap.
func NewHandledSet(capacity int) *HandledSet {
	if capacity <= 0 {
		capacity = DefaultHandledCap
	}
	return &HandledSet{
		set: make(map[handledKey]struct{}),
		cap: capacity,
	}
}

// Mark records the pair and reports whether it was newly added. A false
// return means the pair's side effects have already fired.
func (h *HandledSet) Mark(jobID string, status models.JobStatus) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := handledKey{jobID: jobID, status: status}
	if _, ok := h.set[key]; ok {
		return false
	}
	if len(h.set) >= h.cap {
		h.set = make(map[handledKey]struct{})
	}
	h.set[key] = struct{}{}
	return true
}

// Len reports the current number of recorded pairs.
func (h *HandledSet) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.set)
}
