// Package progress holds the shared record of the active or most
// recent fetch run.
package progress

import (
	"sync"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a fetch run.
type Status string

const (
	Idle      Status = "IDLE"
	Parsing   Status = "PARSING"
	Completed Status = "COMPLETED"
	Cancelled Status = "CANCELLED"
	Failed    Status = "FAILED"
)

// FetchProgress is a snapshot of the run. Fraction is non-decreasing
// within a run and reaches 1.0 exactly when Status is Completed.
type FetchProgress struct {
	Status            Status
	RunID             string
	CurrentChat       string
	Fraction          float64
	MessagesProcessed int
	LastError         string
}

// Tracker synchronizes reads and writes of the single FetchProgress
// record. Polling readers always observe a consistent snapshot; only
// the active fetch run writes.
type Tracker struct {
	mu  sync.RWMutex
	cur FetchProgress
}

// NewTracker creates a tracker in the Idle state.
func NewTracker() *Tracker {
	return &Tracker{cur: FetchProgress{Status: Idle}}
}

// Snapshot returns the current progress record.
func (t *Tracker) Snapshot() FetchProgress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cur
}

// Begin starts a new run for the given chat, resetting the counters,
// and returns its run ID. Fails if a run is already in flight: the
// check and the reset are one atomic step, so two racing callers can
// never both begin.
func (t *Tracker) Begin(chat string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur.Status == Parsing {
		return "", false
	}
	id := uuid.NewString()
	t.cur = FetchProgress{
		Status:      Parsing,
		RunID:       id,
		CurrentChat: chat,
	}
	return id, true
}

// SetChat records the resolved chat title for pollers. Runs begin with
// a placeholder because resolution needs a network round-trip.
func (t *Tracker) SetChat(chat string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur.Status != Parsing {
		return
	}
	t.cur.CurrentChat = chat
}

// Advance records a durably persisted batch: adds processed to the
// message count and raises the fraction. The fraction never decreases
// and is held below 1.0 until Complete.
func (t *Tracker) Advance(processed int, fraction float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur.Status != Parsing {
		return
	}
	t.cur.MessagesProcessed += processed
	if fraction > 0.99 {
		fraction = 0.99
	}
	if fraction > t.cur.Fraction {
		t.cur.Fraction = fraction
	}
}

// Complete marks the run finished. All pages in range were consumed.
func (t *Tracker) Complete() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur.Status != Parsing {
		return
	}
	t.cur.Status = Completed
	t.cur.Fraction = 1.0
}

// Cancel marks the run stopped on request, by Reset or shutdown.
// Distinct from Failed so pollers can tell a requested stop from an
// error. Counters freeze like in any terminal state.
func (t *Tracker) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur.Status != Parsing {
		return
	}
	t.cur.Status = Cancelled
}

// Fail marks the run failed, recording the error for pollers. The
// counters freeze at their last advanced values.
func (t *Tracker) Fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cur.Status != Parsing {
		return
	}
	t.cur.Status = Failed
	if err != nil {
		t.cur.LastError = err.Error()
	}
}
