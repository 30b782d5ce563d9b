package bus

import (
	"strings"
	"time"
)

// Kind identifies a daemon event. Kinds are dotted names grouped into
// the "auth" and "fetch" namespaces.
type Kind string

const (
	AuthStatusChanged Kind = "auth.status_changed"

	FetchBatchPersisted Kind = "fetch.batch_persisted"
	FetchFloodWait      Kind = "fetch.flood_wait"
	FetchCompleted      Kind = "fetch.completed"
	FetchCancelled      Kind = "fetch.cancelled"
	FetchFailed         Kind = "fetch.failed"
)

// Namespace returns the part of the kind before the first dot.
func (k Kind) Namespace() string {
	if i := strings.IndexByte(string(k), '.'); i >= 0 {
		return string(k[:i])
	}
	return string(k)
}

// Event is one daemon event. Publish stamps Timestamp when the caller
// leaves it zero.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}
