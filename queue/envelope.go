// Package queue implements the lease-based work queue state machine
// (spec §4.4, C4): enqueue, dequeue, renew, complete, abandon,
// dead-letter, auto-abandon on lease expiry, and retry with delay.
package queue

import "time"

// WorkItem is the persistent envelope (spec §3): the payload is opaque
// bytes produced by a core.Serializer, type_name tags it for dispatch,
// and attempts/correlation_id/unique_id carry across retries.
type WorkItem struct {
	ID            string    `json:"id"`
	Payload       []byte    `json:"payload"`
	TypeName      string    `json:"type_name,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	Attempts      int       `json:"attempts"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	UniqueID      string    `json:"unique_id,omitempty"`
}

// Entry is the runtime lease handle bound to one dequeue (spec §3). A
// Queue Entry is "owned" by the holder of its LeaseToken until
// Complete/Abandon or lease expiry; exactly one terminal transition is
// permitted — a duplicate fails loudly with core.ErrInvalidEntryState.
type Entry struct {
	LeaseToken string
	Item       WorkItem
	DequeuedAt time.Time

	queue      *Queue
	terminated bool
}

// IsTerminal reports whether Complete or Abandon has already been
// observed locally for this entry (a cheap, non-authoritative check —
// the queue's bucket state is the source of truth for cross-process
// races).
func (e *Entry) IsTerminal() bool { return e.terminated }
