package models

import "time"

// Entry delivery states. Only the durable queue moves entries between them.
const (
	EntryPending      = "pending"
	EntryInFlight     = "in_flight"
	EntryAcknowledged = "acknowledged"
	EntryDead         = "dead"
)

// QueueEntry is a Reading plus its delivery state as persisted in the queue.
type QueueEntry struct {
	ID         int64      `json:"id"`
	Payload    string     `json:"payload"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  *string    `json:"last_error"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
	LeasedAt   *time.Time `json:"leased_at"`
	ResolvedAt *time.Time `json:"resolved_at"`
}
