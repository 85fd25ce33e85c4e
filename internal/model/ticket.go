package model

import (
	"time"

	"github.com/google/uuid"
)

// RunTicket is the durable idempotency and audit record for one dispatched
// agent execution. OK is nil until the runner finalizes the ticket.
type RunTicket struct {
	ID         int64          `json:"id"`
	Agent      string         `json:"agent"`
	RunID      uuid.UUID      `json:"run_id"`
	Window     Window         `json:"window"`
	DryRun     bool           `json:"dry_run"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	RunnerID   *string        `json:"runner_id,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	OK         *bool          `json:"ok"`
	Stats      map[string]any `json:"stats,omitempty"`
}

// Finished reports whether a terminal outcome has been written.
func (t RunTicket) Finished() bool {
	return t.FinishedAt != nil
}

// TicketFilter narrows ticket listings.
type TicketFilter struct {
	Agent string
	RunID *uuid.UUID
	Limit int
}

// JobPayload is the durable queue message published for a ticket.
type JobPayload struct {
	Agent      string    `json:"agent"`
	RunID      uuid.UUID `json:"run_id"`
	Window     Window    `json:"window"`
	DryRun     bool      `json:"dry_run"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// QueuedJob is a claimed queue row.
type QueuedJob struct {
	ID       int64
	Payload  JobPayload
	Attempts int
}
