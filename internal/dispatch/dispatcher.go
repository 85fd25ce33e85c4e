// Package dispatch turns operator requests into executed agent runs.
//
// The Dispatcher validates a request, writes a run ticket with an unknown
// outcome and appends a durable job. Runners claim jobs from the queue,
// start the ticket (which refuses a second execution of the same run),
// execute the agent and finalize the ticket. Callers learn outcomes only by
// reading tickets.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/model"
)

// ErrTicketNotClaimed means a runner could not start a ticket: it is
// missing, already running elsewhere, or finished.
var ErrTicketNotClaimed = errors.New("dispatch: ticket not claimed")

// TicketQueue is the storage the dispatcher writes.
type TicketQueue interface {
	CreateTicket(ctx context.Context, t model.RunTicket) (model.RunTicket, error)
	EnqueueJob(ctx context.Context, p model.JobPayload) error
}

// Dispatcher creates tickets and queue messages.
type Dispatcher struct {
	store   TicketQueue
	metrics *Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a Dispatcher. metrics may be nil.
func NewDispatcher(store TicketQueue, metrics *Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: store, metrics: metrics, logger: logger}
}

// Enqueue validates req, writes the ticket and publishes the job. Unknown
// agents and invalid windows fail before anything is written. The ticket
// insert and the publish are separate statements; a ticket left without a
// job surfaces in the stale report.
func (d *Dispatcher) Enqueue(ctx context.Context, req model.EnqueueRequest) (model.RunTicket, error) {
	var w model.Window
	if req.Window != nil {
		w = *req.Window
	}
	job, err := model.ParseAgent(req.Agent, w, req.DryRun)
	if err != nil {
		return model.RunTicket{}, err
	}

	ticket, err := d.store.CreateTicket(ctx, model.RunTicket{
		Agent:  job.Agent(),
		RunID:  uuid.New(),
		Window: job.Bounds(),
		DryRun: job.DryRun(),
	})
	if err != nil {
		return model.RunTicket{}, fmt.Errorf("dispatch: %w", err)
	}

	if err := d.store.EnqueueJob(ctx, model.JobPayload{
		Agent:      ticket.Agent,
		RunID:      ticket.RunID,
		Window:     ticket.Window,
		DryRun:     ticket.DryRun,
		EnqueuedAt: ticket.EnqueuedAt,
	}); err != nil {
		d.logger.Error("dispatch: ticket written but job not published",
			"agent", ticket.Agent, "run_id", ticket.RunID, "error", err)
		return ticket, fmt.Errorf("dispatch: %w", err)
	}

	d.metrics.observeEnqueue(ticket.Agent)
	d.logger.Info("dispatch: enqueued",
		"agent", ticket.Agent,
		"run_id", ticket.RunID,
		"window", ticket.Window.String(),
		"dry_run", ticket.DryRun)
	return ticket, nil
}

// EnqueueAll enqueues each agent name in order with the same window and
// dry-run flag, stopping at the first error.
func (d *Dispatcher) EnqueueAll(ctx context.Context, names []string, w model.Window, dryRun bool) ([]model.RunTicket, error) {
	out := make([]model.RunTicket, 0, len(names))
	for _, name := range names {
		t, err := d.Enqueue(ctx, model.EnqueueRequest{Agent: name, Window: &w, DryRun: dryRun})
		if err != nil {
			return out, fmt.Errorf("enqueue %s: %w", name, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func elapsedMS(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
