package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

// MaxTicketLimit caps ticket listings.
const MaxTicketLimit = 200

const ticketColumns = `id, agent, run_id, window_start, window_end, dry_run, enqueued_at,
	started_at, runner_id, finished_at, ok, stats`

// CreateTicket inserts a run ticket with an unknown outcome and returns it
// with its id and enqueued_at populated.
func (db *DB) CreateTicket(ctx context.Context, t model.RunTicket) (model.RunTicket, error) {
	err := db.pool.QueryRow(ctx,
		`INSERT INTO run_tickets (agent, run_id, window_start, window_end, dry_run)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, enqueued_at`,
		t.Agent, t.RunID, dateOrNil(t.Window.Start), dateOrNil(t.Window.End), t.DryRun,
	).Scan(&t.ID, &t.EnqueuedAt)
	if err != nil {
		return model.RunTicket{}, fmt.Errorf("storage: create ticket: %w", err)
	}
	t.OK = nil
	return t, nil
}

// StartTicket claims a ticket for execution. It succeeds only for a ticket
// that exists and has neither started nor finished; false means the caller
// must not execute the run.
func (db *DB) StartTicket(ctx context.Context, agent string, runID uuid.UUID, runnerID string) (bool, error) {
	n, err := db.retryExec(ctx,
		`UPDATE run_tickets SET started_at = now(), runner_id = $3
		 WHERE agent = $1 AND run_id = $2 AND started_at IS NULL AND finished_at IS NULL`,
		agent, runID, runnerID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: start ticket %s: %w", runID, err)
	}
	return n == 1, nil
}

// FinalizeTicket writes the terminal outcome of a ticket. It never inserts:
// false means the ticket is missing or already finalized.
func (db *DB) FinalizeTicket(ctx context.Context, agent string, runID uuid.UUID, ok bool, stats map[string]any) (bool, error) {
	if stats == nil {
		stats = map[string]any{}
	}
	n, err := db.retryExec(ctx,
		`UPDATE run_tickets SET finished_at = now(), ok = $3, stats = $4
		 WHERE agent = $1 AND run_id = $2 AND finished_at IS NULL`,
		agent, runID, ok, stats,
	)
	if err != nil {
		return false, fmt.Errorf("storage: finalize ticket %s: %w", runID, err)
	}
	return n == 1, nil
}

// GetTicket returns the ticket for a run id.
func (db *DB) GetTicket(ctx context.Context, runID uuid.UUID) (model.RunTicket, error) {
	rows, err := db.pool.Query(ctx, `SELECT `+ticketColumns+` FROM run_tickets WHERE run_id = $1`, runID)
	if err != nil {
		return model.RunTicket{}, fmt.Errorf("storage: get ticket: %w", err)
	}
	tickets, err := scanTickets(rows)
	if err != nil {
		return model.RunTicket{}, err
	}
	if len(tickets) == 0 {
		return model.RunTicket{}, ErrNotFound
	}
	return tickets[0], nil
}

// ListTickets returns tickets most recent first, optionally filtered by
// agent and run id. Limit defaults to 50 and is capped at MaxTicketLimit.
func (db *DB) ListTickets(ctx context.Context, f model.TicketFilter) ([]model.RunTicket, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxTicketLimit {
		limit = MaxTicketLimit
	}
	var agent *string
	if f.Agent != "" {
		agent = &f.Agent
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM run_tickets
		 WHERE ($1::text IS NULL OR agent = $1)
		   AND ($2::uuid IS NULL OR run_id = $2)
		 ORDER BY enqueued_at DESC, id DESC
		 LIMIT $3`,
		agent, f.RunID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tickets: %w", err)
	}
	return scanTickets(rows)
}

// ListStaleTickets returns unfinished tickets enqueued more than olderThan
// ago, oldest first. They are reported, never retried.
func (db *DB) ListStaleTickets(ctx context.Context, olderThan time.Duration) ([]model.RunTicket, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+ticketColumns+` FROM run_tickets
		 WHERE finished_at IS NULL AND enqueued_at < now() - $1::float8 * interval '1 second'
		 ORDER BY enqueued_at`,
		olderThan.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale tickets: %w", err)
	}
	return scanTickets(rows)
}

func scanTickets(rows pgx.Rows) ([]model.RunTicket, error) {
	defer rows.Close()
	var out []model.RunTicket
	for rows.Next() {
		var (
			t          model.RunTicket
			start, end *time.Time
		)
		if err := rows.Scan(&t.ID, &t.Agent, &t.RunID, &start, &end, &t.DryRun, &t.EnqueuedAt,
			&t.StartedAt, &t.RunnerID, &t.FinishedAt, &t.OK, &t.Stats); err != nil {
			return nil, fmt.Errorf("storage: scan ticket: %w", err)
		}
		if start != nil {
			t.Window.Start = *start
		}
		if end != nil {
			t.Window.End = *end
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: scan tickets: %w", err)
	}
	return out, nil
}

func dateOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return model.Day(t)
}
