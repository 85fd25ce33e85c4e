package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
)

// StaleLister lists unfinished tickets.
type StaleLister interface {
	ListStaleTickets(ctx context.Context, olderThan time.Duration) ([]model.RunTicket, error)
}

// StaleReporter periodically logs tickets that never finished. It never
// retries them; an operator decides.
type StaleReporter struct {
	store    StaleLister
	after    time.Duration
	interval time.Duration
	logger   *slog.Logger
}

func NewStaleReporter(store StaleLister, after, interval time.Duration, logger *slog.Logger) *StaleReporter {
	return &StaleReporter{store: store, after: after, interval: interval, logger: logger}
}

// Run reports on every interval until ctx is cancelled.
func (s *StaleReporter) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Report(ctx)
		}
	}
}

// Report logs each stale ticket at WARN and returns how many there were.
func (s *StaleReporter) Report(ctx context.Context) int {
	tickets, err := s.store.ListStaleTickets(ctx, s.after)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("stale: list tickets", "error", err)
		}
		return 0
	}
	for _, t := range tickets {
		s.logger.Warn("stale: ticket never finished",
			"agent", t.Agent,
			"run_id", t.RunID,
			"enqueued_at", t.EnqueuedAt,
			"started", t.StartedAt != nil,
			"age", time.Since(t.EnqueuedAt).Round(time.Second).String())
	}
	return len(tickets)
}
