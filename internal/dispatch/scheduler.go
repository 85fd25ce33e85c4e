package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
)

// Enqueuer is the part of the Dispatcher the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, req model.EnqueueRequest) (model.RunTicket, error)
}

// Scheduler enqueues the whole pipeline on a fixed interval. Order is a
// convention only: nothing waits for the previous agent to finish.
type Scheduler struct {
	enq             Enqueuer
	platforms       func() []model.Platform
	interval        time.Duration
	optimizerDryRun bool
	logger          *slog.Logger
}

// NewScheduler creates a Scheduler. platforms is consulted on every tick.
func NewScheduler(enq Enqueuer, platforms func() []model.Platform, interval time.Duration, optimizerDryRun bool, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		enq:             enq,
		platforms:       platforms,
		interval:        interval,
		optimizerDryRun: optimizerDryRun,
		logger:          logger,
	}
}

// Run ticks until ctx is cancelled. A non-positive interval disables it.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		s.logger.Info("scheduler: disabled")
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick enqueues one pass of the pipeline with default windows. Ingestors
// therefore pull yesterday. Failures are logged and the pass continues.
func (s *Scheduler) Tick(ctx context.Context) []model.RunTicket {
	var out []model.RunTicket
	for _, name := range model.AgentNames(s.platforms()) {
		req := model.EnqueueRequest{Agent: name}
		if name == model.AgentBudgetOptimizer {
			req.DryRun = s.optimizerDryRun
		}
		t, err := s.enq.Enqueue(ctx, req)
		if err != nil {
			s.logger.Error("scheduler: enqueue failed", "agent", name, "error", err)
			continue
		}
		out = append(out, t)
	}
	s.logger.Info("scheduler: pipeline enqueued", "tickets", len(out))
	return out
}
