package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/spendpilot/spendpilot/internal/agents"
	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/storage"
	"github.com/spendpilot/spendpilot/internal/telemetry"
)

// JobStore is the storage the runner consumes.
type JobStore interface {
	ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]model.QueuedJob, error)
	AckJob(ctx context.Context, id int64) error
	FailJob(ctx context.Context, id int64, errMsg string) (bool, error)
	QueueDepth(ctx context.Context) (int64, error)
	CleanupDeadJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	StartTicket(ctx context.Context, agent string, runID uuid.UUID, runnerID string) (bool, error)
	FinalizeTicket(ctx context.Context, agent string, runID uuid.UUID, ok bool, stats map[string]any) (bool, error)
}

// Notifier delivers queue wake-ups. *storage.DB satisfies it.
type Notifier interface {
	HasNotify() bool
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	RunnerID     string
	Workers      int
	PollInterval time.Duration
	RunTimeout   time.Duration
	// Lease hides a claimed job from other runners. It must exceed
	// RunTimeout or a slow run would be redelivered while still running.
	Lease time.Duration
}

func (c RunnerConfig) withDefaults() RunnerConfig {
	if c.RunnerID == "" {
		c.RunnerID = "runner-" + uuid.NewString()[:8]
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 30 * time.Minute
	}
	if c.Lease <= c.RunTimeout {
		c.Lease = c.RunTimeout + time.Minute
	}
	return c
}

// Runner consumes the job queue and executes agents.
type Runner struct {
	store   JobStore
	notify  Notifier
	exec    Executor
	metrics *Metrics
	logger  *slog.Logger
	cfg     RunnerConfig
	tracer  trace.Tracer

	started     atomic.Bool
	cancelLoop  context.CancelFunc
	done        chan struct{}
	once        sync.Once
	wake        chan struct{}
	lastCleanup time.Time
}

// NewRunner creates a Runner. notify and metrics may be nil.
func NewRunner(store JobStore, notify Notifier, exec Executor, metrics *Metrics, cfg RunnerConfig, logger *slog.Logger) *Runner {
	return &Runner{
		store:   store,
		notify:  notify,
		exec:    exec,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		tracer:  telemetry.Tracer("spendpilot/dispatch"),
		done:    make(chan struct{}),
		wake:    make(chan struct{}, 1),
	}
}

// ID returns the runner id recorded on started tickets.
func (r *Runner) ID() string { return r.cfg.RunnerID }

// Start begins the poll loop and, when a notify connection exists, the
// LISTEN loop. Only the first call has an effect.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("runner: Start called more than once, ignoring")
		return
	}
	r.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancelLoop = cancel
	if r.notify != nil && r.notify.HasNotify() {
		go r.listenLoop(loopCtx)
	}
	go r.pollLoop(loopCtx)
	r.logger.Info("runner: started", "runner_id", r.cfg.RunnerID, "workers", r.cfg.Workers)
}

// Drain stops claiming new jobs, waits for in-flight runs and blocks until
// done or ctx expires.
func (r *Runner) Drain(ctx context.Context) {
	if r.cancelLoop != nil {
		r.cancelLoop()
	}
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("runner: drain timed out")
	}
}

// Done is closed once the poll loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

func (r *Runner) listenLoop(ctx context.Context) {
	for ctx.Err() == nil {
		if err := r.notify.Listen(ctx, storage.ChannelAgentJobs); err != nil {
			r.logger.Warn("runner: listen failed, polling only until retry", "error", err)
			if !sleepCtx(ctx, r.cfg.PollInterval) {
				return
			}
			continue
		}
		for {
			_, payload, err := r.notify.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warn("runner: notification wait failed", "error", err)
				if !sleepCtx(ctx, r.cfg.PollInterval) {
					return
				}
				break
			}
			r.logger.Debug("runner: wake-up", "run_id", payload)
			select {
			case r.wake <- struct{}{}:
			default:
			}
		}
	}
}

func (r *Runner) pollLoop(ctx context.Context) {
	defer r.once.Do(func() { close(r.done) })

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	// Pick up anything enqueued while no runner was up.
	r.processBatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-r.wake:
		}
		// Keep claiming while full batches come back.
		for ctx.Err() == nil && r.processBatch(ctx) == r.cfg.Workers {
		}
	}
}

// processBatch claims up to Workers jobs and runs them concurrently. It
// returns the number of jobs claimed.
func (r *Runner) processBatch(ctx context.Context) int {
	jobs, err := r.store.ClaimJobs(ctx, r.cfg.Workers, r.cfg.Lease)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("runner: claim jobs", "error", err)
		}
		return 0
	}

	// Runs are detached from loop cancellation so a drain lets them finish;
	// RunTimeout still bounds them.
	runCtx := context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, j := range jobs {
		g.Go(func() error {
			r.handle(runCtx, j)
			return nil
		})
	}
	_ = g.Wait()

	if time.Since(r.lastCleanup) > time.Hour {
		if n, err := r.store.CleanupDeadJobs(runCtx, 7*24*time.Hour); err != nil {
			r.logger.Error("runner: cleanup dead jobs", "error", err)
		} else if n > 0 {
			r.logger.Info("runner: cleaned dead jobs", "deleted", n)
		}
		r.lastCleanup = time.Now()
	}
	return len(jobs)
}

// handle executes one claimed job end to end.
func (r *Runner) handle(ctx context.Context, qj model.QueuedJob) {
	p := qj.Payload
	logger := r.logger.With("agent", p.Agent, "run_id", p.RunID, "job_id", qj.ID)

	if err := r.Process(ctx, p); err != nil {
		if errors.Is(err, ErrTicketNotClaimed) {
			logger.Warn("runner: ticket not claimable, dropping message")
			r.ack(ctx, qj.ID, logger)
			return
		}
		dead, ferr := r.store.FailJob(ctx, qj.ID, err.Error())
		switch {
		case ferr != nil:
			logger.Error("runner: record job failure", "error", ferr)
		case dead:
			logger.Warn("runner: job dead-lettered", "attempts", qj.Attempts+1, "error", err)
		default:
			logger.Warn("runner: job will be retried", "attempts", qj.Attempts+1, "error", err)
		}
		return
	}
	r.ack(ctx, qj.ID, logger)
}

func (r *Runner) ack(ctx context.Context, id int64, logger *slog.Logger) {
	if err := r.store.AckJob(ctx, id); err != nil {
		logger.Error("runner: ack job", "error", err)
	}
}

// Process runs the ticket for p. It returns ErrTicketNotClaimed when the
// ticket cannot be started, and a storage error when the start itself
// failed (the message should be retried). Agent failures are not errors
// here: they are written to the ticket.
func (r *Runner) Process(ctx context.Context, p model.JobPayload) error {
	claimed, err := r.store.StartTicket(ctx, p.Agent, p.RunID, r.cfg.RunnerID)
	if err != nil {
		return err
	}
	if !claimed {
		r.metrics.observeRun(p.Agent, OutcomeSkipped, 0)
		return ErrTicketNotClaimed
	}

	start := time.Now()
	stats := map[string]any{"runner_id": r.cfg.RunnerID}

	job, perr := model.ParseAgent(p.Agent, p.Window, p.DryRun)
	if perr != nil {
		stats["notes"] = perr.Error()
		stats["error"] = perr.Error()
		stats["elapsed_ms"] = elapsedMS(start)
		r.finalize(ctx, p, false, stats)
		r.metrics.observeRun(p.Agent, OutcomeFailed, time.Since(start))
		return nil
	}

	res, runErr := r.run(ctx, p.RunID, job)
	for k, v := range res.Details {
		stats[k] = v
	}
	stats["count"] = res.Count
	stats["notes"] = res.Notes
	stats["elapsed_ms"] = elapsedMS(start)
	if runErr != nil {
		stats["error"] = runErr.Error()
	}

	ok := runErr == nil
	r.finalize(ctx, p, ok, stats)
	r.metrics.observeDecisions(res.Decisions)
	outcome := OutcomeOK
	if !ok {
		outcome = OutcomeFailed
	}
	r.metrics.observeRun(p.Agent, outcome, time.Since(start))
	return nil
}

// run executes job under RunTimeout and a span, converting panics into a
// failed outcome.
func (r *Runner) run(ctx context.Context, runID uuid.UUID, job model.Job) (res agents.Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RunTimeout)
	defer cancel()
	ctx, span := r.tracer.Start(ctx, "agent "+job.Agent(), trace.WithAttributes(
		attribute.String("spendpilot.agent", job.Agent()),
		attribute.String("spendpilot.run_id", runID.String()),
		attribute.Bool("spendpilot.dry_run", job.DryRun()),
	))
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("agent panicked: %v", rec)
			r.logger.Error("runner: agent panic", "agent", job.Agent(), "run_id", runID, "panic", rec)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r.logger.Info("runner: run started", "agent", job.Agent(), "run_id", runID, "window", job.Bounds().String())
	res, err = r.exec.Execute(ctx, runID, job)
	if err != nil {
		r.logger.Warn("runner: run failed", "agent", job.Agent(), "run_id", runID, "count", res.Count, "error", err)
	} else {
		r.logger.Info("runner: run finished", "agent", job.Agent(), "run_id", runID, "count", res.Count, "notes", res.Notes)
	}
	return res, err
}

func (r *Runner) finalize(ctx context.Context, p model.JobPayload, ok bool, stats map[string]any) {
	written, err := r.store.FinalizeTicket(ctx, p.Agent, p.RunID, ok, stats)
	switch {
	case err != nil:
		r.logger.Error("runner: finalize ticket", "agent", p.Agent, "run_id", p.RunID, "error", err)
	case !written:
		r.logger.Warn("runner: ticket missing or already finalized", "agent", p.Agent, "run_id", p.RunID)
	}
}

// registerMetrics registers the queue depth gauge.
func (r *Runner) registerMetrics() {
	meter := telemetry.Meter("spendpilot/dispatch")
	_, _ = meter.Int64ObservableGauge("spendpilot.jobs.depth",
		metric.WithDescription("Number of jobs eligible for delivery"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := r.store.QueueDepth(ctx)
			if err != nil {
				return nil
			}
			o.Observe(n)
			return nil
		}),
	)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
