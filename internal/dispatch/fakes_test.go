package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/agents"
	"github.com/spendpilot/spendpilot/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memQueue keeps tickets and jobs in memory with the same start/finalize
// guards as the SQL layer.
type memQueue struct {
	mu      sync.Mutex
	nextID  int64
	tickets map[uuid.UUID]*model.RunTicket
	jobs    map[int64]*memJob
	acked   []int64
	failed  map[int64]string

	failEnqueue error
	failStart   error
}

type memJob struct {
	payload  model.JobPayload
	attempts int
	leased   bool
}

func newMemQueue() *memQueue {
	return &memQueue{
		tickets: make(map[uuid.UUID]*model.RunTicket),
		jobs:    make(map[int64]*memJob),
		failed:  make(map[int64]string),
	}
}

func (q *memQueue) CreateTicket(_ context.Context, t model.RunTicket) (model.RunTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	t.ID = q.nextID
	t.EnqueuedAt = time.Now()
	cp := t
	q.tickets[t.RunID] = &cp
	return t, nil
}

func (q *memQueue) EnqueueJob(_ context.Context, p model.JobPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failEnqueue != nil {
		return q.failEnqueue
	}
	q.nextID++
	q.jobs[q.nextID] = &memJob{payload: p}
	return nil
}

func (q *memQueue) ClaimJobs(_ context.Context, limit int, _ time.Duration) ([]model.QueuedJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.QueuedJob
	for id := int64(1); id <= q.nextID && len(out) < limit; id++ {
		j, ok := q.jobs[id]
		if !ok || j.leased {
			continue
		}
		j.leased = true
		out = append(out, model.QueuedJob{ID: id, Payload: j.payload, Attempts: j.attempts})
	}
	return out, nil
}

func (q *memQueue) AckJob(_ context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.jobs, id)
	q.acked = append(q.acked, id)
	return nil
}

func (q *memQueue) FailJob(_ context.Context, id int64, msg string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.failed[id] = msg
	j, ok := q.jobs[id]
	if !ok {
		return false, errors.New("no such job")
	}
	j.attempts++
	return j.attempts >= 10, nil
}

func (q *memQueue) QueueDepth(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.jobs)), nil
}

func (q *memQueue) CleanupDeadJobs(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

func (q *memQueue) StartTicket(_ context.Context, agent string, runID uuid.UUID, runnerID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failStart != nil {
		return false, q.failStart
	}
	t, ok := q.tickets[runID]
	if !ok || t.Agent != agent || t.StartedAt != nil || t.FinishedAt != nil {
		return false, nil
	}
	now := time.Now()
	t.StartedAt = &now
	t.RunnerID = &runnerID
	return true, nil
}

func (q *memQueue) FinalizeTicket(_ context.Context, agent string, runID uuid.UUID, ok bool, stats map[string]any) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, found := q.tickets[runID]
	if !found || t.Agent != agent || t.FinishedAt != nil {
		return false, nil
	}
	now := time.Now()
	t.FinishedAt = &now
	t.OK = &ok
	t.Stats = stats
	return true, nil
}

func (q *memQueue) ListStaleTickets(_ context.Context, olderThan time.Duration) ([]model.RunTicket, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []model.RunTicket
	for _, t := range q.tickets {
		if t.FinishedAt == nil && time.Since(t.EnqueuedAt) > olderThan {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (q *memQueue) ticket(runID uuid.UUID) model.RunTicket {
	q.mu.Lock()
	defer q.mu.Unlock()
	return *q.tickets[runID]
}

func (q *memQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// stubExecutor records executed jobs and returns canned outcomes per agent.
type stubExecutor struct {
	mu      sync.Mutex
	calls   []string
	results map[string]agents.Result
	errs    map[string]error
	panics  map[string]bool
}

func newStubExecutor() *stubExecutor {
	return &stubExecutor{
		results: make(map[string]agents.Result),
		errs:    make(map[string]error),
		panics:  make(map[string]bool),
	}
}

func (s *stubExecutor) Execute(_ context.Context, _ uuid.UUID, job model.Job) (agents.Result, error) {
	s.mu.Lock()
	s.calls = append(s.calls, job.Agent())
	res, err, boom := s.results[job.Agent()], s.errs[job.Agent()], s.panics[job.Agent()]
	s.mu.Unlock()
	if boom {
		panic("boom")
	}
	return res, err
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}
