package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendpilot/spendpilot/internal/agents"
	"github.com/spendpilot/spendpilot/internal/model"
)

func date(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestEnqueueRejectsBeforeWriting(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q, nil, discardLogger())

	_, err := d.Enqueue(context.Background(), model.EnqueueRequest{Agent: "no-such-agent"})
	require.ErrorIs(t, err, model.ErrUnknownAgent)

	bad := model.Window{Start: date("2026-03-10"), End: date("2026-03-01")}
	_, err = d.Enqueue(context.Background(), model.EnqueueRequest{Agent: model.AgentAttributionResolver, Window: &bad})
	require.ErrorIs(t, err, model.ErrInvalidWindow)

	assert.Empty(t, q.tickets)
	assert.Empty(t, q.jobs)
}

func TestEnqueueWritesTicketAndJob(t *testing.T) {
	q := newMemQueue()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	d := NewDispatcher(q, m, discardLogger())

	w := model.Window{Start: date("2026-03-01"), End: date("2026-03-07")}
	ticket, err := d.Enqueue(context.Background(), model.EnqueueRequest{
		Agent:  model.AgentBudgetOptimizer,
		Window: &w,
		DryRun: true,
	})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, ticket.RunID)
	assert.Nil(t, ticket.OK)
	assert.True(t, ticket.DryRun)
	assert.Equal(t, w, ticket.Window)
	require.Equal(t, 1, q.pending())
	for _, j := range q.jobs {
		assert.Equal(t, ticket.RunID, j.payload.RunID)
		assert.Equal(t, model.AgentBudgetOptimizer, j.payload.Agent)
		assert.True(t, j.payload.DryRun)
	}
	assert.Equal(t, 1.0, promtest.ToFloat64(m.enqueued.WithLabelValues(model.AgentBudgetOptimizer)))
}

func TestEnqueueDropsDryRunForFactOnlyAgents(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q, nil, discardLogger())

	ticket, err := d.Enqueue(context.Background(), model.EnqueueRequest{Agent: "ingestor-google", DryRun: true})
	require.NoError(t, err)
	assert.False(t, ticket.DryRun)
	assert.True(t, ticket.Window.IsZero())
}

func TestEnqueuePublishFailureKeepsTicket(t *testing.T) {
	q := newMemQueue()
	q.failEnqueue = errors.New("db down")
	d := NewDispatcher(q, nil, discardLogger())

	ticket, err := d.Enqueue(context.Background(), model.EnqueueRequest{Agent: model.AgentTouchpointExtractor})
	require.Error(t, err)
	assert.NotEqual(t, uuid.Nil, ticket.RunID)
	assert.Len(t, q.tickets, 1)
	assert.Zero(t, q.pending())
}

func TestEnqueueAllStopsAtFirstError(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q, nil, discardLogger())

	names := []string{model.AgentTouchpointExtractor, "bogus", model.AgentAttributionResolver}
	out, err := d.EnqueueAll(context.Background(), names, model.Window{}, false)
	require.ErrorIs(t, err, model.ErrUnknownAgent)
	assert.Len(t, out, 1)
}

func enqueue(t *testing.T, d *Dispatcher, agent string) model.RunTicket {
	t.Helper()
	ticket, err := d.Enqueue(context.Background(), model.EnqueueRequest{Agent: agent})
	require.NoError(t, err)
	return ticket
}

func payloadFor(ticket model.RunTicket) model.JobPayload {
	return model.JobPayload{Agent: ticket.Agent, RunID: ticket.RunID, Window: ticket.Window, DryRun: ticket.DryRun}
}

func TestProcessFinalizesSuccess(t *testing.T) {
	q := newMemQueue()
	exec := newStubExecutor()
	exec.results[model.AgentAttributionResolver] = agents.Result{
		Count:   4,
		Notes:   "attributed 4 conversions",
		Details: map[string]any{"unattributed": 1},
	}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRunner(q, nil, exec, m, RunnerConfig{RunnerID: "r-1"}, discardLogger())
	ticket := enqueue(t, NewDispatcher(q, nil, discardLogger()), model.AgentAttributionResolver)

	require.NoError(t, r.Process(context.Background(), payloadFor(ticket)))

	got := q.ticket(ticket.RunID)
	require.NotNil(t, got.OK)
	assert.True(t, *got.OK)
	require.NotNil(t, got.RunnerID)
	assert.Equal(t, "r-1", *got.RunnerID)
	assert.EqualValues(t, 4, got.Stats["count"])
	assert.Equal(t, "attributed 4 conversions", got.Stats["notes"])
	assert.Equal(t, 1, got.Stats["unattributed"])
	assert.Contains(t, got.Stats, "elapsed_ms")
	assert.NotContains(t, got.Stats, "error")
	assert.Equal(t, 1.0, promtest.ToFloat64(m.runs.WithLabelValues(model.AgentAttributionResolver, OutcomeOK)))
}

func TestProcessRefusesSecondExecution(t *testing.T) {
	q := newMemQueue()
	exec := newStubExecutor()
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRunner(q, nil, exec, m, RunnerConfig{}, discardLogger())
	ticket := enqueue(t, NewDispatcher(q, nil, discardLogger()), model.AgentTouchpointExtractor)

	require.NoError(t, r.Process(context.Background(), payloadFor(ticket)))
	err := r.Process(context.Background(), payloadFor(ticket))
	require.ErrorIs(t, err, ErrTicketNotClaimed)

	assert.Equal(t, 1, exec.callCount())
	assert.Equal(t, 1.0, promtest.ToFloat64(m.runs.WithLabelValues(model.AgentTouchpointExtractor, OutcomeSkipped)))
}

func TestProcessMissingTicket(t *testing.T) {
	q := newMemQueue()
	exec := newStubExecutor()
	r := NewRunner(q, nil, exec, nil, RunnerConfig{}, discardLogger())

	err := r.Process(context.Background(), model.JobPayload{Agent: model.AgentTouchpointExtractor, RunID: uuid.New()})
	require.ErrorIs(t, err, ErrTicketNotClaimed)
	assert.Zero(t, exec.callCount())
}

func TestProcessUnknownAgentFinalizesFailed(t *testing.T) {
	q := newMemQueue()
	exec := newStubExecutor()
	r := NewRunner(q, nil, exec, nil, RunnerConfig{}, discardLogger())

	runID := uuid.New()
	_, err := q.CreateTicket(context.Background(), model.RunTicket{Agent: "ingestor-myspace", RunID: runID})
	require.NoError(t, err)

	require.NoError(t, r.Process(context.Background(), model.JobPayload{Agent: "ingestor-myspace", RunID: runID}))

	got := q.ticket(runID)
	require.NotNil(t, got.OK)
	assert.False(t, *got.OK)
	assert.Equal(t, "unknown agent: ingestor-myspace", got.Stats["notes"])
	assert.Zero(t, exec.callCount())
}

func TestProcessAgentErrorAndPanic(t *testing.T) {
	q := newMemQueue()
	exec := newStubExecutor()
	exec.results[model.AgentConversionUploader] = agents.Result{Count: 0, Notes: "0 uploaded"}
	exec.errs[model.AgentConversionUploader] = agents.ErrAllFailed
	exec.panics[model.AgentBudgetOptimizer] = true
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRunner(q, nil, exec, m, RunnerConfig{}, discardLogger())
	d := NewDispatcher(q, nil, discardLogger())

	up := enqueue(t, d, model.AgentConversionUploader)
	opt := enqueue(t, d, model.AgentBudgetOptimizer)

	require.NoError(t, r.Process(context.Background(), payloadFor(up)))
	require.NoError(t, r.Process(context.Background(), payloadFor(opt)))

	got := q.ticket(up.RunID)
	require.NotNil(t, got.OK)
	assert.False(t, *got.OK)
	assert.Contains(t, got.Stats["error"], "every item failed")

	got = q.ticket(opt.RunID)
	require.NotNil(t, got.OK)
	assert.False(t, *got.OK)
	assert.Contains(t, got.Stats["error"], "panicked")

	assert.Equal(t, 1.0, promtest.ToFloat64(m.runs.WithLabelValues(model.AgentConversionUploader, OutcomeFailed)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.runs.WithLabelValues(model.AgentBudgetOptimizer, OutcomeFailed)))
}

func TestProcessRecordsDecisions(t *testing.T) {
	q := newMemQueue()
	exec := newStubExecutor()
	exec.results[model.AgentBudgetOptimizer] = agents.Result{
		Count: 2,
		Decisions: []model.BudgetDecision{
			{Reason: model.ReasonCACAboveCeiling, State: model.StateWriteSucceeded},
			{Reason: model.ReasonCACAboveCeiling, State: model.StateWriteSucceeded},
			{Reason: model.ReasonInsufficientData, State: model.StateInsufficient},
		},
	}
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	r := NewRunner(q, nil, exec, m, RunnerConfig{}, discardLogger())
	ticket := enqueue(t, NewDispatcher(q, nil, discardLogger()), model.AgentBudgetOptimizer)

	require.NoError(t, r.Process(context.Background(), payloadFor(ticket)))
	assert.Equal(t, 2.0, promtest.ToFloat64(m.decisions.WithLabelValues(model.ReasonCACAboveCeiling, model.StateWriteSucceeded)))
	assert.Equal(t, 1.0, promtest.ToFloat64(m.decisions.WithLabelValues(model.ReasonInsufficientData, model.StateInsufficient)))
}

func TestRunnerDrainsQueue(t *testing.T) {
	q := newMemQueue()
	exec := newStubExecutor()
	r := NewRunner(q, nil, exec, nil, RunnerConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, discardLogger())
	d := NewDispatcher(q, nil, discardLogger())

	var tickets []model.RunTicket
	for _, name := range model.AgentNames([]model.Platform{model.PlatformGoogle, model.PlatformReddit}) {
		tickets = append(tickets, enqueue(t, d, name))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	require.Eventually(t, func() bool { return q.pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer drainCancel()
	r.Drain(drainCtx)

	select {
	case <-r.Done():
	default:
		t.Fatal("runner did not stop after drain")
	}
	assert.Equal(t, len(tickets), exec.callCount())
	for _, tk := range tickets {
		got := q.ticket(tk.RunID)
		require.NotNil(t, got.OK, tk.Agent)
		assert.True(t, *got.OK, tk.Agent)
	}
}

func TestRunnerRetriesStartFailure(t *testing.T) {
	q := newMemQueue()
	q.failStart = errors.New("connection reset")
	exec := newStubExecutor()
	r := NewRunner(q, nil, exec, nil, RunnerConfig{Workers: 1}, discardLogger())
	enqueue(t, NewDispatcher(q, nil, discardLogger()), model.AgentTouchpointExtractor)

	assert.Equal(t, 1, r.processBatch(context.Background()))
	assert.Equal(t, 1, q.pending())
	require.Len(t, q.failed, 1)
	for _, msg := range q.failed {
		assert.Contains(t, msg, "connection reset")
	}
	assert.Zero(t, exec.callCount())
}

func TestRunnerConfigDefaults(t *testing.T) {
	cfg := RunnerConfig{RunTimeout: time.Minute, Lease: 30 * time.Second}.withDefaults()
	assert.Equal(t, 2, cfg.Workers)
	assert.Greater(t, cfg.Lease, cfg.RunTimeout)
	assert.NotEmpty(t, cfg.RunnerID)
}

func TestSchedulerTick(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q, nil, discardLogger())
	platforms := func() []model.Platform { return []model.Platform{model.PlatformGoogle, model.PlatformMicrosoft} }
	s := NewScheduler(d, platforms, time.Hour, true, discardLogger())

	out := s.Tick(context.Background())

	var agentsSeen []string
	for _, tk := range out {
		agentsSeen = append(agentsSeen, tk.Agent)
		assert.True(t, tk.Window.IsZero(), tk.Agent)
		assert.Equal(t, tk.Agent == model.AgentBudgetOptimizer, tk.DryRun, tk.Agent)
	}
	assert.Equal(t, []string{
		"ingestor-google",
		"ingestor-microsoft",
		model.AgentTouchpointExtractor,
		model.AgentAttributionResolver,
		model.AgentConversionUploader,
		model.AgentBudgetOptimizer,
	}, agentsSeen)
}

func TestSchedulerDisabled(t *testing.T) {
	s := NewScheduler(nil, nil, 0, false, discardLogger())
	require.NoError(t, s.Run(context.Background()))
}

func TestStaleReporter(t *testing.T) {
	q := newMemQueue()
	d := NewDispatcher(q, nil, discardLogger())
	enqueue(t, d, model.AgentTouchpointExtractor)
	done := enqueue(t, d, model.AgentAttributionResolver)
	_, err := q.FinalizeTicket(context.Background(), done.Agent, done.RunID, true, nil)
	require.NoError(t, err)

	s := NewStaleReporter(q, 0, time.Minute, discardLogger())
	assert.Equal(t, 1, s.Report(context.Background()))

	s = NewStaleReporter(q, time.Hour, time.Minute, discardLogger())
	assert.Zero(t, s.Report(context.Background()))
}
