package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/spendpilot/spendpilot/internal/model"
)

// Run outcomes as labelled on spendpilot_agent_runs_total.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// Metrics holds the runner's Prometheus collectors.
type Metrics struct {
	runs      *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	decisions *prometheus.CounterVec
	enqueued  *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendpilot_agent_runs_total",
				Help: "Agent runs by terminal outcome.",
			},
			[]string{"agent", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spendpilot_agent_run_duration_seconds",
				Help:    "Wall time of agent runs.",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
			},
			[]string{"agent"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendpilot_budget_decisions_total",
				Help: "Budget optimizer decisions by reason and terminal state.",
			},
			[]string{"reason", "state"},
		),
		enqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spendpilot_agent_enqueued_total",
				Help: "Tickets created by the dispatcher.",
			},
			[]string{"agent"},
		),
	}
	reg.MustRegister(m.runs, m.duration, m.decisions, m.enqueued)
	return m
}

func (m *Metrics) observeRun(agent, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(agent, outcome).Inc()
	if outcome != OutcomeSkipped {
		m.duration.WithLabelValues(agent).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) observeDecisions(ds []model.BudgetDecision) {
	if m == nil {
		return
	}
	for _, d := range ds {
		m.decisions.WithLabelValues(d.Reason, d.State).Inc()
	}
}

func (m *Metrics) observeEnqueue(agent string) {
	if m == nil {
		return
	}
	m.enqueued.WithLabelValues(agent).Inc()
}
