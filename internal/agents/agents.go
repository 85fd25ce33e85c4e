// Package agents implements the pipeline's units of work.
//
// Each agent is a run-to-completion function over a window: it reads the
// Fact Store and the ad platforms, writes idempotently, and reports a
// Result. Partial failures are recorded per item and the run still
// succeeds unless every item failed, in which case the error wraps
// ErrAllFailed. Agents never see tickets or the job queue; the dispatch
// package owns that lifecycle.
package agents

import (
	"errors"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/platform"
)

// ErrAllFailed is returned when a run attempted at least one item and none
// succeeded.
var ErrAllFailed = errors.New("agents: every item failed")

// Default window lengths in days when a job carries no window.
const (
	DefaultExtractDays  = 3
	DefaultResolveDays  = 3
	DefaultOptimizeDays = 14
)

// Result is the outcome of one agent run.
type Result struct {
	// Count is the agent's headline number: rows upserted, touchpoints
	// written, conversions attributed, conversions pushed or decisions made.
	Count int64
	Notes string
	// Details is merged into the ticket stats.
	Details map[string]any
	// Decisions is set by the optimizer only.
	Decisions []model.BudgetDecision
}

func (r *Result) set(key string, v any) {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	r.Details[key] = v
}

// Failure is one item that could not be processed.
type Failure struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

// Platforms resolves a platform to its client and accounts.
// *platform.Registry satisfies it.
type Platforms interface {
	Get(p model.Platform) (platform.Entry, bool)
	Platforms() []model.Platform
}

func yesterday(now time.Time) model.Window {
	return model.Window{}.Resolve(now.AddDate(0, 0, -1), 1)
}
