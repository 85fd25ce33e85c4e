package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/model"
)

// StepMode selects how the optimizer moves a budget.
type StepMode string

const (
	// StepPercent multiplies the budget by (1 ± step).
	StepPercent StepMode = "percent"
	// StepAbsolute adds or subtracts step in account currency.
	StepAbsolute StepMode = "absolute"
)

// Step is the optimizer's step function.
type Step struct {
	Mode     StepMode
	Increase float64
	Decrease float64
}

// DefaultStep moves budgets by 20% in either direction.
var DefaultStep = Step{Mode: StepPercent, Increase: 0.20, Decrease: 0.20}

// Validate rejects steps that could invert or zero a budget unexpectedly.
func (s Step) Validate() error {
	switch s.Mode {
	case StepPercent:
		if s.Decrease < 0 || s.Decrease >= 1 || s.Increase < 0 {
			return fmt.Errorf("percent step must be 0 <= decrease < 1 and increase >= 0 (got %.2f/%.2f)", s.Decrease, s.Increase)
		}
	case StepAbsolute:
		if s.Decrease < 0 || s.Increase < 0 {
			return fmt.Errorf("absolute step must be non-negative (got %.2f/%.2f)", s.Decrease, s.Increase)
		}
	default:
		return fmt.Errorf("unknown step mode %q", s.Mode)
	}
	return nil
}

func (s Step) up(b float64) float64 {
	if s.Mode == StepAbsolute {
		return b + s.Increase
	}
	return b * (1 + s.Increase)
}

func (s Step) down(b float64) float64 {
	if s.Mode == StepAbsolute {
		return b - s.Decrease
	}
	return b * (1 - s.Decrease)
}

// Decide applies the CAC band of p to the observed spend and conversions.
// It is pure: the caller supplies the current budget.
//
//	conversions < min_conversions or 0  -> insufficient_data, no change
//	cac > max_cac                       -> decrease, floored at min_budget
//	cac <= target_cac                   -> increase, capped at max_budget
//	otherwise                           -> hold
//
// The current budget is first clamped into [min_budget, max_budget], so every
// decision lands inside the policy bounds. A current budget outside them is
// flagged as Clamped and the clamped value becomes the new budget even when
// the rule itself would not move it.
func Decide(p model.CampaignPolicy, spend float64, conversions int64, current float64, step Step) model.BudgetDecision {
	effective := clampBudget(current, p)
	d := model.BudgetDecision{
		Campaign:    p.Key(),
		Spend:       model.RoundCents(spend),
		Conversions: conversions,
		OldBudget:   model.RoundCents(current),
		NewBudget:   effective,
		Clamped:     effective != model.RoundCents(current),
	}
	if conversions <= 0 || conversions < p.MinConversions {
		d.Reason, d.State = model.ReasonInsufficientData, model.StateInsufficient
		return d
	}
	cac := spend / float64(conversions)
	d.ObservedCAC = &cac

	switch {
	case cac > p.MaxCAC:
		d.Reason, d.State = model.ReasonCACAboveCeiling, model.StateDecrease
		d.NewBudget = clampBudget(step.down(effective), p)
	case cac <= p.TargetCAC:
		d.Reason, d.State = model.ReasonCACWithinTarget, model.StateIncrease
		d.NewBudget = clampBudget(step.up(effective), p)
	default:
		d.Reason, d.State = model.ReasonCACAcceptable, model.StateHold
	}
	return d
}

func clampBudget(b float64, p model.CampaignPolicy) float64 {
	return model.RoundCents(min(max(b, p.MinBudget), p.MaxBudget))
}

// BudgetStore is the slice of the Fact Store the optimizer uses.
type BudgetStore interface {
	ListPolicies(ctx context.Context, enabledOnly bool) ([]model.CampaignPolicy, error)
	SumSpend(ctx context.Context, k model.CampaignKey, from, to time.Time) (float64, error)
	CountAttributed(ctx context.Context, p model.Platform, campaignID string, from, to time.Time) (int64, error)
	GetBudget(ctx context.Context, k model.CampaignKey) (float64, bool, error)
	SetBudget(ctx context.Context, k model.CampaignKey, amount float64, source string) error
	InsertBudgetIntent(ctx context.Context, runID uuid.UUID, d model.BudgetDecision) (bool, error)
	FinishBudgetChange(ctx context.Context, runID uuid.UUID, k model.CampaignKey, state, errMsg string) error
}

// Optimizer is the bang-bang CAC budget controller.
type Optimizer struct {
	store     BudgetStore
	platforms Platforms
	step      Step
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewOptimizer creates an Optimizer using step.
func NewOptimizer(store BudgetStore, platforms Platforms, step Step, timeout time.Duration, logger *slog.Logger) *Optimizer {
	return &Optimizer{store: store, platforms: platforms, step: step, timeout: timeout, logger: logger, now: time.Now}
}

// Optimize evaluates every enabled policy over w (default last 14 days).
// Outside dry-run, changed budgets are written through the platform once
// per run and campaign; a write failure is recorded and the next campaign
// proceeds.
func (o *Optimizer) Optimize(ctx context.Context, runID uuid.UUID, w model.Window, dryRun bool) (Result, error) {
	var res Result
	w = w.Resolve(o.now(), DefaultOptimizeDays)
	from, to := w.Bounds()

	policies, err := o.store.ListPolicies(ctx, true)
	if err != nil {
		return res, fmt.Errorf("agents: optimize: %w", err)
	}

	var (
		failures      []Failure
		attempted     int
		writeFailures int
		duplicates    int
	)
	states := make(map[string]int)
	for _, p := range policies {
		d, err := o.evaluate(ctx, p, from, to)
		if err != nil {
			failures = append(failures, Failure{Item: p.Key().String(), Error: err.Error()})
			o.logger.Warn("optimizer: evaluate failed", "campaign", p.Key().String(), "error", err)
			continue
		}

		if !dryRun && d.Changed() {
			written, err := o.write(ctx, runID, &d)
			switch {
			case err != nil:
				failures = append(failures, Failure{Item: p.Key().String(), Error: err.Error()})
				continue
			case !written:
				duplicates++
			default:
				attempted++
				if d.State == model.StateWriteFailed {
					writeFailures++
				}
			}
		}

		states[d.State]++
		res.Decisions = append(res.Decisions, d)
		o.logger.Info("optimizer: decision",
			"campaign", d.Campaign.String(),
			"reason", d.Reason,
			"state", d.State,
			"old_budget", d.OldBudget,
			"new_budget", d.NewBudget,
			"dry_run", dryRun)
	}

	res.Count = int64(len(res.Decisions))
	res.set("window", w)
	res.set("dry_run", dryRun)
	res.set("decisions", res.Decisions)
	res.set("states", states)
	if duplicates > 0 {
		res.set("skipped_existing_intent", duplicates)
	}
	if len(failures) > 0 {
		res.set("failures", failures)
	}
	res.Notes = fmt.Sprintf("%d decision(s) over %d polic(ies), %d write(s) attempted, %d failed", len(res.Decisions), len(policies), attempted, writeFailures)

	switch {
	case attempted > 0 && writeFailures == attempted:
		return res, fmt.Errorf("%w: %d budget write(s)", ErrAllFailed, attempted)
	case len(policies) > 0 && len(failures) == len(policies):
		return res, fmt.Errorf("%w: %d polic(ies)", ErrAllFailed, len(policies))
	}
	return res, nil
}

func (o *Optimizer) evaluate(ctx context.Context, p model.CampaignPolicy, from, to time.Time) (model.BudgetDecision, error) {
	k := p.Key()
	spend, err := o.store.SumSpend(ctx, k, from, to)
	if err != nil {
		return model.BudgetDecision{}, err
	}
	conversions, err := o.store.CountAttributed(ctx, p.Platform, p.CampaignID, from, to)
	if err != nil {
		return model.BudgetDecision{}, err
	}
	current, known, err := o.store.GetBudget(ctx, k)
	if err != nil {
		return model.BudgetDecision{}, err
	}
	if !known {
		current = p.MinBudget
	}
	return Decide(p, spend, conversions, current, o.step), nil
}

// write records the intent then calls the platform. It reports false when
// an intent for this run and campaign already existed; the platform is not
// called again in that case. d.State is updated to the write outcome.
func (o *Optimizer) write(ctx context.Context, runID uuid.UUID, d *model.BudgetDecision) (bool, error) {
	inserted, err := o.store.InsertBudgetIntent(ctx, runID, *d)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	werr := o.setBudget(ctx, *d)
	if werr != nil {
		d.State, d.Error = model.StateWriteFailed, werr.Error()
		o.logger.Warn("optimizer: budget write failed", "campaign", d.Campaign.String(), "error", werr)
	} else {
		d.State = model.StateWriteSucceeded
		if err := o.store.SetBudget(ctx, d.Campaign, d.NewBudget, model.BudgetSourceOptimizer); err != nil {
			o.logger.Error("optimizer: record budget", "campaign", d.Campaign.String(), "error", err)
		}
	}
	if err := o.store.FinishBudgetChange(ctx, runID, d.Campaign, d.State, d.Error); err != nil {
		o.logger.Error("optimizer: finish budget change", "campaign", d.Campaign.String(), "error", err)
	}
	return true, nil
}

func (o *Optimizer) setBudget(ctx context.Context, d model.BudgetDecision) error {
	entry, ok := o.platforms.Get(d.Campaign.Platform)
	if !ok {
		return errors.New("platform not configured")
	}
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}
	return entry.Client.SetDailyBudget(ctx, d.Campaign.AccountID, d.Campaign.CampaignID, d.NewBudget)
}
