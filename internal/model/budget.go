package model

import (
	"errors"
	"fmt"
	"math"
)

// CampaignPolicy is the operator-configured CAC band and budget bounds for
// one campaign. It is read-only to the optimizer.
type CampaignPolicy struct {
	Platform       Platform `json:"platform" yaml:"platform"`
	AccountID      string   `json:"account_id" yaml:"account_id"`
	CampaignID     string   `json:"campaign_id" yaml:"campaign_id"`
	TargetCAC      float64  `json:"target_cac" yaml:"target_cac"`
	MaxCAC         float64  `json:"max_cac" yaml:"max_cac"`
	MinBudget      float64  `json:"min_budget" yaml:"min_budget"`
	MaxBudget      float64  `json:"max_budget" yaml:"max_budget"`
	MinConversions int64    `json:"min_conversions" yaml:"min_conversions"`
	Enabled        bool     `json:"enabled" yaml:"enabled"`
}

// Key returns the campaign key the policy applies to.
func (p CampaignPolicy) Key() CampaignKey {
	return CampaignKey{Platform: p.Platform, AccountID: p.AccountID, CampaignID: p.CampaignID}
}

// Validate checks the policy's internal consistency.
func (p CampaignPolicy) Validate() error {
	var errs []error
	if _, err := ParsePlatform(string(p.Platform)); err != nil {
		errs = append(errs, err)
	}
	if p.AccountID == "" {
		errs = append(errs, errors.New("account_id is required"))
	}
	if p.CampaignID == "" {
		errs = append(errs, errors.New("campaign_id is required"))
	}
	if p.TargetCAC < 0 {
		errs = append(errs, errors.New("target_cac must be >= 0"))
	}
	if p.TargetCAC > p.MaxCAC {
		errs = append(errs, fmt.Errorf("target_cac (%.2f) must be <= max_cac (%.2f)", p.TargetCAC, p.MaxCAC))
	}
	if p.MinBudget < 0 {
		errs = append(errs, errors.New("min_budget must be >= 0"))
	}
	if p.MinBudget > p.MaxBudget {
		errs = append(errs, fmt.Errorf("min_budget (%.2f) must be <= max_budget (%.2f)", p.MinBudget, p.MaxBudget))
	}
	if p.MinConversions < 0 {
		errs = append(errs, errors.New("min_conversions must be >= 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("policy %s: %w", p.Key(), errors.Join(errs...))
	}
	return nil
}

// Decision reasons.
const (
	ReasonInsufficientData = "insufficient_data"
	ReasonCACAboveCeiling  = "cac_above_ceiling"
	ReasonCACWithinTarget  = "cac_within_target"
	ReasonCACAcceptable    = "cac_acceptable"
)

// Per-campaign terminal states of one optimizer run.
const (
	StateInsufficient   = "evaluated-insufficient"
	StateDecrease       = "evaluated-decrease"
	StateIncrease       = "evaluated-increase"
	StateHold           = "evaluated-hold"
	StateWriteFailed    = "write-failed"
	StateWriteSucceeded = "write-succeeded"
)

// Budget sources recorded in campaign_budgets.
const (
	BudgetSourceIngest    = "ingest"
	BudgetSourceOptimizer = "optimizer"
	BudgetSourceOperator  = "operator"
)

// BudgetDecision is the optimizer's output for one campaign. Clamped is set
// when OldBudget was outside the policy bounds.
type BudgetDecision struct {
	Campaign    CampaignKey `json:"campaign"`
	Spend       float64     `json:"spend"`
	Conversions int64       `json:"conversions"`
	ObservedCAC *float64    `json:"observed_cac,omitempty"`
	OldBudget   float64     `json:"old_budget"`
	NewBudget   float64     `json:"new_budget"`
	Clamped     bool        `json:"clamped,omitempty"`
	Reason      string      `json:"reason"`
	State       string      `json:"state"`
	Error       string      `json:"error,omitempty"`
}

// Changed reports whether the decision moves the budget.
func (d BudgetDecision) Changed() bool {
	return d.NewBudget != d.OldBudget
}

// CampaignBudget is the last known daily budget of a campaign.
type CampaignBudget struct {
	Campaign CampaignKey `json:"campaign"`
	Amount   float64     `json:"amount"`
	Source   string      `json:"source"`
}

// RoundCents rounds an amount to two decimal places.
func RoundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
