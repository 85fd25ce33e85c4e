package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

// GetBudget returns the last known daily budget for a campaign. ok is false
// when no budget has ever been recorded.
func (db *DB) GetBudget(ctx context.Context, k model.CampaignKey) (amount float64, ok bool, err error) {
	err = db.pool.QueryRow(ctx,
		`SELECT amount::float8 FROM campaign_budgets
		 WHERE platform = $1 AND account_id = $2 AND campaign_id = $3`,
		string(k.Platform), k.AccountID, k.CampaignID,
	).Scan(&amount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("storage: get budget %s: %w", k, err)
	}
	return amount, true, nil
}

// SetBudget records the current daily budget of a campaign.
func (db *DB) SetBudget(ctx context.Context, k model.CampaignKey, amount float64, source string) error {
	if _, err := db.retryExec(ctx,
		`INSERT INTO campaign_budgets (platform, account_id, campaign_id, amount, source, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (platform, account_id, campaign_id) DO UPDATE SET
		     amount = EXCLUDED.amount, source = EXCLUDED.source, updated_at = now()`,
		string(k.Platform), k.AccountID, k.CampaignID, model.RoundCents(amount), source,
	); err != nil {
		return fmt.Errorf("storage: set budget %s: %w", k, err)
	}
	return nil
}

// InsertBudgetIntent records the intent to change a campaign's budget within
// a run. It returns false if an intent for (run_id, campaign) already
// exists, in which case the caller must not call the platform again.
func (db *DB) InsertBudgetIntent(ctx context.Context, runID uuid.UUID, d model.BudgetDecision) (bool, error) {
	n, err := db.retryExec(ctx,
		`INSERT INTO budget_changes (run_id, platform, account_id, campaign_id, old_budget, new_budget, reason, state)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (run_id, platform, account_id, campaign_id) DO NOTHING`,
		runID, string(d.Campaign.Platform), d.Campaign.AccountID, d.Campaign.CampaignID,
		d.OldBudget, d.NewBudget, d.Reason, d.State,
	)
	if err != nil {
		return false, fmt.Errorf("storage: insert budget intent %s: %w", d.Campaign, err)
	}
	return n == 1, nil
}

// FinishBudgetChange records the terminal state of a budget write.
func (db *DB) FinishBudgetChange(ctx context.Context, runID uuid.UUID, k model.CampaignKey, state, errMsg string) error {
	if _, err := db.retryExec(ctx,
		`UPDATE budget_changes SET state = $5, error = $6, updated_at = now()
		 WHERE run_id = $1 AND platform = $2 AND account_id = $3 AND campaign_id = $4`,
		runID, string(k.Platform), k.AccountID, k.CampaignID, state, nullStr(errMsg),
	); err != nil {
		return fmt.Errorf("storage: finish budget change %s: %w", k, err)
	}
	return nil
}

// ListBudgetChanges returns the budget changes recorded for a run.
func (db *DB) ListBudgetChanges(ctx context.Context, runID uuid.UUID) ([]model.BudgetDecision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT platform, account_id, campaign_id, old_budget::float8, new_budget::float8,
		        reason, state, COALESCE(error, '')
		 FROM budget_changes WHERE run_id = $1
		 ORDER BY platform, account_id, campaign_id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list budget changes: %w", err)
	}
	defer rows.Close()

	var out []model.BudgetDecision
	for rows.Next() {
		var d model.BudgetDecision
		if err := rows.Scan(&d.Campaign.Platform, &d.Campaign.AccountID, &d.Campaign.CampaignID,
			&d.OldBudget, &d.NewBudget, &d.Reason, &d.State, &d.Error); err != nil {
			return nil, fmt.Errorf("storage: scan budget change: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
