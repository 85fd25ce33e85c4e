package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

// ErrInvalidPolicy is returned when a policy violates a table constraint.
var ErrInvalidPolicy = errors.New("storage: invalid campaign policy")

// ListPolicies returns campaign policies ordered by key. enabledOnly
// restricts the result to policies the optimizer should evaluate.
func (db *DB) ListPolicies(ctx context.Context, enabledOnly bool) ([]model.CampaignPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT platform, account_id, campaign_id, target_cac::float8, max_cac::float8,
		        min_budget::float8, max_budget::float8, min_conversions, enabled
		 FROM campaign_policies
		 WHERE enabled OR NOT $1
		 ORDER BY platform, account_id, campaign_id`,
		enabledOnly,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list policies: %w", err)
	}
	defer rows.Close()

	var out []model.CampaignPolicy
	for rows.Next() {
		var p model.CampaignPolicy
		if err := rows.Scan(&p.Platform, &p.AccountID, &p.CampaignID, &p.TargetCAC, &p.MaxCAC,
			&p.MinBudget, &p.MaxBudget, &p.MinConversions, &p.Enabled); err != nil {
			return nil, fmt.Errorf("storage: scan policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpsertPolicies writes every policy in one transaction. Either all are
// stored or none are.
func (db *DB) UpsertPolicies(ctx context.Context, policies []model.CampaignPolicy) error {
	err := pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
		for _, p := range policies {
			if _, err := tx.Exec(ctx,
				`INSERT INTO campaign_policies (platform, account_id, campaign_id, target_cac, max_cac,
				     min_budget, max_budget, min_conversions, enabled, updated_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
				 ON CONFLICT (platform, account_id, campaign_id) DO UPDATE SET
				     target_cac      = EXCLUDED.target_cac,
				     max_cac         = EXCLUDED.max_cac,
				     min_budget      = EXCLUDED.min_budget,
				     max_budget      = EXCLUDED.max_budget,
				     min_conversions = EXCLUDED.min_conversions,
				     enabled         = EXCLUDED.enabled,
				     updated_at      = now()`,
				string(p.Platform), p.AccountID, p.CampaignID, p.TargetCAC, p.MaxCAC,
				p.MinBudget, p.MaxBudget, p.MinConversions, p.Enabled,
			); err != nil {
				if isCheckViolation(err) {
					return fmt.Errorf("%w: %s: %v", ErrInvalidPolicy, p.Key(), err)
				}
				return fmt.Errorf("storage: upsert policy %s: %w", p.Key(), err)
			}
		}
		return nil
	})
	return err
}

// DeletePolicy removes a campaign policy. ErrNotFound if absent.
func (db *DB) DeletePolicy(ctx context.Context, k model.CampaignKey) error {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM campaign_policies WHERE platform = $1 AND account_id = $2 AND campaign_id = $3`,
		string(k.Platform), k.AccountID, k.CampaignID,
	)
	if err != nil {
		return fmt.Errorf("storage: delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
