package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

// UpsertMetric writes or overwrites the metric record for
// (platform, campaign_id, date). The last write wins.
func (db *DB) UpsertMetric(ctx context.Context, m model.MetricRecord) error {
	_, err := db.retryExec(ctx,
		`INSERT INTO ad_metrics (platform, account_id, campaign_id, date, spend, clicks, impressions,
		                         conversions, revenue, run_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		 ON CONFLICT (platform, campaign_id, date) DO UPDATE SET
		     account_id  = EXCLUDED.account_id,
		     spend       = EXCLUDED.spend,
		     clicks      = EXCLUDED.clicks,
		     impressions = EXCLUDED.impressions,
		     conversions = EXCLUDED.conversions,
		     revenue     = EXCLUDED.revenue,
		     run_id      = EXCLUDED.run_id,
		     updated_at  = now()`,
		string(m.Platform), m.AccountID, m.CampaignID, model.Day(m.Date),
		m.Spend, m.Clicks, m.Impressions, m.Conversions, m.Revenue, m.RunID,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert metric %s/%s/%s: %w",
			m.Platform, m.CampaignID, m.Date.Format(model.DateLayout), err)
	}
	return nil
}

// SumSpend totals spend for a campaign over [from, to).
func (db *DB) SumSpend(ctx context.Context, k model.CampaignKey, from, to time.Time) (float64, error) {
	var spend float64
	err := db.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(spend), 0)::float8 FROM ad_metrics
		 WHERE platform = $1 AND account_id = $2 AND campaign_id = $3
		   AND date >= $4 AND date < $5`,
		string(k.Platform), k.AccountID, k.CampaignID, from, to,
	).Scan(&spend)
	if err != nil {
		return 0, fmt.Errorf("storage: sum spend %s: %w", k, err)
	}
	return spend, nil
}

// LatestAccount returns the account that most recently reported metrics for
// a campaign. ErrNotFound when the campaign has never been ingested.
func (db *DB) LatestAccount(ctx context.Context, p model.Platform, campaignID string) (string, error) {
	var account string
	err := db.pool.QueryRow(ctx,
		`SELECT account_id FROM ad_metrics
		 WHERE platform = $1 AND campaign_id = $2
		 ORDER BY date DESC LIMIT 1`,
		string(p), campaignID,
	).Scan(&account)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: latest account: %w", err)
	}
	return account, nil
}
