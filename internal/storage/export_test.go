package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

// Read-back helpers for the integration tests.

// GetMetric returns the metric record for one campaign and date.
func (db *DB) GetMetric(ctx context.Context, p model.Platform, campaignID string, date time.Time) (model.MetricRecord, error) {
	var m model.MetricRecord
	var runID *uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT platform, account_id, campaign_id, date, spend, clicks, impressions, conversions, revenue, run_id
		 FROM ad_metrics WHERE platform = $1 AND campaign_id = $2 AND date = $3`,
		string(p), campaignID, model.Day(date),
	).Scan(&m.Platform, &m.AccountID, &m.CampaignID, &m.Date, &m.Spend, &m.Clicks,
		&m.Impressions, &m.Conversions, &m.Revenue, &runID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.MetricRecord{}, ErrNotFound
		}
		return model.MetricRecord{}, fmt.Errorf("storage: get metric: %w", err)
	}
	if runID != nil {
		m.RunID = *runID
	}
	return m, nil
}

// CountTouchpoints returns the total number of touchpoints for a user.
func (db *DB) CountTouchpoints(ctx context.Context, userID string) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM touchpoints WHERE user_id = $1`, userID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count touchpoints: %w", err)
	}
	return n, nil
}

// GetAttribution returns the attribution row for a conversion.
func (db *DB) GetAttribution(ctx context.Context, conversionID string) (model.AttributedConversion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+attributionColumns+` FROM attributed_conversions WHERE conversion_id = $1`, conversionID)
	if err != nil {
		return model.AttributedConversion{}, fmt.Errorf("storage: get attribution: %w", err)
	}
	out, err := scanAttributions(rows)
	if err != nil {
		return model.AttributedConversion{}, err
	}
	if len(out) == 0 {
		return model.AttributedConversion{}, ErrNotFound
	}
	return out[0], nil
}

// JobExists reports whether a queue row exists for a run.
func (db *DB) JobExists(ctx context.Context, runID uuid.UUID) (bool, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_jobs WHERE run_id = $1)`, runID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("storage: job exists: %w", err)
	}
	return exists, nil
}
