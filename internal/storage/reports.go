package storage

import (
	"context"
	"fmt"

	"github.com/spendpilot/spendpilot/internal/model"
)

// KPIs aggregates metrics by platform and day over a resolved window and
// joins the attributed conversion count for the same platform and day.
func (db *DB) KPIs(ctx context.Context, w model.Window) ([]model.KPIRow, error) {
	from, to := w.Bounds()
	rows, err := db.pool.Query(ctx,
		`WITH m AS (
		     SELECT platform, date, SUM(spend)::float8 AS spend, SUM(clicks) AS clicks,
		            SUM(impressions) AS impressions, SUM(conversions) AS conversions
		     FROM ad_metrics
		     WHERE date >= $1 AND date < $2
		     GROUP BY platform, date
		 ), a AS (
		     SELECT platform, (converted_at AT TIME ZONE 'UTC')::date AS date, COUNT(*) AS attributed
		     FROM attributed_conversions
		     WHERE status = 'attributed' AND converted_at >= $1 AND converted_at < $2
		     GROUP BY 1, 2
		 )
		 SELECT COALESCE(m.platform, a.platform), COALESCE(m.date, a.date),
		        COALESCE(m.spend, 0), COALESCE(m.clicks, 0), COALESCE(m.impressions, 0),
		        COALESCE(m.conversions, 0), COALESCE(a.attributed, 0)
		 FROM m FULL OUTER JOIN a ON a.platform = m.platform AND a.date = m.date
		 ORDER BY 2, 1`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: kpis: %w", err)
	}
	defer rows.Close()

	var out []model.KPIRow
	for rows.Next() {
		var r model.KPIRow
		if err := rows.Scan(&r.Platform, &r.Date, &r.Spend, &r.Clicks, &r.Impressions,
			&r.Conversions, &r.Attributed); err != nil {
			return nil, fmt.Errorf("storage: scan kpi row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AttributionReport totals attributed conversions per campaign over a
// resolved window, largest first.
func (db *DB) AttributionReport(ctx context.Context, w model.Window) ([]model.AttributionRow, error) {
	from, to := w.Bounds()
	rows, err := db.pool.Query(ctx,
		`SELECT platform, COALESCE(campaign_id, ''), COUNT(*), COALESCE(SUM(value), 0)::float8
		 FROM attributed_conversions
		 WHERE status = 'attributed' AND converted_at >= $1 AND converted_at < $2
		 GROUP BY 1, 2
		 ORDER BY 3 DESC, 1, 2`,
		from, to,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: attribution report: %w", err)
	}
	defer rows.Close()

	var out []model.AttributionRow
	for rows.Next() {
		var r model.AttributionRow
		if err := rows.Scan(&r.Platform, &r.CampaignID, &r.Conversions, &r.Value); err != nil {
			return nil, fmt.Errorf("storage: scan attribution row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
