package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

var touchpointColumns = []string{
	"raw_event_id", "user_id", "occurred_at", "platform", "campaign_hint", "click_id", "click_id_type",
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "utm_id",
}

// InsertTouchpoints writes touchpoints with ON CONFLICT (user_id,
// occurred_at, raw_event_id) DO NOTHING and returns the number actually
// inserted. Re-extracting an already processed raw event inserts nothing.
// Rows are inserted in raw event order so ids follow event order.
func (db *DB) InsertTouchpoints(ctx context.Context, tps []model.Touchpoint) (int64, error) {
	if len(tps) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin touchpoint insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _incoming_touchpoints (LIKE touchpoints INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create incoming touchpoints table: %w", err)
	}

	rows := make([][]any, len(tps))
	for i, tp := range tps {
		rows[i] = []any{
			tp.RawEventID, tp.UserID, tp.OccurredAt.UTC(), string(tp.Platform),
			nullStr(tp.CampaignHint), nullStr(tp.ClickID), nullStr(tp.ClickIDType),
			nullStr(tp.UTM.Source), nullStr(tp.UTM.Medium), nullStr(tp.UTM.Campaign),
			nullStr(tp.UTM.Term), nullStr(tp.UTM.Content), nullStr(tp.UTM.ID),
		}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_incoming_touchpoints"}, touchpointColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("storage: copy incoming touchpoints: %w", err)
	}

	cols := strings.Join(touchpointColumns, ", ")
	tag, err := tx.Exec(ctx,
		`INSERT INTO touchpoints (`+cols+`)
		 SELECT `+cols+` FROM _incoming_touchpoints
		 ORDER BY raw_event_id
		 ON CONFLICT (user_id, occurred_at, raw_event_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: insert touchpoints: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit touchpoints: %w", err)
	}
	return tag.RowsAffected(), nil
}

// TouchpointsForUser returns the user's touchpoints with occurred_at <=
// notAfter, newest first (ties by higher id). A non-zero notBefore bounds
// the lookback.
func (db *DB) TouchpointsForUser(ctx context.Context, userID string, notAfter, notBefore time.Time) ([]model.Touchpoint, error) {
	var lower *time.Time
	if !notBefore.IsZero() {
		lower = &notBefore
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, raw_event_id, user_id, occurred_at, platform, COALESCE(campaign_hint, ''),
		        COALESCE(click_id, ''), COALESCE(click_id_type, ''),
		        COALESCE(utm_source, ''), COALESCE(utm_medium, ''), COALESCE(utm_campaign, ''),
		        COALESCE(utm_term, ''), COALESCE(utm_content, ''), COALESCE(utm_id, '')
		 FROM touchpoints
		 WHERE user_id = $1 AND occurred_at <= $2
		   AND ($3::timestamptz IS NULL OR occurred_at >= $3)
		 ORDER BY occurred_at DESC, id DESC`,
		userID, notAfter, lower,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: touchpoints for user: %w", err)
	}
	defer rows.Close()

	var out []model.Touchpoint
	for rows.Next() {
		var tp model.Touchpoint
		if err := rows.Scan(
			&tp.ID, &tp.RawEventID, &tp.UserID, &tp.OccurredAt, &tp.Platform, &tp.CampaignHint,
			&tp.ClickID, &tp.ClickIDType,
			&tp.UTM.Source, &tp.UTM.Medium, &tp.UTM.Campaign, &tp.UTM.Term, &tp.UTM.Content, &tp.UTM.ID,
		); err != nil {
			return nil, fmt.Errorf("storage: scan touchpoint: %w", err)
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}
