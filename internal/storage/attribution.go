package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

// UpsertAttribution records the resolver's outcome for one conversion.
// An attributed row is never changed; an unattributed row is upgraded only
// by an attributed one. Reports whether a row was written.
func (db *DB) UpsertAttribution(ctx context.Context, ac model.AttributedConversion) (bool, error) {
	n, err := db.retryExec(ctx,
		`INSERT INTO attributed_conversions (conversion_id, user_id, converted_at, status, touchpoint_id,
		     platform, campaign_id, click_id, click_id_type,
		     utm_source, utm_medium, utm_campaign, utm_term, utm_content, utm_id, value, run_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 ON CONFLICT (conversion_id) DO UPDATE SET
		     status        = EXCLUDED.status,
		     touchpoint_id = EXCLUDED.touchpoint_id,
		     platform      = EXCLUDED.platform,
		     campaign_id   = EXCLUDED.campaign_id,
		     click_id      = EXCLUDED.click_id,
		     click_id_type = EXCLUDED.click_id_type,
		     utm_source    = EXCLUDED.utm_source,
		     utm_medium    = EXCLUDED.utm_medium,
		     utm_campaign  = EXCLUDED.utm_campaign,
		     utm_term      = EXCLUDED.utm_term,
		     utm_content   = EXCLUDED.utm_content,
		     utm_id        = EXCLUDED.utm_id,
		     run_id        = EXCLUDED.run_id
		 WHERE attributed_conversions.status = 'unattributed' AND EXCLUDED.status = 'attributed'`,
		ac.ConversionID, ac.UserID, ac.ConvertedAt.UTC(), ac.Status, ac.TouchpointID,
		nullStr(string(ac.Platform)), nullStr(ac.CampaignID), nullStr(ac.ClickID), nullStr(ac.ClickIDType),
		nullStr(ac.UTM.Source), nullStr(ac.UTM.Medium), nullStr(ac.UTM.Campaign),
		nullStr(ac.UTM.Term), nullStr(ac.UTM.Content), nullStr(ac.UTM.ID),
		ac.Value, ac.RunID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: upsert attribution %s: %w", ac.ConversionID, err)
	}
	return n > 0, nil
}

const attributionColumns = `conversion_id, user_id, converted_at, status, touchpoint_id,
	COALESCE(platform, ''), COALESCE(campaign_id, ''), COALESCE(click_id, ''), COALESCE(click_id_type, ''),
	COALESCE(utm_source, ''), COALESCE(utm_medium, ''), COALESCE(utm_campaign, ''),
	COALESCE(utm_term, ''), COALESCE(utm_content, ''), COALESCE(utm_id, ''),
	value::float8, run_id, uploaded_at, upload_attempts, COALESCE(last_upload_error, '')`

// MaxUploadAttempts is the number of recorded upload attempts after which a
// conversion is abandoned and no longer selected for upload.
const MaxUploadAttempts = 10

// PendingUploads returns attributed conversions not yet acknowledged by a
// platform, restricted to f.Platforms. Rows with fewer attempts come first,
// then oldest first, so rows that keep failing never starve fresh ones.
// A zero window means no date bound.
func (db *DB) PendingUploads(ctx context.Context, f model.UploadFilter) ([]model.AttributedConversion, error) {
	platforms := uploadPlatforms(f.Platforms)
	if len(platforms) == 0 || f.Limit <= 0 {
		return nil, nil
	}
	maxAttempts := f.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = MaxUploadAttempts
	}
	var from, to *time.Time
	if !f.Window.IsZero() {
		fr, t := f.Window.Bounds()
		from, to = &fr, &t
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+attributionColumns+` FROM attributed_conversions
		 WHERE status = 'attributed' AND uploaded_at IS NULL
		   AND platform = ANY($1) AND upload_attempts < $2
		   AND ($3::timestamptz IS NULL OR converted_at >= $3)
		   AND ($4::timestamptz IS NULL OR converted_at < $4)
		 ORDER BY upload_attempts, converted_at, conversion_id
		 LIMIT $5`,
		platforms, maxAttempts, from, to, f.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: pending uploads: %w", err)
	}
	return scanAttributions(rows)
}

// CountAbandonedUploads counts attributed conversions for platforms that
// reached maxAttempts without being acknowledged.
func (db *DB) CountAbandonedUploads(ctx context.Context, platforms []model.Platform, maxAttempts int) (int64, error) {
	names := uploadPlatforms(platforms)
	if len(names) == 0 {
		return 0, nil
	}
	if maxAttempts <= 0 {
		maxAttempts = MaxUploadAttempts
	}
	var n int64
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attributed_conversions
		 WHERE status = 'attributed' AND uploaded_at IS NULL
		   AND platform = ANY($1) AND upload_attempts >= $2`,
		names, maxAttempts,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count abandoned uploads: %w", err)
	}
	return n, nil
}

// uploadPlatforms drops platforms that have no upload endpoint.
func uploadPlatforms(ps []model.Platform) []string {
	out := make([]string, 0, len(ps))
	for _, p := range ps {
		if p == model.PlatformOther || p == "" {
			continue
		}
		out = append(out, string(p))
	}
	return out
}

// MarkUploaded stamps the upload watermark on the given conversions.
func (db *DB) MarkUploaded(ctx context.Context, conversionIDs []string) error {
	if len(conversionIDs) == 0 {
		return nil
	}
	if _, err := db.retryExec(ctx,
		`UPDATE attributed_conversions
		 SET uploaded_at = now(), upload_attempts = upload_attempts + 1, last_upload_error = NULL
		 WHERE conversion_id = ANY($1) AND uploaded_at IS NULL`,
		conversionIDs,
	); err != nil {
		return fmt.Errorf("storage: mark uploaded: %w", err)
	}
	return nil
}

// MarkUploadFailed records a failed upload attempt. The rows stay pending.
func (db *DB) MarkUploadFailed(ctx context.Context, conversionIDs []string, errMsg string) error {
	if len(conversionIDs) == 0 {
		return nil
	}
	if _, err := db.retryExec(ctx,
		`UPDATE attributed_conversions
		 SET upload_attempts = upload_attempts + 1, last_upload_error = $2
		 WHERE conversion_id = ANY($1) AND uploaded_at IS NULL`,
		conversionIDs, errMsg,
	); err != nil {
		return fmt.Errorf("storage: mark upload failed: %w", err)
	}
	return nil
}

// CountAttributed counts attributed conversions for a campaign in [from, to).
// Unattributed conversions never count.
func (db *DB) CountAttributed(ctx context.Context, p model.Platform, campaignID string, from, to time.Time) (int64, error) {
	var n int64
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM attributed_conversions
		 WHERE status = 'attributed' AND platform = $1 AND campaign_id = $2
		   AND converted_at >= $3 AND converted_at < $4`,
		string(p), campaignID, from, to,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count attributed: %w", err)
	}
	return n, nil
}

func scanAttributions(rows pgx.Rows) ([]model.AttributedConversion, error) {
	defer rows.Close()
	var out []model.AttributedConversion
	for rows.Next() {
		var ac model.AttributedConversion
		if err := rows.Scan(
			&ac.ConversionID, &ac.UserID, &ac.ConvertedAt, &ac.Status, &ac.TouchpointID,
			&ac.Platform, &ac.CampaignID, &ac.ClickID, &ac.ClickIDType,
			&ac.UTM.Source, &ac.UTM.Medium, &ac.UTM.Campaign, &ac.UTM.Term, &ac.UTM.Content, &ac.UTM.ID,
			&ac.Value, &ac.RunID, &ac.UploadedAt, &ac.UploadAttempts, &ac.LastUploadError,
		); err != nil {
			return nil, fmt.Errorf("storage: scan attribution: %w", err)
		}
		out = append(out, ac)
	}
	return out, rows.Err()
}
