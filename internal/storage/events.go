package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/spendpilot/spendpilot/internal/model"
)

var rawEventColumns = []string{
	"event_id", "user_id", "session_id", "event_type", "occurred_at",
	"gclid", "gbraid", "wbraid", "msclkid", "rdt_cid", "twclid", "li_fat_id",
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content", "utm_id",
	"value", "currency", "referrer", "properties",
}

// InsertRawEvents stores events idempotently by event_id. Events whose id is
// already present are skipped. Returns the number of newly stored rows.
//
// Rows are COPYed into a temp table and moved with ON CONFLICT DO NOTHING,
// which also collapses duplicates inside a single batch.
func (db *DB) InsertRawEvents(ctx context.Context, events []model.RawEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin raw event insert: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx,
		`CREATE TEMP TABLE _incoming_events (LIKE raw_events INCLUDING DEFAULTS) ON COMMIT DROP`,
	); err != nil {
		return 0, fmt.Errorf("storage: create incoming events table: %w", err)
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		props := e.Properties
		if props == nil {
			props = map[string]any{}
		}
		rows[i] = []any{
			e.EventID, nullStr(e.UserID), nullStr(e.SessionID), e.EventType, e.OccurredAt.UTC(),
			nullStr(e.ClickIDs.GCLID), nullStr(e.ClickIDs.GBRAID), nullStr(e.ClickIDs.WBRAID),
			nullStr(e.ClickIDs.MSCLKID), nullStr(e.ClickIDs.RdtCID), nullStr(e.ClickIDs.TWCLID),
			nullStr(e.ClickIDs.LiFatID),
			nullStr(e.UTM.Source), nullStr(e.UTM.Medium), nullStr(e.UTM.Campaign),
			nullStr(e.UTM.Term), nullStr(e.UTM.Content), nullStr(e.UTM.ID),
			e.Value, nullStr(e.Currency), nullStr(e.Referrer), props,
		}
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_incoming_events"}, rawEventColumns, pgx.CopyFromRows(rows)); err != nil {
		return 0, fmt.Errorf("storage: copy incoming events: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO raw_events (`+strings.Join(rawEventColumns, ", ")+`)
		 SELECT `+strings.Join(rawEventColumns, ", ")+` FROM _incoming_events
		 ORDER BY occurred_at
		 ON CONFLICT (event_id) DO NOTHING`)
	if err != nil {
		return 0, fmt.Errorf("storage: insert raw events: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit raw events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListTaggedEvents returns raw events in [from, to) that carry any click id
// or utm parameter, keyset-paginated by id.
func (db *DB) ListTaggedEvents(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]model.RawEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, event_id, COALESCE(user_id, ''), COALESCE(session_id, ''), event_type, occurred_at,
		        COALESCE(gclid, ''), COALESCE(gbraid, ''), COALESCE(wbraid, ''), COALESCE(msclkid, ''),
		        COALESCE(rdt_cid, ''), COALESCE(twclid, ''), COALESCE(li_fat_id, ''),
		        COALESCE(utm_source, ''), COALESCE(utm_medium, ''), COALESCE(utm_campaign, ''),
		        COALESCE(utm_term, ''), COALESCE(utm_content, ''), COALESCE(utm_id, ''),
		        value::float8, COALESCE(currency, ''), COALESCE(referrer, '')
		 FROM raw_events
		 WHERE occurred_at >= $1 AND occurred_at < $2 AND id > $3
		   AND COALESCE(gclid, gbraid, wbraid, msclkid, rdt_cid, twclid, li_fat_id,
		                utm_source, utm_medium, utm_campaign, utm_term, utm_content, utm_id) IS NOT NULL
		 ORDER BY id
		 LIMIT $4`,
		from, to, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list tagged events: %w", err)
	}
	defer rows.Close()

	var out []model.RawEvent
	for rows.Next() {
		var e model.RawEvent
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.UserID, &e.SessionID, &e.EventType, &e.OccurredAt,
			&e.ClickIDs.GCLID, &e.ClickIDs.GBRAID, &e.ClickIDs.WBRAID, &e.ClickIDs.MSCLKID,
			&e.ClickIDs.RdtCID, &e.ClickIDs.TWCLID, &e.ClickIDs.LiFatID,
			&e.UTM.Source, &e.UTM.Medium, &e.UTM.Campaign, &e.UTM.Term, &e.UTM.Content, &e.UTM.ID,
			&e.Value, &e.Currency, &e.Referrer,
		); err != nil {
			return nil, fmt.Errorf("storage: scan raw event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListUnresolvedConversions returns conversion events in [from, to) that
// have no attribution row or only an unattributed one, keyset-paginated by
// raw event id.
func (db *DB) ListUnresolvedConversions(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]model.Conversion, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT e.id, e.event_id, COALESCE(e.user_id, ''), e.occurred_at, e.value::float8
		 FROM raw_events e
		 LEFT JOIN attributed_conversions ac ON ac.conversion_id = e.event_id
		 WHERE e.event_type = 'conversion'
		   AND e.occurred_at >= $1 AND e.occurred_at < $2 AND e.id > $3
		   AND (ac.conversion_id IS NULL OR ac.status = 'unattributed')
		 ORDER BY e.id
		 LIMIT $4`,
		from, to, afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unresolved conversions: %w", err)
	}
	defer rows.Close()

	var out []model.Conversion
	for rows.Next() {
		var c model.Conversion
		if err := rows.Scan(&c.RawEventID, &c.ConversionID, &c.UserID, &c.ConvertedAt, &c.Value); err != nil {
			return nil, fmt.Errorf("storage: scan conversion: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
