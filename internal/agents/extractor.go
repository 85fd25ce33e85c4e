package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/platform"
)

// TouchpointStore is the slice of the Fact Store the extractor uses.
type TouchpointStore interface {
	ListTaggedEvents(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]model.RawEvent, error)
	InsertTouchpoints(ctx context.Context, tps []model.Touchpoint) (int64, error)
}

// Extractor derives touchpoints from tagged raw events.
type Extractor struct {
	store    TouchpointStore
	pageSize int
	logger   *slog.Logger
	now      func() time.Time
}

// NewExtractor creates an Extractor reading pageSize events per query.
func NewExtractor(store TouchpointStore, pageSize int, logger *slog.Logger) *Extractor {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Extractor{store: store, pageSize: pageSize, logger: logger, now: time.Now}
}

// Extract normalizes every tagged event in w (default last 3 days) and
// inserts the touchpoints. Re-running over the same events inserts nothing.
func (e *Extractor) Extract(ctx context.Context, w model.Window) (Result, error) {
	var res Result
	w = w.Resolve(e.now(), DefaultExtractDays)
	from, to := w.Bounds()

	var (
		afterID   int64
		scanned   int
		anonymous int
	)
	byPlatform := make(map[model.Platform]int)
	for {
		events, err := e.store.ListTaggedEvents(ctx, from, to, afterID, e.pageSize)
		if err != nil {
			return res, fmt.Errorf("agents: extract: %w", err)
		}
		if len(events) == 0 {
			break
		}
		scanned += len(events)
		afterID = events[len(events)-1].ID

		tps := make([]model.Touchpoint, 0, len(events))
		for _, ev := range events {
			if ev.UserID == "" {
				anonymous++
				continue
			}
			tp := platform.Normalize(ev)
			byPlatform[tp.Platform]++
			tps = append(tps, tp)
		}
		if len(tps) > 0 {
			n, err := e.store.InsertTouchpoints(ctx, tps)
			if err != nil {
				return res, fmt.Errorf("agents: extract: %w", err)
			}
			res.Count += n
		}
		if len(events) < e.pageSize {
			break
		}
	}

	res.set("window", w)
	res.set("scanned", scanned)
	res.set("skipped_anonymous", anonymous)
	res.set("by_platform", byPlatform)
	res.Notes = fmt.Sprintf("%d touchpoints written from %d tagged events", res.Count, scanned)
	e.logger.Info("extractor: done", "window", w.String(), "scanned", scanned, "written", res.Count)
	return res, nil
}
