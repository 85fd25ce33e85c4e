package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/model"
)

// AttributionStore is the slice of the Fact Store the resolver uses.
type AttributionStore interface {
	ListUnresolvedConversions(ctx context.Context, from, to time.Time, afterID int64, limit int) ([]model.Conversion, error)
	TouchpointsForUser(ctx context.Context, userID string, notAfter, notBefore time.Time) ([]model.Touchpoint, error)
	UpsertAttribution(ctx context.Context, ac model.AttributedConversion) (bool, error)
}

// SelectLastTouch returns the latest touchpoint at or before at. Equal
// timestamps are broken by the higher id. The input order does not matter.
func SelectLastTouch(tps []model.Touchpoint, at time.Time) (model.Touchpoint, bool) {
	var (
		best  model.Touchpoint
		found bool
	)
	for _, tp := range tps {
		if tp.OccurredAt.After(at) {
			continue
		}
		if !found || tp.OccurredAt.After(best.OccurredAt) ||
			(tp.OccurredAt.Equal(best.OccurredAt) && tp.ID > best.ID) {
			best, found = tp, true
		}
	}
	return best, found
}

// Resolver attributes conversions to a single touchpoint (last touch).
type Resolver struct {
	store    AttributionStore
	lookback time.Duration
	pageSize int
	logger   *slog.Logger
	now      func() time.Time
}

// NewResolver creates a Resolver. A positive lookback ignores touchpoints
// older than that before the conversion.
func NewResolver(store AttributionStore, lookback time.Duration, pageSize int, logger *slog.Logger) *Resolver {
	if pageSize <= 0 {
		pageSize = 500
	}
	return &Resolver{store: store, lookback: lookback, pageSize: pageSize, logger: logger, now: time.Now}
}

// Resolve attributes every unresolved conversion in w (default last 3
// days). Conversions without a candidate are written as unattributed and
// may be upgraded by a later run.
func (r *Resolver) Resolve(ctx context.Context, runID uuid.UUID, w model.Window) (Result, error) {
	var res Result
	w = w.Resolve(r.now(), DefaultResolveDays)
	from, to := w.Bounds()

	var (
		afterID      int64
		seen         int
		unattributed int
		unchanged    int
		failures     []Failure
	)
	byPlatform := make(map[model.Platform]int)
	for {
		convs, err := r.store.ListUnresolvedConversions(ctx, from, to, afterID, r.pageSize)
		if err != nil {
			return res, fmt.Errorf("agents: resolve: %w", err)
		}
		if len(convs) == 0 {
			break
		}
		afterID = convs[len(convs)-1].RawEventID

		for _, c := range convs {
			seen++
			ac, err := r.resolveOne(ctx, runID, c)
			if err == nil {
				var written bool
				written, err = r.store.UpsertAttribution(ctx, ac)
				switch {
				case err != nil:
				case !written:
					unchanged++
				case ac.Status == model.StatusAttributed:
					res.Count++
					byPlatform[ac.Platform]++
				default:
					unattributed++
				}
			}
			if err != nil {
				failures = append(failures, Failure{Item: c.ConversionID, Error: err.Error()})
				r.logger.Warn("resolver: conversion failed", "conversion_id", c.ConversionID, "error", err)
			}
		}
		if len(convs) < r.pageSize {
			break
		}
	}

	res.set("window", w)
	res.set("conversions", seen)
	res.set("unattributed", unattributed)
	res.set("unchanged", unchanged)
	res.set("by_platform", byPlatform)
	if len(failures) > 0 {
		res.set("failures", failures)
	}
	res.Notes = fmt.Sprintf("%d of %d conversions attributed, %d unattributed", res.Count, seen, unattributed)
	if seen > 0 && len(failures) == seen {
		return res, fmt.Errorf("%w: %d conversion(s)", ErrAllFailed, seen)
	}
	return res, nil
}

func (r *Resolver) resolveOne(ctx context.Context, runID uuid.UUID, c model.Conversion) (model.AttributedConversion, error) {
	ac := model.AttributedConversion{
		ConversionID: c.ConversionID,
		UserID:       c.UserID,
		ConvertedAt:  c.ConvertedAt,
		Status:       model.StatusUnattributed,
		Value:        c.Value,
		RunID:        runID,
	}
	if c.UserID == "" {
		return ac, nil
	}
	var notBefore time.Time
	if r.lookback > 0 {
		notBefore = c.ConvertedAt.Add(-r.lookback)
	}
	tps, err := r.store.TouchpointsForUser(ctx, c.UserID, c.ConvertedAt, notBefore)
	if err != nil {
		return ac, err
	}
	tp, ok := SelectLastTouch(tps, c.ConvertedAt)
	if !ok {
		return ac, nil
	}
	id := tp.ID
	ac.Status = model.StatusAttributed
	ac.TouchpointID = &id
	ac.Platform = tp.Platform
	ac.CampaignID = tp.CampaignHint
	ac.ClickID = tp.ClickID
	ac.ClickIDType = tp.ClickIDType
	ac.UTM = tp.UTM
	return ac, nil
}
