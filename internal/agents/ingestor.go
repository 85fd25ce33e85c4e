package agents

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/platform"
)

// MetricStore is the slice of the Fact Store the ingestor writes.
type MetricStore interface {
	UpsertMetric(ctx context.Context, m model.MetricRecord) error
	SetBudget(ctx context.Context, k model.CampaignKey, amount float64, source string) error
}

// Ingestor pulls daily campaign metrics from one platform into ad_metrics.
type Ingestor struct {
	store     MetricStore
	platforms Platforms
	timeout   time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// NewIngestor creates an Ingestor. timeout bounds each platform call.
func NewIngestor(store MetricStore, platforms Platforms, timeout time.Duration, logger *slog.Logger) *Ingestor {
	return &Ingestor{store: store, platforms: platforms, timeout: timeout, logger: logger, now: time.Now}
}

// Ingest fetches every configured account of p for every day in w (default
// yesterday) and upserts one metric row per campaign and day.
func (i *Ingestor) Ingest(ctx context.Context, runID uuid.UUID, p model.Platform, w model.Window) (Result, error) {
	var res Result
	entry, ok := i.platforms.Get(p)
	if !ok {
		return res, fmt.Errorf("agents: platform %s is not configured", p)
	}
	if w.IsZero() {
		w = yesterday(i.now())
	} else {
		w = w.Resolve(i.now(), 1)
	}
	if n := len(w.Days()); n > model.MaxIngestDays {
		return res, fmt.Errorf("agents: ingest window %s covers %d days, at most %d allowed", w, n, model.MaxIngestDays)
	}
	res.set("window", w)
	res.set("accounts", len(entry.Accounts))

	var (
		failures []Failure
		budgets  int
	)
	for _, day := range w.Days() {
		for _, account := range entry.Accounts {
			rows, err := i.fetch(ctx, entry.Client, account, day)
			if err != nil {
				failures = append(failures, Failure{Item: account + "@" + day.Format(model.DateLayout), Error: err.Error()})
				i.logger.Warn("ingestor: fetch failed", "platform", p, "account", account, "date", day.Format(model.DateLayout), "error", err)
				continue
			}
			for _, row := range rows {
				item := fmt.Sprintf("%s/%s@%s", account, row.CampaignID, day.Format(model.DateLayout))
				if err := row.Validate(); err != nil {
					failures = append(failures, Failure{Item: item, Error: err.Error()})
					continue
				}
				err := i.store.UpsertMetric(ctx, model.MetricRecord{
					Platform:    p,
					AccountID:   account,
					CampaignID:  row.CampaignID,
					Date:        day,
					Spend:       row.Spend,
					Clicks:      row.Clicks,
					Impressions: row.Impressions,
					Conversions: row.Conversions,
					Revenue:     row.Revenue,
					RunID:       runID,
				})
				if err != nil {
					failures = append(failures, Failure{Item: item, Error: err.Error()})
					continue
				}
				res.Count++

				if row.DailyBudget != nil {
					k := model.CampaignKey{Platform: p, AccountID: account, CampaignID: row.CampaignID}
					if err := i.store.SetBudget(ctx, k, *row.DailyBudget, model.BudgetSourceIngest); err != nil {
						i.logger.Warn("ingestor: record budget failed", "campaign", k.String(), "error", err)
					} else {
						budgets++
					}
				}
			}
		}
	}

	res.set("budgets_recorded", budgets)
	if len(failures) > 0 {
		res.set("failures", failures)
	}
	res.Notes = fmt.Sprintf("%d rows upserted for %s over %d day(s), %d failure(s)", res.Count, p, len(w.Days()), len(failures))
	if res.Count == 0 && len(failures) > 0 {
		return res, fmt.Errorf("%w: %d failure(s) ingesting %s", ErrAllFailed, len(failures), p)
	}
	return res, nil
}

func (i *Ingestor) fetch(ctx context.Context, c platform.Client, account string, day time.Time) ([]platform.CampaignMetrics, error) {
	if i.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	return c.FetchDailyMetrics(ctx, account, day)
}
