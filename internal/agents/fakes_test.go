package agents

import (
	"cmp"
	"context"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

// fakeStore is an in-memory stand-in for the Fact Store. It mirrors the
// conflict rules of the SQL layer closely enough for agent tests.
type fakeStore struct {
	mu sync.Mutex

	metrics      map[string]model.MetricRecord
	budgets      map[model.CampaignKey]budgetRow
	events       []model.RawEvent
	touchpoints  []model.Touchpoint
	attributions map[string]model.AttributedConversion
	conversions  []model.Conversion
	policies     []model.CampaignPolicy
	intents      map[string]model.BudgetDecision

	uploaded     map[string]bool
	uploadErrors map[string]string

	spend      map[model.CampaignKey]float64
	attributed map[model.CampaignKey]int64

	failUpsert map[string]error
}

type budgetRow struct {
	amount float64
	source string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		metrics:      make(map[string]model.MetricRecord),
		budgets:      make(map[model.CampaignKey]budgetRow),
		attributions: make(map[string]model.AttributedConversion),
		intents:      make(map[string]model.BudgetDecision),
		uploaded:     make(map[string]bool),
		uploadErrors: make(map[string]string),
		spend:        make(map[model.CampaignKey]float64),
		attributed:   make(map[model.CampaignKey]int64),
		failUpsert:   make(map[string]error),
	}
}

func (f *fakeStore) UpsertMetric(_ context.Context, m model.MetricRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpsert[m.CampaignID]; err != nil {
		return err
	}
	f.metrics[string(m.Platform)+"/"+m.CampaignID+"/"+m.Date.Format(model.DateLayout)] = m
	return nil
}

func (f *fakeStore) SetBudget(_ context.Context, k model.CampaignKey, amount float64, source string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgets[k] = budgetRow{amount: amount, source: source}
	return nil
}

func (f *fakeStore) GetBudget(_ context.Context, k model.CampaignKey) (float64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.budgets[k]
	return b.amount, ok, nil
}

func (f *fakeStore) ListTaggedEvents(_ context.Context, from, to time.Time, afterID int64, limit int) ([]model.RawEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.RawEvent
	for _, e := range f.events {
		if e.ID <= afterID || e.OccurredAt.Before(from) || !e.OccurredAt.Before(to) {
			continue
		}
		if e.ClickIDs.Empty() && e.UTM.Empty() {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTouchpoints(_ context.Context, tps []model.Touchpoint) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, tp := range tps {
		dup := slices.ContainsFunc(f.touchpoints, func(e model.Touchpoint) bool {
			return e.UserID == tp.UserID && e.OccurredAt.Equal(tp.OccurredAt) && e.RawEventID == tp.RawEventID
		})
		if dup {
			continue
		}
		tp.ID = int64(len(f.touchpoints) + 1)
		f.touchpoints = append(f.touchpoints, tp)
		n++
	}
	return n, nil
}

func (f *fakeStore) ListUnresolvedConversions(_ context.Context, from, to time.Time, afterID int64, limit int) ([]model.Conversion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Conversion
	for _, c := range f.conversions {
		if c.RawEventID <= afterID || c.ConvertedAt.Before(from) || !c.ConvertedAt.Before(to) {
			continue
		}
		if ac, ok := f.attributions[c.ConversionID]; ok && ac.Status == model.StatusAttributed {
			continue
		}
		out = append(out, c)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) TouchpointsForUser(_ context.Context, userID string, notAfter, notBefore time.Time) ([]model.Touchpoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.Touchpoint
	for _, tp := range f.touchpoints {
		if tp.UserID != userID || tp.OccurredAt.After(notAfter) {
			continue
		}
		if !notBefore.IsZero() && tp.OccurredAt.Before(notBefore) {
			continue
		}
		out = append(out, tp)
	}
	return out, nil
}

func (f *fakeStore) UpsertAttribution(_ context.Context, ac model.AttributedConversion) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.attributions[ac.ConversionID]; ok {
		if existing.Status == model.StatusAttributed || ac.Status != model.StatusAttributed {
			return false, nil
		}
	}
	f.attributions[ac.ConversionID] = ac
	return true, nil
}

func (f *fakeStore) PendingUploads(_ context.Context, q model.UploadFilter) ([]model.AttributedConversion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.AttributedConversion
	for _, ac := range f.attributions {
		if f.uploadable(ac, q.Platforms) && ac.UploadAttempts < q.MaxAttempts {
			out = append(out, ac)
		}
	}
	slices.SortFunc(out, func(a, b model.AttributedConversion) int {
		if c := cmp.Compare(a.UploadAttempts, b.UploadAttempts); c != 0 {
			return c
		}
		if c := a.ConvertedAt.Compare(b.ConvertedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ConversionID, b.ConversionID)
	})
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeStore) CountAbandonedUploads(_ context.Context, platforms []model.Platform, maxAttempts int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, ac := range f.attributions {
		if f.uploadable(ac, platforms) && ac.UploadAttempts >= maxAttempts {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) uploadable(ac model.AttributedConversion, platforms []model.Platform) bool {
	return ac.Status == model.StatusAttributed && !f.uploaded[ac.ConversionID] &&
		ac.Platform != model.PlatformOther && slices.Contains(platforms, ac.Platform)
}

func (f *fakeStore) MarkUploaded(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.uploaded[id] = true
		delete(f.uploadErrors, id)
	}
	return nil
}

func (f *fakeStore) MarkUploadFailed(_ context.Context, ids []string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range ids {
		f.uploadErrors[id] = msg
		if ac, ok := f.attributions[id]; ok {
			ac.UploadAttempts++
			f.attributions[id] = ac
		}
	}
	return nil
}

func (f *fakeStore) LatestAccount(_ context.Context, p model.Platform, campaignID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var (
		best  model.MetricRecord
		found bool
	)
	for _, m := range f.metrics {
		if m.Platform == p && m.CampaignID == campaignID && (!found || m.Date.After(best.Date)) {
			best, found = m, true
		}
	}
	if !found {
		return "", storage.ErrNotFound
	}
	return best.AccountID, nil
}

func (f *fakeStore) ListPolicies(_ context.Context, enabledOnly bool) ([]model.CampaignPolicy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []model.CampaignPolicy
	for _, p := range f.policies {
		if enabledOnly && !p.Enabled {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeStore) SumSpend(_ context.Context, k model.CampaignKey, _, _ time.Time) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spend[k], nil
}

func (f *fakeStore) CountAttributed(_ context.Context, p model.Platform, campaignID string, _, _ time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for k, c := range f.attributed {
		if k.Platform == p && k.CampaignID == campaignID {
			n += c
		}
	}
	return n, nil
}

func (f *fakeStore) InsertBudgetIntent(_ context.Context, runID uuid.UUID, d model.BudgetDecision) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID.String() + "/" + d.Campaign.String()
	if _, ok := f.intents[key]; ok {
		return false, nil
	}
	f.intents[key] = d
	return true, nil
}

func (f *fakeStore) FinishBudgetChange(_ context.Context, runID uuid.UUID, k model.CampaignKey, state, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := runID.String() + "/" + k.String()
	d := f.intents[key]
	d.State, d.Error = state, errMsg
	f.intents[key] = d
	return nil
}
