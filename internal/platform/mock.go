package platform

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
)

// MockOptions configures a MockClient.
type MockOptions struct {
	Platform model.Platform
	// Campaigns per account; 0 means 3.
	Campaigns int
	Seed      uint64
}

// RecordedUpload is one UploadConversions call seen by a MockClient.
type RecordedUpload struct {
	AccountID   string
	Conversions []ConversionUpload
}

// RecordedBudget is one SetDailyBudget call seen by a MockClient.
type RecordedBudget struct {
	AccountID  string
	CampaignID string
	Amount     float64
}

// MockClient produces deterministic synthetic metrics and records every
// write. It makes no network calls. Failures can be injected per account
// or campaign to exercise partial-failure paths.
type MockClient struct {
	platform  model.Platform
	campaigns int
	seed      uint64

	mu          sync.Mutex
	uploads     []RecordedUpload
	budgets     []RecordedBudget
	fetchErrs   map[string]error
	uploadErrs  map[string]error
	budgetErrs  map[string]error
	rejects     map[string]string
	fixedReport map[string][]CampaignMetrics
}

// NewMockClient returns a mock for opts.Platform.
func NewMockClient(opts MockOptions) *MockClient {
	n := opts.Campaigns
	if n <= 0 {
		n = 3
	}
	return &MockClient{
		platform:    opts.Platform,
		campaigns:   n,
		seed:        opts.Seed,
		fetchErrs:   make(map[string]error),
		uploadErrs:  make(map[string]error),
		budgetErrs:  make(map[string]error),
		rejects:     make(map[string]string),
		fixedReport: make(map[string][]CampaignMetrics),
	}
}

// FailFetch makes FetchDailyMetrics for accountID return err.
func (m *MockClient) FailFetch(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchErrs[accountID] = err
}

// FailUpload makes UploadConversions for accountID return err.
func (m *MockClient) FailUpload(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadErrs[accountID] = err
}

// FailBudget makes SetDailyBudget for campaignID return err.
func (m *MockClient) FailBudget(campaignID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgetErrs[campaignID] = err
}

// Reject makes the next uploads refuse conversionID with reason.
func (m *MockClient) Reject(conversionID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects[conversionID] = reason
}

// SetReport replaces the synthetic metrics for accountID with rows.
func (m *MockClient) SetReport(accountID string, rows []CampaignMetrics) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fixedReport[accountID] = rows
}

// Uploads returns a copy of the recorded upload calls.
func (m *MockClient) Uploads() []RecordedUpload {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedUpload(nil), m.uploads...)
}

// Budgets returns a copy of the recorded budget calls.
func (m *MockClient) Budgets() []RecordedBudget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RecordedBudget(nil), m.budgets...)
}

// FetchDailyMetrics implements Client.
func (m *MockClient) FetchDailyMetrics(ctx context.Context, accountID string, date time.Time) ([]CampaignMetrics, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fetchErrs[accountID]; err != nil {
		return nil, err
	}
	if rows, ok := m.fixedReport[accountID]; ok {
		return append([]CampaignMetrics(nil), rows...), nil
	}

	day := model.Day(date).Format(model.DateLayout)
	out := make([]CampaignMetrics, 0, m.campaigns)
	for i := 1; i <= m.campaigns; i++ {
		id := fmt.Sprintf("%s-%s-c%d", m.platform, accountID, i)
		r := rand.New(rand.NewPCG(m.seed, hash64(string(m.platform)+"|"+accountID+"|"+day+"|"+id)))
		impressions := int64(1000 + r.IntN(9000))
		clicks := impressions / int64(20+r.IntN(30))
		conversions := clicks / int64(10+r.IntN(20))
		spend := model.RoundCents(float64(clicks) * (0.5 + r.Float64()*2))
		budget := model.RoundCents(50 + float64(r.IntN(20))*10)
		out = append(out, CampaignMetrics{
			CampaignID:  id,
			Spend:       spend,
			Clicks:      clicks,
			Impressions: impressions,
			Conversions: conversions,
			Revenue:     model.RoundCents(float64(conversions) * 40),
			DailyBudget: &budget,
		})
	}
	return out, nil
}

// UploadConversions implements Client.
func (m *MockClient) UploadConversions(ctx context.Context, accountID string, convs []ConversionUpload) (UploadAck, error) {
	if err := ctx.Err(); err != nil {
		return UploadAck{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.uploadErrs[accountID]; err != nil {
		return UploadAck{}, err
	}
	m.uploads = append(m.uploads, RecordedUpload{
		AccountID:   accountID,
		Conversions: append([]ConversionUpload(nil), convs...),
	})
	ack := UploadAck{}
	for _, c := range convs {
		if reason, ok := m.rejects[c.ConversionID]; ok {
			if ack.Rejected == nil {
				ack.Rejected = make(map[string]string)
			}
			ack.Rejected[c.ConversionID] = reason
			continue
		}
		ack.Accepted++
	}
	return ack, nil
}

// SetDailyBudget implements Client.
func (m *MockClient) SetDailyBudget(ctx context.Context, accountID, campaignID string, amount float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.budgets = append(m.budgets, RecordedBudget{AccountID: accountID, CampaignID: campaignID, Amount: amount})
	return m.budgetErrs[campaignID]
}

func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
