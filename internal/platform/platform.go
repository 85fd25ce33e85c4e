// Package platform is the boundary to external ad platforms.
//
// A Client exposes the three capabilities the pipeline needs: reading
// daily campaign metrics, pushing attributed conversions back, and setting
// a campaign's daily budget. Two adapters exist: a deterministic offline
// mock and a JSON-over-HTTP gateway client. The Registry maps each
// configured platform to its Client and account list.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Client is the capability set of one ad platform.
type Client interface {
	// FetchDailyMetrics returns per-campaign totals for one account and day.
	FetchDailyMetrics(ctx context.Context, accountID string, date time.Time) ([]CampaignMetrics, error)

	// UploadConversions pushes attributed conversions for one account.
	UploadConversions(ctx context.Context, accountID string, convs []ConversionUpload) (UploadAck, error)

	// SetDailyBudget replaces a campaign's daily budget.
	SetDailyBudget(ctx context.Context, accountID, campaignID string, amount float64) error
}

// CampaignMetrics is one campaign's totals for a day as the platform reports them.
type CampaignMetrics struct {
	CampaignID  string   `json:"campaign_id"`
	Spend       float64  `json:"spend"`
	Clicks      int64    `json:"clicks"`
	Impressions int64    `json:"impressions"`
	Conversions int64    `json:"conversions"`
	Revenue     float64  `json:"revenue"`
	DailyBudget *float64 `json:"daily_budget,omitempty"`
}

// Validate rejects rows the fact store must never hold.
func (m CampaignMetrics) Validate() error {
	switch {
	case m.CampaignID == "":
		return errors.New("campaign_id is empty")
	case m.Spend < 0:
		return fmt.Errorf("campaign %s: negative spend %.2f", m.CampaignID, m.Spend)
	case m.Clicks < 0 || m.Impressions < 0 || m.Conversions < 0:
		return fmt.Errorf("campaign %s: negative counter", m.CampaignID)
	case m.DailyBudget != nil && *m.DailyBudget < 0:
		return fmt.Errorf("campaign %s: negative daily budget", m.CampaignID)
	}
	return nil
}

// ConversionUpload is one conversion as sent to a platform.
type ConversionUpload struct {
	ConversionID string    `json:"conversion_id"`
	CampaignID   string    `json:"campaign_id,omitempty"`
	ClickID      string    `json:"click_id,omitempty"`
	ClickIDType  string    `json:"click_id_type,omitempty"`
	ConvertedAt  time.Time `json:"converted_at"`
	Value        float64   `json:"value"`
}

// UploadAck is the platform's answer to an upload. Conversions listed in
// Rejected were refused individually; the rest were accepted.
type UploadAck struct {
	Accepted int               `json:"accepted"`
	Rejected map[string]string `json:"rejected,omitempty"`
}
