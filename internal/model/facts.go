package model

import (
	"time"

	"github.com/google/uuid"
)

// MetricRecord is one (platform, campaign, date) row of daily performance.
type MetricRecord struct {
	Platform    Platform  `json:"platform"`
	AccountID   string    `json:"account_id"`
	CampaignID  string    `json:"campaign_id"`
	Date        time.Time `json:"date"`
	Spend       float64   `json:"spend"`
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	Conversions int64     `json:"conversions"`
	Revenue     float64   `json:"revenue"`
	RunID       uuid.UUID `json:"run_id"`
}

// Event types accepted on raw events.
const (
	EventPageView   = "page_view"
	EventConversion = "conversion"
)

// ClickIDs holds the platform click identifiers an event may carry.
type ClickIDs struct {
	GCLID   string `json:"gclid,omitempty"`
	GBRAID  string `json:"gbraid,omitempty"`
	WBRAID  string `json:"wbraid,omitempty"`
	MSCLKID string `json:"msclkid,omitempty"`
	RdtCID  string `json:"rdt_cid,omitempty"`
	TWCLID  string `json:"twclid,omitempty"`
	LiFatID string `json:"li_fat_id,omitempty"`
}

// Empty reports whether no click id is present.
func (c ClickIDs) Empty() bool {
	return c == ClickIDs{}
}

// UTM is the campaign parameter tuple.
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Term     string `json:"utm_term,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	ID       string `json:"utm_id,omitempty"`
}

// Empty reports whether no utm parameter is present.
func (u UTM) Empty() bool {
	return u == UTM{}
}

// RawEvent is a page view or conversion collected from the site.
type RawEvent struct {
	ID         int64          `json:"id"`
	EventID    string         `json:"event_id"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	EventType  string         `json:"event_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	ClickIDs   ClickIDs       `json:"click_ids"`
	UTM        UTM            `json:"utm"`
	Value      float64        `json:"value,omitempty"`
	Currency   string         `json:"currency,omitempty"`
	Referrer   string         `json:"referrer,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Touchpoint is a normalized marketing exposure for a user. ID is the
// insertion sequence used to break timestamp ties.
type Touchpoint struct {
	ID           int64     `json:"id"`
	RawEventID   int64     `json:"raw_event_id"`
	UserID       string    `json:"user_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Platform     Platform  `json:"platform"`
	CampaignHint string    `json:"campaign_hint,omitempty"`
	ClickID      string    `json:"click_id,omitempty"`
	ClickIDType  string    `json:"click_id_type,omitempty"`
	UTM          UTM       `json:"utm"`
}

// Attribution statuses.
const (
	StatusAttributed   = "attributed"
	StatusUnattributed = "unattributed"
)

// Conversion is a conversion event awaiting attribution.
type Conversion struct {
	RawEventID   int64     `json:"raw_event_id"`
	ConversionID string    `json:"conversion_id"`
	UserID       string    `json:"user_id"`
	ConvertedAt  time.Time `json:"converted_at"`
	Value        float64   `json:"value"`
}

// AttributedConversion is the resolver's output for one conversion.
// Unattributed rows carry no touchpoint and are excluded from CAC math.
type AttributedConversion struct {
	ConversionID    string     `json:"conversion_id"`
	UserID          string     `json:"user_id"`
	ConvertedAt     time.Time  `json:"converted_at"`
	Status          string     `json:"status"`
	TouchpointID    *int64     `json:"touchpoint_id,omitempty"`
	Platform        Platform   `json:"platform,omitempty"`
	CampaignID      string     `json:"campaign_id,omitempty"`
	ClickID         string     `json:"click_id,omitempty"`
	ClickIDType     string     `json:"click_id_type,omitempty"`
	UTM             UTM        `json:"utm"`
	Value           float64    `json:"value"`
	RunID           uuid.UUID  `json:"run_id"`
	UploadedAt      *time.Time `json:"uploaded_at,omitempty"`
	UploadAttempts  int        `json:"upload_attempts"`
	LastUploadError string     `json:"last_upload_error,omitempty"`
}

// KPIRow aggregates metrics for one platform and day.
type KPIRow struct {
	Platform    Platform  `json:"platform"`
	Date        time.Time `json:"date"`
	Spend       float64   `json:"spend"`
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	Conversions int64     `json:"conversions"`
	Attributed  int64     `json:"attributed"`
}

// AttributionRow aggregates attributed conversions for one campaign.
type AttributionRow struct {
	Platform    Platform `json:"platform"`
	CampaignID  string   `json:"campaign_id"`
	Conversions int64    `json:"conversions"`
	Value       float64  `json:"value"`
}

// UploadFilter selects attributed conversions awaiting upload. Only rows
// for Platforms with fewer than MaxAttempts recorded attempts qualify.
type UploadFilter struct {
	Window      Window
	Platforms   []Platform
	MaxAttempts int
	Limit       int
}
