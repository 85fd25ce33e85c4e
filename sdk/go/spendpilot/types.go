package spendpilot

import (
	"time"

	"github.com/google/uuid"
)

// Window is an inclusive date range in YYYY-MM-DD form. Empty bounds let
// the server pick the agent's default.
type Window struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// RunRequest asks the server to enqueue an agent.
type RunRequest struct {
	Agent  string  `json:"agent"`
	Window *Window `json:"window,omitempty"`
	DryRun bool    `json:"dry_run,omitempty"`
}

// Run is a run ticket. OK is nil until the run has finished.
type Run struct {
	ID         int64          `json:"id"`
	Agent      string         `json:"agent"`
	RunID      uuid.UUID      `json:"run_id"`
	Window     Window         `json:"window"`
	DryRun     bool           `json:"dry_run"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	RunnerID   *string        `json:"runner_id,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	OK         *bool          `json:"ok"`
	Stats      map[string]any `json:"stats,omitempty"`
}

// Finished reports whether the run has an outcome.
func (r Run) Finished() bool { return r.OK != nil }

// StaleRuns is the response of the stale-run report.
type StaleRuns struct {
	StaleAfter string `json:"stale_after"`
	Runs       []Run  `json:"runs"`
}

// Event is a first-party tracking event.
type Event struct {
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

// ClickIDs are the ad-platform click identifiers captured on landing.
type ClickIDs struct {
	GCLID   string `json:"gclid,omitempty"`
	GBRAID  string `json:"gbraid,omitempty"`
	WBRAID  string `json:"wbraid,omitempty"`
	MSCLKID string `json:"msclkid,omitempty"`
	RdtCID  string `json:"rdt_cid,omitempty"`
	TWCLID  string `json:"twclid,omitempty"`
	LiFatID string `json:"li_fat_id,omitempty"`
}

// UTM holds the utm_* query parameters of the landing URL.
type UTM struct {
	Source   string `json:"utm_source,omitempty"`
	Medium   string `json:"utm_medium,omitempty"`
	Campaign string `json:"utm_campaign,omitempty"`
	Term     string `json:"utm_term,omitempty"`
	Content  string `json:"utm_content,omitempty"`
	ID       string `json:"utm_id,omitempty"`
}

// Event types accepted by IngestEvents.
const (
	EventPageView   = "page_view"
	EventConversion = "conversion"
)

// IngestResult reports how many events were new.
type IngestResult struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

// Policy is a campaign budget policy.
type Policy struct {
	Platform       string  `json:"platform"`
	AccountID      string  `json:"account_id"`
	CampaignID     string  `json:"campaign_id"`
	TargetCAC      float64 `json:"target_cac"`
	MaxCAC         float64 `json:"max_cac"`
	MinBudget      float64 `json:"min_budget"`
	MaxBudget      float64 `json:"max_budget"`
	MinConversions int64   `json:"min_conversions"`
	Enabled        bool    `json:"enabled"`
}

// KPIRow is one platform-day of the KPI report.
type KPIRow struct {
	Platform    string    `json:"platform"`
	Date        time.Time `json:"date"`
	Spend       float64   `json:"spend"`
	Clicks      int64     `json:"clicks"`
	Impressions int64     `json:"impressions"`
	Conversions int64     `json:"conversions"`
	Attributed  int64     `json:"attributed"`
}

// AttributionRow is one campaign of the attribution report.
type AttributionRow struct {
	Platform    string  `json:"platform"`
	CampaignID  string  `json:"campaign_id"`
	Conversions int64   `json:"conversions"`
	Value       float64 `json:"value"`
}

// Health is the server health response.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
