// Package model defines the core domain types for spendpilot.
//
// Types correspond to Fact Store tables, run tickets and job payloads.
// Money amounts are float64 in account currency; Postgres stores them as
// NUMERIC and rounding to cents happens at the edges that produce budgets.
package model

import (
	"fmt"
	"strings"
)

// Platform identifies an ad platform.
type Platform string

const (
	PlatformGoogle    Platform = "google"
	PlatformMicrosoft Platform = "microsoft"
	PlatformReddit    Platform = "reddit"
	PlatformX         Platform = "x"
	PlatformLinkedIn  Platform = "linkedin"

	// PlatformOther marks touchpoints whose source could not be mapped.
	PlatformOther Platform = "other"
)

// KnownPlatforms lists every platform an ingestor can exist for, in the
// order the scheduler enqueues them.
var KnownPlatforms = []Platform{
	PlatformGoogle,
	PlatformMicrosoft,
	PlatformReddit,
	PlatformX,
	PlatformLinkedIn,
}

// ParsePlatform returns the Platform named by s (case-insensitive).
// PlatformOther is not accepted: it only appears on derived touchpoints.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range KnownPlatforms {
		if p == k {
			return p, nil
		}
	}
	return "", fmt.Errorf("unknown platform %q", s)
}

// CampaignKey identifies a campaign within an account on a platform.
type CampaignKey struct {
	Platform   Platform `json:"platform"`
	AccountID  string   `json:"account_id"`
	CampaignID string   `json:"campaign_id"`
}

func (k CampaignKey) String() string {
	return string(k.Platform) + "/" + k.AccountID + "/" + k.CampaignID
}
