package platform

import (
	"strings"

	"github.com/spendpilot/spendpilot/internal/model"
)

// Click id types as stored on touchpoints.
const (
	ClickGCLID   = "gclid"
	ClickGBRAID  = "gbraid"
	ClickWBRAID  = "wbraid"
	ClickMSCLKID = "msclkid"
	ClickRdtCID  = "rdt_cid"
	ClickTWCLID  = "twclid"
	ClickLiFatID = "li_fat_id"
)

var utmSourceAliases = map[string]model.Platform{
	"google":    model.PlatformGoogle,
	"adwords":   model.PlatformGoogle,
	"gads":      model.PlatformGoogle,
	"bing":      model.PlatformMicrosoft,
	"microsoft": model.PlatformMicrosoft,
	"msads":     model.PlatformMicrosoft,
	"reddit":    model.PlatformReddit,
	"x":         model.PlatformX,
	"twitter":   model.PlatformX,
	"linkedin":  model.PlatformLinkedIn,
}

// Normalize derives a touchpoint from a raw event.
//
// Click ids win over utm parameters and are checked in a fixed order, so an
// event carrying both gclid and msclkid is attributed to google. Without a
// click id the platform comes from utm_source, else PlatformOther.
func Normalize(ev model.RawEvent) model.Touchpoint {
	tp := model.Touchpoint{
		RawEventID:   ev.ID,
		UserID:       ev.UserID,
		OccurredAt:   ev.OccurredAt,
		UTM:          ev.UTM,
		CampaignHint: campaignHint(ev.UTM),
	}
	tp.Platform, tp.ClickID, tp.ClickIDType = classify(ev.ClickIDs, ev.UTM.Source)
	return tp
}

func classify(c model.ClickIDs, utmSource string) (model.Platform, string, string) {
	ordered := []struct {
		value string
		typ   string
		p     model.Platform
	}{
		{c.GCLID, ClickGCLID, model.PlatformGoogle},
		{c.GBRAID, ClickGBRAID, model.PlatformGoogle},
		{c.WBRAID, ClickWBRAID, model.PlatformGoogle},
		{c.MSCLKID, ClickMSCLKID, model.PlatformMicrosoft},
		{c.RdtCID, ClickRdtCID, model.PlatformReddit},
		{c.TWCLID, ClickTWCLID, model.PlatformX},
		{c.LiFatID, ClickLiFatID, model.PlatformLinkedIn},
	}
	for _, o := range ordered {
		if v := strings.TrimSpace(o.value); v != "" {
			return o.p, v, o.typ
		}
	}
	if p, ok := utmSourceAliases[strings.ToLower(strings.TrimSpace(utmSource))]; ok {
		return p, "", ""
	}
	return model.PlatformOther, "", ""
}

func campaignHint(u model.UTM) string {
	if id := strings.TrimSpace(u.ID); id != "" {
		return id
	}
	return strings.TrimSpace(u.Campaign)
}
