package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendpilot/spendpilot/internal/model"
)

func date(s string) time.Time {
	t, err := time.Parse(model.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseAgent(t *testing.T) {
	w := model.Window{Start: date("2026-03-01"), End: date("2026-03-14")}
	tests := []struct {
		name string
		dry  bool
		want model.Job
	}{
		{"ingestor-google", false, model.IngestJob{Platform: model.PlatformGoogle, Window: w}},
		{"ingestor-linkedin", false, model.IngestJob{Platform: model.PlatformLinkedIn, Window: w}},
		{"touchpoint-extractor", true, model.ExtractJob{Window: w}},
		{"attribution-resolver", false, model.ResolveJob{Window: w}},
		{"conversion-uploader", true, model.UploadJob{Window: w, Dry: true}},
		{"budget-optimizer", true, model.OptimizeJob{Window: w, Dry: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job, err := model.ParseAgent(tt.name, w, tt.dry)
			require.NoError(t, err)
			assert.Equal(t, tt.want, job)
			assert.Equal(t, tt.name, job.Agent())
			assert.Equal(t, w, job.Bounds())
		})
	}
}

func TestParseAgent_Unknown(t *testing.T) {
	for _, name := range []string{"", "ingestor-", "ingestor-tiktok", "ingestor-Google", "budget_optimizer", "other"} {
		_, err := model.ParseAgent(name, model.Window{}, false)
		assert.ErrorIs(t, err, model.ErrUnknownAgent, "name %q", name)
	}
}

func TestParseAgent_InvalidWindow(t *testing.T) {
	_, err := model.ParseAgent("budget-optimizer", model.Window{Start: date("2026-03-10"), End: date("2026-03-01")}, false)
	assert.ErrorIs(t, err, model.ErrInvalidWindow)
}

func TestParseAgent_IngestWindowBounds(t *testing.T) {
	tests := []struct {
		name    string
		window  model.Window
		wantErr bool
	}{
		{name: "no window", window: model.Window{}},
		{name: "end only", window: model.Window{End: date("2026-03-10")}},
		{name: "longest backfill", window: model.Window{Start: date("2026-01-01"), End: date("2026-04-03")}},
		{name: "start without end", window: model.Window{Start: date("2020-01-01")}, wantErr: true},
		{name: "too long", window: model.Window{Start: date("2026-01-01"), End: date("2026-04-04")}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := model.ParseAgent("ingestor-google", tt.window, false)
			if tt.wantErr {
				assert.ErrorIs(t, err, model.ErrInvalidWindow)
				return
			}
			assert.NoError(t, err)
		})
	}

	// Other agents resolve an open start against the run date.
	_, err := model.ParseAgent("touchpoint-extractor", model.Window{Start: date("2020-01-01")}, false)
	assert.NoError(t, err)
}

func TestDryRunOnlyForWriters(t *testing.T) {
	job, err := model.ParseAgent("ingestor-x", model.Window{}, true)
	require.NoError(t, err)
	assert.False(t, job.DryRun())

	job, err = model.ParseAgent("conversion-uploader", model.Window{}, true)
	require.NoError(t, err)
	assert.True(t, job.DryRun())
}

func TestAgentNames(t *testing.T) {
	names := model.AgentNames([]model.Platform{model.PlatformGoogle, model.PlatformReddit})
	assert.Equal(t, []string{
		"ingestor-google",
		"ingestor-reddit",
		"touchpoint-extractor",
		"attribution-resolver",
		"conversion-uploader",
		"budget-optimizer",
	}, names)
	for _, n := range names {
		_, err := model.ParseAgent(n, model.Window{}, false)
		assert.NoError(t, err, n)
	}
}

func TestWindowResolve(t *testing.T) {
	now := time.Date(2026, 3, 15, 17, 30, 0, 0, time.UTC)

	w := model.Window{}.Resolve(now, 14)
	assert.Equal(t, date("2026-03-02"), w.Start)
	assert.Equal(t, date("2026-03-15"), w.End)
	assert.Len(t, w.Days(), 14)

	from, to := w.Bounds()
	assert.Equal(t, date("2026-03-02"), from)
	assert.Equal(t, date("2026-03-16"), to)

	explicit := model.Window{Start: date("2026-01-01")}.Resolve(now, 3)
	assert.Equal(t, date("2026-01-01"), explicit.Start)
	assert.Equal(t, date("2026-03-15"), explicit.End)

	single := model.Window{}.Resolve(now, 0)
	assert.Equal(t, single.Start, single.End)
}

func TestWindowJSON(t *testing.T) {
	var w model.Window
	require.NoError(t, json.Unmarshal([]byte(`{"start":"2026-03-01","end":"2026-03-02T10:00:00Z"}`), &w))
	assert.Equal(t, date("2026-03-01"), w.Start)
	assert.Equal(t, date("2026-03-02"), w.End)

	b, err := json.Marshal(w)
	require.NoError(t, err)
	assert.JSONEq(t, `{"start":"2026-03-01","end":"2026-03-02"}`, string(b))

	b, err = json.Marshal(model.Window{})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(b))

	assert.Error(t, json.Unmarshal([]byte(`{"start":"03/01/2026"}`), &w))
}

func TestParseWindow(t *testing.T) {
	_, err := model.ParseWindow("2026-03-02", "2026-03-01")
	assert.True(t, errors.Is(err, model.ErrInvalidWindow))

	_, err = model.ParseWindow("yesterday", "")
	assert.ErrorIs(t, err, model.ErrInvalidWindow)

	w, err := model.ParseWindow("", "")
	require.NoError(t, err)
	assert.True(t, w.IsZero())
}

func TestCampaignPolicyValidate(t *testing.T) {
	ok := model.CampaignPolicy{
		Platform: model.PlatformGoogle, AccountID: "a1", CampaignID: "c1",
		TargetCAC: 40, MaxCAC: 60, MinBudget: 10, MaxBudget: 500, MinConversions: 5, Enabled: true,
	}
	require.NoError(t, ok.Validate())

	tests := []struct {
		name   string
		mutate func(p *model.CampaignPolicy)
	}{
		{"target above max", func(p *model.CampaignPolicy) { p.TargetCAC = 70 }},
		{"min budget above max", func(p *model.CampaignPolicy) { p.MinBudget = 600 }},
		{"negative min budget", func(p *model.CampaignPolicy) { p.MinBudget = -1 }},
		{"missing campaign", func(p *model.CampaignPolicy) { p.CampaignID = "" }},
		{"unknown platform", func(p *model.CampaignPolicy) { p.Platform = "tiktok" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ok
			tt.mutate(&p)
			assert.Error(t, p.Validate())
		})
	}
}

func TestRoleAtLeast(t *testing.T) {
	assert.True(t, model.RoleAtLeast(model.RoleAdmin, model.RoleAnalyst))
	assert.True(t, model.RoleAtLeast(model.RoleAnalyst, model.RoleViewer))
	assert.False(t, model.RoleAtLeast(model.RoleViewer, model.RoleAnalyst))
	assert.False(t, model.RoleAtLeast(model.OperatorRole("root"), model.RoleViewer))

	_, err := model.ParseRole("root")
	assert.Error(t, err)
}

func TestRoundCents(t *testing.T) {
	assert.Equal(t, 80.0, model.RoundCents(80.0000001))
	assert.Equal(t, 33.33, model.RoundCents(100.0/3))
	assert.Equal(t, 0.0, model.RoundCents(0.004))
}

func TestEventsRequestValidate(t *testing.T) {
	now := time.Now()
	good := model.EventsRequest{Events: []model.RawEvent{{EventID: "e1", EventType: model.EventPageView, OccurredAt: now}}}
	require.NoError(t, good.Validate())

	assert.Error(t, model.EventsRequest{}.Validate())
	assert.Error(t, model.EventsRequest{Events: []model.RawEvent{{EventType: model.EventPageView, OccurredAt: now}}}.Validate())
	assert.Error(t, model.EventsRequest{Events: []model.RawEvent{{EventID: "e", EventType: "click", OccurredAt: now}}}.Validate())
	assert.Error(t, model.EventsRequest{Events: []model.RawEvent{{EventID: "e", EventType: model.EventConversion}}}.Validate())
}
