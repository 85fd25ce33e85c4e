package agents

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/platform"
	"github.com/spendpilot/spendpilot/internal/storage"
)

func attributed(id string, p model.Platform, campaign string, at time.Time) model.AttributedConversion {
	tp := int64(1)
	return model.AttributedConversion{
		ConversionID: id, UserID: "u", ConvertedAt: at, Status: model.StatusAttributed,
		TouchpointID: &tp, Platform: p, CampaignID: campaign, ClickID: "ck-" + id, Value: 10,
	}
}

func uploadFixture() (*fakeStore, *platform.Registry, *platform.MockClient, *platform.MockClient) {
	store := newFakeStore()
	google := platform.NewMockClient(platform.MockOptions{Platform: model.PlatformGoogle})
	reddit := platform.NewMockClient(platform.MockOptions{Platform: model.PlatformReddit})
	reg := &platform.Registry{}
	reg.Register(model.PlatformGoogle, platform.Entry{Client: google, Accounts: []string{"g-default"}})
	reg.Register(model.PlatformReddit, platform.Entry{Client: reddit, Accounts: []string{"r-default"}})

	store.metrics["google/gc1/2026-03-09"] = model.MetricRecord{Platform: model.PlatformGoogle, AccountID: "g-spend", CampaignID: "gc1", Date: t0.AddDate(0, 0, -1)}
	store.attributions["a"] = attributed("a", model.PlatformGoogle, "gc1", t0)
	store.attributions["b"] = attributed("b", model.PlatformGoogle, "unknown-campaign", t0.Add(time.Minute))
	store.attributions["c"] = attributed("c", model.PlatformReddit, "rc1", t0.Add(2*time.Minute))
	store.attributions["d"] = attributed("d", model.PlatformOther, "", t0.Add(3*time.Minute))
	store.attributions["u"] = model.AttributedConversion{ConversionID: "u", Status: model.StatusUnattributed}
	return store, reg, google, reddit
}

func TestUpload_GroupsByAccountAndStamps(t *testing.T) {
	store, reg, google, reddit := uploadFixture()
	up := NewUploader(store, reg, time.Second, 100, discardLogger())

	res, err := up.Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
	assert.NotContains(t, res.Details, "failures")
	assert.False(t, store.uploaded["d"], "unmapped touchpoints have no upload endpoint")
	assert.Equal(t, map[string]int{"google/g-default": 1, "google/g-spend": 1, "reddit/r-default": 1}, res.Details["groups"])

	assert.Len(t, google.Uploads(), 2)
	assert.Len(t, reddit.Uploads(), 1)
	for _, id := range []string{"a", "b", "c"} {
		assert.True(t, store.uploaded[id], id)
	}

	// Watermark: nothing is sent twice.
	res, err = up.Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Len(t, google.Uploads(), 2)
}

func TestUpload_DryRunSendsNothing(t *testing.T) {
	store, reg, google, reddit := uploadFixture()
	res, err := NewUploader(store, reg, time.Second, 100, discardLogger()).Upload(context.Background(), model.Window{}, true)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Count)
	assert.Empty(t, google.Uploads())
	assert.Empty(t, reddit.Uploads())
	assert.Empty(t, store.uploaded)
}

func TestUpload_PlatformFailureIsIsolated(t *testing.T) {
	store, reg, _, reddit := uploadFixture()
	reddit.FailUpload("r-default", errors.New("503"))

	res, err := NewUploader(store, reg, time.Second, 100, discardLogger()).Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
	assert.False(t, store.uploaded["c"])
	assert.Equal(t, "503", store.uploadErrors["c"])
}

func TestUpload_RejectedStaysPending(t *testing.T) {
	store, reg, google, _ := uploadFixture()
	google.Reject("a", "click expired")

	res, err := NewUploader(store, reg, time.Second, 100, discardLogger()).Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Count)
	assert.False(t, store.uploaded["a"])
	assert.Equal(t, "rejected: click expired", store.uploadErrors["a"])
}

func TestUpload_AllGroupsFailed(t *testing.T) {
	store, reg, google, reddit := uploadFixture()
	google.FailUpload("g-default", errors.New("down"))
	google.FailUpload("g-spend", errors.New("down"))
	reddit.FailUpload("r-default", errors.New("down"))

	_, err := NewUploader(store, reg, time.Second, 100, discardLogger()).Upload(context.Background(), model.Window{}, false)
	assert.ErrorIs(t, err, ErrAllFailed)
}

func TestUpload_UnsendableRowsDoNotStarveNewerConversions(t *testing.T) {
	store := newFakeStore()
	google := platform.NewMockClient(platform.MockOptions{Platform: model.PlatformGoogle})
	reg := &platform.Registry{}
	reg.Register(model.PlatformGoogle, platform.Entry{Client: google, Accounts: []string{"g-default"}})

	for i, id := range []string{"o1", "o2", "o3"} {
		store.attributions[id] = attributed(id, model.PlatformOther, "", t0.Add(time.Duration(i)*time.Minute))
	}
	store.attributions["li1"] = attributed("li1", model.PlatformLinkedIn, "lc", t0.Add(3*time.Minute))
	store.attributions["g1"] = attributed("g1", model.PlatformGoogle, "gc", t0.Add(time.Hour))

	res, err := NewUploader(store, reg, time.Second, 3, discardLogger()).Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)
	assert.True(t, store.uploaded["g1"])
	assert.Len(t, google.Uploads(), 1)
}

func TestUpload_FailingRowsQueueBehindFreshOnes(t *testing.T) {
	store, reg, google, reddit := uploadFixture()
	clear(store.attributions)
	store.attributions["r-old"] = attributed("r-old", model.PlatformReddit, "rc1", t0)
	store.attributions["g-new"] = attributed("g-new", model.PlatformGoogle, "gc1", t0.Add(time.Hour))
	reddit.FailUpload("r-default", errors.New("503"))
	up := NewUploader(store, reg, time.Second, 1, discardLogger())

	_, err := up.Upload(context.Background(), model.Window{}, false)
	require.ErrorIs(t, err, ErrAllFailed)
	assert.Equal(t, 1, store.attributions["r-old"].UploadAttempts)

	res, err := up.Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)
	assert.True(t, store.uploaded["g-new"])
	assert.Len(t, google.Uploads(), 1)
}

func TestUpload_AbandonsAfterMaxAttempts(t *testing.T) {
	store, reg, google, _ := uploadFixture()
	clear(store.attributions)
	stuck := attributed("stuck", model.PlatformGoogle, "gc1", t0)
	stuck.UploadAttempts = storage.MaxUploadAttempts - 1
	store.attributions["stuck"] = stuck
	google.Reject("stuck", "click expired")
	up := NewUploader(store, reg, time.Second, 10, discardLogger())

	res, err := up.Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	require.Len(t, google.Uploads(), 1)

	res, err = up.Upload(context.Background(), model.Window{}, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Details["abandoned"])
	assert.Len(t, google.Uploads(), 1, "abandoned conversions are not sent again")
}
