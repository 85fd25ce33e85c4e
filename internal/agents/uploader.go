package agents

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/platform"
	"github.com/spendpilot/spendpilot/internal/storage"
)

// UploadStore is the slice of the Fact Store the uploader uses.
type UploadStore interface {
	PendingUploads(ctx context.Context, f model.UploadFilter) ([]model.AttributedConversion, error)
	CountAbandonedUploads(ctx context.Context, platforms []model.Platform, maxAttempts int) (int64, error)
	MarkUploaded(ctx context.Context, conversionIDs []string) error
	MarkUploadFailed(ctx context.Context, conversionIDs []string, errMsg string) error
	LatestAccount(ctx context.Context, p model.Platform, campaignID string) (string, error)
}

// Uploader pushes attributed conversions back to the platform that drove them.
type Uploader struct {
	store       UploadStore
	platforms   Platforms
	timeout     time.Duration
	batch       int
	maxAttempts int
	logger      *slog.Logger
}

// NewUploader creates an Uploader sending at most batch conversions per run.
// A conversion is abandoned after storage.MaxUploadAttempts failed attempts.
func NewUploader(store UploadStore, platforms Platforms, timeout time.Duration, batch int, logger *slog.Logger) *Uploader {
	if batch <= 0 {
		batch = 5000
	}
	return &Uploader{
		store:       store,
		platforms:   platforms,
		timeout:     timeout,
		batch:       batch,
		maxAttempts: storage.MaxUploadAttempts,
		logger:      logger,
	}
}

type uploadGroup struct {
	platform model.Platform
	account  string
	client   platform.Client
	convs    []platform.ConversionUpload
}

func (g *uploadGroup) key() string { return string(g.platform) + "/" + g.account }

func (g *uploadGroup) ids() []string {
	out := make([]string, len(g.convs))
	for i, c := range g.convs {
		out[i] = c.ConversionID
	}
	return out
}

// Upload sends pending attributed conversions for the configured platforms
// (optionally limited to w) in one call per platform account. Acknowledged
// rows get their upload watermark; failed rows stay pending for the next run
// and queue behind rows with fewer attempts. In dry-run mode nothing is sent
// or stamped.
func (u *Uploader) Upload(ctx context.Context, w model.Window, dryRun bool) (Result, error) {
	var res Result
	configured := u.platforms.Platforms()
	pending, err := u.store.PendingUploads(ctx, model.UploadFilter{
		Window:      w,
		Platforms:   configured,
		MaxAttempts: u.maxAttempts,
		Limit:       u.batch,
	})
	if err != nil {
		return res, fmt.Errorf("agents: upload: %w", err)
	}
	abandoned, err := u.store.CountAbandonedUploads(ctx, configured, u.maxAttempts)
	if err != nil {
		return res, fmt.Errorf("agents: upload: %w", err)
	}
	if abandoned > 0 {
		res.set("abandoned", abandoned)
		u.logger.Warn("uploader: conversions abandoned after repeated failures", "count", abandoned, "max_attempts", u.maxAttempts)
	}

	groups := make(map[string]*uploadGroup)
	var failures []Failure
	for _, ac := range pending {
		entry, ok := u.platforms.Get(ac.Platform)
		if !ok {
			failures = append(failures, Failure{Item: ac.ConversionID, Error: fmt.Sprintf("platform %s not configured", ac.Platform)})
			continue
		}
		account, err := u.resolveAccount(ctx, ac, entry)
		if err != nil {
			failures = append(failures, Failure{Item: ac.ConversionID, Error: err.Error()})
			continue
		}
		g := &uploadGroup{platform: ac.Platform, account: account, client: entry.Client}
		if existing, ok := groups[g.key()]; ok {
			g = existing
		} else {
			groups[g.key()] = g
		}
		g.convs = append(g.convs, platform.ConversionUpload{
			ConversionID: ac.ConversionID,
			CampaignID:   ac.CampaignID,
			ClickID:      ac.ClickID,
			ClickIDType:  ac.ClickIDType,
			ConvertedAt:  ac.ConvertedAt,
			Value:        ac.Value,
		})
	}

	ordered := make([]*uploadGroup, 0, len(groups))
	for _, g := range groups {
		ordered = append(ordered, g)
	}
	slices.SortFunc(ordered, func(a, b *uploadGroup) int { return cmp.Compare(a.key(), b.key()) })

	perGroup := make(map[string]int, len(ordered))
	failedGroups := 0
	for _, g := range ordered {
		if dryRun {
			perGroup[g.key()] = len(g.convs)
			res.Count += int64(len(g.convs))
			continue
		}
		accepted, err := u.push(ctx, g)
		if err != nil {
			failedGroups++
			failures = append(failures, Failure{Item: g.key(), Error: err.Error()})
			u.logger.Warn("uploader: group failed", "group", g.key(), "conversions", len(g.convs), "error", err)
			continue
		}
		perGroup[g.key()] = accepted
		res.Count += int64(accepted)
	}

	res.set("pending", len(pending))
	res.set("groups", perGroup)
	res.set("dry_run", dryRun)
	if len(pending) == u.batch {
		res.set("truncated", true)
	}
	if len(failures) > 0 {
		res.set("failures", failures)
	}
	verb := "pushed"
	if dryRun {
		verb = "would push"
	}
	res.Notes = fmt.Sprintf("%s %d conversion(s) in %d group(s)", verb, res.Count, len(ordered))
	if len(ordered) > 0 && failedGroups == len(ordered) {
		return res, fmt.Errorf("%w: %d upload group(s)", ErrAllFailed, failedGroups)
	}
	return res, nil
}

// resolveAccount picks the account that spent on the campaign most
// recently, falling back to the platform's first configured account.
func (u *Uploader) resolveAccount(ctx context.Context, ac model.AttributedConversion, entry platform.Entry) (string, error) {
	if ac.CampaignID != "" {
		account, err := u.store.LatestAccount(ctx, ac.Platform, ac.CampaignID)
		if err == nil {
			return account, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return "", err
		}
	}
	if len(entry.Accounts) == 0 {
		return "", fmt.Errorf("no account configured for %s", ac.Platform)
	}
	return entry.Accounts[0], nil
}

func (u *Uploader) push(ctx context.Context, g *uploadGroup) (int, error) {
	callCtx := ctx
	if u.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}
	ack, err := g.client.UploadConversions(callCtx, g.account, g.convs)
	if err != nil {
		if markErr := u.store.MarkUploadFailed(ctx, g.ids(), err.Error()); markErr != nil {
			u.logger.Error("uploader: record failure", "group", g.key(), "error", markErr)
		}
		return 0, err
	}

	accepted := make([]string, 0, len(g.convs))
	for _, id := range g.ids() {
		if reason, rejected := ack.Rejected[id]; rejected {
			if err := u.store.MarkUploadFailed(ctx, []string{id}, "rejected: "+reason); err != nil {
				u.logger.Error("uploader: record rejection", "conversion_id", id, "error", err)
			}
			continue
		}
		accepted = append(accepted, id)
	}
	if err := u.store.MarkUploaded(ctx, accepted); err != nil {
		return 0, fmt.Errorf("stamp uploaded: %w", err)
	}
	return len(accepted), nil
}
