package platform

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/propagation"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/ratelimit"
	"github.com/spendpilot/spendpilot/internal/telemetry"
)

// HTTPOptions configures an HTTPClient.
type HTTPOptions struct {
	Platform      model.Platform
	BaseURL       string
	APIToken      string
	SigningSecret string
	UserAgent     string
	Timeout       time.Duration

	// Limiter paces calls per "platform/account". Nil disables pacing.
	Limiter ratelimit.Limiter

	// MaxAttempts bounds tries for idempotent calls (metrics reads and
	// budget sets). Conversion uploads are never retried in-call.
	MaxAttempts int
	RetryBase   time.Duration
}

// HTTPClient talks to a platform gateway exposing:
//
//	GET  {base}/v1/accounts/{account}/metrics?date=YYYY-MM-DD
//	POST {base}/v1/accounts/{account}/conversions
//	PUT  {base}/v1/accounts/{account}/campaigns/{campaign}/budget
//
// Writes carry X-Signature: hex(HMAC-SHA256(secret, body)).
type HTTPClient struct {
	platform    model.Platform
	baseURL     string
	token       string
	secret      []byte
	userAgent   string
	client      *http.Client
	limiter     ratelimit.Limiter
	maxAttempts int
	retryBase   time.Duration
}

// NewHTTPClient validates opts and returns a client.
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("platform: BaseURL is required")
	}
	if u, err := url.Parse(base); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("platform: invalid BaseURL %q", base)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "spendpilot/1.0"
	}
	attempts := opts.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	retryBase := opts.RetryBase
	if retryBase <= 0 {
		retryBase = 200 * time.Millisecond
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	return &HTTPClient{
		platform:    opts.Platform,
		baseURL:     strings.TrimRight(base, "/"),
		token:       opts.APIToken,
		secret:      []byte(opts.SigningSecret),
		userAgent:   ua,
		client:      &http.Client{Timeout: timeout},
		limiter:     limiter,
		maxAttempts: attempts,
		retryBase:   retryBase,
	}, nil
}

type metricsEnvelope struct {
	Campaigns []CampaignMetrics `json:"campaigns"`
}

// FetchDailyMetrics implements Client.
func (c *HTTPClient) FetchDailyMetrics(ctx context.Context, accountID string, date time.Time) ([]CampaignMetrics, error) {
	u := c.accountURL(accountID, "metrics") + "?date=" + url.QueryEscape(model.Day(date).Format(model.DateLayout))

	var body []byte
	err := c.retry(ctx, func() error {
		var err error
		body, err = c.do(ctx, accountID, http.MethodGet, u, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("platform: fetch metrics %s/%s: %w", c.platform, accountID, err)
	}

	// Accept both {"campaigns":[...]} and a bare array.
	var env metricsEnvelope
	if err := json.Unmarshal(body, &env); err == nil && env.Campaigns != nil {
		return env.Campaigns, nil
	}
	var arr []CampaignMetrics
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, fmt.Errorf("platform: metrics payload parse: %w", err)
	}
	return arr, nil
}

type uploadRequest struct {
	Conversions []ConversionUpload `json:"conversions"`
}

type uploadResponse struct {
	Accepted int `json:"accepted"`
	Rejected []struct {
		ConversionID string `json:"conversion_id"`
		Reason       string `json:"reason"`
	} `json:"rejected"`
}

// UploadConversions implements Client. It is not retried here; rows stay
// pending and the next uploader run sends them again.
func (c *HTTPClient) UploadConversions(ctx context.Context, accountID string, convs []ConversionUpload) (UploadAck, error) {
	payload, err := json.Marshal(uploadRequest{Conversions: convs})
	if err != nil {
		return UploadAck{}, fmt.Errorf("platform: marshal conversions: %w", err)
	}
	body, err := c.do(ctx, accountID, http.MethodPost, c.accountURL(accountID, "conversions"), payload)
	if err != nil {
		return UploadAck{}, fmt.Errorf("platform: upload conversions %s/%s: %w", c.platform, accountID, err)
	}

	ack := UploadAck{Accepted: len(convs)}
	if len(bytes.TrimSpace(body)) == 0 {
		return ack, nil
	}
	var resp uploadResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return UploadAck{}, fmt.Errorf("platform: upload ack parse: %w", err)
	}
	ack.Accepted = resp.Accepted
	if len(resp.Rejected) > 0 {
		ack.Rejected = make(map[string]string, len(resp.Rejected))
		for _, r := range resp.Rejected {
			ack.Rejected[r.ConversionID] = r.Reason
		}
	}
	return ack, nil
}

// SetDailyBudget implements Client. Setting an absolute amount is
// idempotent, so transient failures are retried.
func (c *HTTPClient) SetDailyBudget(ctx context.Context, accountID, campaignID string, amount float64) error {
	if campaignID == "" {
		return errors.New("platform: campaignID is required")
	}
	if amount < 0 {
		return fmt.Errorf("platform: negative budget %.2f", amount)
	}
	payload, err := json.Marshal(map[string]float64{"daily_budget": model.RoundCents(amount)})
	if err != nil {
		return fmt.Errorf("platform: marshal budget: %w", err)
	}
	u := c.accountURL(accountID, "campaigns", campaignID, "budget")
	err = c.retry(ctx, func() error {
		_, err := c.do(ctx, accountID, http.MethodPut, u, payload)
		return err
	})
	if err != nil {
		return fmt.Errorf("platform: set budget %s/%s/%s: %w", c.platform, accountID, campaignID, err)
	}
	return nil
}

func (c *HTTPClient) accountURL(accountID string, parts ...string) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/v1/accounts/")
	b.WriteString(url.PathEscape(accountID))
	for _, p := range parts {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(p))
	}
	return b.String()
}

// sign returns hex(HMAC-SHA256(secret, body)).
func sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *HTTPClient) do(ctx context.Context, accountID, method, u string, payload []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx, string(c.platform)+"/"+accountID); err != nil {
		return nil, err
	}

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	telemetry.InjectHeaders(ctx, propagation.HeaderCarrier(req.Header))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
		if len(c.secret) > 0 {
			req.Header.Set("X-Signature", sign(c.secret, payload))
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	return io.ReadAll(resp.Body)
}

// retry runs fn until it succeeds, fails permanently, or attempts run out.
// Backoff is exponential with jitter.
func (c *HTTPClient) retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < c.maxAttempts; i++ {
		if err = fn(); err == nil || !IsTransient(err) {
			return err
		}
		if i == c.maxAttempts-1 {
			break
		}
		sleep := c.retryBase<<i + rand.N(c.retryBase)
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return errors.Join(err, ctx.Err())
		case <-t.C:
		}
	}
	return err
}
