package spendpilot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the spendpilot server (e.g. "http://localhost:8080").
	BaseURL string

	// Token is an operator JWT minted with "spendctl token".
	Token string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the spendpilot API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL or Token is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("spendpilot: BaseURL is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("spendpilot: Token is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  httpClient,
	}, nil
}

// Health reports server and database health. It does not need a token.
// A 503 is returned as an *Error.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h, false); err != nil {
		return nil, err
	}
	return &h, nil
}

// Agents lists the agent names the server can dispatch.
func (c *Client) Agents(ctx context.Context) ([]string, error) {
	var resp struct {
		Agents []string `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/agents", nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

// RunAgent enqueues an agent run. The returned ticket has no outcome yet;
// use WaitForRun to block until it finishes.
func (c *Client) RunAgent(ctx context.Context, req RunRequest) (*Run, error) {
	var run Run
	if err := c.do(ctx, http.MethodPost, "/v1/agents/run", req, &run, true); err != nil {
		return nil, err
	}
	return &run, nil
}

// RunsOptions are optional filters for Runs.
type RunsOptions struct {
	Agent string
	RunID uuid.UUID
	Limit int
}

// Runs lists run tickets, most recent first.
func (c *Client) Runs(ctx context.Context, opts *RunsOptions) ([]Run, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Agent != "" {
			params.Set("agent", opts.Agent)
		}
		if opts.RunID != uuid.Nil {
			params.Set("run_id", opts.RunID.String())
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	path := "/v1/runs"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var runs []Run
	if err := c.do(ctx, http.MethodGet, path, nil, &runs, true); err != nil {
		return nil, err
	}
	return runs, nil
}

// GetRun returns the ticket for runID.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	runs, err := c.Runs(ctx, &RunsOptions{RunID: runID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, &Error{StatusCode: http.StatusNotFound, Code: "NOT_FOUND", Message: "run " + runID.String() + " not found"}
	}
	return &runs[0], nil
}

// WaitForRun polls the ticket for runID every interval until it has an
// outcome or ctx is done.
func (c *Client) WaitForRun(ctx context.Context, runID uuid.UUID, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Finished() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StaleRuns lists tickets that never finished.
func (c *Client) StaleRuns(ctx context.Context) (*StaleRuns, error) {
	var resp StaleRuns
	if err := c.do(ctx, http.MethodGet, "/v1/runs/stale", nil, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// IngestEvents stores tracking events. Resending an event_id is a no-op.
func (c *Client) IngestEvents(ctx context.Context, events []Event) (*IngestResult, error) {
	var resp IngestResult
	body := map[string]any{"events": events}
	if err := c.do(ctx, http.MethodPost, "/v1/events", body, &resp, true); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Policies lists campaign policies.
func (c *Client) Policies(ctx context.Context, enabledOnly bool) ([]Policy, error) {
	path := "/v1/policies"
	if enabledOnly {
		path += "?enabled=true"
	}
	var ps []Policy
	if err := c.do(ctx, http.MethodGet, path, nil, &ps, true); err != nil {
		return nil, err
	}
	return ps, nil
}

// PutPolicies upserts policies. Requires an admin token.
func (c *Client) PutPolicies(ctx context.Context, ps []Policy) error {
	return c.do(ctx, http.MethodPut, "/v1/policies", map[string]any{"policies": ps}, nil, true)
}

// KPIs returns per-platform daily spend and conversions for w.
func (c *Client) KPIs(ctx context.Context, w Window) ([]KPIRow, error) {
	var resp struct {
		Rows []KPIRow `json:"rows"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/reports/kpis"+windowQuery(w), nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

// Attribution returns attributed conversions per campaign for w.
func (c *Client) Attribution(ctx context.Context, w Window) ([]AttributionRow, error) {
	var resp struct {
		Rows []AttributionRow `json:"rows"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/reports/attribution"+windowQuery(w), nil, &resp, true); err != nil {
		return nil, err
	}
	return resp.Rows, nil
}

func windowQuery(w Window) string {
	params := url.Values{}
	if w.Start != "" {
		params.Set("start", w.Start)
	}
	if w.End != "" {
		params.Set("end", w.End)
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any, authed bool) error {
	var rdr io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("spendpilot: marshal request body: %w", err)
		}
		rdr = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("spendpilot: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("spendpilot: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("spendpilot: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("spendpilot: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return nil
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
