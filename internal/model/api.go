package model

import (
	"fmt"
	"time"
)

// MaxEventBatch bounds the number of raw events accepted per request.
const MaxEventBatch = 1000

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// EnqueueRequest is the request body for POST /v1/agents/run.
type EnqueueRequest struct {
	Agent  string  `json:"agent"`
	Window *Window `json:"window,omitempty"`
	DryRun bool    `json:"dry_run,omitempty"`
}

// EventsRequest is the request body for POST /v1/events.
type EventsRequest struct {
	Events []RawEvent `json:"events"`
}

// Validate checks that every event has an id, a known type and a timestamp.
func (r EventsRequest) Validate() error {
	if len(r.Events) == 0 {
		return fmt.Errorf("events must not be empty")
	}
	if len(r.Events) > MaxEventBatch {
		return fmt.Errorf("at most %d events per request", MaxEventBatch)
	}
	for i, e := range r.Events {
		if e.EventID == "" {
			return fmt.Errorf("events[%d]: event_id is required", i)
		}
		if e.EventType != EventPageView && e.EventType != EventConversion {
			return fmt.Errorf("events[%d]: event_type must be %q or %q", i, EventPageView, EventConversion)
		}
		if e.OccurredAt.IsZero() {
			return fmt.Errorf("events[%d]: occurred_at is required", i)
		}
	}
	return nil
}

// EventsResponse reports how many events were newly stored.
type EventsResponse struct {
	Received int `json:"received"`
	Inserted int `json:"inserted"`
}

// PoliciesRequest is the request body for PUT /v1/policies.
type PoliciesRequest struct {
	Policies []CampaignPolicy `json:"policies"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}
