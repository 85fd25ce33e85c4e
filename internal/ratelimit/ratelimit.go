// Package ratelimit provides token-bucket limiting for spendpilot.
//
// Two consumers share one implementation: platform clients call Wait to
// pace outgoing API calls per (platform, account), and the HTTP server
// calls Allow through Middleware to cap requests per operator.
package ratelimit

import "context"

// Limiter decides whether a request identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed now.
	// Returning an error signals a limiter malfunction; callers should
	// treat errors as fail-open.
	Allow(ctx context.Context, key string) (bool, error)

	// Wait blocks until a request for key may proceed or ctx is done.
	Wait(ctx context.Context, key string) error

	// Close releases resources (cleanup goroutines).
	Close() error
}

// NoopLimiter permits every request. Used when limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Wait returns immediately unless ctx is already done.
func (NoopLimiter) Wait(ctx context.Context, _ string) error { return ctx.Err() }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
