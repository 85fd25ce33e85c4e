package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/spendpilot/spendpilot/internal/model"
	"github.com/spendpilot/spendpilot/internal/ratelimit"
)

// Adapter names accepted in Settings.
const (
	AdapterMock = "mock"
	AdapterHTTP = "http"
)

// Settings describes one configured platform.
type Settings struct {
	Platform      model.Platform
	Adapter       string
	BaseURL       string
	APIToken      string
	SigningSecret string
	Accounts      []string
	RPS           float64
	Burst         int
	Timeout       time.Duration
}

// Entry is a platform's client and the accounts it serves.
type Entry struct {
	Client   Client
	Accounts []string
}

// Registry maps platforms to their clients.
type Registry struct {
	entries  map[model.Platform]Entry
	order    []model.Platform
	limiters []*ratelimit.MemoryLimiter
}

// NewRegistry builds clients for every entry in settings.
func NewRegistry(settings []Settings, logger *slog.Logger) (*Registry, error) {
	r := &Registry{entries: make(map[model.Platform]Entry, len(settings))}
	for _, s := range settings {
		if _, dup := r.entries[s.Platform]; dup {
			return nil, fmt.Errorf("platform: %s configured twice", s.Platform)
		}
		var client Client
		switch s.Adapter {
		case AdapterMock, "":
			client = NewMockClient(MockOptions{Platform: s.Platform})
		case AdapterHTTP:
			var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
			if s.RPS > 0 {
				ml := ratelimit.NewMemoryLimiter(s.RPS, s.Burst)
				r.limiters = append(r.limiters, ml)
				limiter = ml
			}
			c, err := NewHTTPClient(HTTPOptions{
				Platform:      s.Platform,
				BaseURL:       s.BaseURL,
				APIToken:      s.APIToken,
				SigningSecret: s.SigningSecret,
				Timeout:       s.Timeout,
				Limiter:       limiter,
			})
			if err != nil {
				_ = r.Close()
				return nil, fmt.Errorf("platform %s: %w", s.Platform, err)
			}
			client = c
		default:
			_ = r.Close()
			return nil, fmt.Errorf("platform %s: unknown adapter %q", s.Platform, s.Adapter)
		}
		r.Register(s.Platform, Entry{Client: client, Accounts: s.Accounts})
		logger.Info("platform configured",
			"platform", s.Platform,
			"adapter", s.Adapter,
			"accounts", len(s.Accounts))
	}
	return r, nil
}

// Register adds or replaces the entry for p.
func (r *Registry) Register(p model.Platform, e Entry) {
	if r.entries == nil {
		r.entries = make(map[model.Platform]Entry)
	}
	if _, ok := r.entries[p]; !ok {
		r.order = append(r.order, p)
	}
	r.entries[p] = e
}

// Get returns the entry for p.
func (r *Registry) Get(p model.Platform) (Entry, bool) {
	e, ok := r.entries[p]
	return e, ok
}

// Platforms lists configured platforms in configuration order.
func (r *Registry) Platforms() []model.Platform {
	return slices.Clone(r.order)
}

// Close stops the pacing limiters.
func (r *Registry) Close() error {
	var errs []error
	for _, l := range r.limiters {
		errs = append(errs, l.Close())
	}
	return errors.Join(errs...)
}
