package server

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spendpilot/spendpilot/internal/auth"
	"github.com/spendpilot/spendpilot/internal/ctxutil"
	"github.com/spendpilot/spendpilot/internal/model"
)

func withClaims(r *http.Request, subject string, role model.OperatorRole) *http.Request {
	claims := &auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: subject},
		Role:             role,
	}
	return r.WithContext(ctxutil.WithClaims(r.Context(), claims))
}

func TestRateLimitKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.RemoteAddr = "192.168.1.1:12345"
	assert.Equal(t, "ip:192.168.1.1", rateLimitKey(req))

	assert.Equal(t, "sub:ops@example.com", rateLimitKey(withClaims(req, "ops@example.com", model.RoleAnalyst)))
	assert.Empty(t, rateLimitKey(withClaims(req, "root", model.RoleAdmin)), "admins are exempt")
}

func TestRequestIDMiddleware(t *testing.T) {
	var seen string
	h := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	}))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
	h.ServeHTTP(rec, req)
	assert.Len(t, seen, 36, "oversized ids are replaced with a uuid")
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := requireRole(model.RoleAnalyst)(ok)

	tests := []struct {
		name string
		role model.OperatorRole
		want int
	}{
		{"viewer", model.RoleViewer, http.StatusForbidden},
		{"analyst", model.RoleAnalyst, http.StatusNoContent},
		{"admin", model.RoleAdmin, http.StatusNoContent},
		{"no claims", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/v1/agents/run", nil)
			if tt.role != "" {
				req = withClaims(req, "someone", tt.role)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoveryMiddleware(logger, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
	assert.NotContains(t, rec.Body.String(), "boom")
}

func TestAuthMiddlewareRecordsClaimsForLogging(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	token, _, err := mgr.IssueToken("analyst@example.com", model.RoleAnalyst, 0)
	require.NoError(t, err)

	var got *auth.Claims
	inner := http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		got = ClaimsFromContext(r.Context())
	})
	sw := &statusWriter{ResponseWriter: httptest.NewRecorder(), statusCode: http.StatusOK}
	req := httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("Authorization", "bearer "+token)
	authMiddleware(mgr, inner).ServeHTTP(sw, req)

	require.NotNil(t, got)
	assert.Equal(t, "analyst@example.com", got.Subject)
	require.NotNil(t, sw.claims)
	assert.Equal(t, model.RoleAnalyst, sw.claims.Role)
}

func TestStatusWriterKeepsFirstStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	sw := &statusWriter{ResponseWriter: rec, statusCode: http.StatusOK}
	sw.WriteHeader(http.StatusAccepted)
	sw.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusAccepted, sw.statusCode)
	assert.Equal(t, rec, sw.Unwrap())
}

func TestQueryLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", 50},
		{"limit=10", 10},
		{"limit=0", 1},
		{"limit=-3", 1},
		{"limit=abc", 50},
		{"limit=100000", maxQueryLimit},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/v1/runs?"+tt.query, nil)
		assert.Equal(t, tt.want, queryLimit(req, 50), tt.query)
	}
}
