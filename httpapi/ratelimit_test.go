package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mcpbridge/resource-server/security"
)

func TestWithRateLimit_NilLimiterPassesThrough(t *testing.T) {
	f := newTestFacade(t)
	called := false
	handler := f.withRateLimit(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.True(t, called)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWithRateLimit_RejectsOverLimit(t *testing.T) {
	f := newTestFacade(t)
	f.WithRateLimiter(security.NewRateLimiter(0, 1, nil))
	handler := f.withRateLimit(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.RemoteAddr = "203.0.113.5:1234"

	first := httptest.NewRecorder()
	handler(first, req)
	assert.Equal(t, http.StatusOK, first.Code)

	second := httptest.NewRecorder()
	handler(second, req)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestClientIP_TrustProxyPrefersForwardedFor(t *testing.T) {
	f := newTestFacade(t)
	f.cfg.TrustProxy = true
	f.cfg.TrustedProxyCount = 1

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.RemoteAddr = "10.0.0.5:9000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")

	assert.Equal(t, "203.0.113.9", f.clientIP(req))
}

func TestClientIP_IgnoresForwardedForWhenProxyNotTrusted(t *testing.T) {
	f := newTestFacade(t)

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	req.RemoteAddr = "10.0.0.5:9000"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.5")

	assert.Equal(t, "10.0.0.5", f.clientIP(req))
}

func TestWithSecurityHeaders_SetsHardeningHeaders(t *testing.T) {
	f := newTestFacade(t)
	handler := f.withSecurityHeaders(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	handler(rec, req)

	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("Content-Security-Policy"))
}
