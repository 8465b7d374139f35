package httpapi

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcpbridge/resource-server/auth"
	"github.com/mcpbridge/resource-server/instrumentation"
	"github.com/mcpbridge/resource-server/mcp"
	"github.com/mcpbridge/resource-server/oauthflow"
	"github.com/mcpbridge/resource-server/reqctx"
	"github.com/mcpbridge/resource-server/security"
	"github.com/mcpbridge/resource-server/storage"
)

const (
	headerSessionID       = "Mcp-Session-Id"
	headerProtocolVersion = "Mcp-Protocol-Version"
	headerLastEventID     = "Last-Event-ID"
	headerAPIKey          = "X-Api-Key"
	headerAuthToken       = "X-Auth-Token"
	headerAuthorization   = "Authorization"
	headerWWWAuthenticate = "WWW-Authenticate"
)

// Config configures one Façade instance.
type Config struct {
	// PublicOrigin is this server's externally visible origin (scheme +
	// host), used to build the authorization_uri in 401 challenges and the
	// issuer/resource fields of the discovery documents.
	PublicOrigin string

	// Realm is the WWW-Authenticate realm, "MCP" by default.
	Realm string

	// StaticAPIKey is the configured API_KEY fallback used at the bottom
	// of the api_key fingerprint chain.
	StaticAPIKey string

	// DevMode relaxes origin validation to loopback/private/.local hosts
	// instead of invoking the production OriginPolicy hook.
	DevMode bool

	// OriginPolicy is the production origin-validation hook; a nil policy
	// defaults to allow-all, matching the reference design's documented
	// default.
	OriginPolicy func(origin string) bool

	// TrustProxy enables X-Forwarded-For/X-Real-IP client IP resolution for
	// rate limiting and audit logging, for deployments that sit behind a
	// reverse proxy. Left false, both fall back to the raw RemoteAddr.
	TrustProxy bool

	// TrustedProxyCount is how many trusted proxy hops to skip from the
	// right of X-Forwarded-For when TrustProxy is set. Zero defaults to 1.
	TrustedProxyCount int
}

func (c Config) realm() string {
	if c.Realm == "" {
		return "MCP"
	}
	return c.Realm
}

// Facade implements the Session HTTP Façade (C8): it owns the public mux,
// resolves sessions and credentials, seeds the Request-Context Registry,
// and dispatches into the MCP Dispatcher and the OAuth Flow Engine.
type Facade struct {
	mux *http.ServeMux

	cfg        Config
	sessions   storage.SessionStore
	tokens     storage.TokenStore
	dispatcher *mcp.Dispatcher
	resolver   *auth.Resolver
	requests   *reqctx.Registry
	engine     *oauthflow.Engine
	auditor    *security.Auditor
	logger     *slog.Logger
	metrics    *instrumentation.Metrics
	limiter    *security.RateLimiter
}

// New builds a Façade and registers its routes.
func New(cfg Config, sessions storage.SessionStore, tokens storage.TokenStore, dispatcher *mcp.Dispatcher, resolver *auth.Resolver, requests *reqctx.Registry, engine *oauthflow.Engine, auditor *security.Auditor, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Facade{
		mux:        http.NewServeMux(),
		cfg:        cfg,
		sessions:   sessions,
		tokens:     tokens,
		dispatcher: dispatcher,
		resolver:   resolver,
		requests:   requests,
		engine:     engine,
		auditor:    auditor,
		logger:     logger,
	}
	f.registerRoutes()
	return f
}

// WithMetrics attaches an instrumentation holder that handlers record
// HTTP request and session lifecycle metrics against. A nil metrics
// holder (the default) leaves recording as a no-op.
func (f *Facade) WithMetrics(metrics *instrumentation.Metrics) *Facade {
	f.metrics = metrics
	return f
}

// WithRateLimiter attaches a per-identifier inbound rate limiter applied to
// /mcp, keyed on the client IP from clientIP (which honors TrustProxy and
// TrustedProxyCount). A nil limiter (the default)
// leaves the route unthrottled.
func (f *Facade) WithRateLimiter(limiter *security.RateLimiter) *Facade {
	f.limiter = limiter
	return f
}

// ServeHTTP makes Facade an http.Handler.
func (f *Facade) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mux.ServeHTTP(w, r)
}

// statusRecorder captures the status code written to an http.ResponseWriter
// so metrics can be recorded after a handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMetrics wraps an endpoint handler to record its HTTP method,
// endpoint, status code and duration against the façade's metrics holder.
// A nil metrics holder makes this a transparent passthrough.
func (f *Facade) withMetrics(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	if f.metrics == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next(rec, r)
		f.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status, float64(time.Since(start).Milliseconds()))
	}
}

// clientIP resolves the request's client IP, honoring TrustProxy/
// TrustedProxyCount, for rate limiting and audit attribution.
func (f *Facade) clientIP(r *http.Request) string {
	return security.GetClientIP(r, f.cfg.TrustProxy, f.cfg.TrustedProxyCount)
}

// withRateLimit rejects requests over the configured inbound rate with
// HTTP 429 before they reach the handler. A nil limiter is a passthrough.
func (f *Facade) withRateLimit(next http.HandlerFunc) http.HandlerFunc {
	if f.limiter == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if !f.limiter.Allow(f.clientIP(r)) {
			if f.metrics != nil {
				f.metrics.RecordRateLimitExceeded(r.Context())
			}
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// withSecurityHeaders sets the standard response hardening headers
// (frame/MIME/CSP/referrer/cache) before delegating to next.
func (f *Facade) withSecurityHeaders(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		security.SetSecurityHeaders(w, f.cfg.PublicOrigin)
		next(w, r)
	}
}

func (f *Facade) registerRoutes() {
	f.mux.HandleFunc("/mcp", f.withMetrics("/mcp", f.withSecurityHeaders(f.withRateLimit(f.withCORS(f.handleMCP)))))
	f.mux.HandleFunc("/health", f.handleHealth)
	f.mux.HandleFunc("/.well-known/oauth-authorization-server", f.withSecurityHeaders(f.handleAuthorizationServerMetadata))
	f.mux.HandleFunc("/.well-known/oauth-protected-resource", f.withSecurityHeaders(f.handleProtectedResourceMetadata))
	f.mux.HandleFunc("/authorize", f.withMetrics("/authorize", f.withSecurityHeaders(f.withCORS(f.handleAuthorize))))
	f.mux.HandleFunc("/oauth/callback", f.withMetrics("/oauth/callback", f.withSecurityHeaders(f.handleCallback)))
	f.mux.HandleFunc("/token", f.withMetrics("/token", f.withSecurityHeaders(f.withCORS(f.handleToken))))
	f.mux.HandleFunc("/register", f.withMetrics("/register", f.withSecurityHeaders(f.withCORS(f.handleRegister))))
	f.mux.HandleFunc("/revoke", f.withMetrics("/revoke", f.withSecurityHeaders(f.withCORS(f.handleRevoke))))
}

// fingerprintAPIKey computes the request's api_key fingerprint per the
// façade's soft session-binding rule: explicit API-key header, then
// x-auth-token, then the RS bearer token, then the raw Authorization
// value, then the configured static API key, then "public".
func (f *Facade) fingerprintAPIKey(r *http.Request) string {
	if v := r.Header.Get(headerAPIKey); v != "" {
		return v
	}
	if v := r.Header.Get(headerAuthToken); v != "" {
		return v
	}
	if auth := r.Header.Get(headerAuthorization); auth != "" {
		const prefix = "bearer "
		if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
			return auth[len(prefix):]
		}
		return auth
	}
	if f.cfg.StaticAPIKey != "" {
		return f.cfg.StaticAPIKey
	}
	return "public"
}
