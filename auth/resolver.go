package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/mcpbridge/resource-server/storage"
)

// Strategy names the credential-handling mode a deployment is configured
// with.
type Strategy string

const (
	StrategyNone   Strategy = "none"
	StrategyAPIKey Strategy = "api_key"
	StrategyBearer Strategy = "bearer"
	StrategyCustom Strategy = "custom"
	StrategyOAuth  Strategy = "oauth"
)

// baseForwardedHeaders are always forwarded regardless of the configured
// accept-list, case-insensitively.
var baseForwardedHeaders = map[string]bool{
	"authorization": true,
	"x-api-key":     true,
	"x-auth-token":  true,
}

// ResolvedAuth is the outcome of resolving one request's credentials.
type ResolvedAuth struct {
	Strategy        Strategy
	AuthHeaders     map[string]string
	ResolvedHeaders map[string]string
	ProviderToken   string
	Provider        *storage.ProviderToken
	RSToken         string
}

// Refresher is the subset of the Refresher (C5) contract the resolver
// depends on, kept minimal to avoid a direct package dependency.
type Refresher interface {
	EnsureFresh(ctx context.Context, rsAccessToken string) (accessToken string, wasRefreshed bool, err error)
}

// Config configures one Resolver instance.
type Config struct {
	Strategy          Strategy
	AcceptHeaders     []string // additional headers to forward, beyond the always-forwarded set
	StaticAPIKey      string
	APIKeyHeader      string // header name static api_key is injected under; defaults to Authorization
	StaticBearerToken string
	CustomHeaders     map[string]string
	RequireRS         bool
	AllowDirectBearer bool
}

// Resolver implements the Auth Resolver (C4).
type Resolver struct {
	cfg       Config
	tokens    storage.TokenStore
	refresher Refresher
	accept    map[string]bool
}

// New constructs a Resolver. tokens and refresher are only consulted for
// StrategyOAuth and may be nil for other strategies.
func New(cfg Config, tokens storage.TokenStore, refresher Refresher) *Resolver {
	accept := make(map[string]bool, len(cfg.AcceptHeaders))
	for _, h := range cfg.AcceptHeaders {
		accept[strings.ToLower(h)] = true
	}
	return &Resolver{cfg: cfg, tokens: tokens, refresher: refresher, accept: accept}
}

// Strategy reports the configured credential-handling mode.
func (r *Resolver) Strategy() Strategy {
	return r.cfg.Strategy
}

// RequireRS reports whether an RS token is mandatory under StrategyOAuth.
func (r *Resolver) RequireRS() bool {
	return r.cfg.RequireRS
}

// AllowDirectBearer reports whether a bearer token that doesn't resolve to
// a known RS record is still forwarded as-is.
func (r *Resolver) AllowDirectBearer() bool {
	return r.cfg.AllowDirectBearer
}

// Resolve produces a ResolvedAuth for the given incoming request headers.
func (r *Resolver) Resolve(ctx context.Context, headers http.Header) (*ResolvedAuth, error) {
	authHeaders := r.forwardedHeaders(headers)

	resolved := &ResolvedAuth{
		Strategy:    r.cfg.Strategy,
		AuthHeaders: authHeaders,
	}

	switch r.cfg.Strategy {
	case StrategyAPIKey:
		resolved.ResolvedHeaders = mergeHeaders(authHeaders, nil)
		resolved.ProviderToken = r.cfg.StaticAPIKey
		if resolved.ProviderToken != "" {
			headerName := r.cfg.APIKeyHeader
			if headerName == "" {
				headerName = "authorization"
			}
			resolved.ResolvedHeaders[strings.ToLower(headerName)] = resolved.ProviderToken
		}
		return resolved, nil

	case StrategyBearer:
		resolved.ResolvedHeaders = mergeHeaders(authHeaders, nil)
		resolved.ProviderToken = r.cfg.StaticBearerToken
		if resolved.ProviderToken != "" {
			resolved.ResolvedHeaders["authorization"] = "Bearer " + resolved.ProviderToken
		}
		return resolved, nil

	case StrategyCustom:
		resolved.ResolvedHeaders = mergeHeaders(authHeaders, r.cfg.CustomHeaders)
		return resolved, nil

	case StrategyOAuth:
		return r.resolveOAuth(ctx, authHeaders, resolved)

	default: // StrategyNone
		resolved.ResolvedHeaders = authHeaders
		return resolved, nil
	}
}

func (r *Resolver) resolveOAuth(ctx context.Context, authHeaders map[string]string, resolved *ResolvedAuth) (*ResolvedAuth, error) {
	resolved.ResolvedHeaders = mergeHeaders(authHeaders, nil)

	rsToken := bearerToken(authHeaders["authorization"])
	resolved.RSToken = rsToken

	if rsToken == "" {
		if r.cfg.RequireRS && !r.cfg.AllowDirectBearer {
			delete(resolved.ResolvedHeaders, "authorization")
		}
		return resolved, nil
	}

	rec, err := r.tokens.GetByRSAccess(ctx, rsToken)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		if r.cfg.RequireRS && !r.cfg.AllowDirectBearer {
			delete(resolved.ResolvedHeaders, "authorization")
		}
		return resolved, nil
	}

	accessToken, _, err := r.refresher.EnsureFresh(ctx, rsToken)
	if err != nil {
		return nil, err
	}
	if accessToken == "" {
		accessToken = rec.Provider.AccessToken
	}

	provider := rec.Provider
	provider.AccessToken = accessToken
	resolved.Provider = &provider
	resolved.ProviderToken = accessToken
	resolved.ResolvedHeaders["authorization"] = "Bearer " + accessToken
	return resolved, nil
}

// forwardedHeaders collects the lowercased, allowlisted subset of incoming
// headers: the configured accept-list union the always-forwarded set.
func (r *Resolver) forwardedHeaders(headers http.Header) map[string]string {
	out := make(map[string]string)
	for name, values := range headers {
		lower := strings.ToLower(name)
		if !baseForwardedHeaders[lower] && !r.accept[lower] {
			continue
		}
		if len(values) > 0 {
			out[lower] = values[0]
		}
	}
	return out
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[strings.ToLower(k)] = v
	}
	return out
}

func bearerToken(authorization string) string {
	const prefix = "bearer "
	if len(authorization) <= len(prefix) {
		return ""
	}
	if !strings.EqualFold(authorization[:len(prefix)], prefix) {
		return ""
	}
	return authorization[len(prefix):]
}
