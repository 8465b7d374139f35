package refresh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"go.opentelemetry.io/otel/trace"

	"github.com/mcpbridge/resource-server/instrumentation"
	"github.com/mcpbridge/resource-server/security"
	"github.com/mcpbridge/resource-server/storage"
)

const (
	expirySkew       = 60 * time.Second
	dedupWindow      = 30 * time.Second
	dedupCap         = 1000
	defaultTokenPath = "/token"
	httpTimeout      = 30 * time.Second
	maxRetries       = 3
)

// ProviderConfig is the upstream identity provider this bridge refreshes
// against.
type ProviderConfig struct {
	ClientID          string
	ClientSecret      string
	AccountsURL       string
	TokenEndpointPath string
}

func (p *ProviderConfig) tokenEndpointPath() string {
	if p.TokenEndpointPath == "" {
		return defaultTokenPath
	}
	return p.TokenEndpointPath
}

// Refresher implements the Refresher (C5) contract.
type Refresher struct {
	tokens   storage.TokenStore
	provider *ProviderConfig
	client   *http.Client
	limiter  *rate.Limiter
	sem      chan struct{}
	sf       singleflight.Group
	auditor  *security.Auditor
	logger   *slog.Logger
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer

	mu       sync.Mutex
	recently map[string]time.Time
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithHTTPClient overrides the default 30s-timeout client used for
// upstream refresh requests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Refresher) { r.client = c }
}

// WithRateLimit sets the outbound token-bucket limiter and concurrency
// gate. rps <= 0 disables the limiter; concurrency <= 0 disables the gate.
func WithRateLimit(rps float64, burst, concurrency int) Option {
	return func(r *Refresher) {
		if rps > 0 {
			r.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
		if concurrency > 0 {
			r.sem = make(chan struct{}, concurrency)
		}
	}
}

// WithAuditor attaches a security auditor for refresh/failure events.
func WithAuditor(a *security.Auditor) Option {
	return func(r *Refresher) { r.auditor = a }
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Refresher) { r.logger = l }
}

// WithMetrics attaches an instrumentation holder the refresher records
// refresh outcomes against. A nil metrics holder (the default) leaves
// recording a no-op.
func WithMetrics(m *instrumentation.Metrics) Option {
	return func(r *Refresher) { r.metrics = m }
}

// WithTracer attaches a tracer the refresher starts a span against around
// each upstream refresh_token exchange (including its retries).
func WithTracer(t trace.Tracer) Option {
	return func(r *Refresher) { r.tracer = t }
}

// New constructs a Refresher. provider may be nil, in which case refresh is
// never attempted and EnsureFresh only ever serves the existing token.
func New(tokens storage.TokenStore, provider *ProviderConfig, opts ...Option) *Refresher {
	r := &Refresher{
		tokens:   tokens,
		provider: provider,
		client:   &http.Client{Timeout: httpTimeout},
		recently: make(map[string]time.Time),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureFresh returns an up-to-date upstream access token for the given RS
// access token, refreshing upstream if the provider token is near expiry.
// It never fails the caller's request on upstream errors: on any refresh
// failure it returns the existing (possibly stale) access token.
func (r *Refresher) EnsureFresh(ctx context.Context, rsAccessToken string) (string, bool, error) {
	rec, err := r.tokens.GetByRSAccess(ctx, rsAccessToken)
	if err != nil {
		return "", false, err
	}
	if rec == nil || rec.Provider.AccessToken == "" {
		return "", false, nil
	}

	now := time.Now()
	if rec.Provider.ExpiresAt == nil || now.Before(rec.Provider.ExpiresAt.Add(-expirySkew)) {
		return rec.Provider.AccessToken, false, nil
	}

	if r.recentlyRefreshed(rsAccessToken, now) {
		return rec.Provider.AccessToken, false, nil
	}

	if rec.Provider.RefreshToken == "" || r.provider == nil {
		r.logger.Warn("refresh: provider token expired but no refresh token or provider configured", "rs_access_prefix", security.RedactToken(rsAccessToken))
		return rec.Provider.AccessToken, false, nil
	}

	result, err, shared := r.sf.Do(rsAccessToken, func() (any, error) {
		return r.performRefresh(ctx, rec)
	})
	if shared && r.metrics != nil {
		r.metrics.RecordRefreshDeduplicated(ctx)
	}
	if err != nil {
		r.logger.Warn("refresh: upstream refresh failed, serving stale token", "error", err)
		if r.auditor != nil {
			r.auditor.LogRefreshFailed(rsAccessToken, err.Error())
		}
		if r.metrics != nil {
			r.metrics.RecordRefreshFailed(ctx)
		}
		return rec.Provider.AccessToken, false, nil
	}

	r.markRefreshed(rsAccessToken, now)
	outcome := result.(refreshOutcome)
	if r.auditor != nil {
		r.auditor.LogRefreshPerformed(rsAccessToken, outcome.rotated)
	}
	if r.metrics != nil && !shared {
		r.metrics.RecordRefreshPerformed(ctx, outcome.rotated)
	}
	return outcome.accessToken, true, nil
}

type refreshOutcome struct {
	accessToken string
	rotated     bool
}

// performRefresh performs the upstream RFC 6749 refresh_token grant and
// updates the Token Store. It runs under singleflight so only one goroutine
// per rs access token ever reaches the network.
func (r *Refresher) performRefresh(ctx context.Context, rec *storage.RsRecord) (refreshOutcome, error) {
	newProvider, err := r.callUpstream(ctx, rec.Provider.RefreshToken)
	if err != nil {
		return refreshOutcome{}, err
	}

	rotated := newProvider.RefreshToken != "" && newProvider.RefreshToken != rec.Provider.RefreshToken
	if !rotated {
		newProvider.RefreshToken = rec.Provider.RefreshToken
	}

	newRSAccess := ""
	if rotated {
		newRSAccess = oauth2.GenerateVerifier()
	}

	if _, err := r.tokens.UpdateByRSRefresh(ctx, rec.RsRefreshToken, newProvider, newRSAccess); err != nil {
		return refreshOutcome{}, err
	}

	return refreshOutcome{accessToken: newProvider.AccessToken, rotated: rotated}, nil
}

// Exchange performs the same retried, rate-limited upstream refresh_token
// exchange EnsureFresh uses internally, exposed so the OAuth Flow Engine's
// synchronous /token refresh_token grant can reuse it without duplicating
// the HTTP plumbing.
func (r *Refresher) Exchange(ctx context.Context, refreshToken string) (storage.ProviderToken, error) {
	if r.provider == nil {
		return storage.ProviderToken{}, fmt.Errorf("refresh: no provider configured")
	}
	return r.callUpstream(ctx, refreshToken)
}

// callUpstream performs the retried, rate-limited HTTP exchange against the
// provider's token endpoint.
func (r *Refresher) callUpstream(ctx context.Context, refreshToken string) (storage.ProviderToken, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "refresh.upstream_exchange")
		instrumentation.AddStorageAttributes(span, "refresh_token_exchange", "upstream_http")
		defer span.End()
		provider, err := r.doCallUpstream(ctx, refreshToken)
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		return provider, err
	}
	return r.doCallUpstream(ctx, refreshToken)
}

func (r *Refresher) doCallUpstream(ctx context.Context, refreshToken string) (storage.ProviderToken, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return storage.ProviderToken{}, err
		}
	}
	if r.sem != nil {
		select {
		case r.sem <- struct{}{}:
			defer func() { <-r.sem }()
		case <-ctx.Done():
			return storage.ProviderToken{}, ctx.Err()
		}
	}

	endpoint := strings.TrimSuffix(r.provider.AccountsURL, "/") + r.provider.tokenEndpointPath()

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			jitter := time.Duration(rand.Int63n(int64(200 * time.Millisecond)))
			select {
			case <-time.After(backoff + jitter):
			case <-ctx.Done():
				return storage.ProviderToken{}, ctx.Err()
			}
		}

		provider, err := r.exchangeRefreshToken(ctx, endpoint, refreshToken)
		if err == nil {
			return provider, nil
		}
		lastErr = err
	}
	return storage.ProviderToken{}, lastErr
}

func (r *Refresher) exchangeRefreshToken(ctx context.Context, endpoint, refreshToken string) (storage.ProviderToken, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return storage.ProviderToken{}, fmt.Errorf("refresh: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(r.provider.ClientID, r.provider.ClientSecret)

	resp, err := r.client.Do(req)
	if err != nil {
		return storage.ProviderToken{}, fmt.Errorf("refresh: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return storage.ProviderToken{}, fmt.Errorf("refresh: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return storage.ProviderToken{}, fmt.Errorf("refresh: upstream returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	var payload struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    *int64 `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return storage.ProviderToken{}, fmt.Errorf("refresh: parse response: %w", err)
	}

	expiresIn := int64(3600)
	if payload.ExpiresIn != nil {
		expiresIn = *payload.ExpiresIn
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)

	var scopes []string
	if payload.Scope != "" {
		scopes = strings.Fields(payload.Scope)
	}

	return storage.ProviderToken{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    &expiresAt,
		Scopes:       scopes,
	}, nil
}

// recentlyRefreshed reports whether rsAccessToken was refreshed within the
// dedup window, advisory and best-effort across a single process.
func (r *Refresher) recentlyRefreshed(rsAccessToken string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts, ok := r.recently[rsAccessToken]
	return ok && now.Sub(ts) < dedupWindow
}

func (r *Refresher) markRefreshed(rsAccessToken string, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recently[rsAccessToken] = now
	if len(r.recently) > dedupCap {
		r.sweepRecentlyLocked(now)
	}
}

// sweepRecentlyLocked drops stale dedup entries. Caller holds r.mu.
func (r *Refresher) sweepRecentlyLocked(now time.Time) {
	for token, ts := range r.recently {
		if now.Sub(ts) >= dedupWindow {
			delete(r.recently, token)
		}
	}
}
