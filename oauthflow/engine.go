package oauthflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpbridge/resource-server/instrumentation"
	"github.com/mcpbridge/resource-server/internal/idgen"
	"github.com/mcpbridge/resource-server/refresh"
	"github.com/mcpbridge/resource-server/security"
	"github.com/mcpbridge/resource-server/storage"
)

const (
	txnIDLen    = 16
	rsTokenLen  = 24
	clientIDLen = 12
	txnTTL      = 10 * time.Minute
	codeTTL     = 10 * time.Minute
	rsAccessTTL = 3600 * time.Second
)

// ProviderConfig is the upstream OAuth 2.1 authorization server this
// bridge delegates the authorize/callback legs to. A nil ProviderConfig on
// the Engine enables the dev shortcut: authorize mints a code immediately
// instead of redirecting upstream.
type ProviderConfig struct {
	ClientID         string
	ClientSecret     string
	AuthorizationURL string
	TokenURL         string
	Scopes           []string
	CallbackURL      string // this server's own /oauth/callback, fixed regardless of client redirect_uri
	ExtraAuthParams  map[string]string
}

func (p *ProviderConfig) oauth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   p.AuthorizationURL,
			TokenURL:  p.TokenURL,
			AuthStyle: oauth2.AuthStyleInHeader,
		},
		RedirectURL: p.CallbackURL,
		Scopes:      p.Scopes,
	}
}

// Engine implements the OAuth Flow Engine (C6).
type Engine struct {
	tokens    storage.TokenStore
	provider  *ProviderConfig
	refresher *refresh.Refresher
	cimd      CIMDConfig
	redirects RedirectPolicy
	auditor   *security.Auditor
	logger    *slog.Logger
	metrics   *instrumentation.Metrics
	tracer    trace.Tracer
	metaCache *cimdCache
}

// New constructs an Engine. provider and refresher may be nil to run the
// dev shortcut (no upstream identity provider configured).
func New(tokens storage.TokenStore, provider *ProviderConfig, refresher *refresh.Refresher, cimd CIMDConfig, redirects RedirectPolicy, auditor *security.Auditor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		tokens: tokens, provider: provider, refresher: refresher, cimd: cimd, redirects: redirects,
		auditor: auditor, logger: logger, metaCache: newCIMDCache(5*time.Minute, 1000),
	}
}

// WithMetrics attaches an instrumentation holder the engine records
// authorization/callback/code-exchange/revocation/registration counts
// against. A nil metrics holder (the default) leaves recording a no-op.
func (e *Engine) WithMetrics(metrics *instrumentation.Metrics) *Engine {
	e.metrics = metrics
	return e
}

// WithTracer attaches a tracer the engine starts spans against for the
// authorization_code grant's PKCE verification and RS mapping exchange. A
// nil tracer (the default) leaves tracing a no-op.
func (e *Engine) WithTracer(tracer trace.Tracer) *Engine {
	e.tracer = tracer
	return e
}

// AuthorizeInput is the authorize endpoint's request.
type AuthorizeInput struct {
	ClientID            string
	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	State               string
	Scope               string
	SID                 string
}

// AuthorizeOutput carries the URL the client should be redirected to, plus
// the minted transaction id.
type AuthorizeOutput struct {
	RedirectTo string
	TxnID      string
}

// Authorize implements §4.6.1.
func (e *Engine) Authorize(ctx context.Context, in AuthorizeInput) (*AuthorizeOutput, error) {
	if e.metrics != nil {
		e.metrics.RecordAuthorizationStarted(ctx, in.ClientID)
	}
	if in.RedirectURI == "" || in.CodeChallenge == "" {
		return nil, newErr(ErrInvalidRequest, "redirect_uri and code_challenge are required")
	}
	if in.CodeChallengeMethod != "S256" {
		return nil, newErr(ErrInvalidRequest, "code_challenge_method must be S256")
	}

	if e.cimd.Enabled && IsCIMDClientID(in.ClientID) {
		metadata, err := e.metaCache.fetchCached(ctx, in.ClientID, e.cimd.FetchClientMetadata)
		if err != nil {
			if e.auditor != nil {
				e.auditor.LogSSRFBlocked(in.ClientID, err.Error())
			}
			return nil, err
		}
		if !redirectURIAllowed(metadata, in.RedirectURI) {
			return nil, newErr(ErrInvalidRequest, "redirect_uri not present in client metadata")
		}
	}

	txnID, err := idgen.Token(txnIDLen)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generate txn id: %w", err)
	}
	now := time.Now()
	txn := &storage.Transaction{
		TxnID:         txnID,
		CodeChallenge: in.CodeChallenge,
		State:         in.State,
		Scope:         in.Scope,
		SID:           in.SID,
		CreatedAt:     now,
		ExpiresAt:     now.Add(txnTTL),
	}
	if err := e.tokens.SaveTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("oauthflow: save transaction: %w", err)
	}

	if e.provider != nil {
		return e.authorizeProduction(txn, in)
	}
	return e.authorizeDevShortcut(ctx, txn, in)
}

func (e *Engine) authorizeProduction(txn *storage.Transaction, in AuthorizeInput) (*AuthorizeOutput, error) {
	state, err := encodeState(providerState{TxnID: txn.TxnID, ClientState: in.State, ClientRedirect: in.RedirectURI, SID: in.SID})
	if err != nil {
		return nil, err
	}

	cfg := e.provider.oauth2Config()
	opts := []oauth2.AuthCodeOption{}
	for k, v := range e.provider.ExtraAuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return &AuthorizeOutput{RedirectTo: cfg.AuthCodeURL(state, opts...), TxnID: txn.TxnID}, nil
}

// authorizeDevShortcut skips the upstream exchange entirely, but the
// transaction still needs a provider token of its own: /token refuses to
// mint an RS record for a provider-less transaction, so this attaches a
// locally-scoped token standing in for an upstream one rather than leaving
// Provider nil.
func (e *Engine) authorizeDevShortcut(ctx context.Context, txn *storage.Transaction, in AuthorizeInput) (*AuthorizeOutput, error) {
	devRedirects := e.redirects
	devRedirects.DevMode = true
	if !devRedirects.Allowed(in.RedirectURI) {
		return nil, newErr(ErrInvalidRequest, "redirect_uri not allowed")
	}

	devAccess, err := idgen.Token(rsTokenLen)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generate dev provider token: %w", err)
	}
	expiresAt := time.Now().Add(rsAccessTTL)
	var scopes []string
	if in.Scope != "" {
		scopes = strings.Fields(in.Scope)
	}
	txn.Provider = &storage.ProviderToken{
		AccessToken: devAccess,
		ExpiresAt:   &expiresAt,
		Scopes:      scopes,
	}
	if err := e.tokens.SaveTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("oauthflow: persist dev provider token into transaction: %w", err)
	}

	code, err := idgen.Token(rsTokenLen)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generate code: %w", err)
	}
	if err := e.tokens.SaveCode(ctx, code, txn.TxnID, codeTTL); err != nil {
		return nil, fmt.Errorf("oauthflow: save code: %w", err)
	}

	redirectTo := appendQuery(in.RedirectURI, map[string]string{"code": code, "state": in.State})
	return &AuthorizeOutput{RedirectTo: redirectTo, TxnID: txn.TxnID}, nil
}

// CallbackOutput carries the URL the end user's browser should be
// redirected back to.
type CallbackOutput struct {
	RedirectTo string
}

// Callback implements §4.6.2.
func (e *Engine) Callback(ctx context.Context, state, code string) (*CallbackOutput, error) {
	out, err := e.callback(ctx, state, code)
	if e.metrics != nil {
		e.metrics.RecordCallbackProcessed(ctx, err == nil)
	}
	return out, err
}

func (e *Engine) callback(ctx context.Context, state, code string) (*CallbackOutput, error) {
	ps, err := decodeState(state)
	if err != nil {
		return nil, newErr(ErrInvalidRequest, "%v", err)
	}

	txn, err := e.tokens.GetTransaction(ctx, ps.TxnID)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: load transaction: %w", err)
	}
	if txn == nil {
		return nil, newErr(ErrUnknownTxn, "%s", ps.TxnID)
	}

	cfg := e.provider.oauth2Config()
	upstream, err := cfg.Exchange(ctx, code)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			return nil, newErr(ErrProviderTokenError, "%s %s", retrieveErr.ErrorCode, retrieveErr.ErrorDescription)
		}
		return nil, newErr(ErrFetchFailed, "%v", err)
	}
	if upstream.AccessToken == "" {
		return nil, newErr(ErrProviderNoToken, "")
	}

	var scopes []string
	if scope, ok := upstream.Extra("scope").(string); ok && scope != "" {
		scopes = strings.Fields(scope)
	}
	expiresIn := int64(3600)
	if !upstream.Expiry.IsZero() {
		expiresIn = int64(time.Until(upstream.Expiry).Seconds())
	}
	expiresAt := time.Now().Add(time.Duration(expiresIn) * time.Second)

	provider := storage.ProviderToken{
		AccessToken:  upstream.AccessToken,
		RefreshToken: upstream.RefreshToken,
		ExpiresAt:    &expiresAt,
		Scopes:       scopes,
	}
	txn.Provider = &provider
	if err := e.tokens.SaveTransaction(ctx, txn); err != nil {
		return nil, fmt.Errorf("oauthflow: persist provider token into transaction: %w", err)
	}

	rsCode, err := idgen.Token(rsTokenLen)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generate rs code: %w", err)
	}
	if err := e.tokens.SaveCode(ctx, rsCode, txn.TxnID, codeTTL); err != nil {
		return nil, fmt.Errorf("oauthflow: save rs code: %w", err)
	}

	if !e.redirects.Allowed(ps.ClientRedirect) {
		return nil, newErr(ErrInvalidRequest, "client redirect_uri not allowed")
	}
	redirectTo := appendQuery(ps.ClientRedirect, map[string]string{"code": rsCode, "state": ps.ClientState})
	return &CallbackOutput{RedirectTo: redirectTo}, nil
}

// TokenRequest is the /token endpoint's request, covering both grants.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RefreshToken string
}

// TokenResponse is the /token endpoint's response, shared by both grants.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// Token implements §4.6.3.
func (e *Engine) Token(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return e.tokenAuthorizationCode(ctx, req)
	case "refresh_token":
		return e.tokenRefresh(ctx, req)
	default:
		return nil, newErr(ErrUnsupportedGrantType, "%s", req.GrantType)
	}
}

func (e *Engine) tokenAuthorizationCode(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if e.tracer != nil {
		var span trace.Span
		ctx, span = e.tracer.Start(ctx, "oauthflow.token_authorization_code")
		instrumentation.AddPKCEAttributes(span, "S256")
		defer span.End()
		resp, err := e.tokenAuthorizationCodeTraced(ctx, req)
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
		return resp, err
	}
	return e.tokenAuthorizationCodeTraced(ctx, req)
}

func (e *Engine) tokenAuthorizationCodeTraced(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.Code == "" || req.CodeVerifier == "" {
		return nil, newErr(ErrInvalidRequest, "code and code_verifier are required")
	}

	txnID, err := e.tokens.GetTxnIDByCode(ctx, req.Code)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: lookup code: %w", err)
	}
	if txnID == "" {
		return nil, newErr(ErrInvalidGrant, "unknown or expired code")
	}
	txn, err := e.tokens.GetTransaction(ctx, txnID)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: load transaction: %w", err)
	}
	if txn == nil {
		return nil, newErr(ErrInvalidGrant, "unknown or expired transaction")
	}

	if !VerifyPKCE(req.CodeVerifier, txn.CodeChallenge) {
		if e.metrics != nil {
			e.metrics.RecordPKCEValidationFailed(ctx)
		}
		return nil, newErr(ErrInvalidGrant, "code_verifier does not match code_challenge")
	}

	if txn.Provider == nil || txn.Provider.AccessToken == "" {
		_ = e.tokens.DeleteTransaction(ctx, txnID)
		_ = e.tokens.DeleteCode(ctx, req.Code)
		return nil, newErr(ErrInvalidGrant, "transaction has no provider token")
	}

	rsAccess := oauth2.GenerateVerifier()
	rsRefresh := oauth2.GenerateVerifier()

	scope := txn.Scope
	if _, err := e.tokens.StoreRSMapping(ctx, rsAccess, *txn.Provider, rsRefresh); err != nil {
		return nil, fmt.Errorf("oauthflow: store rs mapping: %w", err)
	}
	if len(txn.Provider.Scopes) > 0 {
		scope = strings.Join(txn.Provider.Scopes, " ")
	}
	if e.auditor != nil {
		e.auditor.LogRsTokenIssued("", security.RedactToken(rsAccess))
	}

	_ = e.tokens.DeleteTransaction(ctx, txnID)
	_ = e.tokens.DeleteCode(ctx, req.Code)

	if e.metrics != nil {
		e.metrics.RecordCodeExchange(ctx, "S256")
	}

	return &TokenResponse{
		AccessToken:  rsAccess,
		RefreshToken: rsRefresh,
		TokenType:    "bearer",
		ExpiresIn:    int64(rsAccessTTL.Seconds()),
		Scope:        scope,
	}, nil
}

func (e *Engine) tokenRefresh(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if req.RefreshToken == "" {
		return nil, newErr(ErrInvalidRequest, "refresh_token is required")
	}

	rec, err := e.tokens.GetByRSRefresh(ctx, req.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: lookup rs refresh token: %w", err)
	}
	if rec == nil {
		return nil, newErr(ErrInvalidGrant, "unknown or expired refresh_token")
	}

	now := time.Now()
	if rec.Provider.Expired(60*time.Second, now) && e.provider != nil && e.refresher != nil && rec.Provider.RefreshToken != "" {
		newProvider, err := e.refresher.Exchange(ctx, rec.Provider.RefreshToken)
		if err != nil {
			return nil, newErr(ErrProviderRefreshFailed, "%v", err)
		}

		rotated := newProvider.RefreshToken != "" && newProvider.RefreshToken != rec.Provider.RefreshToken
		if !rotated {
			newProvider.RefreshToken = rec.Provider.RefreshToken
		}
		newRSAccess := ""
		if rotated {
			newRSAccess = oauth2.GenerateVerifier()
		}

		updated, err := e.tokens.UpdateByRSRefresh(ctx, req.RefreshToken, newProvider, newRSAccess)
		if err != nil {
			return nil, fmt.Errorf("oauthflow: update rs mapping: %w", err)
		}
		if updated != nil {
			rec = updated
		}
	}

	expiresIn := int64(1)
	if rec.Provider.ExpiresAt != nil {
		if remaining := int64(rec.Provider.ExpiresAt.Sub(now).Seconds()); remaining > expiresIn {
			expiresIn = remaining
		}
	}

	scope := ""
	if len(rec.Provider.Scopes) > 0 {
		scope = strings.Join(rec.Provider.Scopes, " ")
	}

	return &TokenResponse{
		AccessToken:  rec.RsAccessToken,
		RefreshToken: req.RefreshToken,
		TokenType:    "bearer",
		ExpiresIn:    expiresIn,
		Scope:        scope,
	}, nil
}

// RegisterRequest is the dynamic client registration stub's request.
type RegisterRequest struct {
	RedirectURIs  []string `json:"redirect_uris,omitempty"`
	GrantTypes    []string `json:"grant_types,omitempty"`
	ResponseTypes []string `json:"response_types,omitempty"`
}

// RegisterResponse is the dynamic client registration stub's response.
type RegisterResponse struct {
	ClientID                string   `json:"client_id"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// Register implements §4.6.4. There is no persistent client registration
// record: this mints an identifier and echoes defaults.
func (e *Engine) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, newErr(ErrInvalidRequest, "redirect_uris: at least one is required")
	}
	for _, uri := range req.RedirectURIs {
		if !e.redirects.Allowed(uri) {
			if e.auditor != nil {
				e.auditor.LogSSRFBlocked(uri, "redirect_uri rejected at registration")
			}
			return nil, newErr(ErrInvalidRequest, "redirect_uris: %q is not an allowed redirect URI", uri)
		}
	}

	clientID, err := idgen.Token(clientIDLen)
	if err != nil {
		return nil, fmt.Errorf("oauthflow: generate client id: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordClientRegistration(ctx)
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	return &RegisterResponse{
		ClientID:                clientID,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: "none",
	}, nil
}

// Revoke implements §4.6.5: full revocation is not part of the core
// contract, so this always succeeds.
func (e *Engine) Revoke(ctx context.Context) error {
	if e.metrics != nil {
		e.metrics.RecordTokenRevocation(ctx)
	}
	return nil
}

func appendQuery(rawURL string, params map[string]string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
