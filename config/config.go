// Package config binds this bridge's environment configuration into a
// single Config struct, grouped into the sub-structs each component
// actually consumes (server identity, auth strategy, upstream OAuth
// provider, CIMD fetch policy, token storage, outbound throttling).
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/mcpbridge/resource-server/security"
)

// ServerConfig carries this server's own identity and listen address.
type ServerConfig struct {
	Host             string `env:"HOST" envDefault:"0.0.0.0"`
	Port             int    `env:"PORT" envDefault:"8080"`
	NodeEnv          string `env:"NODE_ENV" envDefault:"development"`
	Title            string `env:"MCP_TITLE" envDefault:"mcpbridge"`
	Version          string `env:"MCP_VERSION" envDefault:"1.0.0"`
	ProtocolVersion  string `env:"MCP_PROTOCOL_VERSION"`
	Instructions     string `env:"MCP_INSTRUCTIONS"`
	AcceptHeadersRaw string `env:"MCP_ACCEPT_HEADERS"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`

	// TrustProxy/TrustedProxyCount govern client IP resolution from
	// X-Forwarded-For/X-Real-IP for rate limiting and audit logging, for
	// deployments sitting behind a reverse proxy.
	TrustProxy        bool `env:"TRUST_PROXY" envDefault:"false"`
	TrustedProxyCount int  `env:"TRUSTED_PROXY_COUNT" envDefault:"0"`

	// ManifestPath points at an optional YAML tool/resource/prompt
	// manifest loaded at startup. Not part of the recognized external
	// interface keys; a manifest-less deployment just serves an empty
	// catalog until handlers are bound in code.
	ManifestPath string `env:"MCP_MANIFEST_PATH"`
}

// DevMode reports whether NodeEnv selects relaxed, local-loopback origin
// validation instead of the production policy hook.
func (s ServerConfig) DevMode() bool {
	return strings.ToLower(s.NodeEnv) != "production"
}

// AcceptHeaders splits the comma-separated MCP_ACCEPT_HEADERS list.
func (s ServerConfig) AcceptHeaders() []string {
	return splitCSV(s.AcceptHeadersRaw)
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig configures the inbound credential resolution strategy.
type AuthConfig struct {
	Strategy          string `env:"AUTH_STRATEGY" envDefault:"none"`
	Enabled           bool   `env:"AUTH_ENABLED" envDefault:"true"`
	RequireRS         bool   `env:"AUTH_REQUIRE_RS" envDefault:"false"`
	AllowDirectBearer bool   `env:"AUTH_ALLOW_DIRECT_BEARER" envDefault:"false"`
	ResourceURI       string `env:"AUTH_RESOURCE_URI"`
	DiscoveryURL      string `env:"AUTH_DISCOVERY_URL"`
	APIKey            string `env:"API_KEY"`
	APIKeyHeader      string `env:"API_KEY_HEADER" envDefault:"X-Api-Key"`
	BearerToken       string `env:"BEARER_TOKEN"`
	CustomHeadersRaw  string `env:"CUSTOM_HEADERS"`
}

// CustomHeaders parses the "k:v,k2:v2" CUSTOM_HEADERS value.
func (a AuthConfig) CustomHeaders() (map[string]string, error) {
	return parseKVCSV(a.CustomHeadersRaw, "CUSTOM_HEADERS")
}

// OAuthConfig configures the upstream identity provider this bridge
// delegates the authorize/token legs to, and this server's own redirect
// allowlist for OAuth 2.1 clients.
type OAuthConfig struct {
	ClientID             string `env:"OAUTH_CLIENT_ID"`
	ClientSecret         string `env:"OAUTH_CLIENT_SECRET"`
	ScopesRaw            string `env:"OAUTH_SCOPES"`
	AuthorizationURL     string `env:"OAUTH_AUTHORIZATION_URL"`
	TokenURL             string `env:"OAUTH_TOKEN_URL"`
	RevocationURL        string `env:"OAUTH_REVOCATION_URL"`
	RedirectURI          string `env:"OAUTH_REDIRECT_URI"`
	RedirectAllowlistRaw string `env:"OAUTH_REDIRECT_ALLOWLIST"`
	RedirectAllowAll     bool   `env:"OAUTH_REDIRECT_ALLOW_ALL" envDefault:"false"`
	ExtraAuthParamsRaw   string `env:"OAUTH_EXTRA_AUTH_PARAMS"`
}

// Scopes splits the comma-separated OAUTH_SCOPES value.
func (o OAuthConfig) Scopes() []string {
	return splitCSV(o.ScopesRaw)
}

// RedirectAllowlist splits the comma-separated OAUTH_REDIRECT_ALLOWLIST
// value.
func (o OAuthConfig) RedirectAllowlist() []string {
	return splitCSV(o.RedirectAllowlistRaw)
}

// ExtraAuthParams parses the "k:v,k2:v2" OAUTH_EXTRA_AUTH_PARAMS value.
func (o OAuthConfig) ExtraAuthParams() (map[string]string, error) {
	return parseKVCSV(o.ExtraAuthParamsRaw, "OAUTH_EXTRA_AUTH_PARAMS")
}

// Configured reports whether enough upstream provider detail is present to
// run the real authorization-code flow instead of the dev shortcut.
func (o OAuthConfig) Configured() bool {
	return o.ClientID != "" && o.ClientSecret != "" && o.AuthorizationURL != "" && o.TokenURL != ""
}

// CIMDConfig configures client-metadata-document fetching
// (draft-ietf-oauth-client-id-metadata-document-00).
type CIMDConfig struct {
	Enabled           bool   `env:"CIMD_ENABLED" envDefault:"false"`
	FetchTimeoutMs    int    `env:"CIMD_FETCH_TIMEOUT_MS" envDefault:"5000"`
	MaxResponseBytes  int64  `env:"CIMD_MAX_RESPONSE_BYTES" envDefault:"65536"`
	AllowedDomainsRaw string `env:"CIMD_ALLOWED_DOMAINS"`
}

// FetchTimeout converts FetchTimeoutMs to a time.Duration.
func (c CIMDConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMs) * time.Millisecond
}

// AllowedDomains splits the comma-separated CIMD_ALLOWED_DOMAINS value.
func (c CIMDConfig) AllowedDomains() []string {
	return splitCSV(c.AllowedDomainsRaw)
}

// ProviderConfig configures the upstream identity provider's token
// endpoint, used by the refresher and by /token's refresh_token grant.
// Distinct from OAuthConfig: OAuthConfig is what this server tells its own
// OAuth clients, ProviderConfig is what this server uses to talk to the
// upstream provider directly (client credentials may differ from the
// public-facing OAuth client if the provider issues a separate
// confidential credential for server-to-server refresh).
type ProviderConfig struct {
	ClientID     string `env:"PROVIDER_CLIENT_ID"`
	ClientSecret string `env:"PROVIDER_CLIENT_SECRET"`
	APIURL       string `env:"PROVIDER_API_URL"`
	AccountsURL  string `env:"PROVIDER_ACCOUNTS_URL"`
}

// Configured reports whether enough detail is present to attempt upstream
// token refresh.
func (p ProviderConfig) Configured() bool {
	return p.ClientID != "" && p.ClientSecret != "" && p.AccountsURL != ""
}

// StorageConfig configures the RS token store's and session store's
// backend: in-process memory by default, an encrypted file for RS tokens
// when RS_TOKENS_FILE is set, or Redis (taking precedence over the file
// backend) when REDIS_URL is set.
type StorageConfig struct {
	RSTokensFile   string `env:"RS_TOKENS_FILE"`
	RSTokensEncKey string `env:"RS_TOKENS_ENC_KEY"`
	RedisURL       string `env:"REDIS_URL"`
}

// Persistent reports whether a file backend (as opposed to the in-memory
// store) should be used.
func (s StorageConfig) Persistent() bool {
	return s.RSTokensFile != ""
}

// UseRedis reports whether the remote Redis-backed session/token store
// should be used in place of the in-process or file backend.
func (s StorageConfig) UseRedis() bool {
	return s.RedisURL != ""
}

// EncryptionKey decodes RS_TOKENS_ENC_KEY, a url-safe-base64-encoded
// 32-byte AES-256 key. Returns nil, nil when unset, which leaves the file
// store unencrypted.
func (s StorageConfig) EncryptionKey() ([]byte, error) {
	if s.RSTokensEncKey == "" {
		return nil, nil
	}
	key, err := security.KeyFromBase64(s.RSTokensEncKey)
	if err != nil {
		return nil, fmt.Errorf("RS_TOKENS_ENC_KEY: %w", err)
	}
	return key, nil
}

// ThrottleConfig configures the outbound rate limiter and concurrency gate
// guarding upstream refresh and code-exchange calls.
type ThrottleConfig struct {
	RPSLimit         float64 `env:"RPS_LIMIT" envDefault:"10"`
	ConcurrencyLimit int     `env:"CONCURRENCY_LIMIT" envDefault:"5"`
}

// InstrumentationConfig configures OpenTelemetry metrics and tracing. Not
// part of the recognized external interface keys; carried because every
// deployable service in this lineage exposes a way to name and toggle its
// own telemetry.
type InstrumentationConfig struct {
	Enabled        bool   `env:"OTEL_ENABLED" envDefault:"false"`
	ServiceName    string `env:"OTEL_SERVICE_NAME" envDefault:"mcpbridge"`
	ServiceVersion string `env:"OTEL_SERVICE_VERSION"`
	LogClientIPs   bool   `env:"OTEL_LOG_CLIENT_IPS" envDefault:"false"`
}

// Config is the complete bound environment configuration.
type Config struct {
	Server          ServerConfig
	Auth            AuthConfig
	OAuth           OAuthConfig
	CIMD            CIMDConfig
	Provider        ProviderConfig
	Storage         StorageConfig
	Throttle        ThrottleConfig
	Instrumentation InstrumentationConfig
}

// Load parses environment variables into a Config. Each sub-struct is
// parsed independently because env.Parse does not itself descend into
// plain (non-pointer, non-embedded) struct fields without an envPrefix
// tag, and none of these groups share a prefix.
func Load() (*Config, error) {
	cfg := &Config{}
	targets := []any{
		&cfg.Server,
		&cfg.Auth,
		&cfg.OAuth,
		&cfg.CIMD,
		&cfg.Provider,
		&cfg.Storage,
		&cfg.Throttle,
		&cfg.Instrumentation,
	}
	for _, t := range targets {
		if err := env.Parse(t); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Auth.Strategy {
	case "none", "oauth", "bearer", "api_key", "custom":
	default:
		return fmt.Errorf("AUTH_STRATEGY must be one of oauth|bearer|api_key|custom|none, got %q", c.Auth.Strategy)
	}
	if c.Auth.Strategy == "api_key" && c.Auth.APIKey == "" {
		return fmt.Errorf("API_KEY is required when AUTH_STRATEGY=api_key")
	}
	if c.Auth.Strategy == "bearer" && c.Auth.BearerToken == "" {
		return fmt.Errorf("BEARER_TOKEN is required when AUTH_STRATEGY=bearer")
	}
	if _, err := c.Auth.CustomHeaders(); err != nil {
		return err
	}
	if _, err := c.OAuth.ExtraAuthParams(); err != nil {
		return err
	}
	if _, err := c.Storage.EncryptionKey(); err != nil {
		return err
	}
	return nil
}

// LogSecurityWarnings logs startup warnings for configuration choices that
// weaken this bridge's default security posture. It never fails startup;
// operators may have legitimate reasons (internal deployments, local
// development) for any one of these.
func (c *Config) LogSecurityWarnings(logger *slog.Logger) {
	if c.Auth.AllowDirectBearer {
		logger.Warn("security: AUTH_ALLOW_DIRECT_BEARER is enabled",
			"risk", "tool calls accept a bearer token that was never exchanged through this bridge's token store")
	}
	if c.OAuth.RedirectAllowAll {
		logger.Warn("security: OAUTH_REDIRECT_ALLOW_ALL is enabled",
			"risk", "any client-supplied redirect_uri is accepted, including open-redirect targets")
	}
	if c.Storage.Persistent() && c.Storage.RSTokensEncKey == "" {
		logger.Warn("security: RS_TOKENS_FILE is set without RS_TOKENS_ENC_KEY",
			"risk", "resource-server tokens are persisted to disk unencrypted")
	}
	if c.CIMD.Enabled && len(c.CIMD.AllowedDomains()) == 0 {
		logger.Warn("security: CIMD_ENABLED is set without CIMD_ALLOWED_DOMAINS",
			"risk", "client-metadata documents may be fetched from any non-blocked host")
	}
	if !c.Server.DevMode() && c.Auth.Strategy == "none" {
		logger.Warn("security: AUTH_STRATEGY=none in a non-development NODE_ENV",
			"risk", "inbound requests are not authenticated")
	}
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseKVCSV parses a "k1:v1,k2:v2" list, naming envKey in error messages.
func parseKVCSV(raw, envKey string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("%s: invalid entry %q, expected k:v", envKey, pair)
		}
		k := strings.TrimSpace(pair[:idx])
		v := strings.TrimSpace(pair[idx+1:])
		if k == "" {
			return nil, fmt.Errorf("%s: empty key in entry %q", envKey, pair)
		}
		out[k] = v
	}
	return out, nil
}
