// Package providers holds this bridge's single upstream identity provider
// configuration: the generic {client_id, client_secret, accounts_url,
// token_endpoint_path} shape the OAuth Flow Engine and Refresher both
// project from, rather than a separate Go implementation per IdP.
package providers

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mcpbridge/resource-server/oauthflow"
	"github.com/mcpbridge/resource-server/refresh"
)

// Config describes the one upstream OAuth 2.1 authorization server this
// deployment delegates authentication and token refresh to. A zero Config
// selects the dev shortcut both the Engine and the Refresher support: no
// upstream calls are made, and authorization codes/tokens are minted
// locally.
type Config struct {
	ClientID     string
	ClientSecret string

	// AccountsURL is the provider's base URL, e.g. "https://accounts.example.com".
	AccountsURL string

	// AuthorizationPath and TokenEndpointPath default to "/authorize" and
	// "/token" respectively when empty.
	AuthorizationPath string
	TokenEndpointPath string

	// CallbackURL is this server's own /oauth/callback, registered with the
	// upstream provider as the redirect_uri.
	CallbackURL string

	Scopes          []string
	ExtraAuthParams map[string]string
}

func (c Config) authorizationPath() string {
	if c.AuthorizationPath == "" {
		return "/authorize"
	}
	return c.AuthorizationPath
}

func (c Config) tokenEndpointPath() string {
	if c.TokenEndpointPath == "" {
		return "/token"
	}
	return c.TokenEndpointPath
}

// Enabled reports whether this Config names a real upstream provider, as
// opposed to the dev shortcut.
func (c Config) Enabled() bool {
	return c.AccountsURL != ""
}

// Validate checks internal consistency. A disabled Config is always valid.
func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if _, err := url.Parse(c.AccountsURL); err != nil {
		return fmt.Errorf("providers: invalid accounts_url: %w", err)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return fmt.Errorf("providers: client_id and client_secret are required when accounts_url is set")
	}
	if c.Enabled() && c.CallbackURL == "" {
		return fmt.Errorf("providers: callback_url is required when accounts_url is set")
	}
	return nil
}

// RefreshProviderConfig projects Config onto the shape the Refresher (C5)
// consumes for the upstream refresh_token grant. Returns nil when Config is
// disabled, matching the Refresher's documented nil-provider dev mode.
func (c Config) RefreshProviderConfig() *refresh.ProviderConfig {
	if !c.Enabled() {
		return nil
	}
	return &refresh.ProviderConfig{
		ClientID:          c.ClientID,
		ClientSecret:      c.ClientSecret,
		AccountsURL:       c.AccountsURL,
		TokenEndpointPath: c.tokenEndpointPath(),
	}
}

// OAuthFlowProviderConfig projects Config onto the shape the OAuth Flow
// Engine (C6) consumes for the authorize/callback legs. Returns nil when
// Config is disabled, matching the Engine's documented nil-provider dev
// shortcut.
func (c Config) OAuthFlowProviderConfig() *oauthflow.ProviderConfig {
	if !c.Enabled() {
		return nil
	}
	base := strings.TrimSuffix(c.AccountsURL, "/")
	return &oauthflow.ProviderConfig{
		ClientID:         c.ClientID,
		ClientSecret:     c.ClientSecret,
		AuthorizationURL: base + c.authorizationPath(),
		TokenURL:         base + c.tokenEndpointPath(),
		CallbackURL:      c.CallbackURL,
		Scopes:           c.Scopes,
		ExtraAuthParams:  c.ExtraAuthParams,
	}
}
