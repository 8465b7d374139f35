package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DisabledByDefault(t *testing.T) {
	var c Config
	assert.False(t, c.Enabled())
	assert.NoError(t, c.Validate())
	assert.Nil(t, c.RefreshProviderConfig())
	assert.Nil(t, c.OAuthFlowProviderConfig())
}

func TestConfig_Validate_RequiresClientCredentialsWhenEnabled(t *testing.T) {
	c := Config{AccountsURL: "https://accounts.example.com", CallbackURL: "https://mcp.example.com/oauth/callback"}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client_id and client_secret")
}

func TestConfig_Validate_RequiresCallbackURLWhenEnabled(t *testing.T) {
	c := Config{AccountsURL: "https://accounts.example.com", ClientID: "abc", ClientSecret: "secret"}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "callback_url")
}

func TestConfig_Validate_RejectsMalformedAccountsURL(t *testing.T) {
	c := Config{AccountsURL: "://not-a-url", ClientID: "abc", ClientSecret: "secret", CallbackURL: "https://mcp.example.com/oauth/callback"}
	assert.Error(t, c.Validate())
}

func TestConfig_Validate_AcceptsWellFormedConfig(t *testing.T) {
	c := Config{
		AccountsURL:  "https://accounts.example.com",
		ClientID:     "abc",
		ClientSecret: "secret",
		CallbackURL:  "https://mcp.example.com/oauth/callback",
	}
	assert.NoError(t, c.Validate())
}

func TestConfig_RefreshProviderConfig_AppliesDefaultTokenPath(t *testing.T) {
	c := Config{
		AccountsURL:  "https://accounts.example.com/",
		ClientID:     "abc",
		ClientSecret: "secret",
		CallbackURL:  "https://mcp.example.com/oauth/callback",
	}
	rp := c.RefreshProviderConfig()
	require.NotNil(t, rp)
	assert.Equal(t, "https://accounts.example.com/", rp.AccountsURL)
	assert.Equal(t, "/token", rp.TokenEndpointPath)
}

func TestConfig_OAuthFlowProviderConfig_BuildsAbsoluteEndpoints(t *testing.T) {
	c := Config{
		AccountsURL:       "https://accounts.example.com/",
		AuthorizationPath: "/oauth2/authorize",
		TokenEndpointPath: "/oauth2/token",
		ClientID:          "abc",
		ClientSecret:      "secret",
		CallbackURL:       "https://mcp.example.com/oauth/callback",
		Scopes:            []string{"openid", "profile"},
	}
	of := c.OAuthFlowProviderConfig()
	require.NotNil(t, of)
	assert.Equal(t, "https://accounts.example.com/oauth2/authorize", of.AuthorizationURL)
	assert.Equal(t, "https://accounts.example.com/oauth2/token", of.TokenURL)
	assert.Equal(t, "https://mcp.example.com/oauth/callback", of.CallbackURL)
	assert.Equal(t, []string{"openid", "profile"}, of.Scopes)
}
