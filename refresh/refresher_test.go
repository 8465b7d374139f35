package refresh

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbridge/resource-server/storage"
	"github.com/mcpbridge/resource-server/storage/memory"
)

func TestEnsureFresh_ReturnsExistingTokenWhenNotNearExpiry(t *testing.T) {
	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	expiresAt := time.Now().Add(time.Hour)
	_, err := tokens.StoreRSMapping(context.Background(), "rs-access", storage.ProviderToken{
		AccessToken: "still-fresh",
		ExpiresAt:   &expiresAt,
	}, "rs-refresh")
	require.NoError(t, err)

	r := New(tokens, nil)
	token, refreshed, err := r.EnsureFresh(context.Background(), "rs-access")
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, "still-fresh", token)
}

func TestEnsureFresh_UnknownTokenReturnsEmpty(t *testing.T) {
	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	r := New(tokens, nil)
	token, refreshed, err := r.EnsureFresh(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, "", token)
}

func TestEnsureFresh_RefreshesUpstreamWhenNearExpiry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "refreshed-access",
			"refresh_token": "rs-refresh", // unchanged: no rotation
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	expiresAt := time.Now().Add(-time.Minute)
	_, err := tokens.StoreRSMapping(context.Background(), "rs-access", storage.ProviderToken{
		AccessToken:  "stale",
		RefreshToken: "rs-refresh",
		ExpiresAt:    &expiresAt,
	}, "rs-refresh")
	require.NoError(t, err)

	r := New(tokens, &ProviderConfig{ClientID: "id", ClientSecret: "secret", AccountsURL: srv.URL})
	token, refreshed, err := r.EnsureFresh(context.Background(), "rs-access")
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, "refreshed-access", token)
	assert.Equal(t, int32(1), calls.Load())

	// The record's expiry was just pushed an hour out, so a second call
	// short-circuits on the expiry check itself without touching the network.
	token2, refreshed2, err := r.EnsureFresh(context.Background(), "rs-access")
	require.NoError(t, err)
	assert.False(t, refreshed2)
	assert.Equal(t, "refreshed-access", token2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestEnsureFresh_DedupWindowSuppressesSecondUpstreamCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "repeatedly-stale-access",
			"refresh_token": "rs-refresh",
			"expires_in":    -10, // still expired immediately after refresh
		})
	}))
	defer srv.Close()

	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	expiresAt := time.Now().Add(-time.Minute)
	_, err := tokens.StoreRSMapping(context.Background(), "rs-access", storage.ProviderToken{
		AccessToken:  "stale",
		RefreshToken: "rs-refresh",
		ExpiresAt:    &expiresAt,
	}, "rs-refresh")
	require.NoError(t, err)

	r := New(tokens, &ProviderConfig{ClientID: "id", ClientSecret: "secret", AccountsURL: srv.URL})

	_, refreshed, err := r.EnsureFresh(context.Background(), "rs-access")
	require.NoError(t, err)
	assert.True(t, refreshed)
	assert.Equal(t, int32(1), calls.Load())

	token2, refreshed2, err := r.EnsureFresh(context.Background(), "rs-access")
	require.NoError(t, err)
	assert.False(t, refreshed2)
	assert.Equal(t, "repeatedly-stale-access", token2)
	assert.Equal(t, int32(1), calls.Load(), "the 30s soft-dedup window must suppress a second upstream call")
}

func TestEnsureFresh_DegradesToStaleTokenOnUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	expiresAt := time.Now().Add(-time.Minute)
	_, err := tokens.StoreRSMapping(context.Background(), "rs-access", storage.ProviderToken{
		AccessToken:  "stale",
		RefreshToken: "rs-refresh",
		ExpiresAt:    &expiresAt,
	}, "rs-refresh")
	require.NoError(t, err)

	r := New(tokens, &ProviderConfig{ClientID: "id", ClientSecret: "secret", AccountsURL: srv.URL})
	token, refreshed, err := r.EnsureFresh(context.Background(), "rs-access")
	require.NoError(t, err, "upstream failures never fail the caller's request")
	assert.False(t, refreshed)
	assert.Equal(t, "stale", token)
}

func TestEnsureFresh_NoRefreshTokenServesStaleToken(t *testing.T) {
	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	expiresAt := time.Now().Add(-time.Minute)
	_, err := tokens.StoreRSMapping(context.Background(), "rs-access", storage.ProviderToken{
		AccessToken: "stale",
		ExpiresAt:   &expiresAt,
	}, "rs-refresh")
	require.NoError(t, err)

	r := New(tokens, &ProviderConfig{ClientID: "id", ClientSecret: "secret", AccountsURL: "http://unused.invalid"})
	token, refreshed, err := r.EnsureFresh(context.Background(), "rs-access")
	require.NoError(t, err)
	assert.False(t, refreshed)
	assert.Equal(t, "stale", token)
}

func TestExchange_RequiresConfiguredProvider(t *testing.T) {
	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	r := New(tokens, nil)
	_, err := r.Exchange(context.Background(), "some-refresh-token")
	assert.Error(t, err)
}

func TestExchange_PerformsUpstreamCall(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "exchanged-access",
			"refresh_token": "exchanged-refresh",
			"expires_in":    120,
			"scope":         "read write",
		})
	}))
	defer srv.Close()

	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	r := New(tokens, &ProviderConfig{ClientID: "id", ClientSecret: "secret", AccountsURL: srv.URL})
	provider, err := r.Exchange(context.Background(), "refresh-me")
	require.NoError(t, err)
	assert.Equal(t, "exchanged-access", provider.AccessToken)
	assert.Equal(t, "exchanged-refresh", provider.RefreshToken)
	assert.Equal(t, []string{"read", "write"}, provider.Scopes)
}

func TestProviderConfig_TokenEndpointPathDefault(t *testing.T) {
	p := &ProviderConfig{}
	assert.Equal(t, "/token", p.tokenEndpointPath())
	p.TokenEndpointPath = "/oauth/token"
	assert.Equal(t, "/oauth/token", p.tokenEndpointPath())
}
