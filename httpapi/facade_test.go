package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpbridge/resource-server/auth"
	"github.com/mcpbridge/resource-server/mcp"
	"github.com/mcpbridge/resource-server/oauthflow"
	"github.com/mcpbridge/resource-server/reqctx"
	"github.com/mcpbridge/resource-server/security"
	"github.com/mcpbridge/resource-server/storage/memory"
)

func pkceChallengeForTest(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	sessions := memory.NewSessionStore()
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })
	tokens := memory.NewTokenStore()
	t.Cleanup(func() { _ = tokens.Close(context.Background()) })

	registry := mcp.NewRegistry()
	requests := reqctx.NewRegistry(nil)
	t.Cleanup(requests.Stop)
	dispatcher := mcp.New(registry, sessions, requests, mcp.ServerInfo{Name: "mcpbridge", Version: "test"}, nil)

	resolver := auth.New(auth.Config{Strategy: auth.StrategyNone}, tokens, nil)
	auditor := security.NewAuditor(nil, true)
	engine := oauthflow.New(tokens, nil, nil, oauthflow.CIMDConfig{}, oauthflow.RedirectPolicy{DevMode: true}, auditor, nil)

	return New(Config{PublicOrigin: "https://mcp.example.test"}, sessions, tokens, dispatcher, resolver, requests, engine, auditor, nil)
}

func postMCP(t *testing.T, f *Facade, sessionID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/mcp", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(headerSessionID, sessionID)
	}
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	return rec
}

func TestHandleMCP_InitializeCreatesSessionAndEchoesHeader(t *testing.T) {
	f := newTestFacade(t)
	resp := postMCP(t, f, "", map[string]interface{}{
		"jsonrpc": "2.0", "id": 1, "method": "initialize",
		"params": map[string]interface{}{"protocolVersion": "2024-11-05"},
	})

	assert.Equal(t, http.StatusOK, resp.Code)
	sid := resp.Header().Get(headerSessionID)
	assert.NotEmpty(t, sid)

	var rpcResp mcp.Response
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rpcResp))
	assert.Nil(t, rpcResp.Error)
}

func TestHandleMCP_MissingSessionHeaderWithoutInitializeIs400(t *testing.T) {
	f := newTestFacade(t)
	resp := postMCP(t, f, "", map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	var rpcResp mcp.Response
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &rpcResp))
	require.NotNil(t, rpcResp.Error)
	assert.Equal(t, mcp.ErrorCodeServerError, rpcResp.Error.Code)
}

func TestHandleMCP_UnknownSessionIs404(t *testing.T) {
	f := newTestFacade(t)
	resp := postMCP(t, f, "does-not-exist", map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHandleMCP_NotificationOnlyBatchReturns202(t *testing.T) {
	f := newTestFacade(t)

	initResp := postMCP(t, f, "", map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]interface{}{}})
	sid := initResp.Header().Get(headerSessionID)
	require.NotEmpty(t, sid)

	resp := postMCP(t, f, sid, map[string]interface{}{"jsonrpc": "2.0", "method": "notifications/initialized"})
	assert.Equal(t, http.StatusAccepted, resp.Code)
}

func TestHandleMCP_BatchRequestReturnsArray(t *testing.T) {
	f := newTestFacade(t)
	initResp := postMCP(t, f, "", map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]interface{}{}})
	sid := initResp.Header().Get(headerSessionID)

	resp := postMCP(t, f, sid, []map[string]interface{}{
		{"jsonrpc": "2.0", "id": 1, "method": "ping"},
		{"jsonrpc": "2.0", "id": 2, "method": "ping"},
	})
	assert.Equal(t, http.StatusOK, resp.Code)

	var batch []mcp.Response
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &batch))
	assert.Len(t, batch, 2)
}

func TestHandleMCP_GetWithoutSessionHeaderIs405(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleMCP_DeleteRemovesSession(t *testing.T) {
	f := newTestFacade(t)
	initResp := postMCP(t, f, "", map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "initialize", "params": map[string]interface{}{}})
	sid := initResp.Header().Get(headerSessionID)

	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(headerSessionID, sid)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	second := postMCP(t, f, sid, map[string]interface{}{"jsonrpc": "2.0", "id": 1, "method": "ping"})
	assert.Equal(t, http.StatusNotFound, second.Code)
}

func TestHandleMCP_DeleteUnknownSessionIs404(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodDelete, "/mcp", nil)
	req.Header.Set(headerSessionID, "ghost")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORS_PreflightReturnsNoContentWithHeaders(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodOptions, "/mcp", nil)
	req.Header.Set("Origin", "https://client.example")
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://client.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Headers"))
}

func TestWellKnown_AuthorizationServerMetadata(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-authorization-server", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var doc authorizationServerMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://mcp.example.test/authorize", doc.AuthorizationEndpoint)
	assert.Equal(t, "https://mcp.example.test/token", doc.TokenEndpoint)
}

func TestWellKnown_ProtectedResourceMetadataEchoesSID(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodGet, "/.well-known/oauth-protected-resource?sid=abc", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)

	var doc protectedResourceMetadata
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Contains(t, doc.Resource, "sid=abc")
}

func TestOAuthEndpoints_DevShortcutRoundTrip(t *testing.T) {
	f := newTestFacade(t)

	challenge := pkceChallengeForTest("verifier-1234567890123456789012345678")
	req := httptest.NewRequest(http.MethodGet, "/authorize?redirect_uri=http://127.0.0.1:9/cb&code_challenge="+challenge+"&code_challenge_method=S256&state=xyz", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Location"))
}

func TestOAuthRegister_ReturnsClientID(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader([]byte(`{"redirect_uris":["http://127.0.0.1:9/cb"]}`)))
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp oauthflow.RegisterResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ClientID)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)
}

func TestOAuthRevoke_AlwaysOK(t *testing.T) {
	f := newTestFacade(t)
	req := httptest.NewRequest(http.MethodPost, "/revoke", nil)
	rec := httptest.NewRecorder()
	f.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
