package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/mcpbridge/resource-server/auth"
	"github.com/mcpbridge/resource-server/mcp"
	"github.com/mcpbridge/resource-server/reqctx"
	"github.com/mcpbridge/resource-server/storage"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

func marshalResponse(resp *mcp.Response) ([]byte, error) {
	return json.Marshal(resp)
}

func (f *Facade) handleMCP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		f.handleMCPPost(w, r)
	case http.MethodGet:
		f.handleMCPGet(w, r)
	case http.MethodDelete:
		f.handleMCPDelete(w, r)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// challenge401 writes the bearer challenge body the façade returns whenever
// an auth resolution, origin check, or protocol-version check rejects a
// request.
func (f *Facade) challenge401(w http.ResponseWriter, sessionID string) {
	resourceMetadata := fmt.Sprintf("%s/.well-known/oauth-protected-resource?sid=%s", f.cfg.PublicOrigin, sessionID)
	w.Header().Set(headerWWWAuthenticate, fmt.Sprintf(`Bearer realm=%q, authorization_uri=%q`, f.cfg.realm(), resourceMetadata))
	if sessionID != "" {
		w.Header().Set(headerSessionID, sessionID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	resp := mcp.NewErrorResponse(nil, mcp.ErrorCodeServerError, "Unauthorized", nil)
	raw, err := marshalResponse(resp)
	if err == nil {
		_, _ = w.Write(raw)
	}
}

func (f *Facade) handleMCPPost(w http.ResponseWriter, r *http.Request) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONRPCError(w, http.StatusUnsupportedMediaType, mcp.ErrorCodeInvalidRequest, "Content-Type must be application/json")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, mcp.ErrorCodeParseError, "could not read request body")
		return
	}

	messages, batched, err := decodeMessages(body)
	if err != nil {
		writeJSONRPCError(w, http.StatusBadRequest, mcp.ErrorCodeParseError, "invalid JSON-RPC payload")
		return
	}

	var hasInitialize bool
	for _, m := range messages {
		if m.Method == "initialize" {
			hasInitialize = true
		}
	}

	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" && !hasInitialize {
		writeJSONRPCError(w, http.StatusBadRequest, mcp.ErrorCodeServerError, "Bad Request: Mcp-Session-Id required")
		return
	}

	var session *storage.SessionRecord
	newSession := false
	if hasInitialize {
		sessionID = uuid.NewString()
		newSession = true
	} else {
		session, err = f.sessions.Get(r.Context(), sessionID)
		if err != nil {
			writeJSONRPCError(w, http.StatusInternalServerError, mcp.ErrorCodeInternalError, "session lookup failed")
			return
		}
		if session == nil {
			http.Error(w, "Invalid session", http.StatusNotFound)
			return
		}
	}

	apiKey := f.fingerprintAPIKey(r)
	if session != nil && session.APIKey != "" && session.APIKey != apiKey {
		f.auditor.LogCredentialRebindAttempt(sessionID, session.APIKey, apiKey)
	}

	if err := f.validateOrigin(r.Header.Get("Origin")); err != nil {
		f.logger.Warn("httpapi: origin rejected", "error", err)
		f.challenge401(w, sessionID)
		return
	}
	if err := validateProtocolVersion(r.Header.Get(headerProtocolVersion)); err != nil {
		f.logger.Warn("httpapi: protocol version rejected", "error", err)
		f.challenge401(w, sessionID)
		return
	}

	resolved, err := f.resolver.Resolve(r.Context(), r.Header)
	if err != nil {
		f.logger.Warn("httpapi: auth resolution failed", "error", err)
		f.challenge401(w, sessionID)
		return
	}
	if f.resolver.Strategy() == auth.StrategyOAuth && f.resolver.RequireRS() && !f.resolver.AllowDirectBearer() {
		if _, ok := resolved.ResolvedHeaders["authorization"]; !ok {
			f.auditor.LogAuthFailure(sessionID, apiKey, f.clientIP(r), "missing or unresolvable RS token")
			f.challenge401(w, sessionID)
			return
		}
	}

	if newSession {
		session, err = f.sessions.Create(r.Context(), sessionID, apiKey)
		if err != nil {
			writeJSONRPCError(w, http.StatusInternalServerError, mcp.ErrorCodeInternalError, "failed to create session")
			return
		}
		if f.metrics != nil {
			f.metrics.RecordSessionCreated(r.Context())
		}
	}

	responses := make([]*mcp.Response, 0, len(messages))
	for _, m := range messages {
		req := m.AsRequest()
		rc := &reqctx.RequestContext{RequestID: req.ID.String(), SessionID: sessionID, Auth: resolved, Timestamp: time.Now()}
		ctx := reqctx.WithRequestContext(r.Context(), rc)

		resp := f.dispatcher.Handle(ctx, sessionID, resolved, req)
		if resp != nil {
			responses = append(responses, resp)
		}
	}

	w.Header().Set(headerSessionID, sessionID)

	if len(responses) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if batched {
		_ = json.NewEncoder(w).Encode(responses)
	} else {
		_ = json.NewEncoder(w).Encode(responses[0])
	}
}

// decodeMessages parses body as either a single JSON-RPC message or a
// batch array of them.
func decodeMessages(body []byte) ([]mcp.AnyMessage, bool, error) {
	trimmed := body
	for len(trimmed) > 0 && (trimmed[0] == ' ' || trimmed[0] == '\n' || trimmed[0] == '\t' || trimmed[0] == '\r') {
		trimmed = trimmed[1:]
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []mcp.AnyMessage
		if err := json.Unmarshal(body, &batch); err != nil {
			return nil, true, err
		}
		return batch, true, nil
	}
	var single mcp.AnyMessage
	if err := json.Unmarshal(body, &single); err != nil {
		return nil, false, err
	}
	return []mcp.AnyMessage{single}, false, nil
}

func writeJSONRPCError(w http.ResponseWriter, status int, code mcp.ErrorCode, message string) {
	resp := mcp.NewErrorResponse(nil, code, message, nil)
	raw, err := marshalResponse(resp)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err == nil {
		_, _ = w.Write(raw)
	}
}

func (f *Facade) handleMCPGet(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" {
		w.Header().Set("Allow", "GET, POST, DELETE")
		http.Error(w, "Mcp-Session-Id required for streaming", http.StatusMethodNotAllowed)
		return
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			http.Error(w, "Accept must include text/event-stream", http.StatusUnsupportedMediaType)
			return
		}
	}
	session, err := f.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Invalid session", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(headerSessionID, sessionID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (f *Facade) handleMCPDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(headerSessionID)
	if sessionID == "" {
		http.Error(w, "Mcp-Session-Id required", http.StatusBadRequest)
		return
	}
	session, err := f.sessions.Get(r.Context(), sessionID)
	if err != nil {
		http.Error(w, "session lookup failed", http.StatusInternalServerError)
		return
	}
	if session == nil {
		http.Error(w, "Invalid session", http.StatusNotFound)
		return
	}

	if err := f.sessions.Delete(r.Context(), sessionID); err != nil {
		f.logger.Warn("httpapi: failed to delete session", "session_id", sessionID, "error", err)
	}
	if f.requests != nil {
		f.requests.DeleteBySession(sessionID)
	}
	if f.metrics != nil {
		f.metrics.RecordSessionDeleted(r.Context())
	}
	w.WriteHeader(http.StatusNoContent)
}
