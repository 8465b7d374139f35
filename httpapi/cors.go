package httpapi

import (
	"net/http"
	"strings"
)

var corsAllowedHeaders = []string{
	"Content-Type",
	"Authorization",
	"Mcp-Session-Id",
	"MCP-Protocol-Version",
	"Mcp-Protocol-Version",
	"X-Api-Key",
	"X-Auth-Token",
}

var corsExposedHeaders = []string{
	"Mcp-Session-Id",
	"WWW-Authenticate",
}

// withCORS wraps a handler with the façade's CORS policy: every origin is
// allowed (this is a resource server meant to be called by arbitrary MCP
// clients, not a browser-trust boundary), with the method/header set
// fixed per the external interface contract.
func (f *Facade) withCORS(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join(corsAllowedHeaders, ", "))
		w.Header().Set("Access-Control-Expose-Headers", strings.Join(corsExposedHeaders, ", "))

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next(w, r)
	}
}
