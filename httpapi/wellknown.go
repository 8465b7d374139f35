package httpapi

import (
	"encoding/json"
	"net/http"
)

func (f *Facade) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// authorizationServerMetadata is the RFC 8414 document this resource server
// publishes about itself, since the OAuth Flow Engine terminates the
// authorize/token endpoints directly rather than proxying a separate
// authorization server.
type authorizationServerMetadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	RegistrationEndpoint              string   `json:"registration_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

func (f *Facade) handleAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	origin := f.cfg.PublicOrigin
	doc := authorizationServerMetadata{
		Issuer:                            origin,
		AuthorizationEndpoint:             origin + "/authorize",
		TokenEndpoint:                     origin + "/token",
		RegistrationEndpoint:              origin + "/register",
		RevocationEndpoint:                origin + "/revoke",
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{"S256"},
		TokenEndpointAuthMethodsSupported: []string{"none"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

// protectedResourceMetadata is the RFC 9728 document advertised in 401
// challenges' authorization_uri, scoped to one session when ?sid= is
// present.
type protectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
}

func (f *Facade) handleProtectedResourceMetadata(w http.ResponseWriter, r *http.Request) {
	resource := f.cfg.PublicOrigin + "/mcp"
	if sid := r.URL.Query().Get("sid"); sid != "" {
		resource = resource + "?sid=" + sid
	}
	doc := protectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{f.cfg.PublicOrigin},
		BearerMethodsSupported: []string{"header"},
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}
