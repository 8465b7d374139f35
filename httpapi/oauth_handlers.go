package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/mcpbridge/resource-server/oauthflow"
)

// oauthStatus maps an oauthflow.Error's taxonomy code to an HTTP status.
// invalid_client carries most of the CIMD-specific sub-codes
// (ssrf_blocked:*, domain_not_allowed, ...), all of which are client-side
// rejections.
func oauthStatus(code string) int {
	switch code {
	case oauthflow.ErrInvalidGrant, oauthflow.ErrInvalidClient, oauthflow.ErrUnknownTxn,
		oauthflow.ErrInvalidRequest, oauthflow.ErrUnsupportedGrantType,
		oauthflow.ErrClientIDMismatch, oauthflow.ErrInvalidContentType, oauthflow.ErrInvalidJSON:
		return http.StatusBadRequest
	case oauthflow.ErrFetchTimeout:
		return http.StatusGatewayTimeout
	case oauthflow.ErrFetchFailed, oauthflow.ErrProviderRefreshFailed, oauthflow.ErrProviderNoToken, oauthflow.ErrProviderTokenExpired:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func writeOAuthError(w http.ResponseWriter, err error) {
	oe, ok := err.(*oauthflow.Error)
	if !ok {
		http.Error(w, "internal_error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(oauthStatus(oe.Code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}

func (f *Facade) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := f.engine.Authorize(r.Context(), oauthflow.AuthorizeInput{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		SID:                 q.Get("sid"),
	})
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, out.RedirectTo, http.StatusFound)
}

func (f *Facade) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := f.engine.Callback(r.Context(), q.Get("state"), q.Get("code"))
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	http.Redirect(w, r, out.RedirectTo, http.StatusFound)
}

func (f *Facade) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	req := oauthflow.TokenRequest{
		GrantType:    r.FormValue("grant_type"),
		Code:         r.FormValue("code"),
		CodeVerifier: r.FormValue("code_verifier"),
		RefreshToken: r.FormValue("refresh_token"),
	}
	resp, err := f.engine.Token(r.Context(), req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *Facade) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req oauthflow.RegisterRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	resp, err := f.engine.Register(r.Context(), req)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(resp)
}

func (f *Facade) handleRevoke(w http.ResponseWriter, r *http.Request) {
	_ = f.engine.Revoke(r.Context())
	w.WriteHeader(http.StatusOK)
}
