package oauthflow

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// providerState is the composite state parameter this server sends to the
// upstream provider, round-tripped back on its callback.
type providerState struct {
	TxnID          string `json:"tid"`
	ClientState    string `json:"cs,omitempty"`
	ClientRedirect string `json:"cr"`
	SID            string `json:"sid,omitempty"`
}

// encodeState base64url-JSON-encodes a composite state object.
func encodeState(s providerState) (string, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("oauthflow: encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// decodeState is the inverse of encodeState.
func decodeState(encoded string) (providerState, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return providerState{}, fmt.Errorf("oauthflow: decode state: %w", err)
	}
	var s providerState
	if err := json.Unmarshal(raw, &s); err != nil {
		return providerState{}, fmt.Errorf("oauthflow: decode state: %w", err)
	}
	return s, nil
}
