// Package idgen generates opaque, url-safe random identifiers: OAuth
// authorization codes, transaction ids, and registered client ids. RS
// access/refresh tokens are minted with oauth2.GenerateVerifier instead.
package idgen

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Token returns a url-safe base64 string encoding n random bytes, with no
// padding.
func Token(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("idgen: read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MustToken panics if random generation fails. Random read failures on a
// healthy kernel are not something callers can meaningfully recover from.
func MustToken(n int) string {
	t, err := Token(n)
	if err != nil {
		panic(err)
	}
	return t
}
