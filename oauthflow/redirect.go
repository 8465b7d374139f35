package oauthflow

import (
	"net"
	"net/url"
	"strings"
)

// RedirectPolicy decides whether a client-supplied redirect_uri may be used
// to complete a flow. It is deliberately small: this bridge is not a
// general-purpose client registry, so there is no per-client redirect_uri
// allowlist beyond what CIMD or this static configuration provides.
//
// Beyond the allowlist match it also rejects the same class of dangerous
// redirect_uri values a client registration endpoint would: fragments,
// non-HTTP(S)/custom schemes, and IP-literal hosts that resolve into
// private, link-local, or unspecified ranges, so a client cannot use an
// allowlist wildcard to smuggle an SSRF target into a callback URL.
type RedirectPolicy struct {
	AllowList []string
	AllowAll  bool
	DevMode   bool
}

// Allowed reports whether redirectURI may be used.
func (p RedirectPolicy) Allowed(redirectURI string) bool {
	if p.AllowAll {
		return true
	}

	u, err := url.Parse(redirectURI)
	if err != nil || u.Fragment != "" {
		return false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return false
	}

	if p.DevMode && isLoopbackHost(u.Hostname()) {
		return true
	}

	for _, allowed := range p.AllowList {
		if matchesAllowedRedirect(allowed, redirectURI) {
			return p.hostnameSafe(u.Hostname())
		}
	}
	return false
}

// hostnameSafe rejects IP-literal hosts in private, link-local, or
// unspecified ranges so an allowlisted wildcard cannot be abused to target
// internal infrastructure. It does not attempt DNS-rebinding protection via
// resolution on this path: unlike the CIMD fetch path (ssrf.go), a
// redirect_uri here is only ever dereferenced by the end user's browser, not
// dialed by this server.
func (p RedirectPolicy) hostnameSafe(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return true
	}
	return !isPrivateOrReservedIP(ip) || p.DevMode
}

func isLoopbackHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// matchesAllowedRedirect supports exact matches and a trailing "*" wildcard
// suffix match on an allowlist entry.
func matchesAllowedRedirect(allowed, redirectURI string) bool {
	if strings.HasSuffix(allowed, "*") {
		return strings.HasPrefix(redirectURI, strings.TrimSuffix(allowed, "*"))
	}
	return allowed == redirectURI
}
