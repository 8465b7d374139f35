package oauthflow

import (
	"net"
	"strings"
)

// blockedHostnames are rejected outright regardless of DNS resolution.
var blockedHostnames = map[string]bool{
	"localhost": true,
	"127.0.0.1": true,
	"::1":       true,
	"0.0.0.0":   true,
}

// blockedDomainSuffixes are rejected regardless of DNS resolution.
var blockedDomainSuffixes = []string{
	".local", ".internal", ".localhost", ".localdomain", ".corp", ".lan",
}

// checkSSRFSafe validates a CIMD client_id URL's host against the private
// network, hostname, and domain-suffix denylists before it is ever dialed.
// resolveIPs performs DNS resolution so tests can substitute a fake
// resolver without touching the network.
func checkSSRFSafe(host string, resolveIPs func(string) ([]net.IP, error)) error {
	lower := strings.ToLower(host)

	if blockedHostnames[lower] {
		return ssrfBlocked("blocked_hostname")
	}
	for _, suffix := range blockedDomainSuffixes {
		if strings.HasSuffix(lower, suffix) {
			return ssrfBlocked("blocked_domain_suffix")
		}
	}

	if ip := net.ParseIP(lower); ip != nil {
		if isPrivateOrReservedIP(ip) {
			return ssrfBlocked("private_ip_literal")
		}
		return nil
	}

	ips, err := resolveIPs(host)
	if err != nil {
		return newErr(ErrFetchFailed, "resolve host %s: %v", host, err)
	}
	for _, ip := range ips {
		if isPrivateOrReservedIP(ip) {
			return ssrfBlocked("dns_resolves_to_private_ip")
		}
	}
	return nil
}

// isPrivateOrReservedIP matches the private-IP patterns named in the
// specification: 10.*, 172.16-31.*, 192.168.*, 169.254.*, fc00::/7,
// fe80::/10, plus loopback and unspecified addresses.
func isPrivateOrReservedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}

	if ipv4 := ip.To4(); ipv4 != nil {
		switch {
		case ipv4[0] == 10:
			return true
		case ipv4[0] == 172 && ipv4[1] >= 16 && ipv4[1] <= 31:
			return true
		case ipv4[0] == 192 && ipv4[1] == 168:
			return true
		case ipv4[0] == 169 && ipv4[1] == 254:
			return true
		}
		return false
	}

	// Unique local addresses, fc00::/7.
	if len(ip) == 16 && (ip[0]&0xfe) == 0xfc {
		return true
	}
	return false
}

func defaultResolveIPs(host string) ([]net.IP, error) {
	return net.LookupIP(host)
}
