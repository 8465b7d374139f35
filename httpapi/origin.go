package httpapi

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/mcpbridge/resource-server/mcp"
)

// validateOrigin enforces the façade's origin policy. An absent Origin
// header always passes (non-browser MCP clients rarely send one). In dev
// mode, a present Origin must resolve to a loopback, private-range, or
// .local host. In production, the configured OriginPolicy hook decides,
// defaulting to allow when none is configured.
func (f *Facade) validateOrigin(origin string) error {
	if origin == "" {
		return nil
	}
	if !f.cfg.DevMode {
		if f.cfg.OriginPolicy == nil {
			return nil
		}
		if !f.cfg.OriginPolicy(origin) {
			return fmt.Errorf("origin not allowed: %s", origin)
		}
		return nil
	}

	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("malformed origin: %s", origin)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("malformed origin: %s", origin)
	}
	if strings.HasSuffix(host, ".local") || host == "localhost" {
		return nil
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() {
			return nil
		}
	}
	return fmt.Errorf("origin not permitted in development mode: %s", origin)
}

// validateProtocolVersion checks the Mcp-Protocol-Version header (accepted
// under either casing, as a comma-separated list) against the dispatcher's
// supported set. A request with no header at all passes: version
// negotiation falls back to initialize's own protocolVersion field.
func validateProtocolVersion(header string) error {
	if header == "" {
		return nil
	}
	for _, raw := range strings.Split(header, ",") {
		v := strings.TrimSpace(raw)
		for _, supported := range mcp.SupportedProtocolVersions {
			if v == supported {
				return nil
			}
		}
	}
	return fmt.Errorf("no requested protocol version is supported: %s", header)
}
