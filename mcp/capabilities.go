package mcp

// SupportedProtocolVersions lists the MCP protocol versions this dispatcher
// accepts at initialize, newest first.
var SupportedProtocolVersions = []string{
	"2025-11-25",
	"2025-06-18",
	"2025-03-26",
	"2024-11-05",
	"2024-10-07",
}

// LatestProtocolVersion is the version negotiated when the client offers one
// this dispatcher doesn't recognize.
const LatestProtocolVersion = "2025-11-25"

// NegotiateProtocolVersion returns requested unchanged if it's one of
// SupportedProtocolVersions, else falls back to LatestProtocolVersion.
func NegotiateProtocolVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return requested
		}
	}
	return LatestProtocolVersion
}

// ServerInfo identifies this server to an MCP client during initialize. The
// same type doubles as the shape of the client-supplied clientInfo object,
// which has no instructions field and leaves it empty.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	// Instructions is free-form guidance for the model using this server,
	// returned in the initialize response but not part of clientInfo.
	Instructions string `json:"-"`

	// FallbackProtocolVersion overrides LatestProtocolVersion as the
	// version negotiated when a client requests one this dispatcher
	// doesn't recognize. Empty keeps the package default.
	FallbackProtocolVersion string `json:"-"`
}

// LoggingCapability advertises support for logging/setLevel.
type LoggingCapability struct{}

// PromptsCapability advertises prompts/list support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// ResourcesCapability advertises resources/list and resources/templates/list
// support.
type ResourcesCapability struct {
	ListChanged bool `json:"listChanged"`
	Subscribe   bool `json:"subscribe"`
}

// ToolsCapability advertises tools/list and tools/call support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged"`
}

// Capabilities is the server's initialize-time capability advertisement.
type Capabilities struct {
	Logging   *LoggingCapability   `json:"logging,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Tools     *ToolsCapability     `json:"tools,omitempty"`
}

// DefaultCapabilities is the capability set every session negotiates.
func DefaultCapabilities() Capabilities {
	return Capabilities{
		Logging:   &LoggingCapability{},
		Prompts:   &PromptsCapability{ListChanged: false},
		Resources: &ResourcesCapability{ListChanged: false, Subscribe: false},
		Tools:     &ToolsCapability{ListChanged: false},
	}
}

// InitializeResult is the response body for initialize.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
	Instructions    string       `json:"instructions,omitempty"`
}
