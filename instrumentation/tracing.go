package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// Never attach actual credential values (RS tokens, provider access/refresh
// tokens, authorization codes, client secrets) to spans or metrics. Only
// metadata: token types, expiry, rotation flags, validation results. Spans
// are persisted and replicated more widely than production request logs,
// and are subject to the same compliance requirements (GDPR, PCI-DSS).
const (
	AttrClientID         = "mcp.client_id"
	AttrSessionID        = "mcp.session_id"
	AttrRequestID        = "mcp.request_id"
	AttrMethod           = "mcp.method"
	AttrToolName         = "mcp.tool_name"
	AttrProtocolVersion  = "mcp.protocol_version"
	AttrScope            = "oauth.scope"
	AttrPKCEMethod       = "oauth.pkce.method"
	AttrCodeReuse        = "oauth.code.reuse"
	AttrTokenReuse       = "oauth.token.reuse" //nolint:gosec // boolean flag, not a credential value
	AttrTokenRotated     = "oauth.token.rotated"
	AttrGrantType        = "oauth.grant_type"
	AttrClientType       = "oauth.client_type"
	AttrRedirectURI      = "oauth.redirect_uri"
	AttrState            = "oauth.state"
	AttrTokenType        = "oauth.token_type" //nolint:gosec // e.g. "bearer", not the token itself
	AttrExpiresIn        = "oauth.expires_in"
	AttrError            = "oauth.error"
	AttrErrorDescription = "oauth.error_description"

	// RESERVED - DO NOT USE: never set these to actual credential values.
	// Use a boolean presence/length flag instead.
	AttrAuthorizationCode = "oauth.authorization_code" // use "code_present" instead
	AttrAccessToken       = "oauth.access_token"       //nolint:gosec // use "token_present" instead
	AttrRefreshToken      = "oauth.refresh_token"      //nolint:gosec // use "refresh_present" instead

	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	AttrRateLimiterType  = "security.rate_limiter.type"
	AttrClientIP         = "security.client_ip"
	AttrAuditEventType   = "security.audit.event_type"
	AttrCredentialRebind = "security.credential_rebind"

	AttrHTTPEndpoint     = "http.endpoint"
	AttrHTTPMethod       = "http.method"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPRequestSize  = "http.request.size"
	AttrHTTPResponseSize = "http.response.size"
)

// RecordError records an error on a span with proper status codes (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe).
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddMCPRequestAttributes adds common per-request MCP attributes to a span
// (nil-safe).
func AddMCPRequestAttributes(span trace.Span, sessionID, requestID, method string) {
	if sessionID != "" {
		SetSpanAttributes(span, attribute.String(AttrSessionID, sessionID))
	}
	if requestID != "" {
		SetSpanAttributes(span, attribute.String(AttrRequestID, requestID))
	}
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrMethod, method))
	}
}

// AddToolCallAttributes adds tools/call attributes to a span (nil-safe).
func AddToolCallAttributes(span trace.Span, toolName string, isError bool) {
	if toolName != "" {
		SetSpanAttributes(span, attribute.String(AttrToolName, toolName), attribute.Bool("is_error", isError))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe).
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe).
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe).
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}

// AddSecurityAttributes adds security-related attributes to a span
// (nil-safe).
//
// Client IP addresses may be PII under GDPR/CCPA; callers should guard this
// with Instrumentation.ShouldLogClientIPs() before invoking it.
func AddSecurityAttributes(span trace.Span, clientIP string) {
	if clientIP != "" {
		SetSpanAttributes(span, attribute.String(AttrClientIP, clientIP))
	}
}
