// Package httpapi implements the Session HTTP Façade (C8): the public HTTP
// surface that fronts the MCP Dispatcher and the OAuth Flow Engine — POST,
// GET, and DELETE on /mcp, the OAuth authorize/callback/token/register/revoke
// endpoints, the RFC 8414 and RFC 9728 discovery documents, and /health.
package httpapi
