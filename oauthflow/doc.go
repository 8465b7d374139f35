// Package oauthflow implements the OAuth Flow Engine (C6): the
// authorize/callback/token/register/revoke endpoints that bridge an MCP
// client's PKCE authorization_code flow to an upstream identity provider,
// including CIMD client metadata resolution with SSRF guards.
package oauthflow
