// Package security provides cross-cutting security primitives shared by the
// storage, refresh, and OAuth-flow components: token encryption at rest,
// audit logging with PII redaction, rate limiting, SSRF-safe IP checks, and
// response security headers.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/mcpbridge/resource-server/instrumentation"
)

// Auditor logs security-relevant events with PII protection. It never logs a
// raw session id, RS token, or provider token — callers pass identifiers
// through RedactToken first, or rely on LogEvent's own hashing of SessionID
// and APIKey.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor. Audit logging is a no-op when
// enabled is false, matching the library's zero-overhead-when-disabled
// convention for optional observability.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// WithMetrics attaches an instrumentation holder the auditor records audit
// event and failure counts against. A nil metrics holder (the default)
// leaves recording a no-op.
func (a *Auditor) WithMetrics(metrics *instrumentation.Metrics) *Auditor {
	a.metrics = metrics
	return a
}

// Event represents a security audit event.
type Event struct {
	Type      string
	SessionID string
	APIKey    string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed identifiers.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = time.Now()

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"session_id_hash", hashForLogging(event.SessionID),
		"api_key_hash", hashForLogging(event.APIKey),
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)

	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}
}

// LogRsTokenIssued logs when an RS access/refresh token pair is minted.
func (a *Auditor) LogRsTokenIssued(sessionID, apiKey string) {
	a.LogEvent(Event{Type: "rs_token_issued", SessionID: sessionID, APIKey: apiKey})
}

// LogRefreshPerformed logs a successful upstream refresh.
func (a *Auditor) LogRefreshPerformed(apiKey string, rotated bool) {
	a.LogEvent(Event{
		Type:   "provider_token_refreshed",
		APIKey: apiKey,
		Details: map[string]any{
			"refresh_token_rotated": rotated,
		},
	})
}

// LogRefreshFailed logs a failed upstream refresh (the caller degrades to
// the stale token; this is informational, not an error path for the caller).
func (a *Auditor) LogRefreshFailed(apiKey, reason string) {
	a.LogEvent(Event{
		Type:   "provider_token_refresh_failed",
		APIKey: apiKey,
		Details: map[string]any{
			"reason": reason,
		},
	})
}

// LogAuthFailure logs an authentication or credential-binding failure.
func (a *Auditor) LogAuthFailure(sessionID, apiKey, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      "auth_failure",
		SessionID: sessionID,
		APIKey:    apiKey,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
	if a.metrics != nil {
		a.metrics.RecordAuthFailure(context.Background(), reason)
	}
}

// LogCredentialRebindAttempt logs the soft-binding case: a session receiving
// a request under a different credential fingerprint than the one it was
// created with. Per spec this is served, not rejected — the audit trail is
// the only record.
func (a *Auditor) LogCredentialRebindAttempt(sessionID, boundKey, presentedKey string) {
	a.LogEvent(Event{
		Type:      "session_credential_mismatch",
		SessionID: sessionID,
		Details: map[string]any{
			"bound_key_hash":     hashForLogging(boundKey),
			"presented_key_hash": hashForLogging(presentedKey),
		},
	})
	if a.metrics != nil {
		a.metrics.RecordCredentialRebindAttempt(context.Background())
	}
}

// LogSSRFBlocked logs a CIMD fetch rejected by SSRF guards.
func (a *Auditor) LogSSRFBlocked(url, reason string) {
	a.LogEvent(Event{
		Type: "cimd_fetch_blocked",
		Details: map[string]any{
			"url":    RedactToken(url),
			"reason": reason,
		},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data for
// correlatable-but-irreversible logging.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

// RedactToken returns a log-safe representation of a credential: an 8-byte
// prefix followed by an ellipsis. Strings no longer than the prefix are
// redacted entirely to avoid leaking short secrets outright.
func RedactToken(s string) string {
	const prefixLen = 8
	if s == "" {
		return ""
	}
	if len(s) <= prefixLen {
		return "…"
	}
	return s[:prefixLen] + "…"
}
