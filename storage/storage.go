// Package storage defines the persistence contracts for the OAuth bridge
// (RsRecord/Transaction/AuthorizationCode, the Token Store) and for MCP
// sessions (SessionRecord, the Session Store), plus the in-memory,
// encrypted-file, and remote key-value backends that implement them.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by backends that distinguish "absent" from other
// I/O errors; most contract methods instead return (nil, nil) on a miss, per
// the read-miss-is-not-an-error rule. It is exposed for backends layered
// over a remote store whose client surfaces a distinct not-found error.
var ErrNotFound = errors.New("storage: not found")

// ProviderToken is the upstream credential obtained from the identity
// provider. It is treated as an immutable record: refresh replaces it
// wholesale rather than mutating fields in place.
type ProviderToken struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
}

// Expired reports whether the provider token is already past its expiry,
// or within the given skew of expiring.
func (p *ProviderToken) Expired(skew time.Duration, now time.Time) bool {
	if p == nil || p.ExpiresAt == nil {
		return false
	}
	return now.After(p.ExpiresAt.Add(-skew))
}

// RsRecord is the resource-server-issued credential pair this bridge hands
// to MCP clients, mapped to the upstream ProviderToken it fronts. A record
// is addressable by exactly one live access token and one live refresh
// token; rotating either deletes the stale index entry before the new one
// is published.
type RsRecord struct {
	RsAccessToken  string
	RsRefreshToken string
	Provider       ProviderToken
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the record itself (not the provider token it
// wraps) has passed its record-level TTL.
func (r *RsRecord) Expired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// Transaction is an in-flight OAuth authorization, identified by a
// server-generated txnId. It accumulates the provider token once the
// upstream callback completes.
type Transaction struct {
	TxnID         string
	CodeChallenge string
	State         string
	Scope         string
	SID           string
	Provider      *ProviderToken
	CreatedAt     time.Time
	ExpiresAt     time.Time
}

// SessionRecord is an MCP session. ProtocolVersion and Initialized are set
// once negotiation / the initialized notification complete.
type SessionRecord struct {
	SessionID       string
	APIKey          string
	CreatedAt       time.Time
	LastAccessed    time.Time
	Initialized     bool
	ProtocolVersion string
}

// SessionPatch describes a partial update to a SessionRecord. Nil fields
// are left unchanged; LastAccessed is always bumped regardless.
type SessionPatch struct {
	Initialized     *bool
	ProtocolVersion *string
}

// TokenStore is the Token Store contract (C1). All operations may fail with
// I/O errors from a backing file or remote store; a miss returns a nil
// record and a nil error, never ErrNotFound, so callers don't need to
// special-case backends.
type TokenStore interface {
	// StoreRSMapping creates or replaces the record indexed by rsAccess. If
	// rsRefresh already indexes an existing record, that record is updated
	// in place and its old access-token index entry is removed.
	StoreRSMapping(ctx context.Context, rsAccess string, provider ProviderToken, rsRefresh string) (*RsRecord, error)

	// GetByRSAccess returns the record indexed by an RS access token, or
	// nil if absent or record-expired (a hit lazily deletes an expired
	// record before returning nil).
	GetByRSAccess(ctx context.Context, rsAccess string) (*RsRecord, error)

	// GetByRSRefresh is the refresh-token-indexed equivalent of
	// GetByRSAccess.
	GetByRSRefresh(ctx context.Context, rsRefresh string) (*RsRecord, error)

	// UpdateByRSRefresh atomically replaces the provider token on the
	// record indexed by rsRefresh. If newRSAccess is non-empty and differs
	// from the record's current access token, the old access index entry
	// is deleted before the new one is published, so no window exists
	// where two access tokens resolve the same record. Returns nil if the
	// refresh token does not index any record.
	UpdateByRSRefresh(ctx context.Context, rsRefresh string, newProvider ProviderToken, newRSAccess string) (*RsRecord, error)

	// SaveTransaction persists an in-flight authorization.
	SaveTransaction(ctx context.Context, txn *Transaction) error

	// GetTransaction returns an in-flight authorization, or nil if absent
	// or expired.
	GetTransaction(ctx context.Context, txnID string) (*Transaction, error)

	// DeleteTransaction removes an in-flight authorization.
	DeleteTransaction(ctx context.Context, txnID string) error

	// SaveCode maps a single-use authorization code to the transaction it
	// was issued for.
	SaveCode(ctx context.Context, code, txnID string, ttl time.Duration) error

	// GetTxnIDByCode resolves a code to its transaction id, or "" if
	// absent or expired.
	GetTxnIDByCode(ctx context.Context, code string) (string, error)

	// DeleteCode removes a code, enforcing single use.
	DeleteCode(ctx context.Context, code string) error

	// Close flushes any pending writes and releases background resources.
	// Backends with nothing to flush treat this as a no-op.
	Close(ctx context.Context) error
}

// SessionStore is the Session Store contract (C2).
type SessionStore interface {
	// Create enforces the per-api-key session cap (MAX_SESSIONS_PER_API_KEY)
	// by evicting the oldest-by-last-accessed session for apiKey before
	// inserting, then the global cap (MAX_SESSIONS) by evicting the
	// oldest-by-creation session overall.
	Create(ctx context.Context, sessionID, apiKey string) (*SessionRecord, error)

	// Get returns a session and bumps its LastAccessed, or nil if absent
	// or expired.
	Get(ctx context.Context, sessionID string) (*SessionRecord, error)

	// Update merges patch into the session and bumps LastAccessed
	// regardless of whether any field changed.
	Update(ctx context.Context, sessionID string, patch SessionPatch) (*SessionRecord, error)

	// Delete removes a session.
	Delete(ctx context.Context, sessionID string) error

	// GetByAPIKey returns all live sessions bound to apiKey, oldest first.
	GetByAPIKey(ctx context.Context, apiKey string) ([]*SessionRecord, error)

	// CountByAPIKey returns the number of live sessions bound to apiKey.
	CountByAPIKey(ctx context.Context, apiKey string) (int, error)

	// DeleteOldestByAPIKey deletes the session with the smallest
	// LastAccessed among those bound to apiKey. A no-op if apiKey has no
	// sessions.
	DeleteOldestByAPIKey(ctx context.Context, apiKey string) error

	// Close releases background resources.
	Close(ctx context.Context) error
}
