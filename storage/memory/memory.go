package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/mcpbridge/resource-server/instrumentation"
	"github.com/mcpbridge/resource-server/storage"
)

const (
	sweepInterval      = 60 * time.Second
	defaultRecordTTL   = 7 * 24 * time.Hour
	defaultTxnTTL      = 10 * time.Minute
	maxRSRecords       = 10000
	rsRecordsEvictStep = 10

	maxSessions             = 10000
	maxSessionsPerAPIKey    = 5
	sessionTTL              = 24 * time.Hour
)

// codeEntry is a single-use authorization code mapped to the transaction it
// was issued for.
type codeEntry struct {
	txnID     string
	expiresAt time.Time
}

// TokenStore is the reference in-memory implementation of storage.TokenStore.
// A background goroutine sweeps expired entries every sweepInterval; the
// sweep is started in NewTokenStore and stopped by Close.
type TokenStore struct {
	mu           sync.Mutex
	byAccess     map[string]*storage.RsRecord
	byRefresh    map[string]*storage.RsRecord
	transactions map[string]*storage.Transaction
	codes        map[string]codeEntry
	onEvict      func(rsAccess, rsRefresh string)
	tracer       trace.Tracer
	metrics      *instrumentation.Metrics

	stop chan struct{}
	done chan struct{}
}

// SetInstrumentation attaches the tracer and metrics this store starts
// spans and records RecordStorageOperation calls against for every RS
// mapping read/write. A nil instrumentation holder leaves both a no-op.
func (s *TokenStore) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage.memory.token")
	s.metrics = inst.Metrics()
}

func (s *TokenStore) startStorageSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage.memory.token."+op)
	instrumentation.AddStorageAttributes(span, op, "memory")
	return ctx, span
}

func (s *TokenStore) recordStorageOperation(ctx context.Context, span trace.Span, op string, err error, start time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, op, result, float64(time.Since(start).Milliseconds()))
}

// SetEvictionHook registers fn to be called, outside any internal lock,
// with the access/refresh token pair of every RS record this store evicts
// to enforce MAX_RS_RECORDS. A store layered on top of this one
// (storage/kv.TokenStore's write-through mirror) uses this to delete the
// matching remote keys instead of leaving them to expire on their own TTL.
func (s *TokenStore) SetEvictionHook(fn func(rsAccess, rsRefresh string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// NewTokenStore constructs an empty in-memory token store and starts its
// sweep goroutine.
func NewTokenStore() *TokenStore {
	s := &TokenStore{
		byAccess:     make(map[string]*storage.RsRecord),
		byRefresh:    make(map[string]*storage.RsRecord),
		transactions: make(map[string]*storage.Transaction),
		codes:        make(map[string]codeEntry),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *TokenStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *TokenStore) sweep() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	for access, rec := range s.byAccess {
		if rec.Expired(now) {
			delete(s.byAccess, access)
			delete(s.byRefresh, rec.RsRefreshToken)
		}
	}
	for txnID, txn := range s.transactions {
		if now.After(txn.ExpiresAt) {
			delete(s.transactions, txnID)
		}
	}
	for code, entry := range s.codes {
		if now.After(entry.expiresAt) {
			delete(s.codes, code)
		}
	}
}

// Close stops the sweep goroutine. The in-memory backend has nothing to
// flush.
func (s *TokenStore) Close(ctx context.Context) error {
	close(s.stop)
	<-s.done
	return nil
}

// Count returns the number of live RS token records, for the storage size
// gauge.
func (s *TokenStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAccess)
}

// TransactionCount returns the number of in-flight authorization
// transactions, for the storage size gauge.
func (s *TokenStore) TransactionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}

// evictOldestRSRecordsLocked evicts up to rsRecordsEvictStep records with
// the smallest CreatedAt, returning the access/refresh token pair of each
// evicted record. Caller holds s.mu.
func (s *TokenStore) evictOldestRSRecordsLocked() []evictedRS {
	if len(s.byAccess) <= maxRSRecords {
		return nil
	}
	var evicted []evictedRS
	for i := 0; i < rsRecordsEvictStep; i++ {
		var oldestAccess string
		var oldest time.Time
		first := true
		for access, rec := range s.byAccess {
			if first || rec.CreatedAt.Before(oldest) {
				oldestAccess, oldest, first = access, rec.CreatedAt, false
			}
		}
		if first {
			return evicted
		}
		rec := s.byAccess[oldestAccess]
		delete(s.byAccess, oldestAccess)
		delete(s.byRefresh, rec.RsRefreshToken)
		evicted = append(evicted, evictedRS{rsAccess: oldestAccess, rsRefresh: rec.RsRefreshToken})
	}
	return evicted
}

// evictedRS identifies an RS record evicted to enforce MAX_RS_RECORDS.
type evictedRS struct {
	rsAccess  string
	rsRefresh string
}

func (s *TokenStore) StoreRSMapping(ctx context.Context, rsAccess string, provider storage.ProviderToken, rsRefresh string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "store_rs_mapping")
	if span != nil {
		defer span.End()
	}
	now := time.Now()
	s.mu.Lock()

	if existing, ok := s.byRefresh[rsRefresh]; ok {
		delete(s.byAccess, existing.RsAccessToken)
		existing.RsAccessToken = rsAccess
		existing.Provider = provider
		s.byAccess[rsAccess] = existing
		s.byRefresh[rsRefresh] = existing
		cp := cloneRecord(existing)
		s.mu.Unlock()
		s.recordStorageOperation(ctx, span, "store_rs_mapping", nil, start)
		return cp, nil
	}

	rec := &storage.RsRecord{
		RsAccessToken:  rsAccess,
		RsRefreshToken: rsRefresh,
		Provider:       provider,
		CreatedAt:      now,
		ExpiresAt:      now.Add(defaultRecordTTL),
	}
	s.byAccess[rsAccess] = rec
	s.byRefresh[rsRefresh] = rec
	evicted := s.evictOldestRSRecordsLocked()
	hook := s.onEvict
	cp := cloneRecord(rec)
	s.mu.Unlock()

	if hook != nil {
		for _, ev := range evicted {
			hook(ev.rsAccess, ev.rsRefresh)
		}
	}
	s.recordStorageOperation(ctx, span, "store_rs_mapping", nil, start)
	return cp, nil
}

func (s *TokenStore) GetByRSAccess(ctx context.Context, rsAccess string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_by_rs_access")
	if span != nil {
		defer span.End()
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byAccess[rsAccess]
	if !ok {
		s.recordStorageOperation(ctx, span, "get_by_rs_access", nil, start)
		return nil, nil
	}
	if rec.Expired(now) {
		delete(s.byAccess, rsAccess)
		delete(s.byRefresh, rec.RsRefreshToken)
		s.recordStorageOperation(ctx, span, "get_by_rs_access", nil, start)
		return nil, nil
	}
	s.recordStorageOperation(ctx, span, "get_by_rs_access", nil, start)
	return cloneRecord(rec), nil
}

func (s *TokenStore) GetByRSRefresh(ctx context.Context, rsRefresh string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_by_rs_refresh")
	if span != nil {
		defer span.End()
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byRefresh[rsRefresh]
	if !ok {
		s.recordStorageOperation(ctx, span, "get_by_rs_refresh", nil, start)
		return nil, nil
	}
	if rec.Expired(now) {
		delete(s.byAccess, rec.RsAccessToken)
		delete(s.byRefresh, rsRefresh)
		s.recordStorageOperation(ctx, span, "get_by_rs_refresh", nil, start)
		return nil, nil
	}
	s.recordStorageOperation(ctx, span, "get_by_rs_refresh", nil, start)
	return cloneRecord(rec), nil
}

func (s *TokenStore) UpdateByRSRefresh(ctx context.Context, rsRefresh string, newProvider storage.ProviderToken, newRSAccess string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "update_by_rs_refresh")
	if span != nil {
		defer span.End()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byRefresh[rsRefresh]
	if !ok {
		s.recordStorageOperation(ctx, span, "update_by_rs_refresh", nil, start)
		return nil, nil
	}

	rec.Provider = newProvider
	if newRSAccess != "" && newRSAccess != rec.RsAccessToken {
		delete(s.byAccess, rec.RsAccessToken)
		rec.RsAccessToken = newRSAccess
		s.byAccess[newRSAccess] = rec
	}
	s.recordStorageOperation(ctx, span, "update_by_rs_refresh", nil, start)
	return cloneRecord(rec), nil
}

func (s *TokenStore) SaveTransaction(ctx context.Context, txn *storage.Transaction) error {
	now := time.Now()
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = now
	}
	if txn.ExpiresAt.IsZero() {
		txn.ExpiresAt = now.Add(defaultTxnTTL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *txn
	s.transactions[txn.TxnID] = &cp
	return nil
}

func (s *TokenStore) GetTransaction(ctx context.Context, txnID string) (*storage.Transaction, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	txn, ok := s.transactions[txnID]
	if !ok {
		return nil, nil
	}
	if now.After(txn.ExpiresAt) {
		delete(s.transactions, txnID)
		return nil, nil
	}
	cp := *txn
	return &cp, nil
}

func (s *TokenStore) DeleteTransaction(ctx context.Context, txnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.transactions, txnID)
	return nil
}

func (s *TokenStore) SaveCode(ctx context.Context, code, txnID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = codeEntry{txnID: txnID, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *TokenStore) GetTxnIDByCode(ctx context.Context, code string) (string, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.codes[code]
	if !ok {
		return "", nil
	}
	if now.After(entry.expiresAt) {
		delete(s.codes, code)
		return "", nil
	}
	return entry.txnID, nil
}

func (s *TokenStore) DeleteCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, code)
	return nil
}

// Snapshot returns every live RsRecord, used by the file backend to persist
// its write-through document.
func (s *TokenStore) Snapshot() []*storage.RsRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*storage.RsRecord, 0, len(s.byAccess))
	seen := make(map[string]bool, len(s.byAccess))
	for _, rec := range s.byAccess {
		if seen[rec.RsAccessToken] {
			continue
		}
		seen[rec.RsAccessToken] = true
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Restore replaces the in-memory index with a decoded snapshot, used by the
// file backend on construction. Provider-expired records are dropped by the
// caller before calling Restore.
func (s *TokenStore) Restore(records []*storage.RsRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAccess = make(map[string]*storage.RsRecord, len(records))
	s.byRefresh = make(map[string]*storage.RsRecord, len(records))
	for _, rec := range records {
		s.byAccess[rec.RsAccessToken] = rec
		s.byRefresh[rec.RsRefreshToken] = rec
	}
}

func cloneRecord(r *storage.RsRecord) *storage.RsRecord {
	cp := *r
	if r.Provider.Scopes != nil {
		cp.Provider.Scopes = append([]string(nil), r.Provider.Scopes...)
	}
	return &cp
}

// SessionStore is the reference in-memory implementation of
// storage.SessionStore.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*storage.SessionRecord
	onEvict  func(sessionID string)
	metrics  *instrumentation.Metrics
	tracer   trace.Tracer

	stop chan struct{}
	done chan struct{}
}

// SetMetrics attaches an instrumentation holder this store records
// session-eviction counts against. A nil metrics holder (the default)
// leaves recording a no-op.
func (s *SessionStore) SetMetrics(metrics *instrumentation.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = metrics
}

// SetInstrumentation attaches the tracer this store starts spans against
// for each session operation, in addition to the metrics SetMetrics
// already wires. A nil instrumentation holder leaves tracing a no-op.
func (s *SessionStore) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if inst == nil {
		return
	}
	s.tracer = inst.Tracer("storage.memory.session")
	s.metrics = inst.Metrics()
}

func (s *SessionStore) startStorageSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage.memory.session."+op)
	instrumentation.AddStorageAttributes(span, op, "memory")
	return ctx, span
}

func (s *SessionStore) recordStorageOperation(ctx context.Context, span trace.Span, op string, err error, start time.Time) {
	if err != nil {
		instrumentation.RecordError(span, err)
	} else {
		instrumentation.SetSpanSuccess(span)
	}
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	s.metrics.RecordStorageOperation(ctx, op, result, float64(time.Since(start).Milliseconds()))
}

// SetEvictionHook registers fn to be called, outside any internal lock,
// with the id of every session this store evicts to enforce
// MAX_SESSIONS_PER_API_KEY or MAX_SESSIONS. A store layered on top of this
// one (storage/kv.SessionStore's write-through mirror) uses this to delete
// the matching remote keys instead of leaving them to expire on their own
// TTL.
func (s *SessionStore) SetEvictionHook(fn func(sessionID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = fn
}

// NewSessionStore constructs an empty in-memory session store and starts
// its sweep goroutine.
func NewSessionStore() *SessionStore {
	s := &SessionStore{
		sessions: make(map[string]*storage.SessionRecord),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

func (s *SessionStore) sweepLoop() {
	defer close(s.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *SessionStore) sweep() {
	cutoff := time.Now().Add(-sessionTTL)
	s.mu.Lock()
	var swept []string
	for id, rec := range s.sessions {
		if rec.LastAccessed.Before(cutoff) {
			delete(s.sessions, id)
			swept = append(swept, id)
		}
	}
	hook := s.onEvict
	metrics := s.metrics
	s.mu.Unlock()

	if hook != nil {
		for _, id := range swept {
			hook(id)
		}
	}
	if metrics != nil {
		for range swept {
			metrics.RecordSessionEvicted(context.Background(), "ttl")
		}
	}
}

func (s *SessionStore) Close(ctx context.Context) error {
	close(s.stop)
	<-s.done
	return nil
}

// Count returns the number of live sessions, for the storage size gauge.
func (s *SessionStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *SessionStore) Create(ctx context.Context, sessionID, apiKey string) (*storage.SessionRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "create")
	if span != nil {
		defer span.End()
	}
	now := time.Now()
	s.mu.Lock()

	evicted := s.evictOldestForAPIKeyLocked(apiKey, maxSessionsPerAPIKey-1)
	evicted = append(evicted, s.evictOldestGlobalLocked(maxSessions-1)...)

	rec := &storage.SessionRecord{
		SessionID:    sessionID,
		APIKey:       apiKey,
		CreatedAt:    now,
		LastAccessed: now,
	}
	s.sessions[sessionID] = rec
	cp := *rec
	hook := s.onEvict
	metrics := s.metrics
	s.mu.Unlock()

	if hook != nil {
		for _, id := range evicted {
			hook(id)
		}
	}
	if metrics != nil {
		for range evicted {
			metrics.RecordSessionEvicted(ctx, "cap")
		}
	}
	s.recordStorageOperation(ctx, span, "create", nil, start)
	return &cp, nil
}

// evictOldestForAPIKeyLocked keeps at most keep sessions bound to apiKey,
// evicting the smallest-LastAccessed ones first, and returns the evicted
// session ids. Caller holds s.mu.
func (s *SessionStore) evictOldestForAPIKeyLocked(apiKey string, keep int) []string {
	var evicted []string
	for {
		var matches []*storage.SessionRecord
		for _, rec := range s.sessions {
			if rec.APIKey == apiKey {
				matches = append(matches, rec)
			}
		}
		if len(matches) <= keep {
			return evicted
		}
		oldest := matches[0]
		for _, rec := range matches[1:] {
			if rec.LastAccessed.Before(oldest.LastAccessed) {
				oldest = rec
			}
		}
		delete(s.sessions, oldest.SessionID)
		evicted = append(evicted, oldest.SessionID)
	}
}

// evictOldestGlobalLocked keeps at most keep sessions total, evicting the
// smallest-CreatedAt ones first, and returns the evicted session ids.
// Caller holds s.mu.
func (s *SessionStore) evictOldestGlobalLocked(keep int) []string {
	var evicted []string
	for len(s.sessions) > keep {
		var oldestID string
		var oldest time.Time
		first := true
		for id, rec := range s.sessions {
			if first || rec.CreatedAt.Before(oldest) {
				oldestID, oldest, first = id, rec.CreatedAt, false
			}
		}
		if first {
			return evicted
		}
		delete(s.sessions, oldestID)
		evicted = append(evicted, oldestID)
	}
	return evicted
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get")
	if span != nil {
		defer span.End()
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		s.recordStorageOperation(ctx, span, "get", nil, start)
		return nil, nil
	}
	if now.After(rec.LastAccessed.Add(sessionTTL)) {
		delete(s.sessions, sessionID)
		s.recordStorageOperation(ctx, span, "get", nil, start)
		return nil, nil
	}
	rec.LastAccessed = now
	cp := *rec
	s.recordStorageOperation(ctx, span, "get", nil, start)
	return &cp, nil
}

func (s *SessionStore) Update(ctx context.Context, sessionID string, patch storage.SessionPatch) (*storage.SessionRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "update")
	if span != nil {
		defer span.End()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.sessions[sessionID]
	if !ok {
		s.recordStorageOperation(ctx, span, "update", nil, start)
		return nil, nil
	}
	if patch.Initialized != nil {
		rec.Initialized = *patch.Initialized
	}
	if patch.ProtocolVersion != nil {
		rec.ProtocolVersion = *patch.ProtocolVersion
	}
	rec.LastAccessed = time.Now()
	cp := *rec
	s.recordStorageOperation(ctx, span, "update", nil, start)
	return &cp, nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "delete")
	if span != nil {
		defer span.End()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	s.recordStorageOperation(ctx, span, "delete", nil, start)
	return nil
}

func (s *SessionStore) GetByAPIKey(ctx context.Context, apiKey string) ([]*storage.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*storage.SessionRecord
	for _, rec := range s.sessions {
		if rec.APIKey == apiKey {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *SessionStore) CountByAPIKey(ctx context.Context, apiKey string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, rec := range s.sessions {
		if rec.APIKey == apiKey {
			count++
		}
	}
	return count, nil
}

func (s *SessionStore) DeleteOldestByAPIKey(ctx context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var oldest *storage.SessionRecord
	for _, rec := range s.sessions {
		if rec.APIKey != apiKey {
			continue
		}
		if oldest == nil || rec.LastAccessed.Before(oldest.LastAccessed) {
			oldest = rec
		}
	}
	if oldest != nil {
		delete(s.sessions, oldest.SessionID)
	}
	return nil
}
