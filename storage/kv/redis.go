package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcpbridge/resource-server/instrumentation"
	"github.com/mcpbridge/resource-server/storage"
	"github.com/mcpbridge/resource-server/storage/memory"
)

const (
	defaultRecordTTL = 7 * 24 * time.Hour
	defaultTxnTTL    = 10 * time.Minute
)

// TokenStore is a Token Store that write-throughs to a remote Redis (or
// Valkey-compatible) namespace with a server-side TTL matching each
// record's own TTL, and falls back to an in-process memory.TokenStore on
// remote errors. The fallback gives read-your-writes consistency within a
// single process; it does not replace the remote store as the source of
// truth across replicas.
type TokenStore struct {
	client  *redis.Client
	mem     *memory.TokenStore
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewTokenStore wraps client, mirroring every write into an in-process
// memory store used only when the remote is unreachable.
func NewTokenStore(client *redis.Client, logger *slog.Logger) *TokenStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &TokenStore{client: client, mem: memory.NewTokenStore(), logger: logger}
	s.mem.SetEvictionHook(s.onMemEvicted)
	return s
}

// WithTracer attaches a tracer this store starts spans against around each
// Redis write-through/read-through call. A nil tracer (the default) leaves
// tracing a no-op.
func (s *TokenStore) WithTracer(tracer trace.Tracer) *TokenStore {
	s.tracer = tracer
	return s
}

func (s *TokenStore) startStorageSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage.kv.token."+op)
	instrumentation.AddStorageAttributes(span, op, "redis")
	return ctx, span
}

// SetMetrics attaches an instrumentation holder this store records
// per-call RecordStorageOperation counts/durations against.
func (s *TokenStore) SetMetrics(metrics *instrumentation.Metrics) {
	s.metrics = metrics
}

// recordStorageOperation sets the span's final status and records the
// call's outcome and duration, nil-safe for both a nil span and a nil
// metrics holder.
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

// Count and TransactionCount report this process's in-process fallback
// view, the same way Count works for SessionStore: populated by every
// write this process has served regardless of remote write-through
// success, satisfying the rsRecordCounter interface the storage size
// gauges look for.
func (s *TokenStore) Count() int            { return s.mem.Count() }
func (s *TokenStore) TransactionCount() int { return s.mem.TransactionCount() }

// onMemEvicted deletes the remote mirror of an RS record the in-process
// fallback evicted to enforce MAX_RS_RECORDS, so the cap holds on the
// Redis side too instead of relying solely on each key's own TTL.
func (s *TokenStore) onMemEvicted(rsAccess, rsRefresh string) {
	if err := s.client.Del(context.Background(), rsAccessKey(rsAccess), rsRefreshKey(rsRefresh)).Err(); err != nil {
		s.logger.Warn("kv: remote cleanup of evicted rs record failed", "error", err)
	}
}

func rsAccessKey(token string) string  { return "rs:access:" + token }
func rsRefreshKey(token string) string { return "rs:refresh:" + token }
func txnKey(id string) string          { return "txn:" + id }
func codeKey(code string) string       { return "code:" + code }

func (s *TokenStore) setRecord(ctx context.Context, rec *storage.RsRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("kv: encode rs record", "error", err)
		return
	}
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return
	}
	pipe := s.client.Pipeline()
	pipe.Set(ctx, rsAccessKey(rec.RsAccessToken), payload, ttl)
	pipe.Set(ctx, rsRefreshKey(rec.RsRefreshToken), payload, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("kv: write-through failed, serving from in-process cache only", "error", err)
	}
}

func (s *TokenStore) StoreRSMapping(ctx context.Context, rsAccess string, provider storage.ProviderToken, rsRefresh string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "store_rs_mapping")
	if span != nil {
		defer span.End()
	}

	if existing, _ := s.getRedis(ctx, rsRefreshKey(rsRefresh)); existing != nil {
		s.client.Del(ctx, rsAccessKey(existing.RsAccessToken))
	}

	rec, err := s.mem.StoreRSMapping(ctx, rsAccess, provider, rsRefresh)
	if err != nil {
		s.recordStorageOperation(ctx, span, "store_rs_mapping", err, start)
		return nil, err
	}
	s.setRecord(ctx, rec)
	s.recordStorageOperation(ctx, span, "store_rs_mapping", nil, start)
	return rec, nil
}

// getRedis fetches and decodes a record, returning (nil, nil) on a clean
// miss and (nil, err) on a real I/O error.
func (s *TokenStore) getRedis(ctx context.Context, key string) (*storage.RsRecord, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec storage.RsRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *TokenStore) GetByRSAccess(ctx context.Context, rsAccess string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_by_rs_access")
	if span != nil {
		defer span.End()
	}
	rec, err := s.getRedis(ctx, rsAccessKey(rsAccess))
	if err != nil {
		s.logger.Warn("kv: read-through failed, falling back to in-process cache", "error", err)
		return s.mem.GetByRSAccess(ctx, rsAccess)
	}
	s.recordStorageOperation(ctx, span, "get_by_rs_access", nil, start)
	return rec, nil
}

func (s *TokenStore) GetByRSRefresh(ctx context.Context, rsRefresh string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_by_rs_refresh")
	if span != nil {
		defer span.End()
	}
	rec, err := s.getRedis(ctx, rsRefreshKey(rsRefresh))
	if err != nil {
		s.logger.Warn("kv: read-through failed, falling back to in-process cache", "error", err)
		return s.mem.GetByRSRefresh(ctx, rsRefresh)
	}
	s.recordStorageOperation(ctx, span, "get_by_rs_refresh", nil, start)
	return rec, nil
}

func (s *TokenStore) UpdateByRSRefresh(ctx context.Context, rsRefresh string, newProvider storage.ProviderToken, newRSAccess string) (*storage.RsRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "update_by_rs_refresh")
	if span != nil {
		defer span.End()
	}
	old, _ := s.getRedis(ctx, rsRefreshKey(rsRefresh))
	rec, err := s.mem.UpdateByRSRefresh(ctx, rsRefresh, newProvider, newRSAccess)
	if err != nil || rec == nil {
		s.recordStorageOperation(ctx, span, "update_by_rs_refresh", err, start)
		return rec, err
	}
	if old != nil && old.RsAccessToken != rec.RsAccessToken {
		s.client.Del(ctx, rsAccessKey(old.RsAccessToken))
	}
	s.setRecord(ctx, rec)
	s.recordStorageOperation(ctx, span, "update_by_rs_refresh", nil, start)
	return rec, nil
}

func (s *TokenStore) SaveTransaction(ctx context.Context, txn *storage.Transaction) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "save_transaction")
	if span != nil {
		defer span.End()
	}
	if err := s.mem.SaveTransaction(ctx, txn); err != nil {
		s.recordStorageOperation(ctx, span, "save_transaction", err, start)
		return err
	}
	payload, err := json.Marshal(txn)
	if err != nil {
		s.recordStorageOperation(ctx, span, "save_transaction", err, start)
		return fmt.Errorf("kv: encode transaction: %w", err)
	}
	if err := s.client.Set(ctx, txnKey(txn.TxnID), payload, defaultTxnTTL).Err(); err != nil {
		s.logger.Warn("kv: transaction write-through failed", "error", err)
	}
	s.recordStorageOperation(ctx, span, "save_transaction", nil, start)
	return nil
}

func (s *TokenStore) GetTransaction(ctx context.Context, txnID string) (*storage.Transaction, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_transaction")
	if span != nil {
		defer span.End()
	}
	raw, err := s.client.Get(ctx, txnKey(txnID)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.recordStorageOperation(ctx, span, "get_transaction", nil, start)
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("kv: read-through failed, falling back to in-process cache", "error", err)
		return s.mem.GetTransaction(ctx, txnID)
	}
	var txn storage.Transaction
	if err := json.Unmarshal(raw, &txn); err != nil {
		s.recordStorageOperation(ctx, span, "get_transaction", err, start)
		return nil, fmt.Errorf("kv: decode transaction: %w", err)
	}
	s.recordStorageOperation(ctx, span, "get_transaction", nil, start)
	return &txn, nil
}

func (s *TokenStore) DeleteTransaction(ctx context.Context, txnID string) error {
	_ = s.mem.DeleteTransaction(ctx, txnID)
	return s.client.Del(ctx, txnKey(txnID)).Err()
}

func (s *TokenStore) SaveCode(ctx context.Context, code, txnID string, ttl time.Duration) error {
	if err := s.mem.SaveCode(ctx, code, txnID, ttl); err != nil {
		return err
	}
	if err := s.client.Set(ctx, codeKey(code), txnID, ttl).Err(); err != nil {
		s.logger.Warn("kv: code write-through failed", "error", err)
	}
	return nil
}

func (s *TokenStore) GetTxnIDByCode(ctx context.Context, code string) (string, error) {
	txnID, err := s.client.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		s.logger.Warn("kv: read-through failed, falling back to in-process cache", "error", err)
		return s.mem.GetTxnIDByCode(ctx, code)
	}
	return txnID, nil
}

func (s *TokenStore) DeleteCode(ctx context.Context, code string) error {
	_ = s.mem.DeleteCode(ctx, code)
	return s.client.Del(ctx, codeKey(code)).Err()
}

// Close stops the in-process fallback's sweep goroutine. The remote client
// is owned by the caller.
func (s *TokenStore) Close(ctx context.Context) error {
	return s.mem.Close(ctx)
}
