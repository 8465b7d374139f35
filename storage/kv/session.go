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

const sessionTTL = 24 * time.Hour

// SessionStore is a Session Store that write-throughs to Redis, keeping the
// api-key → session-id index as a JSON array under
// "session:apikey:{key}", and falling back to an in-process
// memory.SessionStore on remote errors.
type SessionStore struct {
	client  *redis.Client
	mem     *memory.SessionStore
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *instrumentation.Metrics
}

// NewSessionStore wraps client with an in-process fallback store.
func NewSessionStore(client *redis.Client, logger *slog.Logger) *SessionStore {
	if logger == nil {
		logger = slog.Default()
	}
	s := &SessionStore{client: client, mem: memory.NewSessionStore(), logger: logger}
	s.mem.SetEvictionHook(s.onMemEvicted)
	return s
}

// WithTracer attaches a tracer this store starts spans against around each
// Redis write-through/read-through call. A nil tracer (the default) leaves
// tracing a no-op.
func (s *SessionStore) WithTracer(tracer trace.Tracer) *SessionStore {
	s.tracer = tracer
	return s
}

// SetMetrics attaches an instrumentation holder this store records per-call
// RecordStorageOperation counts/durations against, and forwards to the
// underlying in-process fallback for its own eviction counts.
func (s *SessionStore) SetMetrics(metrics *instrumentation.Metrics) {
	s.metrics = metrics
	s.mem.SetMetrics(metrics)
}

// Count reports the number of sessions known to this process. The
// in-process fallback is authoritative here: it is populated by every
// Create this process has served, regardless of whether the remote
// write-through succeeded, so it tracks this process's view of live
// sessions without an extra Redis round trip per call.
func (s *SessionStore) Count() int {
	return s.mem.Count()
}

// startStorageSpan starts a span tagged with the kv Redis backend for op,
// nil-safe when no tracer is attached.
func (s *SessionStore) startStorageSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	ctx, span := s.tracer.Start(ctx, "storage.kv.session."+op)
	instrumentation.AddStorageAttributes(span, op, "redis")
	return ctx, span
}

// recordStorageOperation sets the span's final status and records the
// call's outcome and duration, nil-safe for both a nil span and a nil
// metrics holder.
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

// onMemEvicted deletes the remote mirror of a session the in-process
// fallback evicted to enforce MAX_SESSIONS_PER_API_KEY or MAX_SESSIONS, so
// the cap holds on the Redis side too instead of relying solely on each
// key's own TTL.
func (s *SessionStore) onMemEvicted(sessionID string) {
	ctx := context.Background()
	rec, err := s.getRedisSession(ctx, sessionID)
	if err != nil {
		s.logger.Warn("kv: remote lookup of evicted session failed", "error", err)
		return
	}
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		s.logger.Warn("kv: remote cleanup of evicted session failed", "error", err)
	}
	if rec != nil {
		s.removeFromIndex(ctx, rec.APIKey, sessionID)
	}
}

// getRedisSession fetches and decodes a session record, returning (nil,
// nil) on a clean miss and (nil, err) on a real I/O error.
func (s *SessionStore) getRedisSession(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec storage.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("kv: decode session: %w", err)
	}
	return &rec, nil
}

func sessionKey(id string) string       { return "session:" + id }
func sessionIndexKey(key string) string { return "session:apikey:" + key }

func (s *SessionStore) putSession(ctx context.Context, rec *storage.SessionRecord) {
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.Error("kv: encode session", "error", err)
		return
	}
	if err := s.client.Set(ctx, sessionKey(rec.SessionID), payload, sessionTTL).Err(); err != nil {
		s.logger.Warn("kv: session write-through failed", "error", err)
	}
}

func (s *SessionStore) addToIndex(ctx context.Context, apiKey, sessionID string) {
	ids, err := s.readIndex(ctx, apiKey)
	if err != nil {
		s.logger.Warn("kv: read session index failed", "error", err)
		return
	}
	for _, id := range ids {
		if id == sessionID {
			return
		}
	}
	ids = append(ids, sessionID)
	s.writeIndex(ctx, apiKey, ids)
}

func (s *SessionStore) removeFromIndex(ctx context.Context, apiKey, sessionID string) {
	ids, err := s.readIndex(ctx, apiKey)
	if err != nil {
		s.logger.Warn("kv: read session index failed", "error", err)
		return
	}
	out := ids[:0]
	for _, id := range ids {
		if id != sessionID {
			out = append(out, id)
		}
	}
	s.writeIndex(ctx, apiKey, out)
}

func (s *SessionStore) readIndex(ctx context.Context, apiKey string) ([]string, error) {
	raw, err := s.client.Get(ctx, sessionIndexKey(apiKey)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil, fmt.Errorf("kv: decode session index: %w", err)
	}
	return ids, nil
}

func (s *SessionStore) writeIndex(ctx context.Context, apiKey string, ids []string) {
	payload, err := json.Marshal(ids)
	if err != nil {
		s.logger.Error("kv: encode session index", "error", err)
		return
	}
	if err := s.client.Set(ctx, sessionIndexKey(apiKey), payload, sessionTTL).Err(); err != nil {
		s.logger.Warn("kv: session index write-through failed", "error", err)
	}
}

func (s *SessionStore) Create(ctx context.Context, sessionID, apiKey string) (*storage.SessionRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "create")
	if span != nil {
		defer span.End()
	}
	rec, err := s.mem.Create(ctx, sessionID, apiKey)
	if err != nil {
		s.recordStorageOperation(ctx, span, "create", err, start)
		return nil, err
	}
	s.putSession(ctx, rec)
	s.addToIndex(ctx, apiKey, sessionID)
	s.recordStorageOperation(ctx, span, "create", nil, start)
	return rec, nil
}

func (s *SessionStore) Get(ctx context.Context, sessionID string) (*storage.SessionRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get")
	if span != nil {
		defer span.End()
	}
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		s.recordStorageOperation(ctx, span, "get", nil, start)
		return nil, nil
	}
	if err != nil {
		s.logger.Warn("kv: read-through failed, falling back to in-process cache", "error", err)
		return s.mem.Get(ctx, sessionID)
	}
	var rec storage.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.recordStorageOperation(ctx, span, "get", err, start)
		return nil, fmt.Errorf("kv: decode session: %w", err)
	}
	rec.LastAccessed = time.Now()
	s.putSession(ctx, &rec)
	s.recordStorageOperation(ctx, span, "get", nil, start)
	return &rec, nil
}

func (s *SessionStore) Update(ctx context.Context, sessionID string, patch storage.SessionPatch) (*storage.SessionRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "update")
	if span != nil {
		defer span.End()
	}
	rec, err := s.mem.Update(ctx, sessionID, patch)
	if err != nil || rec == nil {
		s.recordStorageOperation(ctx, span, "update", err, start)
		return rec, err
	}
	s.putSession(ctx, rec)
	s.recordStorageOperation(ctx, span, "update", nil, start)
	return rec, nil
}

func (s *SessionStore) Delete(ctx context.Context, sessionID string) error {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "delete")
	if span != nil {
		defer span.End()
	}
	rec, _ := s.mem.Get(ctx, sessionID)
	_ = s.mem.Delete(ctx, sessionID)
	if err := s.client.Del(ctx, sessionKey(sessionID)).Err(); err != nil {
		s.logger.Warn("kv: session delete failed", "error", err)
	}
	if rec != nil {
		s.removeFromIndex(ctx, rec.APIKey, sessionID)
	}
	s.recordStorageOperation(ctx, span, "delete", nil, start)
	return nil
}

func (s *SessionStore) GetByAPIKey(ctx context.Context, apiKey string) ([]*storage.SessionRecord, error) {
	start := time.Now()
	ctx, span := s.startStorageSpan(ctx, "get_by_api_key")
	if span != nil {
		defer span.End()
	}
	ids, err := s.readIndex(ctx, apiKey)
	if err != nil {
		s.logger.Warn("kv: read session index failed, falling back to in-process cache", "error", err)
		return s.mem.GetByAPIKey(ctx, apiKey)
	}
	out := make([]*storage.SessionRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil || rec == nil {
			continue
		}
		out = append(out, rec)
	}
	s.recordStorageOperation(ctx, span, "get_by_api_key", nil, start)
	return out, nil
}

func (s *SessionStore) CountByAPIKey(ctx context.Context, apiKey string) (int, error) {
	sessions, err := s.GetByAPIKey(ctx, apiKey)
	if err != nil {
		return 0, err
	}
	return len(sessions), nil
}

func (s *SessionStore) DeleteOldestByAPIKey(ctx context.Context, apiKey string) error {
	sessions, err := s.GetByAPIKey(ctx, apiKey)
	if err != nil || len(sessions) == 0 {
		return err
	}
	oldest := sessions[0]
	for _, rec := range sessions[1:] {
		if rec.LastAccessed.Before(oldest.LastAccessed) {
			oldest = rec
		}
	}
	return s.Delete(ctx, oldest.SessionID)
}

// Close stops the in-process fallback's sweep goroutine. The remote client
// is owned by the caller.
func (s *SessionStore) Close(ctx context.Context) error {
	return s.mem.Close(ctx)
}
