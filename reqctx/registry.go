package reqctx

import (
	"log/slog"
	"sync"
	"time"

	"github.com/mcpbridge/resource-server/auth"
)

const (
	sweepInterval = 60 * time.Second
	defaultMaxAge = 10 * time.Minute
)

// Registry is the explicit, request-id-keyed half of the Request-Context
// Registry (C3).
type Registry struct {
	mu        sync.Mutex
	byID      map[string]*RequestContext
	bySession map[string]map[string]struct{}

	logger *slog.Logger
	stop   chan struct{}
	done   chan struct{}
}

// NewRegistry constructs an empty registry and starts its safety-net sweep
// goroutine.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		byID:      make(map[string]*RequestContext),
		bySession: make(map[string]map[string]struct{}),
		logger:    logger,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

func (r *Registry) sweepLoop() {
	defer close(r.done)
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			if n := r.CleanupExpired(defaultMaxAge); n > 0 {
				r.logger.Warn("reqctx: cleaned up expired request contexts; this indicates handlers are not tearing down their context", "count", n)
			}
		}
	}
}

// Stop terminates the sweep goroutine.
func (r *Registry) Stop() {
	close(r.stop)
	<-r.done
}

// Create installs a new RequestContext keyed by requestID.
func (r *Registry) Create(requestID, sessionID string, authSnapshot *auth.ResolvedAuth) *RequestContext {
	rc := &RequestContext{
		RequestID:    requestID,
		SessionID:    sessionID,
		Cancellation: NewCancellationToken(),
		Timestamp:    time.Now(),
		Auth:         authSnapshot,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[requestID] = rc
	if r.bySession[sessionID] == nil {
		r.bySession[sessionID] = make(map[string]struct{})
	}
	r.bySession[sessionID][requestID] = struct{}{}
	return rc
}

// Get returns the context registered for requestID, if any.
func (r *Registry) Get(requestID string) (*RequestContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rc, ok := r.byID[requestID]
	return rc, ok
}

// Cancel cancels the context's cancellation handle. Unknown request ids
// are logged at debug and otherwise ignored, matching the dispatcher's
// tolerance for notifications/cancelled racing request completion.
func (r *Registry) Cancel(requestID, reason string) bool {
	rc, ok := r.Get(requestID)
	if !ok {
		r.logger.Debug("reqctx: cancel targeted an unknown request id", "request_id", requestID)
		return false
	}
	return rc.Cancellation.Cancel(reason)
}

// Delete removes a single request context.
func (r *Registry) Delete(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(requestID)
}

func (r *Registry) deleteLocked(requestID string) {
	rc, ok := r.byID[requestID]
	if !ok {
		return
	}
	delete(r.byID, requestID)
	if set := r.bySession[rc.SessionID]; set != nil {
		delete(set, requestID)
		if len(set) == 0 {
			delete(r.bySession, rc.SessionID)
		}
	}
}

// DeleteBySession removes every context owned by sessionID, returning the
// number removed. Called on session teardown.
func (r *Registry) DeleteBySession(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.bySession[sessionID]
	count := len(set)
	for requestID := range set {
		delete(r.byID, requestID)
	}
	delete(r.bySession, sessionID)
	return count
}

// CleanupExpired deletes contexts older than maxAge, a safety net for
// handlers that failed to tear down their own context.
func (r *Registry) CleanupExpired(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []string
	for requestID, rc := range r.byID {
		if rc.Timestamp.Before(cutoff) {
			expired = append(expired, requestID)
		}
	}
	for _, requestID := range expired {
		r.deleteLocked(requestID)
	}
	return len(expired)
}
