// Package reqctx provides the Request-Context Registry (C3): an explicit,
// request-id-keyed registry of in-flight JSON-RPC dispatches plus an
// ambient context.Context value bag so handlers can retrieve the current
// RequestContext without explicit parameter threading.
package reqctx

import (
	"context"
	"time"

	"github.com/mcpbridge/resource-server/auth"
)

// RequestContext is the per-dispatch state described by the data model:
// a JSON-RPC request id, its owning session, a cancellation handle, and a
// snapshot of the resolved credentials in effect for this request. Its
// lifetime is a single JSON-RPC request; it is torn down on response
// close, exception, or cancellation.
type RequestContext struct {
	RequestID    string
	SessionID    string
	Cancellation *CancellationToken
	Timestamp    time.Time
	Auth         *auth.ResolvedAuth
}

type ambientKey struct{}

// WithRequestContext scopes rc to the execution tree rooted at the returned
// context. Nested scopes inherit; a narrower scope's WithRequestContext
// shadows the outer one only within its own subtree.
func WithRequestContext(parent context.Context, rc *RequestContext) context.Context {
	return context.WithValue(parent, ambientKey{}, rc)
}

// FromContext retrieves the RequestContext scoped to ctx, if any.
func FromContext(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(ambientKey{}).(*RequestContext)
	return rc, ok
}
