package reqctx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := NewRegistry(nil)
	t.Cleanup(r.Stop)
	return r
}

func TestRegistry_CreateGetDelete(t *testing.T) {
	r := newTestRegistry(t)

	rc := r.Create("req-1", "sess-1", nil)
	require.NotNil(t, rc.Cancellation)

	got, ok := r.Get("req-1")
	require.True(t, ok)
	assert.Same(t, rc, got)

	r.Delete("req-1")
	_, ok = r.Get("req-1")
	assert.False(t, ok)
}

func TestRegistry_CancelKnownAndUnknownRequestID(t *testing.T) {
	r := newTestRegistry(t)
	rc := r.Create("req-1", "sess-1", nil)

	assert.True(t, r.Cancel("req-1", "abort"))
	assert.True(t, rc.Cancellation.IsCancelled())

	assert.False(t, r.Cancel("does-not-exist", "abort"))
}

func TestRegistry_DeleteBySessionRemovesAllOwnedContexts(t *testing.T) {
	r := newTestRegistry(t)
	r.Create("req-1", "sess-1", nil)
	r.Create("req-2", "sess-1", nil)
	r.Create("req-3", "sess-2", nil)

	n := r.DeleteBySession("sess-1")
	assert.Equal(t, 2, n)

	_, ok := r.Get("req-1")
	assert.False(t, ok)
	_, ok = r.Get("req-2")
	assert.False(t, ok)
	_, ok = r.Get("req-3")
	assert.True(t, ok)
}

func TestRegistry_CleanupExpiredEvictsOldContexts(t *testing.T) {
	r := newTestRegistry(t)
	rc := r.Create("req-1", "sess-1", nil)
	rc.Timestamp = time.Now().Add(-time.Hour)

	n := r.CleanupExpired(10 * time.Minute)
	assert.Equal(t, 1, n)
	_, ok := r.Get("req-1")
	assert.False(t, ok)
}
