package reqctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCancellationToken_CancelFiresListenersInOrder(t *testing.T) {
	tok := NewCancellationToken()

	var order []int
	tok.OnCancelled(func(reason string) { order = append(order, 1) })
	tok.OnCancelled(func(reason string) { order = append(order, 2) })

	assert.True(t, tok.Cancel("abort"))
	assert.Equal(t, []int{1, 2}, order)
	assert.True(t, tok.IsCancelled())
}

func TestCancellationToken_CancelIsAtMostOnce(t *testing.T) {
	tok := NewCancellationToken()
	assert.True(t, tok.Cancel("first"))
	assert.False(t, tok.Cancel("second"))
}

func TestCancellationToken_OnCancelledAfterCancelFiresImmediately(t *testing.T) {
	tok := NewCancellationToken()
	tok.Cancel("already gone")

	fired := false
	var reason string
	tok.OnCancelled(func(r string) { fired = true; reason = r })
	assert.True(t, fired)
	assert.Equal(t, "already gone", reason)
}

func TestCancellationToken_ThrowIfCancelled(t *testing.T) {
	tok := NewCancellationToken()
	require.NoError(t, tok.ThrowIfCancelled())
	tok.Cancel("stop")
	assert.ErrorIs(t, tok.ThrowIfCancelled(), ErrCancelled)
}

func TestWithRequestContext_RoundTrip(t *testing.T) {
	rc := &RequestContext{RequestID: "req-1", SessionID: "sess-1"}
	ctx := WithRequestContext(context.Background(), rc)

	got, ok := FromContext(ctx)
	require.True(t, ok)
	assert.Same(t, rc, got)

	_, ok = FromContext(context.Background())
	assert.False(t, ok)
}
