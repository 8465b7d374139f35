package oauthflow

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCIMDCache_FetchCachedDeduplicatesFetches(t *testing.T) {
	c := newCIMDCache(0, 0)

	var mu sync.Mutex
	calls := 0
	fetch := func(ctx context.Context, clientID string) (*ClientMetadata, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return &ClientMetadata{ClientID: clientID}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.fetchCached(context.Background(), "https://client.example.com/meta", fetch)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, calls, "concurrent fetches of the same client_id must collapse into one")

	_, err := c.fetchCached(context.Background(), "https://client.example.com/meta", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, calls, "a cached entry must not trigger another fetch")
}

func TestCIMDCache_EvictsOldestWhenFull(t *testing.T) {
	c := newCIMDCache(0, 2)
	fetch := func(ctx context.Context, clientID string) (*ClientMetadata, error) {
		return &ClientMetadata{ClientID: clientID}, nil
	}

	_, err := c.fetchCached(context.Background(), "https://a.example.com/m", fetch)
	require.NoError(t, err)
	_, err = c.fetchCached(context.Background(), "https://b.example.com/m", fetch)
	require.NoError(t, err)
	_, err = c.fetchCached(context.Background(), "https://c.example.com/m", fetch)
	require.NoError(t, err)

	c.mu.Lock()
	size := len(c.entries)
	c.mu.Unlock()
	assert.Equal(t, 2, size, "cache must stay within maxEntries by evicting the oldest entry")
}
