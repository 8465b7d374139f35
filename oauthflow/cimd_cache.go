package oauthflow

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// cimdCache is an in-memory TTL cache for fetched client metadata documents,
// so a client that repeats the authorize step (browser refresh, retried
// request) does not force a fresh fetch of the same client_id URL every
// time. A singleflight group collapses concurrent fetches of the same
// uncached client_id into one outbound request.
type cimdCache struct {
	mu         sync.Mutex
	entries    map[string]*cimdCacheEntry
	maxEntries int
	ttl        time.Duration
	sf         singleflight.Group
}

type cimdCacheEntry struct {
	metadata  *ClientMetadata
	expiresAt time.Time
	cachedAt  time.Time
}

func newCIMDCache(ttl time.Duration, maxEntries int) *cimdCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &cimdCache{entries: make(map[string]*cimdCacheEntry), maxEntries: maxEntries, ttl: ttl}
}

func (c *cimdCache) get(clientID string) (*ClientMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[clientID]
	if !ok || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.metadata, true
}

func (c *cimdCache) set(clientID string, metadata *ClientMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	now := time.Now()
	c.entries[clientID] = &cimdCacheEntry{metadata: metadata, expiresAt: now.Add(c.ttl), cachedAt: now}
}

func (c *cimdCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestAt) {
			oldestKey, oldestAt = key, entry.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// fetchCached wraps fetch with the TTL cache and singleflight dedup.
func (c *cimdCache) fetchCached(ctx context.Context, clientID string, fetch func(context.Context, string) (*ClientMetadata, error)) (*ClientMetadata, error) {
	if metadata, ok := c.get(clientID); ok {
		return metadata, nil
	}

	result, err, _ := c.sf.Do(clientID, func() (any, error) {
		if metadata, ok := c.get(clientID); ok {
			return metadata, nil
		}
		metadata, err := fetch(ctx, clientID)
		if err != nil {
			return nil, err
		}
		c.set(clientID, metadata)
		return metadata, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*ClientMetadata), nil
}
