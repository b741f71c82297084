// ABOUTME: Size-bounded TTL cache for assistant resolution backed by hashicorp/golang-lru
// ABOUTME: Entries are dropped on expiry and whenever an assistant with the same id is written

package execution

import (
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/2389/coven-state/internal/keyspace"
	"github.com/2389/coven-state/internal/metrics"
	"github.com/2389/coven-state/internal/store"
)

type cachedAssistant struct {
	assistant *store.Assistant
	expires   time.Time
}

// assistantCache maps a tenant's view of an assistant id to the resolved
// assistant. Misses are not cached.
type assistantCache struct {
	lru *lru.Cache
	ttl time.Duration
	now func() time.Time
}

func newAssistantCache(size int, ttl time.Duration) (*assistantCache, error) {
	if size <= 0 || ttl <= 0 {
		return nil, nil
	}
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &assistantCache{lru: c, ttl: ttl, now: time.Now}, nil
}

func (c *assistantCache) get(key keyspace.AssistantKey) (*store.Assistant, bool) {
	if c == nil {
		return nil, false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		metrics.AssistantCacheTotal.WithLabelValues("miss").Inc()
		return nil, false
	}
	entry := v.(cachedAssistant)
	if c.now().After(entry.expires) {
		c.lru.Remove(key)
		metrics.AssistantCacheTotal.WithLabelValues("expired").Inc()
		return nil, false
	}
	metrics.AssistantCacheTotal.WithLabelValues("hit").Inc()
	copied := *entry.assistant
	return &copied, true
}

func (c *assistantCache) add(key keyspace.AssistantKey, a *store.Assistant) {
	if c == nil {
		return
	}
	copied := *a
	c.lru.Add(key, cachedAssistant{assistant: &copied, expires: c.now().Add(c.ttl)})
}

// invalidate drops every tenant's cached view of assistantID, since a
// public assistant resolves for all tenants.
func (c *assistantCache) invalidate(assistantID string) {
	if c == nil {
		return
	}
	for _, k := range c.lru.Keys() {
		if key, ok := k.(keyspace.AssistantKey); ok && key.AssistantID == assistantID {
			c.lru.Remove(k)
		}
	}
}
