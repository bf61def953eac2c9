package recon

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// EventCache is a fast-path record of event ids that were fully applied.
// It short-circuits obvious redeliveries before any store round trip. The
// unique natural keys in the Store remain the only idempotency guarantee, so
// a cache that forgets or fails only costs an extra store call.
type EventCache interface {
	// HasApplied reports whether eventID was marked as applied
	HasApplied(ctx context.Context, eventID string) (bool, error)

	// MarkApplied records eventID as applied
	MarkApplied(ctx context.Context, eventID string) error
}

// EventCacheStats holds cache performance statistics
type EventCacheStats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type cacheEntry struct {
	eventID    string
	expiration time.Time
}

// LRUEventCache implements EventCache in process memory with a TTL per id.
// order holds the most recently used id at the front.
type LRUEventCache struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	hits       int64
	misses     int64
	evictions  int64
}

// NewLRUEventCache creates a cache holding at most maxEntries ids for ttl each
func NewLRUEventCache(maxEntries int, ttl time.Duration) *LRUEventCache {
	if maxEntries <= 0 {
		maxEntries = 10000
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LRUEventCache{
		entries:    make(map[string]*list.Element, maxEntries),
		order:      list.New(),
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

func (c *LRUEventCache) HasApplied(_ context.Context, eventID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[eventID]
	if !ok {
		c.misses++
		return false, nil
	}
	if c.now().After(el.Value.(*cacheEntry).expiration) {
		c.remove(el)
		c.misses++
		return false, nil
	}

	c.order.MoveToFront(el)
	c.hits++
	return true, nil
}

func (c *LRUEventCache) MarkApplied(_ context.Context, eventID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiration := c.now().Add(c.ttl)
	if el, ok := c.entries[eventID]; ok {
		el.Value.(*cacheEntry).expiration = expiration
		c.order.MoveToFront(el)
		return nil
	}

	if c.order.Len() >= c.maxEntries {
		c.remove(c.order.Back())
		c.evictions++
	}
	c.entries[eventID] = c.order.PushFront(&cacheEntry{eventID: eventID, expiration: expiration})
	return nil
}

func (c *LRUEventCache) remove(el *list.Element) {
	c.order.Remove(el)
	delete(c.entries, el.Value.(*cacheEntry).eventID)
}

// Clear removes all entries from the cache
func (c *LRUEventCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element, c.maxEntries)
	c.order.Init()
}

func (c *LRUEventCache) Stats() EventCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return EventCacheStats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
	}
}
