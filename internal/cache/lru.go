// Package cache provides the result and counter caches behind clinscore.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/opensource-clinical/clinscore/internal/domain"
)

const defaultLRUSize = 10000

// LRUCache is an in-process cache with per-entry TTL and least recently
// used eviction. It is the community tier cache and the local front of
// TwoPhaseCache. Usage counters are kept apart from the LRU order so that
// a burst of memoised results never resets them.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	entries  map[string]*list.Element
	recency  *list.List
	counters map[string]*counterEntry
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counterEntry struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most maxSize values.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLRUSize
	}
	return &LRUCache{
		maxSize:  maxSize,
		entries:  make(map[string]*list.Element),
		recency:  list.New(),
		counters: make(map[string]*counterEntry),
	}
}

// Get returns the value under key, or nil when absent or expired.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem := c.live(scoped(tenantID, key), time.Now())
	if elem == nil {
		return nil, nil
	}
	c.recency.MoveToFront(elem)
	return elem.Value.(*cacheEntry).value, nil
}

// Set stores value under key until ttl elapses.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return ErrTenantRequired
	}
	full := scoped(tenantID, key)
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[full]; ok {
		entry := elem.Value.(*cacheEntry)
		entry.value, entry.expiresAt = value, expiresAt
		c.recency.MoveToFront(elem)
		return nil
	}

	c.entries[full] = c.recency.PushFront(&cacheEntry{key: full, value: value, expiresAt: expiresAt})
	for c.recency.Len() > c.maxSize {
		c.drop(c.recency.Back())
	}
	return nil
}

// Delete removes the value under key.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return ErrTenantRequired
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[scoped(tenantID, key)]; ok {
		c.drop(elem)
	}
	return nil
}

// GetResult retrieves a memoised evaluation result.
func (c *LRUCache) GetResult(ctx context.Context, tenantID string, key string) (*domain.Result, error) {
	return getResult(ctx, c, tenantID, key)
}

// SetResult memoises an evaluation result.
func (c *LRUCache) SetResult(ctx context.Context, tenantID string, key string, result *domain.Result, ttl time.Duration) error {
	return setResult(ctx, c, tenantID, key, result, ttl)
}

// IncrementCounter adds one to the counter under key. A counter starts
// over at 1 once its window has closed.
func (c *LRUCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, ErrTenantRequired
	}
	full := scoped(tenantID, "counter:"+key)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.counters[full]; ok && !now.After(entry.expiresAt) {
		entry.count++
		return entry.count, nil
	}

	if len(c.counters) >= c.maxSize {
		for k, e := range c.counters {
			if now.After(e.expiresAt) {
				delete(c.counters, k)
			}
		}
	}
	c.counters[full] = &counterEntry{count: 1, expiresAt: now.Add(window)}
	return 1, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every value and counter.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*list.Element)
	c.recency.Init()
	c.counters = make(map[string]*counterEntry)
	return nil
}

// Stats returns the number of stored values and the capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recency.Len(), c.maxSize
}

// live returns the element under full, evicting it when expired.
func (c *LRUCache) live(full string, now time.Time) *list.Element {
	elem, ok := c.entries[full]
	if !ok {
		return nil
	}
	if now.After(elem.Value.(*cacheEntry).expiresAt) {
		c.drop(elem)
		return nil
	}
	return elem
}

func (c *LRUCache) drop(elem *list.Element) {
	if elem == nil {
		return
	}
	c.recency.Remove(elem)
	delete(c.entries, elem.Value.(*cacheEntry).key)
}

func scoped(tenantID, key string) string {
	return tenantID + ":" + key
}
