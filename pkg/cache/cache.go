package cache

import (
	"context"
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache is a thread-safe in-memory cache with TTL support. Expired entries
// are dropped lazily on access. A TTL of zero means "never expires".
type Cache[V any] struct {
	mu         sync.Mutex
	items      map[string]entry[V]
	defaultTTL time.Duration
	now        func() time.Time

	// one in-flight loader per key
	loading map[string]*sync.WaitGroup
}

// New creates a new cache with default TTL
func New[V any](defaultTTL time.Duration) *Cache[V] {
	return &Cache[V]{
		items:      make(map[string]entry[V]),
		defaultTTL: defaultTTL,
		now:        time.Now,
		loading:    make(map[string]*sync.WaitGroup),
	}
}

// Get retrieves a value from cache
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getLocked(key)
}

func (c *Cache[V]) getLocked(key string) (V, bool) {
	var zero V
	e, ok := c.items[key]
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && c.now().After(e.expiresAt) {
		delete(c.items, key)
		return zero, false
	}
	return e.value, true
}

// Set stores a value in cache with default TTL
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value in cache with custom TTL
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = c.now().Add(ttl)
	}
	c.items[key] = e
}

// Delete removes a key from cache
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// GetOrLoad returns the cached value for key or calls load once, even when
// several goroutines miss at the same time. Load errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	for {
		c.mu.Lock()
		if v, ok := c.getLocked(key); ok {
			c.mu.Unlock()
			return v, nil
		}
		wg, inflight := c.loading[key]
		if !inflight {
			wg = &sync.WaitGroup{}
			wg.Add(1)
			c.loading[key] = wg
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()
		wg.Wait()

		c.mu.Lock()
		v, ok := c.getLocked(key)
		c.mu.Unlock()
		if ok {
			return v, nil
		}
		// the other loader failed; try ourselves
	}

	v, err := load(ctx)

	c.mu.Lock()
	wg := c.loading[key]
	delete(c.loading, key)
	if err == nil {
		e := entry[V]{value: v}
		if c.defaultTTL > 0 {
			e.expiresAt = c.now().Add(c.defaultTTL)
		}
		c.items[key] = e
	}
	c.mu.Unlock()
	wg.Done()

	return v, err
}
