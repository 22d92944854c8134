// Package cache implements the two-tier claim result cache: a bounded
// process-local tier in front of the optional shared store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
)

const (
	// ShieldTTL caps how long a shared hit is served from the local tier.
	ShieldTTL = 30 * time.Second

	defaultMaxEntries = 20_000
)

type entry struct {
	value     json.RawMessage
	expiresAt time.Time
}

// Cache is safe for concurrent use.
type Cache struct {
	store      sharedstore.Pipeliner
	now        func() time.Time
	maxEntries int

	mu    sync.Mutex
	local *lru.Cache[string, entry]

	writes sync.WaitGroup
}

// Option configures a Cache.
type Option func(*Cache)

// WithSharedStore enables the shared tier.
func WithSharedStore(store sharedstore.Pipeliner) Option {
	return func(c *Cache) { c.store = store }
}

// WithClock overrides the clock used for local expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// WithMaxEntries bounds the local tier.
func WithMaxEntries(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// New builds a cache.
func New(opts ...Option) *Cache {
	c := &Cache{now: time.Now, maxEntries: defaultMaxEntries}
	for _, opt := range opts {
		opt(c)
	}
	local, err := lru.New[string, entry](c.maxEntries)
	if err != nil {
		panic(err)
	}
	c.local = local
	return c
}

// Get returns the raw JSON stored under key. Expired local entries are
// evicted on read; a shared hit is copied into the local tier for at most
// ShieldTTL.
func (c *Cache) Get(ctx context.Context, key string) (json.RawMessage, bool) {
	if value, ok := c.getLocal(key); ok {
		return value, true
	}
	if c.store == nil {
		return nil, false
	}

	replies, err := sharedstore.Do(ctx, c.store, sharedstore.Get(key), sharedstore.PTTL(key))
	if err != nil {
		log.Printf("cache get %s: shared tier unavailable: %v", key, err)
		return nil, false
	}
	if replies[0].Nil {
		return nil, false
	}
	value := json.RawMessage(replies[0].Str)
	if !json.Valid(value) {
		return nil, false
	}

	shield := ShieldTTL
	if remaining := time.Duration(replies[1].Int) * time.Millisecond; remaining > 0 && remaining < shield {
		shield = remaining
	}
	c.setLocal(key, value, shield)
	return value, true
}

// GetJSON decodes the value under key into dst.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := c.Get(ctx, key)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, dst) == nil
}

// Set stores value as JSON. The local tier is written before Set returns;
// the shared write runs in the background and its failure is only logged.
func (c *Cache) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	c.setLocal(key, raw, ttl)
	if c.store == nil {
		return nil
	}

	c.writes.Add(1)
	go func() {
		defer c.writes.Done()
		if _, err := sharedstore.Do(context.WithoutCancel(ctx), c.store, sharedstore.Set(key, string(raw), ttl)); err != nil {
			log.Printf("cache set %s: shared write dropped: %v", key, err)
		}
	}()
	return nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.local.Remove(key)
	c.mu.Unlock()
	if c.store == nil {
		return
	}
	if _, err := sharedstore.Do(ctx, c.store, sharedstore.Del(key)); err != nil {
		log.Printf("cache delete %s: shared delete dropped: %v", key, err)
	}
}

// Close waits for background shared writes.
func (c *Cache) Close() {
	c.writes.Wait()
}

func (c *Cache) getLocal(key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Peek keeps insertion order, so eviction drops the oldest write.
	e, ok := c.local.Peek(key)
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		c.local.Remove(key)
		return nil, false
	}
	return e.value, true
}

func (c *Cache) setLocal(key string, value json.RawMessage, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	// Remove first so an overwrite counts as a fresh insertion.
	c.local.Remove(key)
	c.local.Add(key, entry{value: value, expiresAt: c.now().Add(ttl)})
}
