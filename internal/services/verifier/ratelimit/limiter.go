// Package ratelimit provides fixed-window admission control keyed by caller
// identity or claim key.
//
// With a shared store configured, counters live there so limits hold across
// processes. Without one, or when a round trip fails, the limiter falls back
// to bounded process-local buckets.
package ratelimit

import (
	"context"
	"log"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
)

const (
	// Window is the fixed admission window.
	Window = time.Minute

	defaultMaxBuckets = 10_000
)

// Decision is the outcome of one admission check.
type Decision struct {
	Limited    bool
	RetryAfter time.Duration
}

type bucket struct {
	remaining int
	resetAt   time.Time
}

// Limiter admits at most limit requests per key per window.
type Limiter struct {
	scope      string
	store      sharedstore.Pipeliner
	now        func() time.Time
	maxBuckets int

	mu      sync.Mutex
	buckets *lru.Cache[string, *bucket]
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithSharedStore routes counters through the shared store.
func WithSharedStore(store sharedstore.Pipeliner) Option {
	return func(l *Limiter) { l.store = store }
}

// WithClock overrides the clock used by local buckets.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMaxBuckets bounds the number of local buckets kept in memory.
func WithMaxBuckets(n int) Option {
	return func(l *Limiter) {
		if n > 0 {
			l.maxBuckets = n
		}
	}
}

// New builds a limiter whose shared counters are namespaced by scope
// (for example "ip" or "key").
func New(scope string, opts ...Option) *Limiter {
	l := &Limiter{scope: scope, now: time.Now, maxBuckets: defaultMaxBuckets}
	for _, opt := range opts {
		opt(l)
	}
	// Buckets are read with Peek so the oldest bucket is evicted first.
	buckets, err := lru.New[string, *bucket](l.maxBuckets)
	if err != nil {
		panic(err)
	}
	l.buckets = buckets
	return l
}

// Admit consumes one token for key. A non-positive limit disables limiting.
func (l *Limiter) Admit(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		return Decision{}
	}
	if l.store != nil {
		decision, err := l.admitShared(ctx, key, limit)
		if err == nil {
			return decision
		}
		log.Printf("rate limit %s: shared counter failed, using local bucket: %v", l.scope, err)
	}
	return l.admitLocal(key, limit)
}

func (l *Limiter) sharedKey(key string) string {
	return "rl:" + l.scope + ":" + key
}

func (l *Limiter) admitShared(ctx context.Context, key string, limit int) (Decision, error) {
	counterKey := l.sharedKey(key)
	replies, err := sharedstore.Do(ctx, l.store, sharedstore.Incr(counterKey), sharedstore.PTTL(counterKey))
	if err != nil {
		return Decision{}, err
	}
	count := replies[0].Int
	ttl := time.Duration(replies[1].Int) * time.Millisecond

	// A counter without expiry would never reset; arm the window on the
	// first hit and repair it if a previous EXPIRE was lost.
	if count == 1 || replies[1].Int < 0 {
		if _, err := sharedstore.Do(ctx, l.store, sharedstore.Expire(counterKey, Window)); err != nil {
			return Decision{}, err
		}
		ttl = Window
	}
	if count > int64(limit) {
		return Decision{Limited: true, RetryAfter: ttl}, nil
	}
	return Decision{}, nil
}

func (l *Limiter) admitLocal(key string, limit int) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets.Peek(key)
	if !ok || !now.Before(b.resetAt) {
		b = &bucket{remaining: limit, resetAt: now.Add(Window)}
		l.buckets.Add(key, b)
	}
	if b.remaining <= 0 {
		return Decision{Limited: true, RetryAfter: b.resetAt.Sub(now)}
	}
	b.remaining--
	return Decision{}
}
