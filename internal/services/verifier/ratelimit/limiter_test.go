package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/questgate/internal/platform/sharedstore"
	redisstore "github.com/louisbranch/questgate/internal/platform/sharedstore/redis"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestAdmitLocal_LimitsExcessAndResetsAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New("ip", WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if d := limiter.Admit(ctx, "1.2.3.4", 3); d.Limited {
			t.Fatalf("request %d limited, want admitted", i+1)
		}
	}
	clock.now = clock.now.Add(20 * time.Second)
	d := limiter.Admit(ctx, "1.2.3.4", 3)
	if !d.Limited {
		t.Fatal("fourth request admitted, want limited")
	}
	if d.RetryAfter != 40*time.Second {
		t.Fatalf("retry after = %v, want 40s", d.RetryAfter)
	}

	clock.now = clock.now.Add(40 * time.Second)
	if d := limiter.Admit(ctx, "1.2.3.4", 3); d.Limited {
		t.Fatal("request after window rollover limited, want admitted")
	}
}

func TestAdmitLocal_KeysAreIndependent(t *testing.T) {
	limiter := New("key")
	ctx := context.Background()
	if d := limiter.Admit(ctx, "a", 1); d.Limited {
		t.Fatal("first a limited")
	}
	if d := limiter.Admit(ctx, "b", 1); d.Limited {
		t.Fatal("first b limited")
	}
	if d := limiter.Admit(ctx, "a", 1); !d.Limited {
		t.Fatal("second a admitted, want limited")
	}
}

func TestAdmitLocal_EvictsOldestBucket(t *testing.T) {
	limiter := New("ip", WithMaxBuckets(2))
	ctx := context.Background()
	limiter.Admit(ctx, "a", 1)
	limiter.Admit(ctx, "b", 1)
	limiter.Admit(ctx, "a", 1)
	limiter.Admit(ctx, "c", 1)

	// a was inserted first; touching it must not save it from eviction.
	if d := limiter.Admit(ctx, "a", 1); d.Limited {
		t.Fatal("evicted bucket still limited, want fresh bucket")
	}
}

func TestAdmit_NonPositiveLimitDisablesLimiting(t *testing.T) {
	limiter := New("ip")
	for i := 0; i < 5; i++ {
		if d := limiter.Admit(context.Background(), "x", 0); d.Limited {
			t.Fatal("limit 0 should not limit")
		}
	}
}

func TestAdmitShared_CountsAcrossLimiters(t *testing.T) {
	store := sharedstore.NewMemory()
	first := New("key", WithSharedStore(store))
	second := New("key", WithSharedStore(store))
	ctx := context.Background()

	if d := first.Admit(ctx, "claim", 2); d.Limited {
		t.Fatal("first admit limited")
	}
	if d := second.Admit(ctx, "claim", 2); d.Limited {
		t.Fatal("second admit limited")
	}
	d := first.Admit(ctx, "claim", 2)
	if !d.Limited {
		t.Fatal("third admit across processes admitted, want limited")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > Window {
		t.Fatalf("retry after = %v, want (0, %v]", d.RetryAfter, Window)
	}

	replies, err := sharedstore.Do(ctx, store, sharedstore.PTTL("rl:key:claim"))
	if err != nil {
		t.Fatalf("pttl: %v", err)
	}
	if replies[0].Int <= 0 {
		t.Fatalf("counter pttl = %d, want armed window", replies[0].Int)
	}
}

func TestAdmitShared_FallsBackToLocalOnOutage(t *testing.T) {
	store := sharedstore.NewMemory()
	store.SetOutage(sharedstore.ErrUnavailable)
	limiter := New("ip", WithSharedStore(store))
	ctx := context.Background()

	if d := limiter.Admit(ctx, "x", 1); d.Limited {
		t.Fatal("first admit limited during outage")
	}
	if d := limiter.Admit(ctx, "x", 1); !d.Limited {
		t.Fatal("second admit during outage admitted, want local limit")
	}
}

func TestAdmitShared_FallsBackToLocalWhenRedisUnreachable(t *testing.T) {
	server := miniredis.RunT(t)
	client := redisstore.New(goredis.NewClient(&goredis.Options{Addr: server.Addr()}))
	t.Cleanup(func() { _ = client.Close() })
	server.Close()

	limiter := New("ip", WithSharedStore(client))
	ctx := context.Background()
	limited := 0
	for i := 0; i < 5; i++ {
		if limiter.Admit(ctx, "1.2.3.4", 1).Limited {
			limited++
		}
	}
	if limited != 4 {
		t.Fatalf("limited = %d of 5, want 4", limited)
	}
}
