package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis instance and clears test counters.
// Requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, "rl:*:test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_EnforcesLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:small:", Limit: 3, Window: time.Minute}

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "test_device", rule)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d denied under the limit", i+1)
		}
	}

	ok, err := limiter.Allow(ctx, "test_device", rule)
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("fourth attempt allowed past a limit of 3")
	}
}

func TestAllow_IdentifiersAreIndependent(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:pair:", Limit: 1, Window: time.Minute}

	if ok, _ := limiter.Allow(ctx, "test_a", rule); !ok {
		t.Fatal("first action for test_a denied")
	}
	if ok, _ := limiter.Allow(ctx, "test_a", rule); ok {
		t.Error("second action for test_a allowed")
	}
	if ok, _ := limiter.Allow(ctx, "test_b", rule); !ok {
		t.Error("test_b throttled by test_a's counter")
	}
}

func TestAllow_WindowResets(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:tiny:", Limit: 1, Window: 100 * time.Millisecond}

	if ok, _ := limiter.Allow(ctx, "test_reset", rule); !ok {
		t.Fatal("first action denied")
	}
	if ok, _ := limiter.Allow(ctx, "test_reset", rule); ok {
		t.Fatal("second action in the same window allowed")
	}

	time.Sleep(150 * time.Millisecond)

	if ok, _ := limiter.Allow(ctx, "test_reset", rule); !ok {
		t.Error("action after window expiry denied")
	}
}
