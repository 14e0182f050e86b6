//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisLimiterSlidingWindow(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	prefix := "partsdesk:rl:test:" + time.Now().Format("150405.000000")
	limiter := NewRedisLimiter(rdb, prefix, 3, time.Second)

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "ip")
		if err != nil || !ok {
			t.Fatalf("request %d: ok=%v err=%v", i, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "ip"); ok {
		t.Fatalf("fourth request must be rejected")
	}
	time.Sleep(1100 * time.Millisecond)
	if ok, _ := limiter.Allow(ctx, "ip"); !ok {
		t.Fatalf("window should slide")
	}
}
