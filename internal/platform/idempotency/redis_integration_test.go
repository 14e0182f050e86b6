//go:build integration

package idempotency

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
)

func TestRedisStoreContract(t *testing.T) {
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
	_ = rdb.Del(ctx, redisKey("k1"), redisKey("k2")).Err()

	// Redis TTLs use wall-clock time, so the fixed test clock only affects record timestamps.
	exerciseStore(t, NewRedisStore(rdb))
}
