// Package ratelimit throttles abusive callers on the public intake and magic-link routes.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Limiter decides whether one more request for key fits in the current window.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// MemoryLimiter is a fixed-window limiter for single-instance runs and tests.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu    sync.Mutex
	state map[string]windowState
}

type windowState struct {
	count int
	reset time.Time
}

// NewMemoryLimiter returns nil when limit or window is not positive, which disables limiting.
func NewMemoryLimiter(limit int, window time.Duration, clock func() time.Time) *MemoryLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &MemoryLimiter{limit: limit, window: window, clock: clock, state: make(map[string]windowState)}
}

// Window reports how long a client waits before its bucket resets.
func (l *MemoryLimiter) Window() time.Duration {
	if l == nil {
		return 0
	}
	return l.window
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	key = normalizeKey(key)
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.state[key]
	if !ok || !now.Before(entry.reset) {
		l.state[key] = windowState{count: 1, reset: now.Add(l.window)}
		l.pruneLocked(now)
		return true, nil
	}
	if entry.count >= l.limit {
		return false, nil
	}
	entry.count++
	l.state[key] = entry
	return true, nil
}

func (l *MemoryLimiter) pruneLocked(now time.Time) {
	for key, entry := range l.state {
		if !now.Before(entry.reset) {
			delete(l.state, key)
		}
	}
}

// slidingWindowScript trims the sorted set to the window, then admits the request if the count is below the limit.
// KEYS[1]=bucket ARGV[1]=now ms ARGV[2]=window start ms ARGV[3]=ttl ms ARGV[4]=member ARGV[5]=limit
const slidingWindowScript = `
local key = KEYS[1]
redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)
if count < tonumber(ARGV[5]) then
  redis.call('ZADD', key, ARGV[1], ARGV[4])
  redis.call('PEXPIRE', key, ARGV[3])
  return count + 1
end
return -1
`

var slidingWindow = redis.NewScript(slidingWindowScript)

// RedisLimiter is a sliding-window limiter shared by every API instance.
type RedisLimiter struct {
	rdb    redis.Scripter
	prefix string
	limit  int
	window time.Duration
	clock  func() time.Time
}

// NewRedisLimiter returns nil when limit or window is not positive.
func NewRedisLimiter(rdb redis.Scripter, prefix string, limit int, window time.Duration) *RedisLimiter {
	if rdb == nil || limit <= 0 || window <= 0 {
		return nil
	}
	if prefix == "" {
		prefix = "partsdesk:rl"
	}
	return &RedisLimiter{rdb: rdb, prefix: prefix, limit: limit, window: window, clock: time.Now}
}

// Window reports the sliding window length.
func (l *RedisLimiter) Window() time.Duration {
	if l == nil {
		return 0
	}
	return l.window
}

// Allow implements Limiter.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if l == nil {
		return true, nil
	}
	now := l.clock()
	nowMs := now.UnixMilli()
	bucket := l.prefix + ":" + normalizeKey(key)
	member := fmt.Sprintf("%d-%d", nowMs, now.UnixNano())
	res, err := slidingWindow.Run(ctx, l.rdb, []string{bucket},
		nowMs, nowMs-l.window.Milliseconds(), l.window.Milliseconds(), member, l.limit).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: eval: %w", err)
	}
	return res >= 0, nil
}

func normalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "anonymous"
	}
	return key
}
