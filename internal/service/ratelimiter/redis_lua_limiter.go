// Package ratelimiter implements the fail-fast token budget for embedding
// API calls. The budget is a fixed window counter in Redis so every worker
// replica draws from the same pool.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// luaFixedWindow reserves cost tokens atomically. The first reservation in
// a window arms the TTL; a reservation that would exceed the limit is rolled
// back so denied calls never consume budget.
const luaFixedWindow = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])

local used = redis.call("INCRBY", key, cost)
if used == cost then
  redis.call("EXPIRE", key, window)
end
if used > limit then
  redis.call("DECRBY", key, cost)
  return {0, used - cost}
end
return {1, used}
`

// FixedWindowLimiter is a Redis-backed fixed window token limiter.
// Allow never waits: callers that are denied surface a typed rate limit
// error and let the retry policy reschedule the whole job.
type FixedWindowLimiter struct {
	rdb    *redis.Client
	ns     string
	limit  int64
	window time.Duration
	script *redis.Script
}

var _ domain.RateLimiter = (*FixedWindowLimiter)(nil)

// New builds a limiter allowing limit tokens per window.
func New(rdb *redis.Client, namespace string, limit int64, window time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		rdb:    rdb,
		ns:     namespace,
		limit:  limit,
		window: window,
		script: redis.NewScript(luaFixedWindow),
	}
}

func (l *FixedWindowLimiter) key(k string) string { return l.ns + ":rl:" + k }

// Allow reserves tokens against the current window. It returns the tokens
// used so far in the window regardless of the outcome.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string, tokens int64) (bool, int64, error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	if tokens <= 0 {
		tokens = 1
	}
	windowSec := int64(l.window / time.Second)
	if windowSec <= 0 {
		windowSec = 1
	}
	res, err := l.script.Run(ctx, l.rdb, []string{l.key(key)}, l.limit, windowSec, tokens).Result()
	if err != nil {
		return false, 0, fmt.Errorf("op=ratelimiter.allow: %w: %v", domain.ErrQueueUnavailable, err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("op=ratelimiter.allow: unexpected script result %v", res)
	}
	return asInt64(vals[0]) == 1, asInt64(vals[1]), nil
}

// Usage reports tokens consumed in the current window.
func (l *FixedWindowLimiter) Usage(ctx context.Context, key string) (int64, error) {
	n, err := l.rdb.Get(ctx, l.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=ratelimiter.usage: %w: %v", domain.ErrQueueUnavailable, err)
	}
	return n, nil
}

// Limit exposes the configured window ceiling.
func (l *FixedWindowLimiter) Limit() int64 { return l.limit }

func asInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
