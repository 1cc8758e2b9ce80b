package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultPrefix = "exchange:rl:"

var limitScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window_ms = tonumber(ARGV[2])

local current = redis.call("INCR", key)
if current == 1 then
  redis.call("PEXPIRE", key, window_ms)
end

local ttl = redis.call("PTTL", key)
if ttl < 0 then
  ttl = window_ms
end

if current > limit then
  return {0, ttl}
end
return {1, ttl}
`)

// RedisLimiter is a fixed-window limiter shared across instances.
type RedisLimiter struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
}

// NewRedis creates a Redis-backed limiter allowing limit requests per
// window.
func NewRedis(client *redis.Client, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  limit,
		window: window,
		prefix: defaultPrefix,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, _ time.Time) (bool, time.Duration, error) {
	windowMS := int64(l.window / time.Millisecond)
	if windowMS <= 0 {
		return false, 0, fmt.Errorf("invalid rate limit window %s", l.window)
	}

	res, err := limitScript.Run(ctx, l.client, []string{l.prefix + key}, l.limit, windowMS).Result()
	if err != nil {
		return false, 0, fmt.Errorf("run rate limit script: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return false, 0, fmt.Errorf("unexpected redis response %v", res)
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("unexpected redis response %v", res)
	}
	ttl, _ := vals[1].(int64)
	return allowed == 1, time.Duration(ttl) * time.Millisecond, nil
}
