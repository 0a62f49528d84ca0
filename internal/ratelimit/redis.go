package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Bucket state lives in a hash at prefix+key with fields tokens and ts_ms.
// ARGV: rate per ms, burst, now in unix ms, idle expiry in ms.
var bucketScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local state = redis.call("HMGET", KEYS[1], "tokens", "ts_ms")
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
  tokens = burst
  ts = now
end
if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate)
  ts = now
end
local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call("HSET", KEYS[1], "tokens", tostring(tokens), "ts_ms", tostring(ts))
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return allowed
`)

// RedisLimiter implements Limiter with a token bucket per key held in Redis.
// The client is owned by the caller; Close does not close it.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	rate   float64
	burst  float64
	now    func() time.Time
}

// NewRedisLimiter creates a Redis-backed token bucket limiter with the same
// rate and burst semantics as NewMemoryLimiter.
func NewRedisLimiter(client *redis.Client, prefix string, rate float64, burst int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		prefix: prefix,
		rate:   rate,
		burst:  float64(burst),
		now:    time.Now,
	}
}

// Allow consumes one token from the bucket for key.
func (r *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	// Idle buckets expire once they would have refilled completely.
	idle := idleEviction
	if r.rate > 0 {
		full := time.Duration(math.Ceil(r.burst/r.rate)) * time.Second
		if full > idle {
			idle = full
		}
	}
	res, err := bucketScript.Run(ctx, r.client, []string{r.prefix + key},
		strconv.FormatFloat(r.rate/1000, 'f', -1, 64),
		strconv.FormatFloat(r.burst, 'f', -1, 64),
		r.now().UnixMilli(),
		idle.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("ratelimit: redis bucket %s: %w", key, err)
	}
	return res == 1, nil
}

// Close is a no-op; the Redis client is shared with other components.
func (r *RedisLimiter) Close() error { return nil }

// RetryAfter is how long a rejected caller waits for one token.
func (l *RedisLimiter) RetryAfter() time.Duration { return refillInterval(l.rate) }
