// Package ratelimit throttles the public write routes per client.
//
// MemoryLimiter keeps buckets in process. RedisLimiter runs the same bucket
// as a Lua script so every instance draws from one budget per key.
package ratelimit

import (
	"context"
	"math"
	"time"
)

// Limiter admits or rejects one request for key. Safe for concurrent use.
// An error means the limiter itself is broken; Guard lets the request
// through in that case.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
	Close() error
}

// NoopLimiter admits everything.
type NoopLimiter struct{}

func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }
func (NoopLimiter) Close() error                                { return nil }

func refillInterval(rate float64) time.Duration {
	if rate <= 0 {
		return time.Second
	}
	return time.Duration(float64(time.Second) / rate)
}

// retryAfterSeconds rounds d up to whole seconds for the Retry-After
// header, never below one.
func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}
