package ratelimit

import "time"

// SetClock replaces the limiter's clock in tests.
func SetClock(l *RedisLimiter, now func() time.Time) { l.now = now }
