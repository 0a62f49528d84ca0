package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// idleEviction is how long a key may go unused before its bucket is
	// dropped. A dropped bucket comes back full, which is what an idle key
	// would have refilled to anyway once idleEviction ≥ burst/rate.
	idleEviction  = 10 * time.Minute
	sweepInterval = time.Minute
)

type bucket struct {
	tokens float64
	seen   time.Time
}

// take refills b for the time since it was last seen and spends one token
// if one is available.
func (b *bucket) take(now time.Time, rate, burst float64) bool {
	if now.After(b.seen) {
		b.tokens = min(burst, b.tokens+now.Sub(b.seen).Seconds()*rate)
		b.seen = now
	}
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter is a per-process token bucket keyed by caller-supplied keys.
// Several tabi instances each keep their own budget; use RedisLimiter to
// share one.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64
	now   func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// MemoryOption configures a MemoryLimiter.
type MemoryOption func(*MemoryLimiter)

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryLimiter) { m.now = now }
}

// NewMemoryLimiter creates a limiter allowing rate requests per second per
// key with bursts up to burst. It starts a sweeper goroutine; call Close to
// stop it.
func NewMemoryLimiter(rate float64, burst int, opts ...MemoryOption) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		now:     time.Now,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	go m.sweepLoop()
	return m
}

// Allow spends one token from key's bucket. It never returns an error.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, seen: now}
		m.buckets[key] = b
	}
	return b.take(now, m.rate, m.burst), nil
}

// Close stops the sweeper. It is safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep drops buckets idle for longer than idleEviction.
func (m *MemoryLimiter) sweep() {
	cutoff := m.now().Add(-idleEviction)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.buckets)
}

// RetryAfter is how long a rejected caller waits for one token.
func (l *MemoryLimiter) RetryAfter() time.Duration { return refillInterval(l.rate) }
