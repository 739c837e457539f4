package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Config defines a per-key request budget. Requests are refilled evenly over
// Window; Burst allows temporary bursts above the rate.
type Config struct {
	Requests int
	Window   time.Duration
	Burst    int
}

func (c Config) capacity() int {
	return c.Requests + c.Burst
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is how long until the key's budget is full again.
	Reset time.Duration
}

// Limiter decides whether a request identified by key may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryLimiter implements a token bucket per key, local to this process.
type MemoryLimiter struct {
	config  Config
	now     func() time.Time
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewMemoryLimiter creates an in-process token bucket limiter.
func NewMemoryLimiter(config Config) *MemoryLimiter {
	return &MemoryLimiter{
		config:  config,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Allow takes one token from key's bucket if one is available.
func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	capacity := float64(l.config.capacity())
	rate := float64(l.config.Requests) / l.config.Window.Seconds()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, lastUpdate: now}
		l.buckets[key] = b
	}

	// Refill tokens based on elapsed time
	b.tokens += now.Sub(b.lastUpdate).Seconds() * rate
	if b.tokens > capacity {
		b.tokens = capacity
	}
	b.lastUpdate = now

	decision := Decision{Limit: l.config.capacity()}
	if b.tokens >= 1 {
		b.tokens--
		decision.Allowed = true
	}
	decision.Remaining = int(b.tokens)
	if rate > 0 {
		decision.Reset = time.Duration((capacity - b.tokens) / rate * float64(time.Second))
	}
	return decision, nil
}

// Cleanup drops buckets that have been idle long enough to be full again.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, b := range l.buckets {
		if now.Sub(b.lastUpdate) > l.config.Window*2 {
			delete(l.buckets, key)
		}
	}
}

// Len returns the number of tracked keys.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Schedule registers periodic bucket cleanup on scheduler.
func (l *MemoryLimiter) Schedule(scheduler *cron.Cron) (cron.EntryID, error) {
	return scheduler.AddFunc("@every "+l.config.Window.String(), l.Cleanup)
}
