package ratelimit

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Max     int
	Window  time.Duration
	Backend string
}

// ConfigFromEnv reads RATE_LIMIT_MAX (default 60), RATE_LIMIT_WINDOW (default 1m)
// and RATE_LIMIT_STORE (memory or redis).
func ConfigFromEnv() Config {
	c := Config{Max: 60, Window: time.Minute, Backend: "memory"}
	if v, err := strconv.Atoi(os.Getenv("RATE_LIMIT_MAX")); err == nil && v > 0 {
		c.Max = v
	}
	if d, err := time.ParseDuration(os.Getenv("RATE_LIMIT_WINDOW")); err == nil && d > 0 {
		c.Window = d
	}
	if b := os.Getenv("RATE_LIMIT_STORE"); b != "" {
		c.Backend = b
	}
	return c
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetIn is how long until the current window closes.
	ResetIn time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// MemoryLimiter is a fixed-window counter per key.
type MemoryLimiter struct {
	mu       sync.Mutex
	counters map[string]*counter
	window   time.Duration
	max      int
	now      func() time.Time
}

type counter struct {
	count     int
	expiresAt time.Time
}

func NewMemoryLimiter(window time.Duration, max int) *MemoryLimiter {
	return &MemoryLimiter{
		counters: make(map[string]*counter),
		window:   window,
		max:      max,
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &counter{expiresAt: now.Add(l.window)}
		l.counters[key] = c
	}
	d := Decision{Limit: l.max, ResetIn: c.expiresAt.Sub(now)}
	if c.count >= l.max {
		return d, nil
	}
	c.count++
	d.Allowed = true
	d.Remaining = l.max - c.count
	return d, nil
}

// Cleanup drops expired counters until ctx is done.
func (l *MemoryLimiter) Cleanup(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.prune()
		}
	}
}

func (l *MemoryLimiter) prune() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	n := 0
	for key, c := range l.counters {
		if !now.Before(c.expiresAt) {
			delete(l.counters, key)
			n++
		}
	}
	return n
}

// RedisLimiter shares the fixed-window counters across instances.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	window time.Duration
	max    int
}

func NewRedisLimiter(rdb *redis.Client, window time.Duration, max int) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: "waitlist:ratelimit:", window: window, max: max}
}

// Allow counts the hit and reads the TTL in one MULTI. A counter found
// without a TTL gets the window applied, so a failed expire cannot pin a
// key forever.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := l.prefix + key
	var incr *redis.IntCmd
	var pttl *redis.DurationCmd
	_, err := l.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, k)
		pttl = pipe.PTTL(ctx, k)
		return nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	count := incr.Val()
	ttl := pttl.Val()
	if ttl < 0 {
		if err := l.rdb.PExpire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("rate limit expire: %w", err)
		}
		ttl = l.window
	}
	d := Decision{Limit: l.max, ResetIn: ttl}
	if count > int64(l.max) {
		return d, nil
	}
	d.Allowed = true
	d.Remaining = l.max - int(count)
	return d, nil
}
