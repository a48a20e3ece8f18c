// Package ratelimit counts requests per client in fixed windows.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one counted request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// DefaultWindow replaces a non-positive window size.
const DefaultWindow = time.Minute

func windowSize(size time.Duration) time.Duration {
	if size <= 0 {
		return DefaultWindow
	}
	return size
}

// window returns the start of the fixed window containing now.
func window(now time.Time, size time.Duration) time.Time {
	return now.Truncate(size)
}

func decide(count, limit int, now, start time.Time, size time.Duration) Decision {
	d := Decision{Allowed: count <= limit, Limit: limit, Remaining: limit - count}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if !d.Allowed {
		d.RetryAfter = start.Add(size).Sub(now)
	}
	return d
}

// Redis shares counters across instances. Keys carry the window start so a
// fresh window always starts from zero.
type Redis struct {
	client *redis.Client
	limit  int
	size   time.Duration
	prefix string
	now    func() time.Time
}

func NewRedis(client *redis.Client, limit int, size time.Duration) *Redis {
	return &Redis{client: client, limit: limit, size: windowSize(size), prefix: "ratelimit:", now: time.Now}
}

func (r *Redis) Allow(ctx context.Context, key string) (Decision, error) {
	now := r.now()
	start := window(now, r.size)
	redisKey := r.prefix + key + ":" + strconv.FormatInt(start.Unix(), 10)

	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	pipe.Expire(ctx, redisKey, r.size)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("rate limit incr: %w", err)
	}
	return decide(int(incr.Val()), r.limit, now, start, r.size), nil
}

type counter struct {
	start time.Time
	count int
}

// Memory is the single-instance fallback when Redis is not configured.
type Memory struct {
	mu       sync.Mutex
	counters map[string]*counter
	limit    int
	size     time.Duration
	now      func() time.Time
}

func NewMemory(limit int, size time.Duration) *Memory {
	return &Memory{counters: map[string]*counter{}, limit: limit, size: windowSize(size), now: time.Now}
}

func (m *Memory) Allow(_ context.Context, key string) (Decision, error) {
	now := m.now()
	start := window(now, m.size)

	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.counters[key]
	if !ok || !c.start.Equal(start) {
		c = &counter{start: start}
		m.counters[key] = c
	}
	c.count++
	return decide(c.count, m.limit, now, start, m.size), nil
}

// Sweep drops counters from past windows.
func (m *Memory) Sweep() int {
	start := window(m.now(), m.size)

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, c := range m.counters {
		if c.start.Before(start) {
			delete(m.counters, key)
			removed++
		}
	}
	return removed
}

// RunSweeper sweeps once per window until ctx is done.
func (m *Memory) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(m.size)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}
