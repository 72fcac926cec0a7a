package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/markdave123-py/docbot/pkg/logger"
)

var log = logger.NewLogger("ratelimit")

// Decision is the outcome of one Allow call. RetryAfter is set when denied.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
}

// RedisLimiter counts hits per key in fixed windows shared by every API
// instance.
type RedisLimiter struct {
	client *redis.Client
	prefix string
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, prefix string, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: prefix, limit: limit, window: window}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	k := l.prefix + ":" + key
	n, err := l.client.Incr(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("incr %s: %w", k, err)
	}
	if n == 1 {
		if err := l.client.PExpire(ctx, k, l.window).Err(); err != nil {
			return Decision{}, fmt.Errorf("expire %s: %w", k, err)
		}
	}
	if n <= int64(l.limit) {
		return Decision{Allowed: true, Remaining: l.limit - int(n)}, nil
	}

	ttl, err := l.client.PTTL(ctx, k).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("pttl %s: %w", k, err)
	}
	if ttl <= 0 {
		// The key lost its expiry; start a fresh window rather than block forever.
		_ = l.client.PExpire(ctx, k, l.window).Err()
		ttl = l.window
	}
	return Decision{Allowed: false, RetryAfter: ttl}, nil
}

// MemoryLimiter is a per-process token bucket per key. It refills evenly, so a
// caller that spent the whole burst regains one request every window/limit.
type MemoryLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	every    rate.Limit
	burst    int
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	if limit <= 0 {
		limit = 1
	}
	return &MemoryLimiter{
		limiters: make(map[string]*rate.Limiter),
		every:    rate.Every(window / time.Duration(limit)),
		burst:    limit,
	}
}

func (m *MemoryLimiter) get(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	lim, ok := m.limiters[key]
	if !ok {
		lim = rate.NewLimiter(m.every, m.burst)
		m.limiters[key] = lim
	}
	return lim
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (Decision, error) {
	lim := m.get(key)
	r := lim.Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return Decision{Allowed: false, RetryAfter: delay}, nil
	}
	return Decision{Allowed: true, Remaining: int(lim.Tokens())}, nil
}

// NewRedisClient connects and pings, failing fast when Redis is unreachable.
func NewRedisClient(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis failed: %w", err)
	}
	return client, nil
}

// New returns a Redis limiter when addr is set and reachable, otherwise an
// in-memory one. The returned client is nil in the in-memory case.
func New(ctx context.Context, addr, password, prefix string, limit int, window time.Duration) (Limiter, *redis.Client) {
	if addr == "" {
		log.Info("redis not configured, using in-memory limiter", "limit", limit, "window", window)
		return NewMemoryLimiter(limit, window), nil
	}
	client, err := NewRedisClient(ctx, addr, password)
	if err != nil {
		log.Warn("redis unavailable, using in-memory limiter", "error", err)
		return NewMemoryLimiter(limit, window), nil
	}
	return NewRedisLimiter(client, prefix, limit, window), client
}
