package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces limiter keys in a shared Redis.
const keyPrefix = "flydesk:ratelimit"

// RedisLimiter counts requests in Redis so the limit holds across
// replicas. Each key's count lives at flydesk:ratelimit:<key>:<window>
// with a TTL of two windows.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisLimiter.
type RedisOption func(*RedisLimiter)

// WithRedisWindow sets the counting window.
func WithRedisWindow(d time.Duration) RedisOption {
	return func(l *RedisLimiter) {
		if d > 0 {
			l.window = d
		}
	}
}

// WithRedisNow overrides the clock, for tests.
func WithRedisNow(now func() time.Time) RedisOption {
	return func(l *RedisLimiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewRedisLimiter builds a limiter backed by the given client. limit <= 0
// disables limiting.
func NewRedisLimiter(client redis.Cmdable, limit int, opts ...RedisOption) *RedisLimiter {
	l := &RedisLimiter{
		client: client,
		limit:  limit,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow increments the key's window counter. Backend errors fail open.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	if l.limit <= 0 {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	now := l.now()
	start := now.Truncate(l.window)
	rkey := fmt.Sprintf("%s:%s:%d", keyPrefix, key, start.Unix())

	pipe := l.client.Pipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.Expire(ctx, rkey, 2*l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{Allowed: true, Remaining: -1}, fmt.Errorf("ratelimit incr: %w", err)
	}

	count := int(incr.Val())
	if count > l.limit {
		return Decision{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: start.Add(l.window).Sub(now),
		}, nil
	}
	return Decision{Allowed: true, Remaining: l.limit - count}, nil
}
