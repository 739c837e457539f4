package ratelimit

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// RedisLimiter implements a fixed window counter shared by every replica.
type RedisLimiter struct {
	redis  *redis.Client
	config Config
	prefix string
}

// NewRedisLimiter creates a Redis-backed limiter. Keys are stored as prefix:key.
func NewRedisLimiter(client *redis.Client, config Config, prefix string) *RedisLimiter {
	if prefix == "" {
		prefix = "omgate:ratelimit"
	}
	return &RedisLimiter{
		redis:  client,
		config: config,
		prefix: prefix,
	}
}

// Allow counts the request against key's current window.
func (l *RedisLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	redisKey := fmt.Sprintf("%s:%s", l.prefix, key)

	pipe := l.redis.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Decision{}, fmt.Errorf("redis error: %w", err)
	}

	// The first request of a window starts its expiry. A negative TTL also
	// covers a key left without one by an interrupted earlier call.
	reset := ttl.Val()
	if reset < 0 {
		if err := l.redis.Expire(ctx, redisKey, l.config.Window).Err(); err != nil {
			return Decision{}, fmt.Errorf("redis error: %w", err)
		}
		reset = l.config.Window
	}

	limit := l.config.capacity()
	count := int(incr.Val())
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}

	return Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: remaining,
		Reset:     reset,
	}, nil
}

var _ Limiter = (*RedisLimiter)(nil)
