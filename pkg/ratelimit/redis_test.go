package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLimiter(t *testing.T, config Config) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiter(client, config, "test:rl"), mr
}

func TestRedisLimiter_FixedWindow(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Requests: 2, Window: time.Minute})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Allow(ctx, "ip:10.0.0.1")
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, 1-i, d.Remaining)
	}

	d, err := l.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Minute, mr.TTL("test:rl:ip:10.0.0.1"))

	mr.FastForward(61 * time.Second)

	d, err = l.Allow(ctx, "ip:10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_WindowNotExtendedByLaterRequests(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Requests: 10, Window: time.Minute})
	ctx := context.Background()

	_, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	mr.FastForward(40 * time.Second)

	d, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, 20*time.Second, d.Reset)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	l, mr := newRedisLimiter(t, Config{Requests: 1, Window: time.Minute})
	mr.Close()

	_, err := l.Allow(context.Background(), "k")
	assert.Error(t, err)
}
