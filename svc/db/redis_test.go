package db

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) *Redis {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	r, err := newRedisFromOptions(opt, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r
}

func TestRedisFixedWindow(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:rl:" + time.Now().Format(time.RFC3339Nano)
	for i := int64(1); i <= 3; i++ {
		n, ttl, err := r.FixedWindow(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.True(t, ttl > 0 && ttl <= time.Minute)
	}
}

func TestRedisClaim(t *testing.T) {
	r := newTestRedis(t)
	ctx := context.Background()
	key := "test:claim:" + time.Now().Format(time.RFC3339Nano)
	ok, err := r.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.Claim(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, r.Ping(ctx))
}
