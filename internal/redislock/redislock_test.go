package redislock_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tenantq/internal/redislock"
)

func testClient(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("TENANTQ_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TENANTQ_TEST_REDIS_URL not set")
	}
	client, err := redislock.Connect(context.Background(), url, 3, 200*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTryLock_Exclusive(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := "tenantq:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	a := redislock.New(client)
	b := redislock.New(client)

	ok, err := a.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := b.Release(ctx, key)
	require.NoError(t, err)
	assert.False(t, released, "only the holder may release")

	released, err = a.Release(ctx, key)
	require.NoError(t, err)
	assert.True(t, released)

	ok, err = b.TryLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTryLock_Expires(t *testing.T) {
	client := testClient(t)
	ctx := context.Background()
	key := "tenantq:test:" + uuid.NewString()
	t.Cleanup(func() { client.Del(ctx, key) })

	a := redislock.New(client)
	b := redislock.New(client)

	ok, err := a.TryLock(ctx, key, 100*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		ok, err := b.TryLock(ctx, key, time.Minute)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTryLock_InvalidTTL(t *testing.T) {
	t.Parallel()
	l := redislock.New(redis.NewClient(&redis.Options{Addr: "localhost:0"}))
	_, err := l.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, redislock.ErrInvalidTTL)
}

func TestConnect_BadURL(t *testing.T) {
	t.Parallel()
	_, err := redislock.Connect(context.Background(), "not-a-url://", 0, time.Millisecond)
	assert.ErrorIs(t, err, redislock.ErrParseURL)
}
