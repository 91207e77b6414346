package redisx_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/backend/redisx"
)

func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestCache_AddIfAbsent(t *testing.T) {
	client := newTestClient(t)
	cache := redisx.NewCache(client)
	ctx := context.Background()

	ok, err := cache.AddIfAbsent(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.AddIfAbsent(ctx, "k", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, found, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", val)
}

func TestCache_RemoveIfEqual(t *testing.T) {
	client := newTestClient(t)
	cache := redisx.NewCache(client)
	ctx := context.Background()

	_, err := cache.AddIfAbsent(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)

	ok, err := cache.RemoveIfEqual(ctx, "k", "wrong")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = cache.RemoveIfEqual(ctx, "k", "v1")
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestCache_ReplaceIfEqual(t *testing.T) {
	client := newTestClient(t)
	cache := redisx.NewCache(client)
	ctx := context.Background()

	_, err := cache.AddIfAbsent(ctx, "k", "v1", time.Minute)
	require.NoError(t, err)

	ok, err := cache.ReplaceIfEqual(ctx, "k", "v1", "v2", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	val, _, err := cache.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v2", val)

	ok, err = cache.ReplaceIfEqual(ctx, "k", "v1", "v3", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_Increment(t *testing.T) {
	client := newTestClient(t)
	cache := redisx.NewCache(client)
	ctx := context.Background()

	n, err := cache.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	n, err = cache.Increment(ctx, "counter", 1, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestCache_ExpirationRoundTrip(t *testing.T) {
	client := newTestClient(t)
	cache := redisx.NewCache(client)
	ctx := context.Background()

	_, err := cache.AddIfAbsent(ctx, "k", "v", time.Minute)
	require.NoError(t, err)

	ttl, found, err := cache.GetExpiration(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	require.NoError(t, cache.SetExpiration(ctx, "k", 2*time.Minute))
	ttl, found, err = cache.GetExpiration(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, ttl > time.Minute)
}

func TestCache_Exists(t *testing.T) {
	client := newTestClient(t)
	cache := redisx.NewCache(client)
	ctx := context.Background()

	exists, err := cache.Exists(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = cache.AddIfAbsent(ctx, "present", "v", 0)
	require.NoError(t, err)
	exists, err = cache.Exists(ctx, "present")
	require.NoError(t, err)
	assert.True(t, exists)
}
