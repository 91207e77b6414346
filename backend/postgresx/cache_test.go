package postgresx_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/backend/postgresx"
)

// These tests exercise postgresx.Cache against a real Postgres instance
// and are skipped unless DISTWORK_POSTGRES_TEST_DSN is set, matching the
// integration-test convention for backends that can't be faked with an
// in-process stand-in the way miniredis fakes Redis.
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("DISTWORK_POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("DISTWORK_POSTGRES_TEST_DSN not set; skipping postgresx integration test")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestCache_AddIfAbsentAndGet(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cache, err := postgresx.NewCache(ctx, pool, postgresx.NewConfig().SetTableName("distwork_cache_test_basic"))
	require.NoError(t, err)

	ok, err := cache.AddIfAbsent(ctx, "k1", "v1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = cache.AddIfAbsent(ctx, "k1", "v2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	val, found, err := cache.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", val)
}

func TestCache_ReplaceIfEqualAndIncrement(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	cache, err := postgresx.NewCache(ctx, pool, postgresx.NewConfig().SetTableName("distwork_cache_test_cas"))
	require.NoError(t, err)

	_, err = cache.AddIfAbsent(ctx, "cas", "a", time.Minute)
	require.NoError(t, err)

	ok, err := cache.ReplaceIfEqual(ctx, "cas", "a", "b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := cache.Increment(ctx, "counter", 2, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	n, err = cache.Increment(ctx, "counter", 3, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 5, n)
}
