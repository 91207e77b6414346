package lock_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/backend/inmemory"
	"github.com/oliveiracleidson/distwork/lock"
)

func newProvider() *lock.Provider {
	cache := inmemory.NewCache(nil)
	bus := inmemory.NewBus()
	return lock.NewProvider(cache, bus)
}

func TestProvider_AcquireRelease(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	l, err := p.Acquire(ctx, "res", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, "res", l.Resource)
	assert.Len(t, l.LockID, 16)

	locked, err := p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.True(t, locked)

	require.NoError(t, p.Release(ctx, "res", l.LockID))

	locked, err = p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.False(t, locked)
}

// TestProvider_IdempotentRelease verifies the compare-and-swap property
// (testable property #6): a second release by the original holder must
// not disturb a lock subsequently acquired by someone else.
func TestProvider_IdempotentRelease(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	first, err := p.Acquire(ctx, "res", 10*time.Second)
	require.NoError(t, err)

	require.NoError(t, p.Release(ctx, "res", first.LockID))

	second, err := p.Acquire(ctx, "res", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, second)

	// Stale release from the first holder must be a no-op.
	require.NoError(t, p.Release(ctx, "res", first.LockID))

	locked, err := p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.True(t, locked, "second holder's lock must survive the first holder's stale release")
}

func TestProvider_RenewOwnershipMismatch(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	_, err := p.Acquire(ctx, "res", 10*time.Second)
	require.NoError(t, err)

	err = p.Renew(ctx, "res", "not-the-holder-token", time.Second)
	require.Error(t, err)
}

func TestProvider_RenewExtends(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	l, err := p.Acquire(ctx, "res", 200*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, p.Renew(ctx, "res", l.LockID, 2*time.Second))

	locked, err := p.IsLocked(ctx, "res")
	require.NoError(t, err)
	assert.True(t, locked)
}

// TestProvider_SecondAcquirerWaits_Cancelled exercises the cancellation semantics:
// a context that expires before the holder releases must yield a nil
// lock rather than an error.
func TestProvider_SecondAcquirerWaits_Cancelled(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	_, err := p.Acquire(ctx, "res", 5*time.Second)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	l, err := p.Acquire(waitCtx, "res", time.Second)
	require.NoError(t, err)
	assert.Nil(t, l)
}

// TestProvider_WakeUpOnRelease matches spec scenario S6: a waiter
// acquires within 3s + rtt after the current holder releases.
func TestProvider_WakeUpOnRelease(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	holder, err := p.Acquire(ctx, "res", 5*time.Second)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	start := time.Now()
	var acquired *lock.Lock
	go func() {
		defer wg.Done()
		waitCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		acquired, _ = p.Acquire(waitCtx, "res", time.Second)
	}()

	time.Sleep(250 * time.Millisecond)
	require.NoError(t, p.Release(ctx, "res", holder.LockID))

	wg.Wait()
	elapsed := time.Since(start)
	require.NotNil(t, acquired)
	assert.Less(t, elapsed, 3*time.Second+500*time.Millisecond)
}

func TestProvider_TryAcquireNonBlocking(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	_, err := p.Acquire(ctx, "res", 5*time.Second)
	require.NoError(t, err)

	l, err := p.TryAcquire(ctx, "res", time.Second)
	require.NoError(t, err)
	assert.Nil(t, l)
}
