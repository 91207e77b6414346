package queue_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/backend/inmemory"
	"github.com/oliveiracleidson/distwork/lock"
	"github.com/oliveiracleidson/distwork/queue"
)

func TestQueue_MaintenanceAutoAbandonsExpiredLease(t *testing.T) {
	cache := inmemory.NewCache(nil)
	bus := inmemory.NewBus()
	cfg := queue.NewConfig().SetWorkItemTimeout(100 * time.Millisecond).SetMaintenancePeriod(50 * time.Millisecond).SetRetries(5)
	q, err := queue.NewQueue("maint", cache, bus, cfg)
	require.NoError(t, err)

	locker := lock.NewProvider(cache, bus)

	ctx := context.Background()
	_, err = q.Enqueue(ctx, queue.WorkItem{Payload: []byte("x")})
	require.NoError(t, err)

	entry, err := q.Dequeue(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, entry)

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	maintDone := make(chan struct{})
	go func() {
		_ = q.RunMaintenance(runCtx, locker)
		close(maintDone)
	}()

	// Never renew or complete; the lease expires and maintenance should
	// return it to "in" before runCtx is cancelled.
	require.Eventually(t, func() bool {
		stats, err := q.GetQueueStats(ctx)
		return err == nil && stats.Queued == 1 && stats.Working == 0
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-maintDone

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Timeouts)
}
