package queue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/queue"
)

func TestWorker_ProcessesEnqueuedItems(t *testing.T) {
	q := newQueue(t, nil)
	ctx := context.Background()

	const n = 5
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(ctx, queue.WorkItem{Payload: []byte("x")})
		require.NoError(t, err)
	}

	var processed int64
	handler := func(ctx context.Context, entry *queue.Entry) error {
		atomic.AddInt64(&processed, 1)
		return nil
	}

	w := queue.NewWorker(q, handler, queue.WorkerConfig{WaitTimeout: 200 * time.Millisecond, Concurrency: 2}, discardLogger())

	runCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&processed) == n
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, n, stats.Completed)
}

func TestWorker_HandlerErrorAbandonsItem(t *testing.T) {
	cfg := queue.NewConfig().SetRetries(0)
	q := newQueue(t, cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.WorkItem{Payload: []byte("boom")})
	require.NoError(t, err)

	handler := func(ctx context.Context, entry *queue.Entry) error {
		return errors.New("handler failed")
	}
	w := queue.NewWorker(q, handler, queue.WorkerConfig{WaitTimeout: 200 * time.Millisecond, Concurrency: 1}, discardLogger())

	runCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stats, err := q.GetQueueStats(ctx)
		return err == nil && stats.Deadletter == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
