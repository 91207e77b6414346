package jobs_test

import (
	"context"
	"errors"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/backend/inmemory"
	"github.com/oliveiracleidson/distwork/jobs"
	"github.com/oliveiracleidson/distwork/lock"
	"github.com/oliveiracleidson/distwork/queue"
)

func newTestQueue(t *testing.T) *queue.Queue {
	t.Helper()
	cache := inmemory.NewCache(nil)
	bus := inmemory.NewBus()
	q, err := queue.NewQueue("jobq", cache, bus, nil)
	require.NoError(t, err)
	return q
}

func TestJobBase_RunOnceProcessesAndCompletes(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.WorkItem{Payload: []byte("x")})
	require.NoError(t, err)

	j := &jobs.JobBase{
		Queue: q,
		Process: func(ctx context.Context, entry *queue.Entry) error {
			return nil
		},
		Logger: logr.Discard(),
	}

	ok, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Completed)
}

func TestJobBase_RunOnceEmptyQueueReturnsFalse(t *testing.T) {
	q := newTestQueue(t)
	j := &jobs.JobBase{Queue: q, Process: func(context.Context, *queue.Entry) error { return nil }, Logger: logr.Discard()}

	ok, err := j.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestJobBase_ProcessErrorAbandons(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue.WorkItem{Payload: []byte("x")})
	require.NoError(t, err)

	j := &jobs.JobBase{
		Queue:   q,
		Process: func(context.Context, *queue.Entry) error { return errors.New("nope") },
		Logger:  logr.Discard(),
	}
	ok, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Abandoned)
}

func TestJobBase_EntryLockUnavailableAbandonsWithoutProcessing(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue.WorkItem{Payload: []byte("x")})
	require.NoError(t, err)

	processed := false
	j := &jobs.JobBase{
		Queue: q,
		Process: func(context.Context, *queue.Entry) error {
			processed = true
			return nil
		},
		EntryLock: &jobs.EntryLockHook{
			Acquire: func(context.Context, *queue.Entry) (*lock.Lock, error) { return nil, nil },
			Release: func(context.Context, *queue.Entry, *lock.Lock) error { return nil },
		},
		Logger: logr.Discard(),
	}

	ok, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, processed)

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Abandoned)
}

func TestJobBase_EntryLockAcquiredReleasesAfterProcessing(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	_, err := q.Enqueue(ctx, queue.WorkItem{Payload: []byte("x")})
	require.NoError(t, err)

	released := false
	j := &jobs.JobBase{
		Queue: q,
		Process: func(context.Context, *queue.Entry) error {
			return nil
		},
		EntryLock: &jobs.EntryLockHook{
			Acquire: func(context.Context, *queue.Entry) (*lock.Lock, error) {
				return &lock.Lock{Resource: "r", LockID: "abc"}, nil
			},
			Release: func(context.Context, *queue.Entry, *lock.Lock) error {
				released = true
				return nil
			},
		},
		Logger: logr.Discard(),
	}

	ok, err := j.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, released)

	stats, err := q.GetQueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Completed)
}
