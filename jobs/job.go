// Package jobs bridges a user "process one entry" function into a
// continuous loop against a queue.Queue (spec §4.6, C6), optionally
// guarded by a per-entry lock acquired with zero wait.
package jobs

import (
	"context"
	"math/rand"
	"time"

	"github.com/go-logr/logr"

	"github.com/oliveiracleidson/distwork/lock"
	"github.com/oliveiracleidson/distwork/queue"
)

// ProcessEntryFunc handles one leased entry. A non-nil error abandons
// the entry; nil completes it, mirroring the Worker contract.
type ProcessEntryFunc func(ctx context.Context, entry *queue.Entry) error

// EntryLockHook lets a job serialize processing of logically related
// entries (e.g. same tenant) across instances. Acquire must not block:
// a nil lock with a nil error means "could not acquire right now", and
// the entry is abandoned instead of processed.
type EntryLockHook struct {
	Acquire func(ctx context.Context, entry *queue.Entry) (*lock.Lock, error)
	Release func(ctx context.Context, entry *queue.Entry, l *lock.Lock) error
}

// JobBase runs ProcessEntryFunc against a queue.Queue, once, a bounded
// number of times, or continuously.
type JobBase struct {
	Queue       *queue.Queue
	Process     ProcessEntryFunc
	EntryLock   *EntryLockHook
	WaitTimeout time.Duration
	Logger      logr.Logger
}

// RunOnce dequeues and processes a single entry. It reports whether an
// entry was actually available to process.
func (j *JobBase) RunOnce(ctx context.Context) (bool, error) {
	entry, err := j.Queue.Dequeue(ctx, j.WaitTimeout)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}

	if j.EntryLock != nil {
		l, err := j.EntryLock.Acquire(ctx, entry)
		if err != nil {
			j.Logger.Error(err, "entry lock acquire failed", "item_id", entry.Item.ID)
		}
		if l == nil {
			if aerr := entry.Abandon(ctx, err); aerr != nil {
				j.Logger.Error(aerr, "abandon after failed entry lock failed", "item_id", entry.Item.ID)
			}
			return true, nil
		}
		defer func() {
			if rerr := j.EntryLock.Release(context.Background(), entry, l); rerr != nil {
				j.Logger.Error(rerr, "entry lock release failed", "item_id", entry.Item.ID)
			}
		}()
	}

	if perr := j.Process(ctx, entry); perr != nil {
		if aerr := entry.Abandon(ctx, perr); aerr != nil {
			j.Logger.Error(aerr, "abandon after process failure failed", "item_id", entry.Item.ID)
		}
		return true, nil
	}
	if cerr := entry.Complete(ctx); cerr != nil {
		j.Logger.Error(cerr, "complete after process success failed", "item_id", entry.Item.ID)
	}
	return true, nil
}

// RunIterations calls RunOnce up to n times, stopping early if ctx is
// cancelled. It returns the number of entries actually processed.
func (j *JobBase) RunIterations(ctx context.Context, n int) (int, error) {
	processed := 0
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			return processed, nil
		}
		ok, err := j.RunOnce(ctx)
		if err != nil {
			return processed, err
		}
		if ok {
			processed++
		}
	}
	return processed, nil
}

// ContinuousOptions tunes RunContinuous's inter-iteration pacing.
type ContinuousOptions struct {
	// Interval is the delay between iterations when the queue was empty.
	Interval time.Duration
	// Jitter adds up to this much additional random delay on top of
	// Interval, to avoid synchronized wake-ups across instances.
	Jitter time.Duration
}

// RunContinuous loops RunOnce until ctx is cancelled. An empty dequeue
// is followed by Interval (plus up to Jitter of randomness); a
// successful iteration loops immediately to drain a backlog.
func (j *JobBase) RunContinuous(ctx context.Context, opts ContinuousOptions) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		ok, err := j.RunOnce(ctx)
		if err != nil {
			j.Logger.Error(err, "job iteration failed")
		}
		if ok {
			continue
		}

		delay := opts.Interval
		if opts.Jitter > 0 {
			delay += time.Duration(rand.Int63n(int64(opts.Jitter)))
		}
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
