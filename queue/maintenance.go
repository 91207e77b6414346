package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"

	"github.com/oliveiracleidson/distwork/core"
	"github.com/oliveiracleidson/distwork/lock"
)

const maintenanceLockTTLFactor = 2

// RunMaintenance holds the exclusive maintenance lock for this queue name
// and, on every tick of the configured maintenance period, sweeps the
// "work" bucket for expired leases (auto-abandoning them, spec §4.4's
// "auto-abandon on lease expiry") and promotes "wait" items whose delay
// has elapsed back into "in". It runs until ctx is cancelled or the lock
// is lost, so callers typically launch it in its own goroutine.
//
// locker is shared with the rest of the deployment so that only one
// process runs maintenance for a given queue name at a time; workers
// that never acquire it simply serve dequeues without sweeping.
func (q *Queue) RunMaintenance(ctx context.Context, locker lock.Locker) error {
	period := q.cfg.maintenancePeriod()
	lockTTL := period * maintenanceLockTTLFactor

	l, err := locker.Acquire(ctx, "queue:"+q.name+":maintenance", lockTTL)
	if err != nil {
		return err
	}
	if l == nil {
		return nil // context cancelled while waiting for the lock
	}
	defer func() {
		if err := locker.Release(context.Background(), l.Resource, l.LockID); err != nil {
			q.logger.V(1).Info("failed to release maintenance lock", "queue", q.name, "err", err.Error())
		}
	}()

	ticker := q.clock.NewTimer(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := locker.Renew(ctx, l.Resource, l.LockID, lockTTL); err != nil {
				return err
			}
			if err := q.sweepExpiredLeases(ctx); err != nil {
				q.logger.Error(err, "maintenance sweep of expired leases failed", "queue", q.name)
			}
			if err := q.promoteWaitingItems(ctx); err != nil {
				q.logger.Error(err, "maintenance promotion of waiting items failed", "queue", q.name)
			}
			ticker.Reset(period)
		}
	}
}

// sweepExpiredLeases finds work-bucket entries whose ExpiresAt has
// passed and abandons them on the owner's behalf, oldest first.
func (q *Queue) sweepExpiredLeases(ctx context.Context) error {
	wb, err := loadWorkBucket(ctx, q.cache, q.key("work"))
	if err != nil {
		return err
	}
	now := q.clock.Now()
	for _, id := range sortedWorkIDs(wb) {
		rec := wb.Entries[id]
		if rec.ExpiresAt.After(now) {
			break // sorted by ExpiresAt; nothing further has expired
		}
		entry := &Entry{LeaseToken: rec.LeaseToken, Item: rec.Item, DequeuedAt: rec.DequeuedAt, queue: q}
		if err := q.Abandon(ctx, entry, core.ErrLeaseLost); err != nil && err != core.ErrLeaseLost {
			return err
		}
		atomic.AddInt64(&q.timeouts, 1)
	}
	return nil
}

// promoteWaitingItems moves "wait" entries whose NotBefore has elapsed
// back into "in", preserving FIFO order among the promoted items.
func (q *Queue) promoteWaitingItems(ctx context.Context) error {
	now := q.clock.Now()
	var promoted []WorkItem

	err := mutateBucket(ctx, q.cache, q.key("wait"), func(raw []byte, exists bool) ([]byte, error) {
		var b waitBucket
		if exists {
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
		}
		remaining := b.Entries[:0]
		promoted = promoted[:0]
		for _, e := range b.Entries {
			if e.NotBefore.After(now) {
				remaining = append(remaining, e)
				continue
			}
			promoted = append(promoted, e.Item)
		}
		b.Entries = remaining
		return json.Marshal(&b)
	})
	if err != nil || len(promoted) == 0 {
		return err
	}

	return mutateBucket(ctx, q.cache, q.key("in"), func(raw []byte, exists bool) ([]byte, error) {
		var b inBucket
		if exists {
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
		}
		b.Items = append(b.Items, promoted...)
		return json.Marshal(&b)
	})
}
