package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/oliveiracleidson/distwork/core"
)

// ErrEnqueueCancelled is returned when an "enqueuing" subscriber vetoes
// the enqueue (spec §4.4). A veto isn't a malformed entry, so it gets
// its own sentinel rather than riding on ErrInvalidEntryState.
var ErrEnqueueCancelled = errors.New("queue: enqueue cancelled by subscriber")

const dequeuePollInterval = 250 * time.Millisecond

// Queue is the cache-backed work queue state machine (spec §4.4, C4). It
// keeps four ordered buckets ("in", "work", "wait", "dead") as single
// JSON-blob cache keys mutated through optimistic CAS retries, the same
// shape the teacher's Provider uses for a single lock key, generalized
// to a handful of keys per queue name.
type Queue struct {
	name string

	cache core.Cache
	bus   core.MessageBus
	clock core.Clock

	metrics core.Metrics
	logger  logr.Logger

	cfg    *Config
	events *eventRegistry

	subscribed int32
	sub        core.Subscription

	enqueued     int64
	dequeued     int64
	completed    int64
	abandoned    int64
	errors       int64
	timeouts     int64
	deadlettered int64
}

// QueueOption configures a Queue at construction time.
type QueueOption func(*Queue)

func WithQueueClock(c core.Clock) QueueOption     { return func(q *Queue) { q.clock = c } }
func WithQueueMetrics(m core.Metrics) QueueOption { return func(q *Queue) { q.metrics = m } }
func WithQueueLogger(l logr.Logger) QueueOption   { return func(q *Queue) { q.logger = l } }

// NewQueue builds a Queue named name. cfg may be nil, in which case
// NewConfig()'s defaults apply.
func NewQueue(name string, cache core.Cache, bus core.MessageBus, cfg *Config, opts ...QueueOption) (*Queue, error) {
	if cfg == nil {
		cfg = NewConfig()
	} else {
		cfg = cfg.WithDefaults()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	q := &Queue{
		name:    name,
		cache:   cache,
		bus:     bus,
		clock:   core.NewSystemClock(),
		metrics: core.NewNoopMetrics(),
		logger:  logr.Discard(),
		cfg:     cfg,
		events:  newEventRegistry(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.events.onError = func(event string, recovered any) {
		q.logger.Error(fmt.Errorf("%v", recovered), "queue subscriber panicked", "event", event, "queue", q.name)
	}
	return q, nil
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) key(bucket string) string { return "queue:" + q.name + ":" + bucket }
func (q *Queue) topic() string            { return "queue:" + q.name + ":enqueued" }
func (q *Queue) uniqueKey(id string) string { return "queue:" + q.name + ":unique:" + id }

func (q *Queue) OnEnqueuing(fn func(EnqueuingEvent) bool)     { q.events.OnEnqueuing(fn) }
func (q *Queue) OnEnqueued(fn func(EnqueuedEvent))            { q.events.OnEnqueued(fn) }
func (q *Queue) OnDequeued(fn func(DequeuedEvent))            { q.events.OnDequeued(fn) }
func (q *Queue) OnLockRenewed(fn func(LockRenewedEvent))      { q.events.OnLockRenewed(fn) }
func (q *Queue) OnCompleted(fn func(CompletedEvent))          { q.events.OnCompleted(fn) }
func (q *Queue) OnAbandoned(fn func(AbandonedEvent))          { q.events.OnAbandoned(fn) }

// Enqueue appends item to the back of the "in" bucket, assigning an ID
// if unset and stamping EnqueuedAt with the current time (any value the
// caller set is overwritten). If item.UniqueID is set and has already been
// enqueued, Enqueue is idempotent: it returns the existing item's ID
// without enqueueing a duplicate.
func (q *Queue) Enqueue(ctx context.Context, item WorkItem) (string, error) {
	if item.ID == "" {
		item.ID = core.NewID()
	}
	item.EnqueuedAt = q.clock.Now()
	item.Attempts = 0

	if item.UniqueID != "" {
		ok, err := q.cache.AddIfAbsent(ctx, q.uniqueKey(item.UniqueID), item.ID, 0)
		if err != nil {
			atomic.AddInt64(&q.errors, 1)
			return "", err
		}
		if !ok {
			existing, found, err := q.cache.Get(ctx, q.uniqueKey(item.UniqueID))
			if err != nil {
				return "", err
			}
			if found {
				return existing, nil
			}
		}
	}

	// A vetoed or failed enqueue gives its UniqueID back, so a later
	// enqueue with the same UniqueID is not deduplicated against it.
	releaseUnique := func() {
		if item.UniqueID != "" {
			_, _ = q.cache.RemoveIfEqual(ctx, q.uniqueKey(item.UniqueID), item.ID)
		}
	}

	if !q.events.fireEnqueuing(EnqueuingEvent{Item: &item}) {
		releaseUnique()
		return "", ErrEnqueueCancelled
	}

	err := mutateBucket(ctx, q.cache, q.key("in"), func(raw []byte, exists bool) ([]byte, error) {
		var b inBucket
		if exists {
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
		}
		b.Items = append(b.Items, item)
		return json.Marshal(&b)
	})
	if err != nil {
		releaseUnique()
		atomic.AddInt64(&q.errors, 1)
		return "", err
	}

	atomic.AddInt64(&q.enqueued, 1)
	q.metrics.Counter("queue.enqueued", "queue", q.name).Inc(1)

	if payload, merr := json.Marshal(core.QueueEnqueuedMessage{QueueName: q.name}); merr == nil {
		if err := q.bus.Publish(ctx, q.topic(), payload); err != nil {
			q.logger.V(1).Info("failed to publish enqueue notification", "queue", q.name, "err", err.Error())
		}
	}
	q.events.fireEnqueued(EnqueuedEvent{Item: item})
	return item.ID, nil
}

func (q *Queue) ensureSubscribed(ctx context.Context) {
	if atomic.LoadInt32(&q.subscribed) == 1 {
		return
	}
	if !atomic.CompareAndSwapInt32(&q.subscribed, 0, 1) {
		return
	}
	sub, err := q.bus.Subscribe(ctx, q.topic(), func([]byte) {})
	if err != nil {
		atomic.StoreInt32(&q.subscribed, 0)
		q.logger.V(1).Info("failed to subscribe to queue topic", "queue", q.name, "err", err.Error())
		return
	}
	q.sub = sub
}

// Dequeue pops the oldest "in" item and leases it, blocking up to
// waitTimeout for an item to arrive if the queue is currently empty. A
// waitTimeout of zero returns immediately (nil, nil) if nothing is
// pending. The first poll runs even when ctx is already cancelled, so a
// cancelled Dequeue still takes one ready item before returning.
func (q *Queue) Dequeue(ctx context.Context, waitTimeout time.Duration) (*Entry, error) {
	deadline := q.clock.Now().Add(waitTimeout)
	pollCtx := context.WithoutCancel(ctx)
	for {
		entry, found, err := q.tryDequeueOnce(pollCtx)
		pollCtx = ctx
		if err != nil {
			atomic.AddInt64(&q.errors, 1)
			return nil, err
		}
		if found {
			atomic.AddInt64(&q.dequeued, 1)
			q.metrics.Counter("queue.dequeued", "queue", q.name).Inc(1)
			q.events.fireDequeued(DequeuedEvent{Entry: entry})
			return entry, nil
		}

		if waitTimeout <= 0 {
			return nil, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil
		}
		remaining := deadline.Sub(q.clock.Now())
		if remaining <= 0 {
			return nil, nil
		}

		q.ensureSubscribed(ctx)
		wait := dequeuePollInterval
		if remaining < wait {
			wait = remaining
		}
		timer := q.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.Chan():
		}
		if ctx.Err() != nil {
			return nil, nil
		}
	}
}

func (q *Queue) tryDequeueOnce(ctx context.Context) (*Entry, bool, error) {
	var popped WorkItem
	var found bool

	err := mutateBucket(ctx, q.cache, q.key("in"), func(raw []byte, exists bool) ([]byte, error) {
		var b inBucket
		if exists {
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
		}
		if len(b.Items) == 0 {
			found = false
			return json.Marshal(&b)
		}
		found = true
		popped = b.Items[0]
		b.Items = b.Items[1:]
		return json.Marshal(&b)
	})
	if err != nil || !found {
		return nil, false, err
	}

	popped.Attempts++
	leaseToken := core.NewID()
	now := q.clock.Now()
	rec := workEntryRecord{
		LeaseToken: leaseToken,
		Item:       popped,
		DequeuedAt: now,
		ExpiresAt:  now.Add(q.cfg.WorkItemTimeout),
	}

	err = mutateBucket(ctx, q.cache, q.key("work"), func(raw []byte, exists bool) ([]byte, error) {
		var wb workBucket
		if exists {
			if err := json.Unmarshal(raw, &wb); err != nil {
				return nil, err
			}
		}
		if wb.Entries == nil {
			wb.Entries = map[string]workEntryRecord{}
		}
		wb.Entries[popped.ID] = rec
		return json.Marshal(&wb)
	})
	if err != nil {
		q.logger.Error(err, "dequeued item failed to record lease; item is orphaned from \"in\" bucket", "queue", q.name, "item_id", popped.ID)
		return nil, false, err
	}

	return &Entry{LeaseToken: leaseToken, Item: popped, DequeuedAt: now, queue: q}, true, nil
}

// Renew extends entry's lease by extension from now.
func (q *Queue) Renew(ctx context.Context, entry *Entry, extension time.Duration) error {
	if entry.terminated {
		return core.ErrInvalidEntryState
	}
	newExpiry := q.clock.Now().Add(extension)
	err := mutateBucket(ctx, q.cache, q.key("work"), func(raw []byte, exists bool) ([]byte, error) {
		wb, err := unmarshalWork(raw, exists)
		if err != nil {
			return nil, err
		}
		rec, ok := wb.Entries[entry.Item.ID]
		if !ok || rec.LeaseToken != entry.LeaseToken {
			return nil, core.ErrLeaseLost
		}
		rec.ExpiresAt = newExpiry
		wb.Entries[entry.Item.ID] = rec
		return json.Marshal(&wb)
	})
	if err != nil {
		return err
	}
	q.events.fireLockRenewed(LockRenewedEvent{Entry: entry})
	return nil
}

// Complete marks entry done and removes it from the "work" bucket.
func (q *Queue) Complete(ctx context.Context, entry *Entry) error {
	if entry.terminated {
		return core.ErrInvalidEntryState
	}
	err := mutateBucket(ctx, q.cache, q.key("work"), func(raw []byte, exists bool) ([]byte, error) {
		wb, err := unmarshalWork(raw, exists)
		if err != nil {
			return nil, err
		}
		rec, ok := wb.Entries[entry.Item.ID]
		if !ok || rec.LeaseToken != entry.LeaseToken {
			return nil, core.ErrLeaseLost
		}
		delete(wb.Entries, entry.Item.ID)
		return json.Marshal(&wb)
	})
	if err != nil {
		return err
	}
	entry.terminated = true
	atomic.AddInt64(&q.completed, 1)
	q.metrics.Counter("queue.completed", "queue", q.name).Inc(1)
	q.events.fireCompleted(CompletedEvent{Entry: entry})
	return nil
}

// Abandon releases entry's lease early. If the item has exhausted its
// retry budget it is moved to the dead-letter bucket (trimming the
// oldest entry if DeadLetterMaxItems is exceeded); otherwise it is
// returned to the "in" bucket, after RetryDelay if configured.
func (q *Queue) Abandon(ctx context.Context, entry *Entry, cause error) error {
	if entry.terminated {
		return core.ErrInvalidEntryState
	}

	var popped WorkItem
	err := mutateBucket(ctx, q.cache, q.key("work"), func(raw []byte, exists bool) ([]byte, error) {
		wb, err := unmarshalWork(raw, exists)
		if err != nil {
			return nil, err
		}
		rec, ok := wb.Entries[entry.Item.ID]
		if !ok || rec.LeaseToken != entry.LeaseToken {
			return nil, core.ErrLeaseLost
		}
		popped = rec.Item
		delete(wb.Entries, entry.Item.ID)
		return json.Marshal(&wb)
	})
	if err != nil {
		return err
	}
	entry.terminated = true

	isDead := popped.Attempts > q.cfg.Retries
	if isDead {
		if err := q.moveToDeadLetter(ctx, popped); err != nil {
			return err
		}
		atomic.AddInt64(&q.deadlettered, 1)
		q.metrics.Counter("queue.deadletter", "queue", q.name).Inc(1)
	} else if q.cfg.RetryDelay > 0 {
		if err := q.moveToWait(ctx, popped); err != nil {
			return err
		}
	} else {
		if err := mutateBucket(ctx, q.cache, q.key("in"), func(raw []byte, exists bool) ([]byte, error) {
			var b inBucket
			if exists {
				if err := json.Unmarshal(raw, &b); err != nil {
					return nil, err
				}
			}
			b.Items = append(b.Items, popped)
			return json.Marshal(&b)
		}); err != nil {
			return err
		}
	}

	atomic.AddInt64(&q.abandoned, 1)
	q.metrics.Counter("queue.abandoned", "queue", q.name).Inc(1)
	q.events.fireAbandoned(AbandonedEvent{Entry: entry, IsDeadLetter: isDead})
	return nil
}

func (q *Queue) moveToWait(ctx context.Context, item WorkItem) error {
	return mutateBucket(ctx, q.cache, q.key("wait"), func(raw []byte, exists bool) ([]byte, error) {
		var b waitBucket
		if exists {
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
		}
		b.Entries = append(b.Entries, waitEntryRecord{Item: item, NotBefore: q.clock.Now().Add(q.cfg.RetryDelay)})
		return json.Marshal(&b)
	})
}

func (q *Queue) moveToDeadLetter(ctx context.Context, item WorkItem) error {
	return mutateBucket(ctx, q.cache, q.key("dead"), func(raw []byte, exists bool) ([]byte, error) {
		var b deadBucket
		if exists {
			if err := json.Unmarshal(raw, &b); err != nil {
				return nil, err
			}
		}
		b.Items = append(b.Items, item)
		if len(b.Items) > q.cfg.DeadLetterMaxItems {
			b.Items = b.Items[len(b.Items)-q.cfg.DeadLetterMaxItems:]
		}
		return json.Marshal(&b)
	})
}

// GetQueueStats returns the monotonic counters plus a fresh snapshot of
// the instantaneous gauges.
func (q *Queue) GetQueueStats(ctx context.Context) (Stats, error) {
	in, err := loadInBucket(ctx, q.cache, q.key("in"))
	if err != nil {
		return Stats{}, err
	}
	wait, err := loadWaitBucket(ctx, q.cache, q.key("wait"))
	if err != nil {
		return Stats{}, err
	}
	work, err := loadWorkBucket(ctx, q.cache, q.key("work"))
	if err != nil {
		return Stats{}, err
	}

	var oldestAge float64
	if len(in.Items) > 0 {
		oldestAge = q.clock.Now().Sub(in.Items[0].EnqueuedAt).Seconds()
	}

	return Stats{
		Enqueued:                       atomic.LoadInt64(&q.enqueued),
		Dequeued:                       atomic.LoadInt64(&q.dequeued),
		Completed:                      atomic.LoadInt64(&q.completed),
		Abandoned:                      atomic.LoadInt64(&q.abandoned),
		Errors:                         atomic.LoadInt64(&q.errors),
		Timeouts:                       atomic.LoadInt64(&q.timeouts),
		Deadletter:                     atomic.LoadInt64(&q.deadlettered),
		Queued:                         int64(len(in.Items) + len(wait.Entries)),
		Working:                        int64(len(work.Entries)),
		AgeOfOldestPendingEntrySeconds: oldestAge,
	}, nil
}

// GetDeadletterItems returns a page of dead-lettered items, oldest
// first.
func (q *Queue) GetDeadletterItems(ctx context.Context, offset, limit int) ([]WorkItem, error) {
	b, err := loadDeadBucket(ctx, q.cache, q.key("dead"))
	if err != nil {
		return nil, err
	}
	if offset >= len(b.Items) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(b.Items) {
		end = len(b.Items)
	}
	out := make([]WorkItem, end-offset)
	copy(out, b.Items[offset:end])
	return out, nil
}

// DeleteQueue removes every bucket key belonging to this queue. It does
// not stop a running maintenance loop or worker.
func (q *Queue) DeleteQueue(ctx context.Context) error {
	for _, bucket := range []string{"in", "work", "wait", "dead"} {
		if err := q.cache.Remove(ctx, q.key(bucket)); err != nil {
			return err
		}
	}
	if q.sub != nil {
		q.sub.Unsubscribe()
	}
	return nil
}

func unmarshalWork(raw []byte, exists bool) (workBucket, error) {
	wb := workBucket{Entries: map[string]workEntryRecord{}}
	if exists {
		if err := json.Unmarshal(raw, &wb); err != nil {
			return workBucket{}, err
		}
	}
	if wb.Entries == nil {
		wb.Entries = map[string]workEntryRecord{}
	}
	return wb, nil
}

// sortedWorkIDs returns work-bucket item IDs in ExpiresAt order, oldest
// first, for maintenance's linear lease scan.
func sortedWorkIDs(wb workBucket) []string {
	ids := make([]string, 0, len(wb.Entries))
	for id := range wb.Entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return wb.Entries[ids[i]].ExpiresAt.Before(wb.Entries[ids[j]].ExpiresAt)
	})
	return ids
}
