package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oliveiracleidson/distwork/core"
)

// The Cache contract exposes only single-key atomic primitives (spec §2 —
// no multi-key transactions, no native list ops), so each ordered bucket
// ("in", "work", "wait", "dead") lives as one JSON blob under one key and
// is mutated through an optimistic read-modify-CAS retry loop. This keeps
// every bucket move linearizable per key without asking the Cache
// contract for anything it doesn't already promise.

var errBucketConflict = errors.New("queue: bucket CAS conflict")

const mutateBucketMaxAttempts = 25

// workEntryRecord is the value stored in the "work" bucket map: a lease
// token and the last renewal deadline, keyed by work item ID.
type workEntryRecord struct {
	LeaseToken string    `json:"lease_token"`
	Item       WorkItem  `json:"item"`
	DequeuedAt time.Time `json:"dequeued_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// waitEntryRecord is the value stored in the "wait" bucket: an item held
// back until its retry delay elapses.
type waitEntryRecord struct {
	Item       WorkItem  `json:"item"`
	NotBefore  time.Time `json:"not_before"`
}

type inBucket struct {
	Items []WorkItem `json:"items"`
}

type workBucket struct {
	Entries map[string]workEntryRecord `json:"entries"`
}

type waitBucket struct {
	Entries []waitEntryRecord `json:"entries"`
}

type deadBucket struct {
	Items []WorkItem `json:"items"`
}

// mutateBucket loads the raw value at key (if any), runs mutate to
// compute the replacement, and CAS-writes it back, retrying from the top
// on a conflicting concurrent writer. mutate returning (nil, nil) deletes
// the key's prior involvement entirely is not supported here — callers
// return the unchanged raw value to signal "no-op".
func mutateBucket(ctx context.Context, cache core.Cache, key string, mutate func(raw []byte, exists bool) ([]byte, error)) error {
	for attempt := 0; attempt < mutateBucketMaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		current, exists, err := cache.Get(ctx, key)
		if err != nil {
			return err
		}

		var rawIn []byte
		if exists {
			rawIn = []byte(current)
		}

		rawOut, err := mutate(rawIn, exists)
		if err != nil {
			return err
		}

		if !exists {
			ok, err := cache.AddIfAbsent(ctx, key, string(rawOut), 0)
			if err != nil {
				return err
			}
			if ok {
				return nil
			}
			continue // someone else created it first; retry
		}

		ok, err := cache.ReplaceIfEqual(ctx, key, current, string(rawOut), 0)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		// lost the race; reload and retry
	}
	return errBucketConflict
}

func loadInBucket(ctx context.Context, cache core.Cache, key string) (inBucket, error) {
	var b inBucket
	raw, exists, err := cache.Get(ctx, key)
	if err != nil || !exists {
		return b, err
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return inBucket{}, err
	}
	return b, nil
}

func loadWorkBucket(ctx context.Context, cache core.Cache, key string) (workBucket, error) {
	b := workBucket{Entries: map[string]workEntryRecord{}}
	raw, exists, err := cache.Get(ctx, key)
	if err != nil || !exists {
		return b, err
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return workBucket{Entries: map[string]workEntryRecord{}}, err
	}
	if b.Entries == nil {
		b.Entries = map[string]workEntryRecord{}
	}
	return b, nil
}

func loadWaitBucket(ctx context.Context, cache core.Cache, key string) (waitBucket, error) {
	var b waitBucket
	raw, exists, err := cache.Get(ctx, key)
	if err != nil || !exists {
		return b, err
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return waitBucket{}, err
	}
	return b, nil
}

func loadDeadBucket(ctx context.Context, cache core.Cache, key string) (deadBucket, error) {
	var b deadBucket
	raw, exists, err := cache.Get(ctx, key)
	if err != nil || !exists {
		return b, err
	}
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return deadBucket{}, err
	}
	return b, nil
}
