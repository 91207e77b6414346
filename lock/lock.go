// Package lock implements the distributed lock subsystem (spec §4.1–4.3):
// a cache-backed mutual-exclusion provider with pub/sub wake-ups
// (Provider), a counter-based rate limiter exposing the same interface
// (ThrottlingProvider), and a key-prefix decorator over either
// (ScopedProvider).
package lock

import (
	"context"
	"time"

	"github.com/oliveiracleidson/distwork/core"
)

// Lock represents a successfully acquired lease over a resource.
type Lock struct {
	Resource  string
	LockID    string
	ExpiresAt time.Time // zero means no TTL (held until explicit release)
}

// Locker is the contract shared by Provider, ThrottlingProvider and
// ScopedProvider (spec §4.1): acquire blocks until held or cancelled,
// returning nil (not an error) on cancellation.
type Locker interface {
	// Acquire blocks until resource is held or cancel fires. ttl <= 0
	// means no expiry. A nil, nil return means cancel fired first.
	Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error)

	// TryAcquire is Acquire with an already-expired wait: it returns
	// immediately, (nil, nil) if the resource is currently held by
	// someone else.
	TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error)

	IsLocked(ctx context.Context, resource string) (bool, error)

	// Release is a CAS-guarded no-op unless lockID is still the current
	// holder (§3 Lock Record invariant); always publishes the released
	// wake-up regardless.
	Release(ctx context.Context, resource string, lockID string) error

	// Renew extends a held lock's TTL; a no-op returning
	// core.ErrLockOwnershipMismatch if lockID no longer matches.
	Renew(ctx context.Context, resource string, lockID string, extension time.Duration) error
}

// DefaultTTL is the spec's default time_until_expires (§4.1).
const DefaultTTL = 20 * time.Minute

const (
	minRetryDelay = 50 * time.Millisecond
	maxRetryDelay = 3 * time.Second
)

func clampDelay(d time.Duration) time.Duration {
	if d < minRetryDelay {
		return minRetryDelay
	}
	if d > maxRetryDelay {
		return maxRetryDelay
	}
	return d
}
