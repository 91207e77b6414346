package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/oliveiracleidson/distwork/core"
)

// throttleGrace pads the cache key's TTL past the window boundary so a
// slightly-late Increment in the next window's first instant doesn't
// race against an expiring key from the tail of the previous one.
const throttleGrace = 50 * time.Millisecond

// ThrottlingProvider (C2) exposes the Locker interface but implements a
// counter-based rate limiter: up to MaxHits acquisitions succeed within
// a Period window; subsequent callers wait for the next window. Release
// and Renew are no-ops (spec §4.2).
type ThrottlingProvider struct {
	cache   core.Cache
	clock   core.Clock
	metrics core.Metrics
	logger  logr.Logger

	maxHits int
	period  time.Duration
}

// NewThrottlingProvider validates maxHits/period at construction time
// (spec §7: ConfigurationInvalid is fatal to the instance).
func NewThrottlingProvider(cache core.Cache, maxHits int, period time.Duration, opts ...ThrottleOption) (*ThrottlingProvider, error) {
	if maxHits <= 0 {
		return nil, fmt.Errorf("%w: max_hits_per_period must be > 0", core.ErrConfigurationInvalid)
	}
	if period <= 0 {
		return nil, fmt.Errorf("%w: throttling_period must be > 0", core.ErrConfigurationInvalid)
	}
	t := &ThrottlingProvider{
		cache:   cache,
		clock:   core.NewSystemClock(),
		metrics: core.NewNoopMetrics(),
		logger:  logr.Discard(),
		maxHits: maxHits,
		period:  period,
	}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

type ThrottleOption func(*ThrottlingProvider)

func WithThrottleClock(c core.Clock) ThrottleOption     { return func(t *ThrottlingProvider) { t.clock = c } }
func WithThrottleMetrics(m core.Metrics) ThrottleOption { return func(t *ThrottlingProvider) { t.metrics = m } }
func WithThrottleLogger(l logr.Logger) ThrottleOption   { return func(t *ThrottlingProvider) { t.logger = l } }

func (t *ThrottlingProvider) windowStart(now time.Time) time.Time {
	return now.Truncate(t.period)
}

func (t *ThrottlingProvider) throttleKey(resource string, window time.Time) string {
	return "lock:throttled:" + resource + ":" + strconv.FormatInt(window.UnixNano(), 10)
}

// Acquire increments the current window's hit counter and returns a
// permit if it is still within MaxHits; otherwise it sleeps until the
// next window boundary (bounded by ctx) and retries.
func (t *ThrottlingProvider) Acquire(ctx context.Context, resource string, _ time.Duration) (*Lock, error) {
	for {
		now := t.clock.Now()
		window := t.windowStart(now)
		key := t.throttleKey(resource, window)
		keyTTL := window.Add(t.period).Add(throttleGrace).Sub(now)

		count, err := t.cache.Increment(ctx, key, 1, keyTTL)
		if err == nil && count <= int64(t.maxHits) {
			return &Lock{Resource: resource, LockID: core.NewLockID(), ExpiresAt: window.Add(t.period)}, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}

		next := window.Add(t.period)
		delay := next.Sub(now)
		if delay <= 0 {
			delay = minRetryDelay
		}
		timer := t.clock.NewTimer(delay)
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

// TryAcquire is a single non-blocking attempt at the current window.
func (t *ThrottlingProvider) TryAcquire(ctx context.Context, resource string, _ time.Duration) (*Lock, error) {
	now := t.clock.Now()
	window := t.windowStart(now)
	key := t.throttleKey(resource, window)
	keyTTL := window.Add(t.period).Add(throttleGrace).Sub(now)

	count, err := t.cache.Increment(ctx, key, 1, keyTTL)
	if err != nil || count > int64(t.maxHits) {
		return nil, nil
	}
	return &Lock{Resource: resource, LockID: core.NewLockID(), ExpiresAt: window.Add(t.period)}, nil
}

// IsLocked reports whether the current window has already reached the
// limit, without consuming a permit.
func (t *ThrottlingProvider) IsLocked(ctx context.Context, resource string) (bool, error) {
	now := t.clock.Now()
	key := t.throttleKey(resource, t.windowStart(now))
	value, ok, err := t.cache.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	count, _ := strconv.ParseInt(value, 10, 64)
	return count >= int64(t.maxHits), nil
}

func (t *ThrottlingProvider) Release(context.Context, string, string) error { return nil }

func (t *ThrottlingProvider) Renew(context.Context, string, string, time.Duration) error { return nil }
