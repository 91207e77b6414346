package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/oliveiracleidson/distwork/core"
)

// TopicLockReleased is the bus topic a Provider publishes to whenever a
// release completes (including idempotent no-ops), and subscribes to in
// order to wake up waiters (spec §6).
const TopicLockReleased = "cache_lock_released"

const acquireSlowThreshold = 5 * time.Second

// Provider is the cache-backed mutual-exclusion Locker (C1). The lock is
// represented by a single cache key whose value is the holder's lock_id;
// acquisition is an AddIfAbsent, release/renew are CAS operations keyed
// on that lock_id (§4.1).
type Provider struct {
	cache      core.Cache
	bus        core.MessageBus
	clock      core.Clock
	metrics    core.Metrics
	logger     logr.Logger
	resilience core.ResilienceConfig

	wakeups *wakeupRegistry

	subMu      sync.Mutex
	subscribed bool
	sub        core.Subscription
}

// NewProvider wires a Provider against the given cache and bus. metrics
// and logger may be left zero-valued; a noop/discard default is used.
func NewProvider(cache core.Cache, bus core.MessageBus, opts ...Option) *Provider {
	p := &Provider{
		cache:      cache,
		bus:        bus,
		clock:      core.NewSystemClock(),
		metrics:    core.NewNoopMetrics(),
		logger:     logr.Discard(),
		resilience: core.DefaultResilienceConfig(),
		wakeups:    newWakeupRegistry(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Option configures a Provider. ThrottlingProvider does not embed
// Provider and takes ThrottleOption instead.
type Option func(*Provider)

func WithClock(c core.Clock) Option           { return func(p *Provider) { p.clock = c } }
func WithMetrics(m core.Metrics) Option       { return func(p *Provider) { p.metrics = m } }
func WithLogger(l logr.Logger) Option         { return func(p *Provider) { p.logger = l } }
func WithResilience(r core.ResilienceConfig) Option {
	return func(p *Provider) { p.resilience = r }
}

func cacheKey(resource string) string {
	return "lock:" + resource
}

func (p *Provider) ensureSubscribed(ctx context.Context) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if p.subscribed {
		return
	}
	sub, err := p.bus.Subscribe(ctx, TopicLockReleased, p.onReleased)
	if err != nil {
		p.logger.Error(err, "lock: failed to subscribe to release topic")
		return
	}
	p.sub = sub
	p.subscribed = true
}

// onReleased is the bus subscriber callback: it must never block (§5),
// it only flips the per-resource wake-up event.
func (p *Provider) onReleased(payload []byte) {
	var msg core.LockReleasedMessage
	if err := core.NewJSONSerializer().Unmarshal(payload, &msg); err != nil {
		return
	}
	p.wakeups.notify(msg.Resource)
}

func (p *Provider) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	start := p.clock.Now()
	key := cacheKey(resource)
	lockID := core.NewLockID()

	for {
		acquired, err := p.tryAdd(ctx, key, lockID, ttl)
		if err == nil && acquired {
			p.reportSlowAcquire(start)
			return &Lock{Resource: resource, LockID: lockID, ExpiresAt: expiryOf(p.clock, ttl)}, nil
		}
		// Cache errors during acquire are treated as "did not acquire"
		// (§4.1 Failure semantics); the loop continues under cancel.

		select {
		case <-ctx.Done():
			return nil, nil
		default:
		}

		p.ensureSubscribed(ctx)
		delay := p.nextDelay(ctx, key)

		wake, release := p.wakeups.acquire(resource)
		timer := p.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			release()
			timer.Stop()
			return nil, nil
		case <-wake:
			release()
			timer.Stop()
		case <-timer.Chan():
			release()
		}
		// Cancellation wins over a wake-up or timer that fired in the
		// same instant: no further cache op once ctx is done.
		if ctx.Err() != nil {
			return nil, nil
		}
	}
}

func (p *Provider) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	key := cacheKey(resource)
	lockID := core.NewLockID()
	acquired, err := p.tryAdd(ctx, key, lockID, ttl)
	if err != nil || !acquired {
		return nil, nil
	}
	return &Lock{Resource: resource, LockID: lockID, ExpiresAt: expiryOf(p.clock, ttl)}, nil
}

func (p *Provider) tryAdd(ctx context.Context, key, lockID string, ttl time.Duration) (bool, error) {
	return p.cache.AddIfAbsent(ctx, key, lockID, ttl)
}

// nextDelay computes the clamped retry delay from the key's current TTL
// (§4.1 "Why clamped"): 50ms floor prevents tight spins, 3s ceiling
// bounds tail latency when the bus misses a wake-up.
func (p *Provider) nextDelay(ctx context.Context, key string) time.Duration {
	remaining, ok, err := p.cache.GetExpiration(ctx, key)
	if err != nil || !ok {
		return minRetryDelay
	}
	return clampDelay(remaining)
}

func (p *Provider) reportSlowAcquire(start time.Time) {
	elapsed := p.clock.Now().Sub(start)
	p.metrics.Timer("lock.acquire").Record(elapsed)
	if elapsed > acquireSlowThreshold {
		p.metrics.Counter("lock.acquire.slow").Inc(1)
	}
}

func expiryOf(clock core.Clock, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return clock.Now().Add(ttl)
}

func (p *Provider) IsLocked(ctx context.Context, resource string) (bool, error) {
	return p.cache.Exists(ctx, cacheKey(resource))
}

// Release is idempotent: a holder calling Release twice, or after the
// TTL expired and another process reacquired, must not disturb the new
// holder (§4.1). The wake-up is published regardless of the CAS outcome.
func (p *Provider) Release(ctx context.Context, resource string, lockID string) error {
	key := cacheKey(resource)
	err := core.Retry(ctx, p.resilience, isTransient, func() error {
		_, err := p.cache.RemoveIfEqual(ctx, key, lockID)
		return err
	})
	p.publishReleased(ctx, resource, lockID)
	if err != nil {
		p.logger.Error(err, "lock: release failed after retries", "resource", resource)
		return err
	}
	return nil
}

func (p *Provider) publishReleased(ctx context.Context, resource, lockID string) {
	payload, merr := core.NewJSONSerializer().Marshal(core.LockReleasedMessage{Resource: resource, LockID: lockID})
	if merr != nil {
		return
	}
	if err := p.bus.Publish(ctx, TopicLockReleased, payload); err != nil {
		p.logger.Error(err, "lock: failed to publish release", "resource", resource)
	}
}

// Renew extends a held lock's TTL iff lockID is still the current
// holder; otherwise it is a no-op (spec's CAS discipline prevents a
// stale holder from tampering with a lock it no longer owns).
func (p *Provider) Renew(ctx context.Context, resource string, lockID string, extension time.Duration) error {
	key := cacheKey(resource)
	var ok bool
	err := core.Retry(ctx, p.resilience, isTransient, func() error {
		var rerr error
		ok, rerr = p.cache.ReplaceIfEqual(ctx, key, lockID, lockID, extension)
		return rerr
	})
	if err != nil {
		p.logger.Error(err, "lock: renew failed after retries", "resource", resource)
		return err
	}
	if !ok {
		return fmt.Errorf("%w: resource %q", core.ErrLockOwnershipMismatch, resource)
	}
	return nil
}

// isTransient treats every cache error as retryable; a Cache
// implementation signals permanent misconfiguration through panics or
// constructor-time validation, not operation errors.
func isTransient(error) bool { return true }
