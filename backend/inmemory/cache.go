// Package inmemory provides process-local Cache and MessageBus
// implementations. No third-party library fits a process-local map
// better than sync.Mutex + stdlib time — this is the one backend where
// stdlib is the right tool (see DESIGN.md).
package inmemory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/oliveiracleidson/distwork/core"
)

type entry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Cache is a mutex-guarded map implementing core.Cache.
type Cache struct {
	mu    sync.Mutex
	clock core.Clock
	data  map[string]entry
}

func NewCache(clock core.Clock) *Cache {
	if clock == nil {
		clock = core.NewSystemClock()
	}
	return &Cache{clock: clock, data: make(map[string]entry)}
}

func expiresAt(clock core.Clock, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return clock.Now().Add(ttl)
}

func (c *Cache) getLocked(key string, now time.Time) (entry, bool) {
	e, ok := c.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(now) {
		delete(c.data, key)
		return entry{}, false
	}
	return e, true
}

func (c *Cache) AddIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	if _, ok := c.getLocked(key, now); ok {
		return false, nil
	}
	c.data[key] = entry{value: value, expiresAt: expiresAt(c.clock, ttl)}
	return true, nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.getLocked(key, c.clock.Now())
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (c *Cache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *Cache) RemoveIfEqual(ctx context.Context, key string, expected string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.getLocked(key, c.clock.Now())
	if !ok || e.value != expected {
		return false, nil
	}
	delete(c.data, key)
	return true, nil
}

func (c *Cache) ReplaceIfEqual(ctx context.Context, key string, expected string, newValue string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	e, ok := c.getLocked(key, now)
	if !ok || e.value != expected {
		return false, nil
	}
	newExpiry := e.expiresAt
	if ttl > 0 {
		newExpiry = now.Add(ttl)
	}
	c.data[key] = entry{value: newValue, expiresAt: newExpiry}
	return true, nil
}

func (c *Cache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	e, ok := c.getLocked(key, now)
	var current int64
	if ok {
		v, err := strconv.ParseInt(e.value, 10, 64)
		if err == nil {
			current = v
		}
	}
	next := current + delta
	expiry := e.expiresAt
	if ttl > 0 {
		expiry = now.Add(ttl)
	}
	c.data[key] = entry{value: strconv.FormatInt(next, 10), expiresAt: expiry}
	return next, nil
}

func (c *Cache) GetExpiration(ctx context.Context, key string) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	e, ok := c.getLocked(key, now)
	if !ok || e.expiresAt.IsZero() {
		return 0, false, nil
	}
	remaining := e.expiresAt.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true, nil
}

func (c *Cache) SetExpiration(ctx context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clock.Now()
	e, ok := c.getLocked(key, now)
	if !ok {
		return nil
	}
	e.expiresAt = expiresAt(c.clock, ttl)
	c.data[key] = e
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.getLocked(key, c.clock.Now())
	return ok, nil
}
