package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ResilienceConfig bounds the retry policy applied around cache/bus I/O
// (§7: BackingStoreTransient is retried a bounded number of times with
// exponential backoff and then surfaced as ErrBackingStoreFailure).
type ResilienceConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultResilienceConfig mirrors the teacher's RetryStrategy defaults: a
// handful of attempts with capped exponential growth.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		MaxRetries:     5,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     3 * time.Second,
	}
}

// Retry runs fn under an exponential backoff policy, retrying unless
// isTransient returns false for the error fn produced. It gives up either
// when ctx is cancelled or MaxRetries is exhausted, surfacing
// ErrBackingStoreFailure wrapping the last error.
func Retry(ctx context.Context, cfg ResilienceConfig, isTransient func(error) bool, fn func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialBackoff
	b.MaxInterval = cfg.MaxBackoff
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, uint64(cfg.MaxRetries)), ctx)

	var lastErr error
	op := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if isTransient != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(op, bctx); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		return fmt.Errorf("%w: %v", ErrBackingStoreFailure, lastErr)
	}
	return nil
}
