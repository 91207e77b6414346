package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oliveiracleidson/distwork/core"
)

// ScopedProvider (C3) prefixes every resource name with "scope:" and
// forwards to an underlying Locker. The scope is set once; changing it
// after first use fails loudly (spec §4.3).
type ScopedProvider struct {
	underlying Locker

	mu    sync.Mutex
	scope string
	used  bool
}

func NewScopedProvider(underlying Locker, scope string) *ScopedProvider {
	return &ScopedProvider{underlying: underlying, scope: scope}
}

// errScopeImmutable is the value SetScope panics with once the provider has
// already resolved at least one resource name under its current scope.
var errScopeImmutable = fmt.Errorf("%w: scope is immutable after first use", core.ErrConfigurationInvalid)

// SetScope changes the prefix before first use; it panics to match
// "fails loudly" (§4.3) once the provider has already scoped a call,
// since a silently-changing scope would make already-issued locks
// impossible to reason about.
func (s *ScopedProvider) SetScope(scope string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.used {
		panic(errScopeImmutable)
	}
	s.scope = scope
}

func (s *ScopedProvider) scopedResource(resource string) string {
	s.mu.Lock()
	s.used = true
	scope := s.scope
	s.mu.Unlock()
	return scope + ":" + resource
}

func (s *ScopedProvider) Acquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	l, err := s.underlying.Acquire(ctx, s.scopedResource(resource), ttl)
	return unscope(l, s.scope), err
}

func (s *ScopedProvider) TryAcquire(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	l, err := s.underlying.TryAcquire(ctx, s.scopedResource(resource), ttl)
	return unscope(l, s.scope), err
}

func (s *ScopedProvider) IsLocked(ctx context.Context, resource string) (bool, error) {
	return s.underlying.IsLocked(ctx, s.scopedResource(resource))
}

func (s *ScopedProvider) Release(ctx context.Context, resource string, lockID string) error {
	return s.underlying.Release(ctx, s.scopedResource(resource), lockID)
}

func (s *ScopedProvider) Renew(ctx context.Context, resource string, lockID string, extension time.Duration) error {
	return s.underlying.Renew(ctx, s.scopedResource(resource), lockID, extension)
}

// unscope strips the scope prefix back off the returned Lock's Resource
// so callers see the name they passed in, not the internal key.
func unscope(l *Lock, scope string) *Lock {
	if l == nil {
		return nil
	}
	prefix := scope + ":"
	if len(l.Resource) >= len(prefix) && l.Resource[:len(prefix)] == prefix {
		l.Resource = l.Resource[len(prefix):]
	}
	return l
}
