package lock

import "sync"

// wakeupRegistry holds a reference-counted, auto-reset wake-up channel
// per resource (§5: "the per-resource wake-up event map"). It is
// instance-scoped on Provider, never a package-level singleton (§9
// Design Notes: "avoid singletons").
type wakeupRegistry struct {
	mu   sync.Mutex
	subs map[string]*wakeupEntry
}

type wakeupEntry struct {
	ch       chan struct{}
	refcount int
}

func newWakeupRegistry() *wakeupRegistry {
	return &wakeupRegistry{subs: make(map[string]*wakeupEntry)}
}

// acquire registers interest in resource's wake-up and returns the
// channel to select on plus a release func the caller must call exactly
// once when it stops waiting (last releaser removes the map entry, per
// §5).
func (r *wakeupRegistry) acquire(resource string) (ch <-chan struct{}, release func()) {
	r.mu.Lock()
	e, ok := r.subs[resource]
	if !ok {
		e = &wakeupEntry{ch: make(chan struct{}, 1)}
		r.subs[resource] = e
	}
	e.refcount++
	r.mu.Unlock()

	return e.ch, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		e.refcount--
		if e.refcount <= 0 {
			delete(r.subs, resource)
		}
	}
}

// notify wakes one current waiter on resource (auto-reset: the waiters
// share one channel, so the others keep waiting on their timers). It is
// a non-blocking send into a buffered-1 channel: callers inside a
// subscriber callback
// never block (§5: "Lock holders never block inside the subscriber
// callback; the callback only sets an event").
func (r *wakeupRegistry) notify(resource string) {
	r.mu.Lock()
	e, ok := r.subs[resource]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case e.ch <- struct{}{}:
	default:
	}
}
