package inmemory

import (
	"context"
	"sync"

	"github.com/oliveiracleidson/distwork/core"
)

// Bus is a process-local MessageBus: publish fans out asynchronously (in
// a goroutine per handler, without waiting for them) to every subscriber
// currently registered on the topic. Like any MessageBus, delivery is at-most-once — a
// subscriber that registers after Publish returns simply misses it.
type Bus struct {
	mu   sync.Mutex
	subs map[string]map[int]func(payload []byte)
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func(payload []byte))}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	handlers := make([]func([]byte), 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		go h(payload)
	}
	return nil
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (core.Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[int]func(payload []byte))
	}
	id := b.next
	b.next++
	b.subs[topic][id] = handler

	return unsubscribe{bus: b, topic: topic, id: id}, nil
}

type unsubscribe struct {
	bus   *Bus
	topic string
	id    int
}

func (u unsubscribe) Unsubscribe() {
	u.bus.mu.Lock()
	defer u.bus.mu.Unlock()
	if m := u.bus.subs[u.topic]; m != nil {
		delete(m, u.id)
		if len(m) == 0 {
			delete(u.bus.subs, u.topic)
		}
	}
}
