package redisx

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/oliveiracleidson/distwork/core"
)

// Bus implements core.MessageBus over Redis's native Pub/Sub.
type Bus struct {
	client redis.UniversalClient
}

// NewBus wraps client as a core.MessageBus.
func NewBus(client redis.UniversalClient) *Bus {
	return &Bus{client: client}
}

func (b *Bus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.client.Publish(ctx, topic, payload).Err()
}

func (b *Bus) Subscribe(ctx context.Context, topic string, handler func([]byte)) (core.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, topic)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	ch := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			case <-done:
				return
			}
		}
	}()

	return &subscription{pubsub: pubsub, done: done}, nil
}

type subscription struct {
	pubsub *redis.PubSub
	done   chan struct{}
	once   sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

var _ core.MessageBus = (*Bus)(nil)
