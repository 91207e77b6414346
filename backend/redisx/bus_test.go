package redisx_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/backend/redisx"
)

func TestBus_PublishSubscribe(t *testing.T) {
	client := newTestClient(t)
	bus := redisx.NewBus(client)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := bus.Subscribe(ctx, "topic", func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "topic", []byte("hello")))

	select {
	case payload := <-received:
		assert.Equal(t, "hello", string(payload))
	case <-time.After(time.Second):
		t.Fatal("message never received")
	}
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	client := newTestClient(t)
	bus := redisx.NewBus(client)
	ctx := context.Background()

	received := make(chan []byte, 1)
	sub, err := bus.Subscribe(ctx, "topic", func(payload []byte) {
		received <- payload
	})
	require.NoError(t, err)
	sub.Unsubscribe()

	require.NoError(t, bus.Publish(ctx, "topic", []byte("ignored")))

	select {
	case <-received:
		t.Fatal("should not have received a message after unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}
