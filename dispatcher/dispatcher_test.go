package dispatcher_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oliveiracleidson/distwork/backend/inmemory"
	"github.com/oliveiracleidson/distwork/core"
	"github.com/oliveiracleidson/distwork/dispatcher"
	"github.com/oliveiracleidson/distwork/queue"
)

type greetPayload struct {
	Name string `json:"name"`
}

func TestDispatcher_RoutesByTypeName(t *testing.T) {
	cache := inmemory.NewCache(nil)
	bus := inmemory.NewBus()
	q, err := queue.NewQueue("dispatch", cache, bus, nil)
	require.NoError(t, err)

	d := dispatcher.New(bus, core.NewJSONSerializer(), logr.Discard())

	var got string
	d.Register("greet", func(ctx *dispatcher.Context) error {
		var p greetPayload
		if err := ctx.GetData(&p); err != nil {
			return err
		}
		got = p.Name
		ctx.ReportProgress(100, "done")
		return nil
	})

	payload, err := core.NewJSONSerializer().Marshal(greetPayload{Name: "Ada"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), queue.WorkItem{TypeName: "greet", Payload: payload})
	require.NoError(t, err)

	entry, err := q.Dequeue(context.Background(), 0)
	require.NoError(t, err)
	require.NotNil(t, entry)

	require.NoError(t, d.Dispatch(context.Background(), entry))
	assert.Equal(t, "Ada", got)
}

func TestDispatcher_UnregisteredTypeErrors(t *testing.T) {
	bus := inmemory.NewBus()
	d := dispatcher.New(bus, nil, logr.Discard())

	entry := &queue.Entry{Item: queue.WorkItem{TypeName: "unknown"}}
	err := d.Dispatch(context.Background(), entry)
	assert.ErrorIs(t, err, dispatcher.ErrUnregisteredType)
}

func TestDispatcher_DrivesQueueWorker(t *testing.T) {
	cache := inmemory.NewCache(nil)
	bus := inmemory.NewBus()
	q, err := queue.NewQueue("dispatch-worker", cache, bus, nil)
	require.NoError(t, err)

	d := dispatcher.New(bus, core.NewJSONSerializer(), logr.Discard())
	processed := make(chan string, 1)
	d.Register("greet", func(ctx *dispatcher.Context) error {
		processed <- ctx.WorkItemID()
		return nil
	})

	id, err := q.Enqueue(context.Background(), queue.WorkItem{TypeName: "greet", Payload: []byte("{}")})
	require.NoError(t, err)

	w := queue.NewWorker(q, d.AsQueueHandler(), queue.WorkerConfig{WaitTimeout: 200 * time.Millisecond, Concurrency: 1}, logr.Discard())
	runCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() {
		w.Run(runCtx)
		close(done)
	}()

	select {
	case gotID := <-processed:
		assert.Equal(t, id, gotID)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
	cancel()
	<-done
}
