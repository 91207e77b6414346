// Package dispatcher implements the work-item dispatcher (spec §4.7,
// C7): a specialization of the queue whose entries carry a type_name tag
// alongside an opaque payload, routed to a registry of per-type handler
// closures (spec §9's "dynamic dispatch of handlers" design note).
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/oliveiracleidson/distwork/core"
	"github.com/oliveiracleidson/distwork/queue"
)

// ErrUnregisteredType is returned (and the entry abandoned) when an
// entry's TypeName has no registered handler.
var ErrUnregisteredType = fmt.Errorf("dispatcher: no handler registered for type")

const statusTopic = "work_item_status"

// HandlerFunc processes one dispatched entry via its Context.
type HandlerFunc func(ctx *Context) error

// Context is what a HandlerFunc receives: the underlying cancellable
// context, the entry being processed, and progress reporting.
type Context struct {
	context.Context
	entry      *queue.Entry
	bus        core.MessageBus
	serializer core.Serializer
	logger     logr.Logger
}

// WorkItemID is the opaque id of the envelope being processed.
func (c *Context) WorkItemID() string { return c.entry.Item.ID }

// Attempts is the 1-based attempt count for this entry.
func (c *Context) Attempts() int { return c.entry.Item.Attempts }

// CorrelationID is the opaque id carried across retries, if any.
func (c *Context) CorrelationID() string { return c.entry.Item.CorrelationID }

// GetData deserializes the entry's payload into v.
func (c *Context) GetData(v any) error {
	return c.serializer.Unmarshal(c.entry.Item.Payload, v)
}

// ReportProgress publishes a work_item_status message on the side
// channel topic. Publish failures are logged, not returned: progress
// reporting must never fail the handler.
func (c *Context) ReportProgress(percent int, message string) {
	payload, err := json.Marshal(core.WorkItemStatusMessage{
		WorkItemID: c.entry.Item.ID,
		Progress:   percent,
		Message:    message,
	})
	if err != nil {
		c.logger.Error(err, "failed to marshal progress message", "item_id", c.entry.Item.ID)
		return
	}
	if err := c.bus.Publish(c.Context, statusTopic, payload); err != nil {
		c.logger.V(1).Info("failed to publish progress message", "item_id", c.entry.Item.ID, "err", err.Error())
	}
}

// Dispatcher routes queue entries to a registry of handlers keyed by
// WorkItem.TypeName.
type Dispatcher struct {
	bus        core.MessageBus
	serializer core.Serializer
	logger     logr.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// New builds a Dispatcher. serializer may be nil, defaulting to JSON.
func New(bus core.MessageBus, serializer core.Serializer, logger logr.Logger) *Dispatcher {
	if serializer == nil {
		serializer = core.NewJSONSerializer()
	}
	return &Dispatcher{
		bus:        bus,
		serializer: serializer,
		logger:     logger,
		handlers:   map[string]HandlerFunc{},
	}
}

// Register binds typeName to handler. Registering the same typeName
// twice replaces the previous handler.
func (d *Dispatcher) Register(typeName string, handler HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[typeName] = handler
}

func (d *Dispatcher) lookup(typeName string) (HandlerFunc, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	h, ok := d.handlers[typeName]
	return h, ok
}

// Dispatch looks up entry.Item.TypeName's handler and invokes it,
// returning ErrUnregisteredType if none is registered.
func (d *Dispatcher) Dispatch(ctx context.Context, entry *queue.Entry) error {
	handler, ok := d.lookup(entry.Item.TypeName)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnregisteredType, entry.Item.TypeName)
	}
	dctx := &Context{Context: ctx, entry: entry, bus: d.bus, serializer: d.serializer, logger: d.logger}
	return handler(dctx)
}

// AsQueueHandler adapts Dispatch to queue.HandlerFunc, so a Dispatcher
// can drive a queue.Worker directly.
func (d *Dispatcher) AsQueueHandler() queue.HandlerFunc {
	return func(ctx context.Context, entry *queue.Entry) error {
		return d.Dispatch(ctx, entry)
	}
}
