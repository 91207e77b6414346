package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

var errHandlerPanicked = errors.New("queue: handler panicked")

// HandlerFunc processes one leased work item. Returning nil completes
// the entry; a non-nil error abandons it (spec §4.5).
type HandlerFunc func(ctx context.Context, entry *Entry) error

// WorkerConfig tunes a Worker's polling and lease-renewal behavior.
type WorkerConfig struct {
	// WaitTimeout is passed to each Dequeue call.
	WaitTimeout time.Duration
	// Concurrency is the number of handler goroutines run in parallel.
	Concurrency int
	// AutoRenewInterval, if positive, renews a leased entry's lease on
	// this cadence for the duration of the handler call, extending by
	// the queue's WorkItemTimeout each time.
	AutoRenewInterval time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 5 * time.Second
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

// Worker repeatedly dequeues from a Queue and runs a HandlerFunc against
// each entry (spec §4.5, C5). When AutoRenewInterval is positive it
// renews the lease while the handler is in flight so a slow-but-alive
// worker is not mistaken for a dead one by the maintenance sweep; with
// the default of zero the lease is not renewed.
type Worker struct {
	queue   *Queue
	handler HandlerFunc
	cfg     WorkerConfig
	logger  logr.Logger
}

// NewWorker builds a Worker over q. logger may be the zero value, in
// which case logs are discarded.
func NewWorker(q *Queue, handler HandlerFunc, cfg WorkerConfig, logger logr.Logger) *Worker {
	return &Worker{queue: q, handler: handler, cfg: cfg.withDefaults(), logger: logger}
}

// Run drives Concurrency goroutines pulling from the queue until ctx is
// cancelled, then waits for in-flight handlers to finish.
func (w *Worker) Run(ctx context.Context) {
	done := make(chan struct{}, w.cfg.Concurrency)
	for i := 0; i < w.cfg.Concurrency; i++ {
		go func() {
			w.loop(ctx)
			done <- struct{}{}
		}()
	}
	for i := 0; i < w.cfg.Concurrency; i++ {
		<-done
	}
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		entry, err := w.queue.Dequeue(ctx, w.cfg.WaitTimeout)
		if err != nil {
			w.logger.Error(err, "dequeue failed", "queue", w.queue.Name())
			continue
		}
		if entry == nil {
			continue
		}
		w.process(ctx, entry)
	}
}

func (w *Worker) process(ctx context.Context, entry *Entry) {
	var stopRenew chan struct{}
	if w.cfg.AutoRenewInterval > 0 {
		stopRenew = make(chan struct{})
		go w.autoRenew(ctx, entry, stopRenew)
		defer close(stopRenew)
	}

	err := w.runHandler(ctx, entry)
	if err != nil {
		atomic.AddInt64(&w.queue.errors, 1)
		if aerr := entry.Abandon(context.Background(), err); aerr != nil {
			w.logger.Error(aerr, "abandon failed", "queue", w.queue.Name(), "item_id", entry.Item.ID)
		}
		return
	}
	if cerr := entry.Complete(context.Background()); cerr != nil {
		w.logger.Error(cerr, "complete failed", "queue", w.queue.Name(), "item_id", entry.Item.ID)
	}
}

func (w *Worker) runHandler(ctx context.Context, entry *Entry) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			w.logger.Error(nil, "handler panicked", "queue", w.queue.Name(), "item_id", entry.Item.ID, "recovered", rec)
			err = errHandlerPanicked
		}
	}()
	return w.handler(ctx, entry)
}

func (w *Worker) autoRenew(ctx context.Context, entry *Entry, stop <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.AutoRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := entry.Renew(ctx, w.queue.cfg.WorkItemTimeout); err != nil {
				w.logger.V(1).Info("auto-renew failed", "queue", w.queue.Name(), "item_id", entry.Item.ID, "err", err.Error())
				return
			}
		}
	}
}
