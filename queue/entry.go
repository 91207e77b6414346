package queue

import (
	"context"
	"time"
)

// Complete is a convenience wrapper around Queue.Complete for callers
// holding only the Entry (message-passing style per §9's design notes —
// Entry captures its owning Queue rather than the Queue tracking a
// parent-pointer graph of outstanding entries).
func (e *Entry) Complete(ctx context.Context) error {
	return e.queue.Complete(ctx, e)
}

// Abandon is a convenience wrapper around Queue.Abandon.
func (e *Entry) Abandon(ctx context.Context, cause error) error {
	return e.queue.Abandon(ctx, e, cause)
}

// Renew is a convenience wrapper around Queue.Renew.
func (e *Entry) Renew(ctx context.Context, extension time.Duration) error {
	return e.queue.Renew(ctx, e, extension)
}
