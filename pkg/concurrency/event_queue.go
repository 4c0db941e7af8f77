package concurrency

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"
)

// EventQueue delivers events in publishing order without ever making publishers wait for the consumer.
// Events that the consumer has not picked up yet are buffered without limit.
//
// Publishing after Close is a no-op, so publishers may safely outlive the consumer's interest.
// Cancelling the context stops delivery and closes the Events channel.
type EventQueue[T any] struct {
	lock   *sync.Mutex
	ch     *chanx.UnboundedChan[T]
	ctx    context.Context
	closed bool
}

// NewEventQueue creates a queue whose delivery stops when ctx is cancelled.
func NewEventQueue[T any](ctx context.Context) *EventQueue[T] {
	return &EventQueue[T]{
		lock: &sync.Mutex{},
		ch:   chanx.NewUnboundedChan[T](ctx, 1),
		ctx:  ctx,
	}
}

// Publish queues the event. It returns false if the queue was closed or its context is done.
func (q *EventQueue[T]) Publish(ev T) bool {
	q.lock.Lock()
	defer q.lock.Unlock()

	if q.closed || q.ctx.Err() != nil {
		return false
	}
	select {
	case q.ch.In <- ev:
		return true
	case <-q.ctx.Done():
		return false
	}
}

// Close stops accepting new events. Events already published are still delivered,
// after which the Events channel is closed.
func (q *EventQueue[T]) Close() {
	q.lock.Lock()
	defer q.lock.Unlock()

	if !q.closed {
		q.closed = true
		close(q.ch.In)
	}
}

func (q *EventQueue[T]) Events() <-chan T {
	return q.ch.Out
}

// Buffered returns the number of events waiting for the consumer beyond the channel capacity. The value is approximate.
func (q *EventQueue[T]) Buffered() int64 {
	return int64(q.ch.BufLen())
}
