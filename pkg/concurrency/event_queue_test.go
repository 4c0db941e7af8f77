package concurrency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microsoft/perldbg/pkg/testutil"
)

const defaultEventQueueTestTimeout = 10 * time.Second

func TestEventQueueBuffersForSlowConsumer(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultEventQueueTestTimeout)
	defer cancel()

	q := NewEventQueue[int](ctx)
	const count = 1000
	for i := 0; i < count; i++ {
		require.True(t, q.Publish(i), "publishing should not wait for the consumer")
	}
	require.Eventually(t, func() bool { return q.Buffered() >= count-3 }, defaultEventQueueTestTimeout, 10*time.Millisecond)

	for i := 0; i < count; i++ {
		select {
		case ev := <-q.Events():
			require.Equal(t, i, ev, "events must be delivered in publishing order")
		case <-ctx.Done():
			require.Fail(t, "timed out reading events")
		}
	}
	require.Zero(t, q.Buffered())
}

func TestEventQueueDeliversPublishedEventsAfterClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultEventQueueTestTimeout)
	defer cancel()

	q := NewEventQueue[string](ctx)
	require.True(t, q.Publish("stopped"))
	require.True(t, q.Publish("closed"))
	q.Close()
	q.Close()
	require.False(t, q.Publish("late"), "publishing after close should be a no-op")

	var received []string
	for ev := range q.Events() {
		received = append(received, ev)
	}
	require.Equal(t, []string{"stopped", "closed"}, received)
}

func TestEventQueueConcurrentPublishAndClose(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultEventQueueTestTimeout)
	defer cancel()

	q := NewEventQueue[int](ctx)
	const publishers = 10
	done := make(chan struct{})
	for i := 0; i < publishers; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				q.Publish(i*100 + j)
			}
		}(i)
	}

	q.Close()
	for i := 0; i < publishers; i++ {
		select {
		case <-done:
		case <-ctx.Done():
			require.Fail(t, "publishers did not finish")
		}
	}

	// Drain whatever made it in before the close; the channel must end.
	for range q.Events() {
	}
}

func TestEventQueueStopsWhenContextIsCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	q := NewEventQueue[int](ctx)
	cancel()

	select {
	case _, isOpen := <-q.Events():
		if isOpen {
			// A value may not have been published, so only closure is expected here.
			require.Fail(t, "unexpected event")
		}
	case <-time.After(5 * time.Second):
		require.Fail(t, "event channel was not closed after context cancellation")
	}
	require.False(t, q.Publish(1))
}
