package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func recvEvent(t *testing.T, ch <-chan schema.ExecutionEvent) schema.ExecutionEvent {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "channel closed")
		return got
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return schema.ExecutionEvent{}
}

func assertNoEvent(t *testing.T, ch <-chan schema.ExecutionEvent) {
	t.Helper()
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event: %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishSubscribe(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	idx := 1
	event := schema.ExecutionEvent{
		ExecutionID: "exec-1",
		Sequence:    4,
		Type:        schema.EventStepCompleted,
		StepIndex:   &idx,
	}
	require.NoError(t, hub.Publish(ctx, event))

	got := recvEvent(t, ch)
	assert.Equal(t, "exec-1", got.ExecutionID)
	assert.Equal(t, int64(4), got.Sequence)
	assert.Equal(t, 1, *got.StepIndex)
}

func TestFilterByExecutionID(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "exec-1", Type: schema.EventStepStarted}))
	require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "exec-2", Type: schema.EventStepStarted}))

	assert.Equal(t, "exec-1", recvEvent(t, ch).ExecutionID)
	assertNoEvent(t, ch)
}

func TestFilterByEventType(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		EventTypes: []string{schema.EventStepCompleted, schema.EventExecutionFailed},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "e", Type: schema.EventStepCompleted}))
	require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "e", Type: schema.EventOutputChunk}))
	require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "e", Type: schema.EventExecutionFailed}))

	received := []string{recvEvent(t, ch).Type, recvEvent(t, ch).Type}
	assert.Equal(t, []string{schema.EventStepCompleted, schema.EventExecutionFailed}, received)
	assertNoEvent(t, ch)
}

func TestMultipleSubscribers(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch1, cancel1, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel1()
	ch2, cancel2, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel2()

	require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "exec-1", Type: schema.EventStepCompleted}))

	for _, ch := range []<-chan schema.ExecutionEvent{ch1, ch2} {
		assert.Equal(t, schema.EventStepCompleted, recvEvent(t, ch).Type)
	}
	assert.Equal(t, 2, hub.Subscribers())
}

func TestCancelSubscription(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)

	cancel()
	cancel() // idempotent

	require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "exec-1", Type: schema.EventStepCompleted}))

	_, ok := <-ch
	assert.False(t, ok, "channel is closed after cancel")
	assert.Equal(t, 0, hub.Subscribers())
}

func TestBackpressure(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// None of these may block.
	for i := 0; i < defaultChannelBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "exec-1", Type: schema.EventOutputChunk}))
	}

	drained := 0
	for {
		select {
		case <-ch:
			drained++
			continue
		default:
		}
		break
	}
	assert.Equal(t, defaultChannelBuffer, drained)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()
	const goroutines = 20
	const eventsPerGoroutine = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				_ = hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "exec-concurrent", Type: schema.EventOutputChunk})
			}
		}()
		go func() {
			defer wg.Done()
			ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
			if err != nil {
				return
			}
			for range 5 {
				select {
				case <-ch:
				case <-time.After(10 * time.Millisecond):
				}
			}
			cancel()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, hub.Subscribers())
}

func TestCancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, hub.Publish(ctx, schema.ExecutionEvent{ExecutionID: "exec-1"}), context.Canceled)
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	assert.ErrorIs(t, err, context.Canceled)
}
