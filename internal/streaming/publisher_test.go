package streaming

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

type memorySink struct {
	mu     sync.Mutex
	events []schema.ExecutionEvent
	last   map[string]int64
}

func newMemorySink() *memorySink {
	return &memorySink{last: make(map[string]int64)}
}

func (m *memorySink) AppendEvent(_ context.Context, ev *schema.ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *ev)
	m.last[ev.ExecutionID] = ev.Sequence
	return nil
}

func (m *memorySink) LastSequence(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last[id], nil
}

func (m *memorySink) types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

func TestPublisher_OrderedDeliveryAndPersistence(t *testing.T) {
	hub := NewMemoryHub()
	sink := newMemorySink()
	pub := NewPublisher(hub, sink, nil)
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{ExecutionID: "exec-1"})
	require.NoError(t, err)
	defer cancel()

	s, err := pub.Open(ctx, "exec-1")
	require.NoError(t, err)
	s.Emit(schema.EventExecutionStarted, nil)
	s.EmitStep(schema.EventStepStarted, 0, map[string]any{"agent_ref": "writer"})
	s.EmitStep(schema.EventOutputChunk, 0, map[string]any{"delta": "Hel"})
	s.EmitStep(schema.EventOutputChunk, 0, map[string]any{"delta": "lo"})
	s.EmitStep(schema.EventStepCompleted, 0, map[string]any{"output": "Hello"})
	s.Emit(schema.EventExecutionCompleted, nil)
	s.Close()

	var seqs []int64
	var types []string
	for range 6 {
		ev := recvEvent(t, ch)
		seqs = append(seqs, ev.Sequence)
		types = append(types, ev.Type)
	}
	assert.Equal(t, []int64{1, 2, 3, 4, 5, 6}, seqs)
	assert.Equal(t, []string{
		schema.EventExecutionStarted, schema.EventStepStarted, schema.EventOutputChunk,
		schema.EventOutputChunk, schema.EventStepCompleted, schema.EventExecutionCompleted,
	}, types)

	// Output chunks are live-only.
	assert.Equal(t, []string{
		schema.EventExecutionStarted, schema.EventStepStarted,
		schema.EventStepCompleted, schema.EventExecutionCompleted,
	}, sink.types())

	var payload map[string]string
	require.NoError(t, json.Unmarshal(sink.events[1].Payload, &payload))
	assert.Equal(t, "writer", payload["agent_ref"])
	require.NotNil(t, sink.events[1].StepIndex)
	assert.Equal(t, 0, *sink.events[1].StepIndex)
}

func TestPublisher_SequenceContinuesAfterReopen(t *testing.T) {
	sink := newMemorySink()
	pub := NewPublisher(NewMemoryHub(), sink, nil)
	ctx := context.Background()

	s, err := pub.Open(ctx, "exec-1")
	require.NoError(t, err)
	s.Emit(schema.EventExecutionStarted, nil)
	s.Emit(schema.EventExecutionFailed, nil)
	s.Close()

	s, err = pub.Open(ctx, "exec-1")
	require.NoError(t, err)
	s.Emit(schema.EventExecutionResumed, nil)
	s.Close()

	require.Len(t, sink.events, 3)
	assert.Equal(t, int64(3), sink.events[2].Sequence)
	assert.Equal(t, schema.EventExecutionResumed, sink.events[2].Type)
}

func TestPublisher_DuplicateOpenAndEmitAfterClose(t *testing.T) {
	sink := newMemorySink()
	pub := NewPublisher(nil, sink, nil)
	ctx := context.Background()

	s, err := pub.Open(ctx, "exec-1")
	require.NoError(t, err)
	_, err = pub.Open(ctx, "exec-1")
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	s.Close()
	s.Emit(schema.EventStepStarted, nil)
	s.Close()
	assert.Empty(t, sink.types())
}

func TestPublisher_ConcurrentEmitters(t *testing.T) {
	sink := newMemorySink()
	pub := NewPublisher(NewMemoryHub(), sink, nil)

	s, err := pub.Open(context.Background(), "exec-fan")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 25 {
				s.EmitStep(schema.EventStepRetrying, i, nil)
			}
		}()
	}
	wg.Wait()
	s.Close()

	require.Len(t, sink.events, 200)
	for i, ev := range sink.events {
		assert.Equal(t, int64(i+1), ev.Sequence)
	}
}
