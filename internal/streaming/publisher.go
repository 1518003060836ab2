package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// EventSink persists lifecycle events for late subscribers.
type EventSink interface {
	AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error
	LastSequence(ctx context.Context, executionID string) (int64, error)
}

// Publisher hands out one ordered Stream per running execution.
type Publisher struct {
	hub    EventHub
	sink   EventSink
	logger *slog.Logger

	mu      sync.Mutex
	streams map[string]*Stream
}

// NewPublisher creates a Publisher. sink may be nil, in which case events are
// only delivered live.
func NewPublisher(hub EventHub, sink EventSink, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		hub:     hub,
		sink:    sink,
		logger:  logger,
		streams: make(map[string]*Stream),
	}
}

// Open starts a stream for executionID. Sequences continue after the last
// persisted event so a resumed execution keeps one monotonic sequence.
func (p *Publisher) Open(ctx context.Context, executionID string) (*Stream, error) {
	var last int64
	if p.sink != nil {
		var err error
		if last, err = p.sink.LastSequence(ctx, executionID); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore, "load last event sequence").WithCause(err)
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.streams[executionID]; exists {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "event stream for %q already open", executionID)
	}

	s := &Stream{
		executionID: executionID,
		seq:         last,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
		publisher:   p,
	}
	p.streams[executionID] = s
	go s.drain()
	return s, nil
}

func (p *Publisher) release(executionID string) {
	p.mu.Lock()
	delete(p.streams, executionID)
	p.mu.Unlock()
}

// Stream is the ordered event channel of one execution run. Emit never
// blocks the caller: events queue without bound and a single goroutine
// delivers them in sequence order.
type Stream struct {
	executionID string
	publisher   *Publisher

	mu     sync.Mutex
	queue  []schema.ExecutionEvent
	seq    int64
	closed bool

	notify chan struct{}
	done   chan struct{}
}

// Emit enqueues an execution-level event.
func (s *Stream) Emit(eventType string, payload any) {
	s.enqueue(eventType, nil, payload)
}

// EmitStep enqueues an event about one step.
func (s *Stream) EmitStep(eventType string, stepIndex int, payload any) {
	s.enqueue(eventType, &stepIndex, payload)
}

func (s *Stream) enqueue(eventType string, stepIndex *int, payload any) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			s.publisher.logger.Warn("drop event with unmarshalable payload",
				slog.String("execution_id", s.executionID), slog.String("event_type", eventType), slog.Any("error", err))
			return
		}
		raw = b
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.seq++
	s.queue = append(s.queue, schema.ExecutionEvent{
		ExecutionID: s.executionID,
		Sequence:    s.seq,
		Type:        eventType,
		StepIndex:   stepIndex,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Close stops accepting events and waits until every queued event has been
// delivered.
func (s *Stream) Close() {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()

	if !already {
		select {
		case s.notify <- struct{}{}:
		default:
		}
	}
	<-s.done
}

func (s *Stream) drain() {
	defer func() {
		s.publisher.release(s.executionID)
		close(s.done)
	}()

	ctx := context.Background()
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		closed := s.closed
		s.mu.Unlock()

		if len(batch) == 0 {
			if closed {
				return
			}
			<-s.notify
			continue
		}
		for i := range batch {
			s.deliver(ctx, &batch[i])
		}
	}
}

func (s *Stream) deliver(ctx context.Context, ev *schema.ExecutionEvent) {
	p := s.publisher
	if p.sink != nil && !schema.IsEphemeralEvent(ev.Type) {
		if err := p.sink.AppendEvent(ctx, ev); err != nil {
			p.logger.Warn("persist event failed",
				slog.String("execution_id", ev.ExecutionID),
				slog.Int64("sequence", ev.Sequence),
				slog.String("event_type", ev.Type),
				slog.Any("error", err))
		}
	}
	if p.hub != nil {
		_ = p.hub.Publish(ctx, *ev)
	}
}
