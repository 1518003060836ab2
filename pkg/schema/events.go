package schema

// Event type constants for the execution event stream.
const (
	EventExecutionStarted     = "execution_started"
	EventExecutionResumed     = "execution_resumed"
	EventExecutionCompleted   = "execution_completed"
	EventExecutionFailed      = "execution_failed"
	EventExecutionRateLimited = "execution_rate_limited"
	EventExecutionCancelled   = "execution_cancelled"
	EventExecutionInterrupted = "execution_interrupted"

	EventStepStarted   = "step_started"
	EventOutputChunk   = "output_chunk"
	EventStepRetrying  = "step_retrying"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"

	EventCircuitOpen   = "circuit_open"
	EventCircuitClosed = "circuit_closed"
)

// IsTerminalEvent reports whether the event type ends an execution run.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventExecutionCompleted, EventExecutionFailed, EventExecutionRateLimited,
		EventExecutionCancelled, EventExecutionInterrupted:
		return true
	}
	return false
}

// IsEphemeralEvent reports whether an event is streamed live but never persisted.
func IsEphemeralEvent(eventType string) bool {
	return eventType == EventOutputChunk
}

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending     ExecutionStatus = "pending"
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusCompleted   ExecutionStatus = "completed"
	ExecutionStatusFailed      ExecutionStatus = "failed"
	ExecutionStatusRateLimited ExecutionStatus = "rate_limited"
	ExecutionStatusCancelled   ExecutionStatus = "cancelled"
)

// AllExecutionStatuses lists every status in display order.
var AllExecutionStatuses = []ExecutionStatus{
	ExecutionStatusCompleted,
	ExecutionStatusFailed,
	ExecutionStatusRunning,
	ExecutionStatusPending,
	ExecutionStatusRateLimited,
	ExecutionStatusCancelled,
}

// IsTerminal reports whether no further transitions are expected from s.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed,
		ExecutionStatusRateLimited, ExecutionStatusCancelled:
		return true
	}
	return false
}

// Resumable reports whether an execution in status s may be resumed in place.
func (s ExecutionStatus) Resumable() bool {
	return s == ExecutionStatusFailed || s == ExecutionStatusRateLimited
}

// Valid reports whether s is a known status.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case ExecutionStatusPending, ExecutionStatusRunning, ExecutionStatusCompleted,
		ExecutionStatusFailed, ExecutionStatusRateLimited, ExecutionStatusCancelled:
		return true
	}
	return false
}
