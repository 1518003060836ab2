package schema

import (
	"encoding/json"
	"time"
)

// Execution is one run of a pipeline against a caller-supplied input.
type Execution struct {
	ID                string             `json:"id"`
	PipelineID        string             `json:"pipeline_id"`
	Pipeline          PipelineDefinition `json:"pipeline"`
	Status            ExecutionStatus    `json:"status"`
	Input             json.RawMessage    `json:"input"`
	Output            string             `json:"output,omitempty"`
	Error             string             `json:"error,omitempty"`
	SourceExecutionID string             `json:"source_execution_id,omitempty"`
	StartFromStep     int                `json:"start_from_step,omitempty"`
	StepResults       []StepResult       `json:"step_results"`
	StepFailures      []StepFailure      `json:"step_failures,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	StartedAt         *time.Time         `json:"started_at,omitempty"`
	CompletedAt       *time.Time         `json:"completed_at,omitempty"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// StepResult is the persisted outcome of one successful step.
type StepResult struct {
	StepIndex   int       `json:"step_index"`
	AgentRef    string    `json:"agent_ref"`
	Role        string    `json:"role"`
	Input       string    `json:"input"`
	Output      string    `json:"output"`
	Model       string    `json:"model,omitempty"`
	TokensUsed  int       `json:"tokens_used"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// StepFailure records the terminal failure of a step.
type StepFailure struct {
	StepIndex   int       `json:"step_index"`
	AgentRef    string    `json:"agent_ref"`
	Role        string    `json:"role"`
	ErrorKind   ErrorKind `json:"error_kind"`
	Error       string    `json:"error"`
	Attempt     int       `json:"attempt"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// ResultFor returns the StepResult recorded for index, if any.
func (e *Execution) ResultFor(index int) (StepResult, bool) {
	for _, r := range e.StepResults {
		if r.StepIndex == index {
			return r, true
		}
	}
	return StepResult{}, false
}

// FirstMissingStep returns the lowest step index without a StepResult.
// It returns len(steps) when every step has a result.
func (e *Execution) FirstMissingStep() int {
	have := make(map[int]bool, len(e.StepResults))
	for _, r := range e.StepResults {
		have[r.StepIndex] = true
	}
	for i := range e.Pipeline.Steps {
		if !have[i] {
			return i
		}
	}
	return len(e.Pipeline.Steps)
}

// ExecutionEvent is a sequenced progress event for one execution.
type ExecutionEvent struct {
	ExecutionID string          `json:"execution_id"`
	Sequence    int64           `json:"sequence"`
	Type        string          `json:"type"`
	StepIndex   *int            `json:"step_index,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
