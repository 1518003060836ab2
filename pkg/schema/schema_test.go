package schema

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaestroError_Format(t *testing.T) {
	err := NewErrorf(ErrCodeStepFailed, "agent %s unavailable", "writer")
	assert.Equal(t, "[STEP_FAILED] agent writer unavailable", err.Error())

	err.WithStep(2)
	assert.Equal(t, "[STEP_FAILED] step 2: agent writer unavailable", err.Error())
}

func TestMaestroError_UnwrapAndCode(t *testing.T) {
	cause := errors.New("disk full")
	err := NewError(ErrCodeStore, "write step result").WithCause(cause)
	wrapped := fmt.Errorf("persist: %w", err)

	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, ErrCodeStore, ErrorCode(wrapped))
	assert.True(t, IsCode(wrapped, ErrCodeStore))
	assert.Equal(t, "", ErrorCode(cause))
}

func TestErrorKind_Retryable(t *testing.T) {
	assert.True(t, ErrorKindTransient.Retryable())
	assert.True(t, ErrorKindRateLimited.Retryable())
	assert.False(t, ErrorKindFatal.Retryable())
	assert.False(t, ErrorKindTimeout.Retryable())
	assert.False(t, ErrorKindCancelled.Retryable())
}

func TestExecutionStatus(t *testing.T) {
	for _, s := range AllExecutionStatuses {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, ExecutionStatus("paused").Valid())

	assert.False(t, ExecutionStatusPending.IsTerminal())
	assert.False(t, ExecutionStatusRunning.IsTerminal())
	assert.True(t, ExecutionStatusRateLimited.IsTerminal())

	assert.True(t, ExecutionStatusFailed.Resumable())
	assert.True(t, ExecutionStatusRateLimited.Resumable())
	assert.False(t, ExecutionStatusCompleted.Resumable())
	assert.False(t, ExecutionStatusCancelled.Resumable())
}

func TestTerminalEvents(t *testing.T) {
	assert.True(t, IsTerminalEvent(EventExecutionCompleted))
	assert.True(t, IsTerminalEvent(EventExecutionRateLimited))
	assert.False(t, IsTerminalEvent(EventStepFailed))
	assert.True(t, IsEphemeralEvent(EventOutputChunk))
	assert.False(t, IsEphemeralEvent(EventStepCompleted))
}

func TestPipeline_PeersAndSynthesizer(t *testing.T) {
	p := PipelineDefinition{
		Strategy: StrategyConsensus,
		Steps: []StepDefinition{
			{StepIndex: 0, Role: "Analyst"},
			{StepIndex: 1, Role: "Critic"},
			{StepIndex: 2, Role: "Judge"},
		},
	}
	require.Len(t, p.Peers(), 2)
	assert.Equal(t, "Judge", p.Synthesizer().Role)
	assert.True(t, p.Strategy.FanOut())
	assert.False(t, StrategySequential.FanOut())

	idx, ok := p.StepByRole("critic")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	_, ok = p.StepByRole("editor")
	assert.False(t, ok)
}

func TestExecution_FirstMissingStep(t *testing.T) {
	e := Execution{
		Pipeline: PipelineDefinition{Steps: make([]StepDefinition, 3)},
		StepResults: []StepResult{
			{StepIndex: 0, Output: "a"},
			{StepIndex: 2, Output: "c"},
		},
	}
	assert.Equal(t, 1, e.FirstMissingStep())

	r, ok := e.ResultFor(2)
	require.True(t, ok)
	assert.Equal(t, "c", r.Output)

	e.StepResults = append(e.StepResults, StepResult{StepIndex: 1})
	assert.Equal(t, 3, e.FirstMissingStep())
}
