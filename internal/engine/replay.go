package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/rendis/maestro/pkg/schema"
)

// Resume re-runs a failed or rate_limited execution under the same id.
// Results and failures at or after the resume step are cleared by the same
// store write that reopens the execution.
func (e *engineImpl) Resume(ctx context.Context, executionID, task string) (*schema.Execution, error) {
	if err := e.acceptingWork(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(executionID)
	defer unlock()

	if e.IsActive(executionID) {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"execution %q is still running", executionID)
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if !exec.Status.Resumable() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot resume execution in status %s: only failed or rate_limited executions resume", exec.Status).
			WithDetails(map[string]any{"execution_id": executionID, "status": string(exec.Status)})
	}

	from, err := resolveTask(&exec.Pipeline, task, exec.FirstMissingStep())
	if err != nil {
		return nil, err
	}
	if err := requirePriorResults(exec, from); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateDefinition(&exec.Pipeline); err != nil {
		return nil, err
	}

	if err := e.fsm.Reopen(ctx, exec, from); err != nil {
		return nil, err
	}

	snapshot := cloneExecution(exec)
	if err := e.launch(ctx, exec, from, true); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// Replay creates a new execution from a source. Results before FromStep are
// copied verbatim; dispatch starts at FromStep. The copy is recorded on the
// execution through SourceExecutionID and StartFromStep.
func (e *engineImpl) Replay(ctx context.Context, req ReplayRequest) (*schema.Execution, error) {
	source, err := e.store.GetExecution(ctx, req.SourceExecutionID)
	if err != nil {
		return nil, err
	}

	n := len(source.Pipeline.Steps)
	if req.FromStep < 0 || req.FromStep >= n {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"start_from_step %d out of range: pipeline has %d steps", req.FromStep, n)
	}

	input := source.Input
	if len(req.Input) > 0 {
		if err := validateInput(req.Input); err != nil {
			return nil, err
		}
		if req.FromStep > 0 && !sameJSON(req.Input, source.Input) {
			return nil, schema.NewError(schema.ErrCodeValidation,
				"input cannot be overridden when replaying from a later step: reused results were produced from the source input")
		}
		input = req.Input
	}

	if err := requirePriorResults(source, req.FromStep); err != nil {
		return nil, err
	}
	if err := e.validator.ValidateDefinition(&source.Pipeline); err != nil {
		return nil, err
	}

	var reused []schema.StepResult
	for i := 0; i < req.FromStep; i++ {
		r, _ := source.ResultFor(i)
		reused = append(reused, r)
	}

	exec := &schema.Execution{
		ID:                e.newID(),
		PipelineID:        source.PipelineID,
		Pipeline:          source.Pipeline,
		Status:            schema.ExecutionStatusPending,
		Input:             input,
		SourceExecutionID: source.ID,
		StartFromStep:     req.FromStep,
		StepResults:       reused,
	}
	return e.create(ctx, exec, req.FromStep)
}

// resolveTask turns a task reference into a step index. An integer is an
// index, anything else a role name. Empty selects def.
func resolveTask(p *schema.PipelineDefinition, task string, def int) (int, error) {
	task = strings.TrimSpace(task)
	n := len(p.Steps)
	if task == "" {
		return def, nil
	}
	if idx, err := strconv.Atoi(task); err == nil {
		if idx < 0 || idx >= n {
			return 0, schema.NewErrorf(schema.ErrCodeValidation,
				"resume step %d out of range: pipeline has %d steps", idx, n)
		}
		return idx, nil
	}
	idx, ok := p.StepByRole(task)
	if !ok {
		roles := make([]string, 0, n)
		for _, s := range p.Steps {
			roles = append(roles, s.Role)
		}
		return 0, schema.NewErrorf(schema.ErrCodeValidation,
			"unknown task %q; available roles: %s", task, strings.Join(roles, ", ")).
			WithDetails(map[string]any{"task": task, "available_roles": roles})
	}
	return idx, nil
}

// requirePriorResults checks that every step before from has a result.
func requirePriorResults(exec *schema.Execution, from int) error {
	var missing []int
	for i := 0; i < from; i++ {
		if _, ok := exec.ResultFor(i); !ok {
			missing = append(missing, i)
		}
	}
	if len(missing) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"cannot start from step %d: no results for steps %v", from, missing).
			WithDetails(map[string]any{"execution_id": exec.ID, "missing_steps": missing})
	}
	return nil
}

func keepBefore[T any](items []T, from int, index func(T) int) []T {
	out := items[:0:0]
	for _, it := range items {
		if index(it) < from {
			out = append(out, it)
		}
	}
	return out
}

// sameJSON compares two JSON documents ignoring formatting and key order.
func sameJSON(a, b json.RawMessage) bool {
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return bytes.Equal(bytes.TrimSpace(a), bytes.TrimSpace(b))
	}
	return reflect.DeepEqual(va, vb)
}
