package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// StatusWriter persists a status change with compare-and-set on the previous status.
// Satisfied by store.Store.
type StatusWriter interface {
	TransitionExecution(ctx context.Context, id string, from schema.ExecutionStatus, update store.ExecutionUpdate) error
}

// BeforeHook runs before a transition is persisted; an error vetoes it.
type BeforeHook func(exec *schema.Execution, from, to schema.ExecutionStatus) error

// AfterHook runs once a transition has been persisted.
type AfterHook func(exec *schema.Execution, from, to schema.ExecutionStatus)

// An empty from or to matches any status.
type hookKey struct {
	from, to schema.ExecutionStatus
}

func (k hookKey) matches(from, to schema.ExecutionStatus) bool {
	return (k.from == "" || k.from == from) && (k.to == "" || k.to == to)
}

// ExecutionFSM is the only component allowed to change an execution's status.
type ExecutionFSM struct {
	writer StatusWriter
	now    func() time.Time

	mu     sync.RWMutex
	before []hookEntry[BeforeHook]
	after  []hookEntry[AfterHook]
}

type hookEntry[H any] struct {
	key  hookKey
	hook H
}

// NewExecutionFSM creates an FSM persisting through writer.
func NewExecutionFSM(writer StatusWriter) *ExecutionFSM {
	return &ExecutionFSM{
		writer: writer,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnBefore registers a hook for from -> to. Empty statuses act as wildcards.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook BeforeHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, hookEntry[BeforeHook]{hookKey{from, to}, hook})
}

// OnAfter registers a hook for from -> to. Empty statuses act as wildcards.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook AfterHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.after = append(f.after, hookEntry[AfterHook]{hookKey{from, to}, hook})
}

// Start moves a pending execution to running.
func (f *ExecutionFSM) Start(ctx context.Context, exec *schema.Execution) error {
	now := f.now()
	return f.transition(ctx, exec, schema.ExecutionStatusRunning, store.ExecutionUpdate{StartedAt: &now}, ValidTransitions)
}

// Complete records the consolidated output of a successful run.
func (f *ExecutionFSM) Complete(ctx context.Context, exec *schema.Execution, output string) error {
	return f.terminate(ctx, exec, schema.ExecutionStatusCompleted, store.ExecutionUpdate{Output: &output})
}

// Fail moves a running execution to failed, or to rate_limited when
// rateLimited is set. msg must be non-empty.
func (f *ExecutionFSM) Fail(ctx context.Context, exec *schema.Execution, msg string, rateLimited bool) error {
	if msg == "" {
		msg = "execution failed"
	}
	to := schema.ExecutionStatusFailed
	if rateLimited {
		to = schema.ExecutionStatusRateLimited
	}
	return f.terminate(ctx, exec, to, store.ExecutionUpdate{Error: &msg})
}

// Cancel moves a pending or running execution to cancelled. The error stays empty.
func (f *ExecutionFSM) Cancel(ctx context.Context, exec *schema.Execution) error {
	return f.terminate(ctx, exec, schema.ExecutionStatusCancelled, store.ExecutionUpdate{})
}

// Reopen moves a failed or rate_limited execution back to running for resume,
// dropping step results and failures at or after from with the same write.
func (f *ExecutionFSM) Reopen(ctx context.Context, exec *schema.Execution, from int) error {
	return f.transition(ctx, exec, schema.ExecutionStatusRunning,
		store.ExecutionUpdate{Reopen: true, TruncateFrom: &from}, ResumeTransitions)
}

// Interrupt fails a pending or running execution whose host died mid-run,
// leaving it eligible for resume.
func (f *ExecutionFSM) Interrupt(ctx context.Context, exec *schema.Execution, msg string) error {
	now := f.now()
	if exec.StartedAt != nil && now.Before(*exec.StartedAt) {
		now = *exec.StartedAt
	}
	return f.transition(ctx, exec, schema.ExecutionStatusFailed,
		store.ExecutionUpdate{Error: &msg, CompletedAt: &now}, InterruptTransitions)
}

func (f *ExecutionFSM) terminate(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus, update store.ExecutionUpdate) error {
	now := f.now()
	if exec.StartedAt != nil && now.Before(*exec.StartedAt) {
		now = *exec.StartedAt
	}
	update.CompletedAt = &now
	return f.transition(ctx, exec, to, update, ValidTransitions)
}

func (f *ExecutionFSM) transition(ctx context.Context, exec *schema.Execution, to schema.ExecutionStatus, update store.ExecutionUpdate, table map[schema.ExecutionStatus][]schema.ExecutionStatus) error {
	from := exec.Status
	if !allowed(table, from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": exec.ID, "from": string(from), "to": string(to)})
	}

	f.mu.RLock()
	before := f.before
	after := f.after
	f.mu.RUnlock()

	for _, h := range before {
		if h.key.matches(from, to) {
			if err := h.hook(exec, from, to); err != nil {
				return err
			}
		}
	}

	update.Status = to
	if err := f.writer.TransitionExecution(ctx, exec.ID, from, update); err != nil {
		return err
	}
	applyUpdate(exec, update, f.now())

	for _, h := range after {
		if h.key.matches(from, to) {
			h.hook(exec, from, to)
		}
	}
	return nil
}

// applyUpdate mirrors a persisted update onto the in-memory record.
func applyUpdate(exec *schema.Execution, u store.ExecutionUpdate, now time.Time) {
	exec.Status = u.Status
	exec.UpdatedAt = now
	if u.Reopen {
		exec.Output = ""
		exec.Error = ""
		exec.CompletedAt = nil
	}
	if u.TruncateFrom != nil {
		from := *u.TruncateFrom
		exec.StepResults = keepBefore(exec.StepResults, from, func(r schema.StepResult) int { return r.StepIndex })
		exec.StepFailures = keepBefore(exec.StepFailures, from, func(f schema.StepFailure) int { return f.StepIndex })
	}
	if u.Output != nil {
		exec.Output = *u.Output
	}
	if u.Error != nil {
		exec.Error = *u.Error
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		exec.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		exec.CompletedAt = &t
	}
}

func allowed(table map[schema.ExecutionStatus][]schema.ExecutionStatus, from, to schema.ExecutionStatus) bool {
	for _, a := range table[from] {
		if a == to {
			return true
		}
	}
	return false
}

// ValidTransitions defines the forward lifecycle. Terminal states have no exits.
var ValidTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {schema.ExecutionStatusRunning, schema.ExecutionStatusCancelled},
	schema.ExecutionStatusRunning: {
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusRateLimited,
		schema.ExecutionStatusCancelled,
	},
	schema.ExecutionStatusCompleted:   {},
	schema.ExecutionStatusFailed:      {},
	schema.ExecutionStatusRateLimited: {},
	schema.ExecutionStatusCancelled:   {},
}

// ResumeTransitions are only reachable through Reopen.
var ResumeTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusFailed:      {schema.ExecutionStatusRunning},
	schema.ExecutionStatusRateLimited: {schema.ExecutionStatusRunning},
}

// InterruptTransitions are only reachable through Interrupt.
var InterruptTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionStatusPending: {schema.ExecutionStatusFailed},
	schema.ExecutionStatusRunning: {schema.ExecutionStatusFailed},
}
