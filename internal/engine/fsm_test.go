package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/pkg/schema"
)

// recordingWriter applies compare-and-set transitions to an in-memory status.
type recordingWriter struct {
	mu      sync.Mutex
	status  map[string]schema.ExecutionStatus
	updates []store.ExecutionUpdate
	err     error
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{status: make(map[string]schema.ExecutionStatus)}
}

func (w *recordingWriter) TransitionExecution(_ context.Context, id string, from schema.ExecutionStatus, u store.ExecutionUpdate) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	if cur, ok := w.status[id]; ok && cur != from {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s", id, cur)
	}
	w.status[id] = u.Status
	w.updates = append(w.updates, u)
	return nil
}

func newExec(id string, status schema.ExecutionStatus) *schema.Execution {
	return &schema.Execution{ID: id, Status: status}
}

func TestExecutionFSM_HappyPath(t *testing.T) {
	w := newRecordingWriter()
	fsm := NewExecutionFSM(w)
	ctx := context.Background()
	exec := newExec("e1", schema.ExecutionStatusPending)

	require.NoError(t, fsm.Start(ctx, exec))
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)
	require.NotNil(t, exec.StartedAt)

	require.NoError(t, fsm.Complete(ctx, exec, "final"))
	assert.Equal(t, schema.ExecutionStatusCompleted, exec.Status)
	assert.Equal(t, "final", exec.Output)
	require.NotNil(t, exec.CompletedAt)
	assert.False(t, exec.CompletedAt.Before(*exec.StartedAt))
	assert.Len(t, w.updates, 2)
}

func TestExecutionFSM_FailSetsError(t *testing.T) {
	tests := []struct {
		name        string
		msg         string
		rateLimited bool
		want        schema.ExecutionStatus
		wantErr     string
	}{
		{"failed", "step 1 failed", false, schema.ExecutionStatusFailed, "step 1 failed"},
		{"rate limited", "quota", true, schema.ExecutionStatusRateLimited, "quota"},
		{"empty message", "", false, schema.ExecutionStatusFailed, "execution failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fsm := NewExecutionFSM(newRecordingWriter())
			exec := newExec("e1", schema.ExecutionStatusRunning)
			require.NoError(t, fsm.Fail(context.Background(), exec, tt.msg, tt.rateLimited))
			assert.Equal(t, tt.want, exec.Status)
			assert.Equal(t, tt.wantErr, exec.Error)
			assert.NotNil(t, exec.CompletedAt)
		})
	}
}

func TestExecutionFSM_CancelFromPendingAndRunning(t *testing.T) {
	for _, from := range []schema.ExecutionStatus{schema.ExecutionStatusPending, schema.ExecutionStatusRunning} {
		t.Run(string(from), func(t *testing.T) {
			fsm := NewExecutionFSM(newRecordingWriter())
			exec := newExec("e1", from)
			require.NoError(t, fsm.Cancel(context.Background(), exec))
			assert.Equal(t, schema.ExecutionStatusCancelled, exec.Status)
			assert.Empty(t, exec.Error)
		})
	}
}

func TestExecutionFSM_TerminalStatesRejectTransitions(t *testing.T) {
	terminal := []schema.ExecutionStatus{
		schema.ExecutionStatusCompleted,
		schema.ExecutionStatusFailed,
		schema.ExecutionStatusRateLimited,
		schema.ExecutionStatusCancelled,
	}
	for _, status := range terminal {
		t.Run(string(status), func(t *testing.T) {
			fsm := NewExecutionFSM(newRecordingWriter())
			ctx := context.Background()
			exec := newExec("e1", status)

			for _, err := range []error{
				fsm.Start(ctx, exec),
				fsm.Complete(ctx, exec, "x"),
				fsm.Fail(ctx, exec, "x", false),
				fsm.Cancel(ctx, exec),
				fsm.Interrupt(ctx, exec, "x"),
			} {
				require.Error(t, err)
				assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
			}
			assert.Equal(t, status, exec.Status)
		})
	}
}

func TestExecutionFSM_PendingCannotComplete(t *testing.T) {
	fsm := NewExecutionFSM(newRecordingWriter())
	exec := newExec("e1", schema.ExecutionStatusPending)
	err := fsm.Complete(context.Background(), exec, "x")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.ErrorCode(err))
}

func TestExecutionFSM_Reopen(t *testing.T) {
	ctx := context.Background()
	for _, from := range []schema.ExecutionStatus{schema.ExecutionStatusFailed, schema.ExecutionStatusRateLimited} {
		t.Run(string(from), func(t *testing.T) {
			w := newRecordingWriter()
			fsm := NewExecutionFSM(w)
			done := time.Now().UTC()
			exec := &schema.Execution{
				ID: "e1", Status: from, Error: "boom", CompletedAt: &done,
				StepResults:  []schema.StepResult{{StepIndex: 0}, {StepIndex: 1}},
				StepFailures: []schema.StepFailure{{StepIndex: 2}},
			}

			require.NoError(t, fsm.Reopen(ctx, exec, 1))
			assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)
			assert.Empty(t, exec.Error)
			assert.Nil(t, exec.CompletedAt)
			require.Len(t, exec.StepResults, 1)
			assert.Empty(t, exec.StepFailures)
			require.Len(t, w.updates, 1)
			assert.True(t, w.updates[0].Reopen)
			require.NotNil(t, w.updates[0].TruncateFrom)
			assert.Equal(t, 1, *w.updates[0].TruncateFrom)
		})
	}

	fsm := NewExecutionFSM(newRecordingWriter())
	for _, from := range []schema.ExecutionStatus{schema.ExecutionStatusCompleted, schema.ExecutionStatusCancelled, schema.ExecutionStatusRunning} {
		err := fsm.Reopen(ctx, newExec("e2", from), 0)
		assert.Error(t, err, "reopen from %s", from)
	}
}

func TestExecutionFSM_Interrupt(t *testing.T) {
	fsm := NewExecutionFSM(newRecordingWriter())
	ctx := context.Background()

	pending := newExec("p", schema.ExecutionStatusPending)
	require.NoError(t, fsm.Interrupt(ctx, pending, "host died"))
	assert.Equal(t, schema.ExecutionStatusFailed, pending.Status)
	assert.Equal(t, "host died", pending.Error)

	// pending -> failed is not part of the forward lifecycle.
	other := newExec("q", schema.ExecutionStatusPending)
	assert.Error(t, fsm.Fail(ctx, other, "x", false))
}

func TestExecutionFSM_CompletedAtNotBeforeStartedAt(t *testing.T) {
	fsm := NewExecutionFSM(newRecordingWriter())
	future := time.Now().UTC().Add(time.Hour)
	exec := &schema.Execution{ID: "e1", Status: schema.ExecutionStatusRunning, StartedAt: &future}

	require.NoError(t, fsm.Complete(context.Background(), exec, "x"))
	assert.Equal(t, future, *exec.CompletedAt)
}

func TestExecutionFSM_WriterErrorLeavesRecordUntouched(t *testing.T) {
	w := newRecordingWriter()
	w.err = errors.New("database is locked")
	fsm := NewExecutionFSM(w)
	exec := newExec("e1", schema.ExecutionStatusRunning)

	err := fsm.Complete(context.Background(), exec, "x")
	require.Error(t, err)
	assert.Equal(t, schema.ExecutionStatusRunning, exec.Status)
	assert.Empty(t, exec.Output)
}

func TestExecutionFSM_CompareAndSetConflict(t *testing.T) {
	w := newRecordingWriter()
	fsm := NewExecutionFSM(w)
	ctx := context.Background()

	a := newExec("e1", schema.ExecutionStatusRunning)
	b := newExec("e1", schema.ExecutionStatusRunning)
	require.NoError(t, fsm.Cancel(ctx, a))

	err := fsm.Complete(ctx, b, "late")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.ErrorCode(err))
}

func TestExecutionFSM_BeforeHookVetoes(t *testing.T) {
	w := newRecordingWriter()
	fsm := NewExecutionFSM(w)
	fsm.OnBefore(schema.ExecutionStatusPending, schema.ExecutionStatusRunning, func(*schema.Execution, schema.ExecutionStatus, schema.ExecutionStatus) error {
		return errors.New("not yet")
	})

	exec := newExec("e1", schema.ExecutionStatusPending)
	err := fsm.Start(context.Background(), exec)
	require.EqualError(t, err, "not yet")
	assert.Equal(t, schema.ExecutionStatusPending, exec.Status)
	assert.Empty(t, w.updates)
}

func TestExecutionFSM_AfterHookWildcards(t *testing.T) {
	fsm := NewExecutionFSM(newRecordingWriter())
	ctx := context.Background()

	var (
		all      []schema.ExecutionStatus
		terminal []schema.ExecutionStatus
	)
	fsm.OnAfter("", "", func(_ *schema.Execution, _, to schema.ExecutionStatus) { all = append(all, to) })
	fsm.OnAfter(schema.ExecutionStatusRunning, "", func(_ *schema.Execution, _, to schema.ExecutionStatus) {
		terminal = append(terminal, to)
	})

	exec := newExec("e1", schema.ExecutionStatusPending)
	require.NoError(t, fsm.Start(ctx, exec))
	require.NoError(t, fsm.Complete(ctx, exec, "x"))

	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusRunning, schema.ExecutionStatusCompleted}, all)
	assert.Equal(t, []schema.ExecutionStatus{schema.ExecutionStatusCompleted}, terminal)
}

func TestExecutionFSM_ConcurrentTransitionsOnDistinctExecutions(t *testing.T) {
	w := newRecordingWriter()
	fsm := NewExecutionFSM(w)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			exec := newExec(fmt.Sprintf("e-%d", i), schema.ExecutionStatusPending)
			assert.NoError(t, fsm.Start(ctx, exec))
		}(i)
	}
	wg.Wait()
}

func TestTransitionTables_CoverAllStatuses(t *testing.T) {
	for _, s := range schema.AllExecutionStatuses {
		_, ok := ValidTransitions[s]
		assert.True(t, ok, "status %s missing from ValidTransitions", s)
		if s.IsTerminal() {
			assert.Empty(t, ValidTransitions[s], "terminal status %s has exits", s)
		}
	}
	for from := range ResumeTransitions {
		assert.True(t, from.Resumable())
	}
}
