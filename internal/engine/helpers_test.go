package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/invoker"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/pkg/schema"
)

// mockStore is an in-memory store.Store with the same guarantees the SQL
// store gives the engine: CAS transitions and step writes only while running.
type mockStore struct {
	mu         sync.Mutex
	pipelines  map[string]*schema.PipelineDefinition
	executions map[string]*schema.Execution
	events     map[string][]*schema.ExecutionEvent

	// transitionErr, when set, can reject a transition before it is applied.
	transitionErr func(u store.ExecutionUpdate) error
}

func newMockStore() *mockStore {
	return &mockStore{
		pipelines:  make(map[string]*schema.PipelineDefinition),
		executions: make(map[string]*schema.Execution),
		events:     make(map[string][]*schema.ExecutionEvent),
	}
}

func (m *mockStore) UpsertPipeline(_ context.Context, p *schema.PipelineDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	cp.Steps = slices.Clone(p.Steps)
	m.pipelines[p.ID] = &cp
	return nil
}

func (m *mockStore) GetPipeline(_ context.Context, id string) (*schema.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pipelines[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "pipeline %q not found", id)
	}
	cp := *p
	cp.Steps = slices.Clone(p.Steps)
	return &cp, nil
}

func (m *mockStore) ListPipelines(_ context.Context) ([]*schema.PipelineDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.PipelineDefinition
	for _, p := range m.pipelines {
		out = append(out, p)
	}
	return out, nil
}

func (m *mockStore) CreateExecution(_ context.Context, exec *schema.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.executions[exec.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q exists", exec.ID)
	}
	now := time.Now().UTC()
	exec.CreatedAt, exec.UpdatedAt = now, now
	m.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (m *mockStore) GetExecution(_ context.Context, id string) (*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	cp := cloneExecution(e)
	sort.Slice(cp.StepResults, func(i, j int) bool { return cp.StepResults[i].StepIndex < cp.StepResults[j].StepIndex })
	return cp, nil
}

func (m *mockStore) TransitionExecution(_ context.Context, id string, from schema.ExecutionStatus, u store.ExecutionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		if err := m.transitionErr(u); err != nil {
			return err
		}
	}
	e, ok := m.executions[id]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if e.Status != from {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s, not %s", id, e.Status, from)
	}
	applyUpdate(e, u, time.Now().UTC())
	return nil
}

func (m *mockStore) ListExecutions(_ context.Context, f store.ExecutionFilter) (*store.ExecutionPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f.Normalize()
	page := &store.ExecutionPage{Page: f.Page, Limit: f.Limit, Counts: map[string]int{}}
	for _, e := range m.executions {
		if f.PipelineID != "" && e.PipelineID != f.PipelineID {
			continue
		}
		page.Counts[string(e.Status)]++
		page.Counts["all"]++
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		page.Items = append(page.Items, cloneExecution(e))
	}
	page.Total = len(page.Items)
	return page, nil
}

func (m *mockStore) ListStaleExecutions(_ context.Context, statuses []schema.ExecutionStatus, before time.Time) ([]*schema.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.Execution
	for _, e := range m.executions {
		if slices.Contains(statuses, e.Status) && e.UpdatedAt.Before(before) {
			out = append(out, cloneExecution(e))
		}
	}
	return out, nil
}

func (m *mockStore) running(id string) (*schema.Execution, error) {
	e, ok := m.executions[id]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", id)
	}
	if e.Status != schema.ExecutionStatusRunning {
		return nil, schema.NewErrorf(schema.ErrCodeConflict, "execution %q is %s", id, e.Status)
	}
	return e, nil
}

func (m *mockStore) PutStepResult(_ context.Context, id string, r *schema.StepResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.running(id)
	if err != nil {
		return err
	}
	e.StepFailures = slices.DeleteFunc(e.StepFailures, func(f schema.StepFailure) bool { return f.StepIndex == r.StepIndex })
	e.StepResults = slices.DeleteFunc(e.StepResults, func(x schema.StepResult) bool { return x.StepIndex == r.StepIndex })
	e.StepResults = append(e.StepResults, *r)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *mockStore) PutStepFailure(_ context.Context, id string, f *schema.StepFailure) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, err := m.running(id)
	if err != nil {
		return err
	}
	e.StepFailures = append(e.StepFailures, *f)
	return nil
}

func (m *mockStore) AppendEvent(_ context.Context, ev *schema.ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events[ev.ExecutionID] = append(m.events[ev.ExecutionID], &cp)
	return nil
}

func (m *mockStore) GetEvents(_ context.Context, id string, since int64) ([]*schema.ExecutionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.ExecutionEvent
	for _, ev := range m.events[id] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockStore) LastSequence(_ context.Context, id string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	evs := m.events[id]
	if len(evs) == 0 {
		return 0, nil
	}
	return evs[len(evs)-1].Sequence, nil
}

func (m *mockStore) Migrate(context.Context) error { return nil }
func (m *mockStore) Close() error                  { return nil }

// eventTypes returns the persisted event types of an execution in order.
func (m *mockStore) eventTypes(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, ev := range m.events[id] {
		out = append(out, ev.Type)
	}
	return out
}

// setUpdatedAt backdates an execution for stale sweeps.
func (m *mockStore) setUpdatedAt(id string, t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[id].UpdatedAt = t
}

var _ store.Store = (*mockStore)(nil)

// call records one invoker call.
type call struct {
	Step    int
	Attempt int
	Prompt  string
	Context string
	Start   time.Time
	End     time.Time
}

// scriptedInvoker answers per step index. Unscripted steps echo their role.
type scriptedInvoker struct {
	mu      sync.Mutex
	calls   []call
	scripts map[int]func(ctx context.Context, req invoker.Request) (*invoker.Response, error)
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{scripts: make(map[int]func(context.Context, invoker.Request) (*invoker.Response, error))}
}

func (s *scriptedInvoker) on(step int, fn func(ctx context.Context, req invoker.Request) (*invoker.Response, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[step] = fn
}

func (s *scriptedInvoker) Invoke(ctx context.Context, req invoker.Request, onChunk invoker.ChunkFunc) (*invoker.Response, error) {
	start := time.Now()
	s.mu.Lock()
	fn := s.scripts[req.Step.StepIndex]
	s.mu.Unlock()

	var (
		resp *invoker.Response
		err  error
	)
	if fn != nil {
		resp, err = fn(ctx, req)
	} else {
		resp = &invoker.Response{Output: req.Step.Role + " output", TokensUsed: 3, Model: "scripted"}
	}
	if resp != nil && onChunk != nil {
		onChunk(resp.Output)
	}

	s.mu.Lock()
	s.calls = append(s.calls, call{
		Step: req.Step.StepIndex, Attempt: req.Attempt, Prompt: req.Prompt, Context: req.Context,
		Start: start, End: time.Now(),
	})
	s.mu.Unlock()
	return resp, err
}

func (s *scriptedInvoker) callsFor(step int) []call {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []call
	for _, c := range s.calls {
		if c.Step == step {
			out = append(out, c)
		}
	}
	return out
}

func (s *scriptedInvoker) total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type testEngine struct {
	Engine
	store   *mockStore
	invoker *scriptedInvoker
}

func newTestEngine(t *testing.T, mutate ...func(*Config)) *testEngine {
	t.Helper()
	st := newMockStore()
	inv := newScriptedInvoker()
	cfg := Config{
		PoolSize:    8,
		MaxAttempts: 3,
		Backoff:     BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2},
		StepTimeout: 5 * time.Second,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	eng, err := NewEngine(st, inv, streaming.NewPublisher(streaming.NewMemoryHub(), st, nil), cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = eng.Shutdown(ctx)
	})
	return &testEngine{Engine: eng, store: st, invoker: inv}
}

func (te *testEngine) addPipeline(t *testing.T, p *schema.PipelineDefinition) {
	t.Helper()
	require.NoError(t, te.store.UpsertPipeline(context.Background(), p))
}

func (te *testEngine) run(t *testing.T, pipelineID string, input any) *schema.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := te.Run(ctx, SubmitRequest{PipelineID: pipelineID, Input: mustJSON(t, input)})
	require.NoError(t, err)
	return exec
}

func (te *testEngine) wait(t *testing.T, id string) *schema.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exec, err := te.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func sequentialPipeline(id string, roles ...string) *schema.PipelineDefinition {
	p := &schema.PipelineDefinition{ID: id, Name: id, Strategy: schema.StrategySequential}
	for i, role := range roles {
		p.Steps = append(p.Steps, schema.StepDefinition{
			StepIndex:      i,
			AgentRef:       strings.ToLower(role),
			Role:           role,
			PromptTemplate: fmt.Sprintf("You are the %s.", role),
		})
	}
	return p
}

func fanOutPipeline(id string, strategy schema.Strategy, roles ...string) *schema.PipelineDefinition {
	p := sequentialPipeline(id, roles...)
	p.Strategy = strategy
	return p
}
