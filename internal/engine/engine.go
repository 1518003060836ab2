package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/internal/invoker"
	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/store"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/internal/validation"
	"github.com/rendis/maestro/pkg/schema"
)

// Engine is the execution engine: it runs pipelines, tracks active runs,
// and coordinates cancel, resume, and replay.
type Engine interface {
	// Submit validates and starts an execution asynchronously. With a source
	// execution it re-executes, replays from a step, or resumes in place.
	Submit(ctx context.Context, req SubmitRequest) (*schema.Execution, error)

	// Run submits and blocks until the execution is terminal.
	Run(ctx context.Context, req SubmitRequest) (*schema.Execution, error)

	// Resume re-runs a failed or rate_limited execution in place from task,
	// which is a step index or a role name. An empty task resumes from the
	// first step without a result.
	Resume(ctx context.Context, executionID, task string) (*schema.Execution, error)

	// Replay starts a new execution from a source, reusing results before FromStep.
	Replay(ctx context.Context, req ReplayRequest) (*schema.Execution, error)

	// Cancel stops an execution and waits for its run to end.
	// Terminal executions are returned unchanged.
	Cancel(ctx context.Context, executionID string) (*schema.Execution, error)

	// Wait blocks until the execution is no longer active on this engine.
	Wait(ctx context.Context, executionID string) (*schema.Execution, error)

	Get(ctx context.Context, executionID string) (*schema.Execution, error)
	List(ctx context.Context, filter store.ExecutionFilter) (*store.ExecutionPage, error)

	// IsActive reports whether a run for the execution is owned by this engine.
	IsActive(executionID string) bool

	// InterruptStale fails pending or running executions not touched since
	// olderThan ago and not owned by this engine. It returns their ids.
	InterruptStale(ctx context.Context, olderThan time.Duration) ([]string, error)

	// Shutdown stops accepting work and waits for active runs until ctx is
	// done; runs still active then are interrupted.
	Shutdown(ctx context.Context) error
}

// SubmitRequest is the POST /executions body.
type SubmitRequest struct {
	PipelineID        string          `json:"pipeline_id,omitempty"`
	Input             json.RawMessage `json:"input,omitempty"`
	SourceExecutionID string          `json:"source_execution_id,omitempty"`
	StartFromStep     *int            `json:"start_from_step,omitempty"`
	ResumeFromTask    string          `json:"-"`
}

// ReplayRequest describes a re-execution of a source execution.
type ReplayRequest struct {
	SourceExecutionID string
	Input             json.RawMessage // optional override
	FromStep          int
}

// Config configures the engine.
type Config struct {
	PoolSize        int                  // max concurrent steps across executions
	MaxAttempts     int                  // per step, including the first
	Backoff         BackoffPolicy        // zero value uses DefaultBackoffPolicy
	StepTimeout     time.Duration        // default per-step deadline
	CircuitBreaker  CircuitBreakerConfig // zero FailureThreshold disables breaking
	ClassifierRules []ClassifierRule
	Metrics         *Metrics             // nil records nothing
	Validator       validation.Validator // nil uses a PipelineValidator without agent checks
	Logger          *slog.Logger
}

const (
	defaultPoolSize    = 10
	defaultStepTimeout = 5 * time.Minute
	interruptedMessage = "execution interrupted"
)

var (
	errCancelRequested = errors.New("execution cancelled")
	errShutdown        = errors.New("engine shutting down")
)

type engineImpl struct {
	store      store.Store
	invoker    invoker.Invoker
	publisher  *streaming.Publisher
	fsm        *ExecutionFSM
	pool       *WorkerPool
	breakers   *CircuitBreakerRegistry
	classifier *Classifier
	validator  validation.Validator
	templates  *expressions.TemplateRenderer
	transforms *expressions.GoJQEngine
	metrics    *Metrics
	logger     *slog.Logger
	config     Config
	newID      func() string

	locks keyedMutex

	mu       sync.Mutex
	active   map[string]*activeRun
	closed   bool
	runs     sync.WaitGroup
}

// activeRun is the registry entry of a run owned by this engine.
type activeRun struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// NewEngine creates an Engine persisting to s, invoking agents through inv,
// and publishing progress through pub.
func NewEngine(s store.Store, inv invoker.Invoker, pub *streaming.Publisher, cfg Config) (Engine, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = defaultPoolSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = defaultStepTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Validator == nil {
		v, err := validation.NewPipelineValidator(nil)
		if err != nil {
			return nil, err
		}
		cfg.Validator = v
	}
	if pub == nil {
		pub = streaming.NewPublisher(nil, s, cfg.Logger)
	}

	classifier, err := NewClassifier(cfg.ClassifierRules, cfg.Logger)
	if err != nil {
		return nil, err
	}

	e := &engineImpl{
		store:      s,
		invoker:    inv,
		publisher:  pub,
		fsm:        NewExecutionFSM(s),
		pool:       NewWorkerPool(cfg.PoolSize),
		breakers:   NewCircuitBreakerRegistry(cfg.CircuitBreaker),
		classifier: classifier,
		validator:  cfg.Validator,
		templates:  expressions.NewTemplateRenderer(nil),
		transforms: expressions.NewGoJQEngine(),
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		config:     cfg,
		newID:      uuid.NewString,
		active:     make(map[string]*activeRun),
	}
	e.fsm.OnAfter("", "", func(exec *schema.Execution, _, to schema.ExecutionStatus) {
		if to.IsTerminal() {
			e.metrics.executionFinished(to)
		}
	})
	return e, nil
}

func (e *engineImpl) Submit(ctx context.Context, req SubmitRequest) (*schema.Execution, error) {
	switch {
	case req.ResumeFromTask != "":
		if req.SourceExecutionID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "resume_from_task requires source_execution_id")
		}
		if req.StartFromStep != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "start_from_step and resume_from_task are mutually exclusive")
		}
		if len(req.Input) > 0 {
			return nil, schema.NewError(schema.ErrCodeValidation, "input cannot be overridden when resuming in place")
		}
		return e.Resume(ctx, req.SourceExecutionID, req.ResumeFromTask)

	case req.SourceExecutionID != "":
		from := 0
		if req.StartFromStep != nil {
			from = *req.StartFromStep
		}
		return e.Replay(ctx, ReplayRequest{SourceExecutionID: req.SourceExecutionID, Input: req.Input, FromStep: from})

	case req.StartFromStep != nil:
		return nil, schema.NewError(schema.ErrCodeValidation, "start_from_step requires source_execution_id")
	}

	if req.PipelineID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "pipeline_id is required")
	}
	if err := validateInput(req.Input); err != nil {
		return nil, err
	}

	pipeline, err := e.store.GetPipeline(ctx, req.PipelineID)
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateDefinition(pipeline); err != nil {
		return nil, err
	}

	exec := &schema.Execution{
		ID:         e.newID(),
		PipelineID: pipeline.ID,
		Pipeline:   *pipeline,
		Status:     schema.ExecutionStatusPending,
		Input:      req.Input,
	}
	return e.create(ctx, exec, 0)
}

func (e *engineImpl) Run(ctx context.Context, req SubmitRequest) (*schema.Execution, error) {
	exec, err := e.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	return e.Wait(ctx, exec.ID)
}

// create persists a pending execution and launches it from step `from`.
func (e *engineImpl) create(ctx context.Context, exec *schema.Execution, from int) (*schema.Execution, error) {
	if err := e.acceptingWork(); err != nil {
		return nil, err
	}

	unlock := e.locks.Lock(exec.ID)
	defer unlock()

	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return nil, err
	}
	snapshot := cloneExecution(exec)
	if err := e.launch(ctx, exec, from, false); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// launch registers the run and starts its goroutine. The run context is
// detached from ctx so the execution outlives the submitting request.
func (e *engineImpl) launch(ctx context.Context, exec *schema.Execution, from int, resumed bool) error {
	stream, err := e.publisher.Open(ctx, exec.ID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(logging.WithExecutionID(context.Background(), exec.ID))
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel(errShutdown)
		stream.Close()
		return schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
	}
	e.active[exec.ID] = ar
	e.runs.Add(1)
	e.mu.Unlock()
	e.metrics.runStarted()

	r := &run{
		e:           e,
		exec:        exec,
		stream:      stream,
		retry:       e.retryFor(&exec.Pipeline),
		stepTimeout: e.config.StepTimeout,
		input:       InputText(exec.Input),
		logger:      e.logger.With(slog.String("pipeline_id", exec.PipelineID)),
	}

	go func() {
		defer func() {
			stream.Close()
			cancel(nil)
			e.mu.Lock()
			delete(e.active, exec.ID)
			e.mu.Unlock()
			e.metrics.runEnded()
			close(ar.done)
			e.runs.Done()
		}()
		e.execute(runCtx, r, from, resumed)
	}()
	return nil
}

// execute drives one run from start (or resume) to its terminal transition.
func (e *engineImpl) execute(ctx context.Context, r *run, from int, resumed bool) {
	exec := r.exec
	log := logging.LogWith(ctx, r.logger)
	persistCtx := context.WithoutCancel(ctx)

	if resumed {
		r.stream.Emit(schema.EventExecutionResumed, map[string]any{"from_step": from})
		log.Info("execution resumed", slog.Int("from_step", from))
	} else {
		if ctx.Err() != nil {
			e.finishCancelled(persistCtx, ctx, r)
			return
		}
		if err := e.fsm.Start(persistCtx, exec); err != nil {
			log.Error("start execution", slog.Any("error", err))
			return
		}
		r.stream.Emit(schema.EventExecutionStarted, map[string]any{
			"pipeline_id": exec.PipelineID,
			"strategy":    exec.Pipeline.Strategy,
			"steps":       len(exec.Pipeline.Steps),
			"from_step":   from,
		})
		log.Info("execution started", slog.String("strategy", string(exec.Pipeline.Strategy)), slog.Int("from_step", from))
	}

	v := r.drive(ctx, from)

	if ctx.Err() != nil {
		e.finishCancelled(persistCtx, ctx, r)
		return
	}

	if v.failure == nil && exec.Pipeline.OutputTransform != "" {
		out, err := e.transforms.Transform(ctx, exec.Pipeline.OutputTransform, v.output)
		if err != nil {
			v = verdict{failure: err, kind: schema.ErrorKindFatal}
		} else {
			v.output = out
		}
	}

	if v.failure != nil {
		msg := v.failure.Error()
		if err := e.fsm.Fail(persistCtx, exec, msg, v.rateLimited); err != nil {
			log.Error("fail execution", slog.Any("error", err))
			return
		}
		payload := map[string]any{"error": msg, "error_kind": v.kind}
		if v.failedStep != nil {
			payload["step_index"] = *v.failedStep
		}
		event := schema.EventExecutionFailed
		if v.rateLimited {
			event = schema.EventExecutionRateLimited
		}
		r.stream.Emit(event, payload)
		log.Warn("execution ended", slog.String("status", string(exec.Status)), slog.String("error", msg))
		return
	}

	if err := e.fsm.Complete(persistCtx, exec, v.output); err != nil {
		log.Error("complete execution", slog.Any("error", err))
		return
	}
	r.stream.Emit(schema.EventExecutionCompleted, map[string]any{"output": v.output})
	log.Info("execution completed", slog.Int("steps", len(exec.StepResults)))
}

// finishCancelled ends a run whose context is done: an explicit cancel
// yields cancelled, an engine shutdown an interrupted (resumable) failure.
func (e *engineImpl) finishCancelled(persistCtx, runCtx context.Context, r *run) {
	log := logging.LogWith(runCtx, r.logger)

	if errors.Is(context.Cause(runCtx), errShutdown) {
		if err := e.fsm.Interrupt(persistCtx, r.exec, interruptedMessage); err != nil {
			log.Error("interrupt execution", slog.Any("error", err))
			return
		}
		r.stream.Emit(schema.EventExecutionInterrupted, map[string]any{"error": interruptedMessage})
		log.Warn("execution interrupted by shutdown")
		return
	}

	if err := e.fsm.Cancel(persistCtx, r.exec); err != nil {
		log.Error("cancel execution", slog.Any("error", err))
		return
	}
	r.stream.Emit(schema.EventExecutionCancelled, nil)
	log.Info("execution cancelled")
}

func (e *engineImpl) Cancel(ctx context.Context, executionID string) (*schema.Execution, error) {
	unlock := e.locks.Lock(executionID)
	defer unlock()

	e.mu.Lock()
	ar, ok := e.active[executionID]
	e.mu.Unlock()

	if ok {
		ar.cancel(errCancelRequested)
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return e.store.GetExecution(ctx, executionID)
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if exec.Status.IsTerminal() {
		return exec, nil
	}

	// Orphaned by a previous process: nothing is running it.
	if err := e.fsm.Cancel(ctx, exec); err != nil {
		return nil, err
	}
	e.emitDetached(ctx, executionID, schema.EventExecutionCancelled, nil)
	return exec, nil
}

func (e *engineImpl) Wait(ctx context.Context, executionID string) (*schema.Execution, error) {
	e.mu.Lock()
	ar, ok := e.active[executionID]
	e.mu.Unlock()

	if ok {
		select {
		case <-ar.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return e.store.GetExecution(ctx, executionID)
}

func (e *engineImpl) Get(ctx context.Context, executionID string) (*schema.Execution, error) {
	return e.store.GetExecution(ctx, executionID)
}

func (e *engineImpl) List(ctx context.Context, filter store.ExecutionFilter) (*store.ExecutionPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown status %q", filter.Status)
	}
	return e.store.ListExecutions(ctx, filter)
}

func (e *engineImpl) IsActive(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[executionID]
	return ok
}

func (e *engineImpl) InterruptStale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	stale, err := e.store.ListStaleExecutions(ctx,
		[]schema.ExecutionStatus{schema.ExecutionStatusRunning, schema.ExecutionStatusPending}, cutoff)
	if err != nil {
		return nil, err
	}

	var interrupted []string
	for _, candidate := range stale {
		if e.IsActive(candidate.ID) {
			continue
		}
		ok, err := e.interruptOne(ctx, candidate.ID)
		if err != nil {
			e.logger.Warn("interrupt stale execution",
				slog.String("execution_id", candidate.ID), slog.Any("error", err))
			continue
		}
		if ok {
			interrupted = append(interrupted, candidate.ID)
		}
	}
	return interrupted, nil
}

func (e *engineImpl) interruptOne(ctx context.Context, executionID string) (bool, error) {
	unlock := e.locks.Lock(executionID)
	defer unlock()

	if e.IsActive(executionID) {
		return false, nil
	}
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}
	if err := e.fsm.Interrupt(ctx, exec, interruptedMessage); err != nil {
		return false, err
	}
	e.emitDetached(ctx, executionID, schema.EventExecutionInterrupted, map[string]any{"error": interruptedMessage})
	return true, nil
}

// emitDetached publishes a single event for an execution with no active run.
func (e *engineImpl) emitDetached(ctx context.Context, executionID, eventType string, payload any) {
	stream, err := e.publisher.Open(ctx, executionID)
	if err != nil {
		e.logger.Warn("open event stream", slog.String("execution_id", executionID), slog.Any("error", err))
		return
	}
	stream.Emit(eventType, payload)
	stream.Close()
}

func (e *engineImpl) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		e.runs.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		e.mu.Lock()
		for _, ar := range e.active {
			ar.cancel(errShutdown)
		}
		e.mu.Unlock()
		<-drained
	}
	e.pool.Shutdown()
	return err
}

func (e *engineImpl) acceptingWork() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return schema.NewError(schema.ErrCodeConflict, "engine is shutting down")
	}
	return nil
}

// retryFor builds the retry controller for a pipeline, applying its overrides.
func (e *engineImpl) retryFor(p *schema.PipelineDefinition) *RetryController {
	maxAttempts := e.config.MaxAttempts
	backoff := e.config.Backoff
	if r := p.Retry; r != nil {
		if r.MaxAttempts > 0 {
			maxAttempts = r.MaxAttempts
		}
		if d, err := time.ParseDuration(r.BaseDelay); err == nil && d > 0 {
			backoff.BaseDelay = d
		}
		if d, err := time.ParseDuration(r.MaxDelay); err == nil && d > 0 {
			backoff.MaxDelay = d
		}
	}
	return NewRetryController(maxAttempts, backoff, e.classifier)
}

func validateInput(input json.RawMessage) error {
	if len(input) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "input is required")
	}
	if !json.Valid(input) {
		return schema.NewError(schema.ErrCodeValidation, "input is not valid JSON")
	}
	return nil
}

func cloneExecution(exec *schema.Execution) *schema.Execution {
	c := *exec
	c.StepResults = slices.Clone(exec.StepResults)
	c.StepFailures = slices.Clone(exec.StepFailures)
	c.Pipeline.Steps = slices.Clone(exec.Pipeline.Steps)
	return &c
}

// keyedMutex serializes submit, resume, and cancel per execution id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// Lock acquires the lock for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
