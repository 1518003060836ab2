package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/maestro/internal/invoker"
	"github.com/rendis/maestro/internal/logging"
	"github.com/rendis/maestro/internal/streaming"
	"github.com/rendis/maestro/pkg/schema"
)

// stepOutcome is the terminal result of one dispatched step.
type stepOutcome struct {
	step     schema.StepDefinition
	result   *schema.StepResult
	kind     schema.ErrorKind
	err      error
	attempts int
}

func (o stepOutcome) ok() bool { return o.result != nil }

// verdict is what the scheduler hands back to the engine when a run ends.
type verdict struct {
	output      string
	failure     error
	failedStep  *int
	kind        schema.ErrorKind
	rateLimited bool
}

// run owns one execution while the scheduler drives it.
type run struct {
	e           *engineImpl
	exec        *schema.Execution
	stream      *streaming.Stream
	retry       *RetryController
	stepTimeout time.Duration
	input       string
	logger      *slog.Logger

	mu sync.Mutex // guards exec.StepResults and exec.StepFailures
}

// drive dispatches every step from index `from` according to the strategy.
func (r *run) drive(ctx context.Context, from int) verdict {
	steps := r.exec.Pipeline.Steps
	if from >= len(steps) {
		last, _ := r.resultFor(len(steps) - 1)
		return verdict{output: last.Output}
	}

	switch r.exec.Pipeline.Strategy {
	case schema.StrategyParallel, schema.StrategyConsensus:
		return r.fanOut(ctx, from)
	default:
		return r.sequential(ctx, from)
	}
}

// sequential runs steps in index order, each fed the previous step's output.
func (r *run) sequential(ctx context.Context, from int) verdict {
	steps := r.exec.Pipeline.Steps

	var last string
	for i := from; i < len(steps); i++ {
		step := steps[i]

		var (
			prev     *schema.StepResult
			prevStep schema.StepDefinition
			previous any
		)
		if i > 0 {
			if res, ok := r.resultFor(i - 1); ok {
				prev, prevStep, previous = &res, steps[i-1], res.Output
			}
		}
		contextText := sequentialContext(r.input, prev, prevStep)

		out := r.await(ctx, step, contextText, r.scope(step, contextText, previous, nil))
		if !out.ok() {
			return failedVerdict(out)
		}
		last = out.result.Output
	}
	return verdict{output: last}
}

// fanOut dispatches the peers concurrently, waits on the barrier, then runs
// the synthesizer over the ordered peer outputs.
func (r *run) fanOut(ctx context.Context, from int) verdict {
	p := &r.exec.Pipeline
	peers := p.Peers()
	synth := p.Synthesizer()

	outs := make([]peerOutput, len(peers))
	var wg sync.WaitGroup
	for i, step := range peers {
		if step.StepIndex < from {
			res, _ := r.resultFor(step.StepIndex)
			outs[i] = peerOutput{Step: step, Output: res.Output}
			continue
		}
		contextText := r.input
		wg.Add(1)
		r.dispatch(ctx, step, contextText, r.scope(step, contextText, nil, nil), func(o stepOutcome) {
			defer wg.Done()
			if o.ok() {
				outs[i] = peerOutput{Step: step, Output: o.result.Output}
				return
			}
			outs[i] = peerOutput{Step: step, Failed: true, Kind: o.kind, Error: errText(o.err)}
		})
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return verdict{failure: err, kind: schema.ErrorKindCancelled}
	}

	succeeded, rateLimited := 0, 0
	for _, o := range outs {
		switch {
		case !o.Failed:
			succeeded++
		case o.Kind == schema.ErrorKindRateLimited:
			rateLimited++
		}
	}
	// Peers that failed for any reason other than a rate limit rule out a
	// rate_limited verdict for the whole attempt.
	otherFailures := len(outs) - succeeded - rateLimited
	if succeeded == 0 {
		failed := len(outs)
		kind := schema.ErrorKindFatal
		if rateLimited == failed {
			kind = schema.ErrorKindRateLimited
		}
		return verdict{
			failure:     fmt.Errorf("all %d peers failed; synthesizer not attempted", failed),
			kind:        kind,
			rateLimited: kind == schema.ErrorKindRateLimited,
		}
	}

	contextText := synthesizerContext(r.input, outs)
	out := r.await(ctx, synth, contextText, r.scope(synth, contextText, nil, outs))
	if !out.ok() {
		v := failedVerdict(out)
		if v.rateLimited && otherFailures > 0 {
			v.kind = schema.ErrorKindFatal
			v.rateLimited = false
		}
		return v
	}
	return verdict{output: out.result.Output}
}

func failedVerdict(o stepOutcome) verdict {
	idx := o.step.StepIndex
	return verdict{
		failure:     fmt.Errorf("step %d (%s) %s: %s", idx, o.step.Role, kindPhrase(o.kind), errText(o.err)),
		failedStep:  &idx,
		kind:        o.kind,
		rateLimited: o.kind == schema.ErrorKindRateLimited,
	}
}

func kindPhrase(kind schema.ErrorKind) string {
	switch kind {
	case schema.ErrorKindRateLimited:
		return "rate limited"
	case schema.ErrorKindTimeout:
		return "timed out"
	case schema.ErrorKindCancelled:
		return "cancelled"
	case schema.ErrorKindTransient:
		return "failed after retries"
	default:
		return "failed"
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// await dispatches one step and blocks until it is terminal.
func (r *run) await(ctx context.Context, step schema.StepDefinition, contextText string, scope map[string]any) stepOutcome {
	ch := make(chan stepOutcome, 1)
	r.dispatch(ctx, step, contextText, scope, func(o stepOutcome) { ch <- o })
	return <-ch
}

// dispatch submits a step as one unit of work on the shared pool. done is
// called exactly once, including when the unit panics or never starts.
func (r *run) dispatch(ctx context.Context, step schema.StepDefinition, contextText string, scope map[string]any, done func(stepOutcome)) {
	var out stepOutcome
	err := r.e.pool.Submit(ctx, func(ctx context.Context) error {
		out = r.runStep(ctx, step, contextText, scope)
		return out.err
	}, func(err error) {
		if out.result == nil && out.err == nil {
			// The unit panicked before producing an outcome.
			out = r.fail(ctx, step, time.Now().UTC(), 0, schema.ErrorKindFatal, err)
		}
		done(out)
	})
	if err != nil {
		kind := schema.ErrorKindFatal
		if ctx.Err() != nil {
			kind = contextKind(ctx.Err())
		}
		done(stepOutcome{step: step, kind: kind, err: err})
	}
}

// runStep renders the prompt and runs the invoker under the retry loop and
// the per-step deadline.
func (r *run) runStep(ctx context.Context, step schema.StepDefinition, contextText string, scope map[string]any) stepOutcome {
	idx := step.StepIndex
	ctx = logging.WithStep(ctx, r.exec.ID, idx, step.AgentRef)
	log := logging.LogWith(ctx, r.logger)
	started := time.Now().UTC()

	r.stream.EmitStep(schema.EventStepStarted, idx, map[string]any{
		"step_index": idx,
		"agent_ref":  step.AgentRef,
		"role":       step.Role,
	})

	prompt, err := r.e.templates.Render(ctx, step.PromptTemplate, scope)
	if err != nil {
		return r.fail(ctx, step, started, 0, schema.ErrorKindFatal, err)
	}

	stepCtx, cancel := context.WithTimeout(ctx, r.timeoutFor(step))
	defer cancel()

	outcome := r.retry.Run(stepCtx, step.AgentRef, func(actx context.Context, attempt int) (*invoker.Response, error) {
		return r.attempt(actx, step, prompt, contextText, attempt)
	}, func(n RetryNotice) {
		log.Info("step attempt failed, retrying",
			slog.Int("attempt", n.Attempt),
			slog.String("error_kind", string(n.Kind)),
			slog.Duration("delay", n.Delay),
			slog.Any("error", n.Err))
		r.stream.EmitStep(schema.EventStepRetrying, idx, map[string]any{
			"step_index": idx,
			"attempt":    n.Attempt,
			"error_kind": n.Kind,
			"error":      errText(n.Err),
			"delay_ms":   n.Delay.Milliseconds(),
		})
	})

	// A cancelled run discards whatever the step produced.
	if err := ctx.Err(); err != nil {
		return r.fail(ctx, step, started, outcome.Attempts, schema.ErrorKindCancelled, err)
	}
	if !outcome.OK() {
		if outcome.Kind == schema.ErrorKindTimeout && errors.Is(outcome.Err, context.DeadlineExceeded) {
			outcome.Err = fmt.Errorf("step deadline of %s exceeded", r.timeoutFor(step))
		}
		return r.fail(ctx, step, started, outcome.Attempts, outcome.Kind, outcome.Err)
	}

	completed := time.Now().UTC()
	result := schema.StepResult{
		StepIndex:   idx,
		AgentRef:    step.AgentRef,
		Role:        step.Role,
		Input:       contextText,
		Output:      outcome.Response.Output,
		Model:       outcome.Response.Model,
		TokensUsed:  outcome.Response.TokensUsed,
		Attempt:     outcome.Attempts,
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  completed.Sub(started).Milliseconds(),
	}
	if err := r.e.store.PutStepResult(context.WithoutCancel(ctx), r.exec.ID, &result); err != nil {
		if ctx.Err() != nil {
			return r.fail(ctx, step, started, outcome.Attempts, schema.ErrorKindCancelled, ctx.Err())
		}
		return r.fail(ctx, step, started, outcome.Attempts, schema.ErrorKindFatal,
			fmt.Errorf("persist step result: %w", err))
	}
	r.mu.Lock()
	r.exec.StepResults = append(r.exec.StepResults, result)
	r.mu.Unlock()

	r.e.metrics.stepDone(step.AgentRef, completed.Sub(started))
	log.Debug("step completed", slog.Int("attempts", outcome.Attempts), slog.Int64("duration_ms", result.DurationMs))
	r.stream.EmitStep(schema.EventStepCompleted, idx, map[string]any{
		"step_index":  idx,
		"output":      result.Output,
		"tokens_used": result.TokensUsed,
		"duration_ms": result.DurationMs,
	})
	return stepOutcome{step: step, result: &result, attempts: outcome.Attempts}
}

// attempt performs a single invoker call behind the agent's circuit breaker.
func (r *run) attempt(ctx context.Context, step schema.StepDefinition, prompt, contextText string, attempt int) (*invoker.Response, error) {
	idx := step.StepIndex
	ref := step.AgentRef

	if err := r.e.breakers.AllowRequest(ref); err != nil {
		r.e.metrics.attempt(ref, "circuit_open")
		return nil, err
	}

	resp, err := r.e.invoker.Invoke(ctx, invoker.Request{
		ExecutionID: r.exec.ID,
		Step:        step,
		Prompt:      prompt,
		Context:     contextText,
		Attempt:     attempt,
	}, func(delta string) {
		r.stream.EmitStep(schema.EventOutputChunk, idx, map[string]any{"step_index": idx, "delta": delta})
	})
	if err == nil {
		r.e.metrics.attempt(ref, "ok")
		if r.e.breakers.RecordSuccess(ref) {
			r.stream.Emit(schema.EventCircuitClosed, map[string]any{"agent_ref": ref})
		}
		return resp, nil
	}

	kind := r.e.classifier.Classify(ctx, err, ref, attempt)
	r.e.metrics.attempt(ref, string(kind))
	if countsAgainstCircuit(kind) {
		if prev, next := r.e.breakers.RecordFailure(ref); prev != CircuitOpen && next == CircuitOpen {
			r.logger.Warn("circuit opened", slog.String("agent_ref", ref))
			r.stream.Emit(schema.EventCircuitOpen, map[string]any{"agent_ref": ref})
		}
	}
	return nil, err
}

// fail emits step_failed and records the failure unless the run was cancelled.
func (r *run) fail(ctx context.Context, step schema.StepDefinition, started time.Time, attempts int, kind schema.ErrorKind, err error) stepOutcome {
	idx := step.StepIndex
	r.stream.EmitStep(schema.EventStepFailed, idx, map[string]any{
		"step_index": idx,
		"error_kind": kind,
		"error":      errText(err),
		"attempts":   attempts,
	})

	if kind != schema.ErrorKindCancelled {
		f := schema.StepFailure{
			StepIndex:   idx,
			AgentRef:    step.AgentRef,
			Role:        step.Role,
			ErrorKind:   kind,
			Error:       errText(err),
			Attempt:     attempts,
			StartedAt:   started,
			CompletedAt: time.Now().UTC(),
		}
		if perr := r.e.store.PutStepFailure(context.WithoutCancel(ctx), r.exec.ID, &f); perr != nil {
			r.logger.Warn("persist step failure", slog.Int("step_index", idx), slog.Any("error", perr))
		} else {
			r.mu.Lock()
			r.exec.StepFailures = append(r.exec.StepFailures, f)
			r.mu.Unlock()
		}
		logging.LogWith(ctx, r.logger).Warn("step failed",
			slog.String("error_kind", string(kind)), slog.Int("attempts", attempts), slog.Any("error", err))
	}

	return stepOutcome{step: step, kind: kind, err: err, attempts: attempts}
}

func (r *run) resultFor(index int) (schema.StepResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.ResultFor(index)
}

func (r *run) timeoutFor(step schema.StepDefinition) time.Duration {
	if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
		return d
	}
	if d, err := time.ParseDuration(r.exec.Pipeline.StepTimeout); err == nil && d > 0 {
		return d
	}
	return r.stepTimeout
}

// scope is the data visible to ${{ }} placeholders in a prompt template.
func (r *run) scope(step schema.StepDefinition, contextText string, previous any, peers []peerOutput) map[string]any {
	return map[string]any{
		"input":    inputValue(r.exec.Input),
		"context":  contextText,
		"previous": previous,
		"peers":    peersScope(peers),
		"step": map[string]any{
			"index":     step.StepIndex,
			"role":      step.Role,
			"agent_ref": step.AgentRef,
		},
		"execution": map[string]any{
			"id":          r.exec.ID,
			"pipeline_id": r.exec.PipelineID,
		},
	}
}
