package engine

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rendis/maestro/internal/invoker"
	"github.com/rendis/maestro/pkg/schema"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultJitter      = 0.2
)

// BackoffPolicy computes exponential delays with symmetric jitter.
type BackoffPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     float64 // fraction of the delay, 0..1
}

// DefaultBackoffPolicy returns base 500ms, cap 30s, multiplier 2, jitter 0.2.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Multiplier: DefaultMultiplier,
		Jitter:     DefaultJitter,
	}
}

// Delay returns the wait after the given failed attempt (1-based). A provider
// hint raises the delay, and the result never exceeds MaxDelay. rnd returns
// values in [0, 1); nil uses math/rand.
func (p BackoffPolicy) Delay(attempt int, hint time.Duration, rnd func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1))
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*rnd()-1)
	}
	delay := time.Duration(d)
	if delay < 0 {
		delay = 0
	}
	if hint > delay {
		delay = hint
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Outcome is the classified result of running a step through the retry loop.
// Exactly one of Response and Err is set.
type Outcome struct {
	Response *invoker.Response
	Err      error
	Kind     schema.ErrorKind
	Attempts int
}

// OK reports whether the step produced a response.
func (o Outcome) OK() bool {
	return o.Err == nil && o.Response != nil
}

// RetryNotice describes a failed attempt that is about to be retried.
type RetryNotice struct {
	Attempt int
	Kind    schema.ErrorKind
	Err     error
	Delay   time.Duration
}

// AttemptFunc performs one attempt of a step call.
type AttemptFunc func(ctx context.Context, attempt int) (*invoker.Response, error)

// RetryController wraps a step call with classification and backoff.
type RetryController struct {
	MaxAttempts int
	Backoff     BackoffPolicy
	Classifier  *Classifier
	rand        func() float64
}

// NewRetryController creates a controller. maxAttempts < 1 uses the default.
func NewRetryController(maxAttempts int, backoff BackoffPolicy, classifier *Classifier) *RetryController {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	return &RetryController{
		MaxAttempts: maxAttempts,
		Backoff:     backoff,
		Classifier:  classifier,
	}
}

// Run calls fn until it succeeds, fails with a non-retryable kind, or runs
// out of attempts. onRetry (may be nil) is called before each backoff wait.
// Run never returns a bare error: the outcome always carries the kind.
func (c *RetryController) Run(ctx context.Context, agentRef string, fn AttemptFunc, onRetry func(RetryNotice)) Outcome {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return Outcome{Err: err, Kind: contextKind(err), Attempts: attempt - 1}
		}

		resp, err := fn(ctx, attempt)
		if err == nil {
			if resp == nil {
				resp = &invoker.Response{}
			}
			return Outcome{Response: resp, Attempts: attempt}
		}

		kind := c.Classifier.Classify(ctx, err, agentRef, attempt)
		if !kind.Retryable() || attempt >= c.MaxAttempts {
			return Outcome{Err: err, Kind: kind, Attempts: attempt}
		}

		delay := c.Backoff.Delay(attempt, retryAfter(err), c.rand)
		if onRetry != nil {
			onRetry(RetryNotice{Attempt: attempt, Kind: kind, Err: err, Delay: delay})
		}
		if werr := WaitForBackoff(ctx, delay); werr != nil {
			return Outcome{Err: werr, Kind: contextKind(werr), Attempts: attempt}
		}
	}
}

// WaitForBackoff sleeps for delay or returns early if the context is done.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func retryAfter(err error) time.Duration {
	var invErr *invoker.Error
	if errors.As(err, &invErr) {
		return invErr.RetryAfter
	}
	return 0
}

func contextKind(err error) schema.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.ErrorKindTimeout
	}
	return schema.ErrorKindCancelled
}
