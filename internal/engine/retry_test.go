package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/internal/invoker"
	"github.com/rendis/maestro/pkg/schema"
)

// --- Backoff ---

func TestBackoffPolicy_Exponential(t *testing.T) {
	p := BackoffPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Delay(1, 0, nil))
	assert.Equal(t, 200*time.Millisecond, p.Delay(2, 0, nil))
	assert.Equal(t, 400*time.Millisecond, p.Delay(3, 0, nil))
	assert.Equal(t, time.Second, p.Delay(6, 0, nil), "capped at MaxDelay")
}

func TestBackoffPolicy_Jitter(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Second, MaxDelay: time.Minute, Multiplier: 2, Jitter: 0.2}
	assert.Equal(t, 800*time.Millisecond, p.Delay(1, 0, func() float64 { return 0 }))
	assert.Equal(t, time.Second, p.Delay(1, 0, func() float64 { return 0.5 }))

	for i := 0; i < 100; i++ {
		d := p.Delay(2, 0, nil)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestBackoffPolicy_RetryAfterHint(t *testing.T) {
	p := BackoffPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, 3*time.Second, p.Delay(1, 3*time.Second, nil), "hint raises the delay")
	assert.Equal(t, 5*time.Second, p.Delay(1, time.Minute, nil), "hint never exceeds MaxDelay")
	assert.Equal(t, 100*time.Millisecond, p.Delay(1, time.Millisecond, nil), "a smaller hint is ignored")
}

func TestBackoffPolicy_Defaults(t *testing.T) {
	p := DefaultBackoffPolicy()
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 30*time.Second, p.MaxDelay)
	assert.Equal(t, 2.0, p.Multiplier)
	assert.Equal(t, 0.2, p.Jitter)
	assert.Equal(t, 500*time.Millisecond, BackoffPolicy{BaseDelay: 500 * time.Millisecond}.Delay(0, 0, nil))
}

// --- Classifier ---

type timeoutNetError struct{}

func (timeoutNetError) Error() string   { return "dial tcp: i/o timeout" }
func (timeoutNetError) Timeout() bool   { return true }
func (timeoutNetError) Temporary() bool { return true }

var _ net.Error = timeoutNetError{}

func TestClassifier_BuiltInOrder(t *testing.T) {
	var c *Classifier
	ctx := context.Background()

	tests := []struct {
		name string
		err  error
		want schema.ErrorKind
	}{
		{"cancelled", context.Canceled, schema.ErrorKindCancelled},
		{"wrapped cancel", fmt.Errorf("invoke: %w", context.Canceled), schema.ErrorKindCancelled},
		{"invoker rate limit", invoker.RateLimited("anthropic", "slow down", time.Second), schema.ErrorKindRateLimited},
		{"invoker fatal", invoker.Fatal("openai", "bad key"), schema.ErrorKindFatal},
		{"invoker transient", invoker.Transient("openai", "502"), schema.ErrorKindTransient},
		{"circuit open", schema.NewError(schema.ErrCodeCircuitOpen, "open"), schema.ErrorKindTransient},
		{"template error", schema.NewError(schema.ErrCodeTemplate, "bad placeholder"), schema.ErrorKindFatal},
		{"net error", timeoutNetError{}, schema.ErrorKindTransient},
		{"429 message", errors.New("HTTP status 429"), schema.ErrorKindRateLimited},
		{"quota message", errors.New("Quota exceeded for model"), schema.ErrorKindRateLimited},
		{"auth message", errors.New("401 Unauthorized"), schema.ErrorKindFatal},
		{"reset message", errors.New("read: connection reset by peer"), schema.ErrorKindTransient},
		{"unknown message", errors.New("something odd"), schema.ErrorKindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, c.Classify(ctx, tt.err, "claude", 1))
		})
	}
}

func TestClassifier_ContextWins(t *testing.T) {
	var c *Classifier

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	assert.Equal(t, schema.ErrorKindTimeout, c.Classify(ctx, invoker.Fatal("x", "bad key"), "claude", 1))

	cctx, ccancel := context.WithCancel(context.Background())
	ccancel()
	assert.Equal(t, schema.ErrorKindCancelled, c.Classify(cctx, errors.New("rate limit"), "claude", 1))

	assert.Equal(t, schema.ErrorKind(""), c.Classify(context.Background(), nil, "claude", 1))
}

func TestClassifier_Rules(t *testing.T) {
	c, err := NewClassifier([]ClassifierRule{
		{When: `status == 529`, Kind: schema.ErrorKindRateLimited},
		{When: `agent_ref == "legacy" && message.contains("timeout")`, Kind: schema.ErrorKindFatal},
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	overloaded := &invoker.Error{Kind: schema.ErrorKindTransient, StatusCode: 529, Provider: "anthropic", Message: "overloaded"}
	assert.Equal(t, schema.ErrorKindRateLimited, c.Classify(ctx, overloaded, "claude", 1))

	assert.Equal(t, schema.ErrorKindFatal, c.Classify(ctx, errors.New("upstream timeout"), "legacy", 1))
	assert.Equal(t, schema.ErrorKindTransient, c.Classify(ctx, errors.New("upstream timeout"), "claude", 1))
}

func TestNewClassifier_RejectsBadRules(t *testing.T) {
	_, err := NewClassifier([]ClassifierRule{{When: `status == 500`, Kind: schema.ErrorKindTimeout}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kind must be")

	_, err = NewClassifier([]ClassifierRule{{When: `status ==`, Kind: schema.ErrorKindFatal}}, nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}

// --- RetryController ---

func fastRetry(maxAttempts int) *RetryController {
	return NewRetryController(maxAttempts, BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}, nil)
}

func TestRetryController_SucceedsFirstTry(t *testing.T) {
	out := fastRetry(3).Run(context.Background(), "claude", func(context.Context, int) (*invoker.Response, error) {
		return &invoker.Response{Output: "ok"}, nil
	}, nil)

	require.True(t, out.OK())
	assert.Equal(t, "ok", out.Response.Output)
	assert.Equal(t, 1, out.Attempts)
}

func TestRetryController_RetriesTransient(t *testing.T) {
	var notices []RetryNotice
	out := fastRetry(3).Run(context.Background(), "claude", func(_ context.Context, attempt int) (*invoker.Response, error) {
		if attempt < 3 {
			return nil, invoker.Transient("p", "502")
		}
		return &invoker.Response{Output: "third time"}, nil
	}, func(n RetryNotice) { notices = append(notices, n) })

	require.True(t, out.OK())
	assert.Equal(t, 3, out.Attempts)
	require.Len(t, notices, 2)
	assert.Equal(t, 1, notices[0].Attempt)
	assert.Equal(t, schema.ErrorKindTransient, notices[0].Kind)
	assert.Equal(t, 2, notices[1].Attempt)
}

func TestRetryController_ExhaustsAttempts(t *testing.T) {
	calls := 0
	out := fastRetry(4).Run(context.Background(), "claude", func(context.Context, int) (*invoker.Response, error) {
		calls++
		return nil, invoker.RateLimited("p", "slow down", 0)
	}, nil)

	assert.False(t, out.OK())
	assert.Equal(t, schema.ErrorKindRateLimited, out.Kind)
	assert.Equal(t, 4, out.Attempts)
	assert.Equal(t, 4, calls)
}

func TestRetryController_FatalStopsImmediately(t *testing.T) {
	calls := 0
	out := fastRetry(5).Run(context.Background(), "claude", func(context.Context, int) (*invoker.Response, error) {
		calls++
		return nil, invoker.Fatal("p", "invalid api key")
	}, func(RetryNotice) { t.Fatal("fatal errors are not retried") })

	assert.Equal(t, schema.ErrorKindFatal, out.Kind)
	assert.Equal(t, 1, calls)
}

func TestRetryController_CancelledDuringBackoff(t *testing.T) {
	rc := NewRetryController(5, BackoffPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 1}, nil)
	ctx, cancel := context.WithCancel(context.Background())

	out := rc.Run(ctx, "claude", func(context.Context, int) (*invoker.Response, error) {
		return nil, invoker.Transient("p", "502")
	}, func(RetryNotice) { cancel() })

	assert.Equal(t, schema.ErrorKindCancelled, out.Kind)
	assert.Equal(t, 1, out.Attempts)
}

func TestRetryController_NilResponseIsEmptySuccess(t *testing.T) {
	out := fastRetry(1).Run(context.Background(), "claude", func(context.Context, int) (*invoker.Response, error) {
		return nil, nil
	}, nil)
	require.True(t, out.OK())
	assert.Empty(t, out.Response.Output)
}

// --- WaitForBackoff ---

func TestWaitForBackoff_ZeroDelay(t *testing.T) {
	assert.NoError(t, WaitForBackoff(context.Background(), 0))
}

func TestWaitForBackoff_Waits(t *testing.T) {
	start := time.Now()
	require.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitForBackoff_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, WaitForBackoff(ctx, time.Hour), context.Canceled)
}
