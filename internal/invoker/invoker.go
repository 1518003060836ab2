package invoker

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// Invoker is the boundary to the LLM-backed worker bound to a step.
// Implementations stream partial output through onChunk (which may be nil)
// and return the full output when the call completes.
type Invoker interface {
	Invoke(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)
}

// ChunkFunc receives incremental output deltas as they arrive.
type ChunkFunc func(delta string)

// Request is everything an agent needs for one step attempt.
type Request struct {
	ExecutionID string                `json:"execution_id"`
	Step        schema.StepDefinition `json:"step"`
	Prompt      string                `json:"prompt"`
	Context     string                `json:"context"`
	Attempt     int                   `json:"attempt"`
}

// Response is the result of a successful invocation.
type Response struct {
	Output     string `json:"output"`
	TokensUsed int    `json:"tokens_used"`
	Model      string `json:"model,omitempty"`
}

// Func adapts an ordinary function to the Invoker interface.
type Func func(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error)

func (f Func) Invoke(ctx context.Context, req Request, onChunk ChunkFunc) (*Response, error) {
	return f(ctx, req, onChunk)
}

// Error is a provider failure carrying enough detail for classification.
type Error struct {
	Kind       schema.ErrorKind
	StatusCode int
	RetryAfter time.Duration
	Provider   string
	Message    string
	Cause      error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// RateLimited builds a rate-limit error with an optional retry hint.
func RateLimited(provider, message string, retryAfter time.Duration) *Error {
	return &Error{Kind: schema.ErrorKindRateLimited, StatusCode: 429, Provider: provider, Message: message, RetryAfter: retryAfter}
}

// Transient builds a retryable provider error.
func Transient(provider, message string) *Error {
	return &Error{Kind: schema.ErrorKindTransient, Provider: provider, Message: message}
}

// Fatal builds a non-retryable provider error.
func Fatal(provider, message string) *Error {
	return &Error{Kind: schema.ErrorKindFatal, Provider: provider, Message: message}
}

// KindForStatus maps an HTTP status from a provider to an error kind.
func KindForStatus(code int) schema.ErrorKind {
	switch {
	case code == 429:
		return schema.ErrorKindRateLimited
	case code == 408 || code >= 500:
		return schema.ErrorKindTransient
	case code >= 400:
		return schema.ErrorKindFatal
	default:
		return schema.ErrorKindTransient
	}
}
