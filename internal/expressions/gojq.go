package expressions

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/itchyny/gojq"

	"github.com/rendis/maestro/pkg/schema"
)

// GoJQEngine evaluates jq filters. Pipelines use it for output_transform,
// reshaping the synthesizer's JSON output into the execution's final output.
// Compiled code is cached and shared across goroutines.
type GoJQEngine struct {
	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewGoJQEngine creates a new GoJQ expression engine.
func NewGoJQEngine() *GoJQEngine {
	return &GoJQEngine{
		cache: make(map[string]*gojq.Code),
	}
}

func (e *GoJQEngine) Name() string {
	return "jq"
}

// Evaluate runs a jq filter over data. A single output is returned as is;
// multiple outputs are collected into []any.
func (e *GoJQEngine) Evaluate(ctx context.Context, expression string, data map[string]any) (any, error) {
	results, err := e.Apply(ctx, expression, data)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// Apply runs a jq filter over any JSON-compatible input and returns every output.
func (e *GoJQEngine) Apply(ctx context.Context, expression string, input any) ([]any, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	code, err := e.Compile(expression)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeTransform,
				"jq evaluation failed for %q: %s", expression, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": expression})
		}
		results = append(results, val)
	}
	return results, nil
}

// Transform applies a jq filter to a text output. The output must be JSON.
// A single string result is returned verbatim; anything else is re-encoded
// as compact JSON (multiple results as an array).
func (e *GoJQEngine) Transform(ctx context.Context, expression, output string) (string, error) {
	var input any
	dec := json.NewDecoder(strings.NewReader(output))
	dec.UseNumber()
	if err := dec.Decode(&input); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransform,
			"output_transform requires JSON output: %s", err.Error()).WithCause(err)
	}

	results, err := e.Apply(ctx, expression, normalizeNumbers(input))
	if err != nil {
		return "", err
	}

	var v any
	switch len(results) {
	case 0:
		return "", nil
	case 1:
		v = results[0]
	default:
		v = results
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeTransform, "encode transform result").WithCause(err)
	}
	return string(b), nil
}

// Compile returns the cached code for expression, parsing it on first use.
func (e *GoJQEngine) Compile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	if code, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return code, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if code, ok := e.cache[expression]; ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// No $ENV access.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	e.cache[expression] = code
	return code, nil
}

// normalizeNumbers converts json.Number into the int or float64 values gojq expects.
func normalizeNumbers(v any) any {
	switch val := v.(type) {
	case map[string]any:
		for k, item := range val {
			val[k] = normalizeNumbers(item)
		}
		return val
	case []any:
		for i, item := range val {
			val[i] = normalizeNumbers(item)
		}
		return val
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return int(i)
		}
		f, _ := val.Float64()
		return f
	default:
		return v
	}
}

var _ Engine = (*GoJQEngine)(nil)
