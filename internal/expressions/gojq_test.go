package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func TestNewGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	assert.Equal(t, "jq", e.Name())
}

func TestGoJQ_Evaluate(t *testing.T) {
	e := NewGoJQEngine()
	data := map[string]any{"verdict": "approve", "scores": []any{1, 2, 3}}

	out, err := e.Evaluate(context.Background(), ".verdict", data)
	require.NoError(t, err)
	assert.Equal(t, "approve", out)

	out, err = e.Evaluate(context.Background(), ".scores[]", data)
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2, 3}, out)

	out, err = e.Evaluate(context.Background(), "empty", data)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQ_Transform(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()
	output := `{"summary":"ship it","score":3,"votes":[{"agent":"a"},{"agent":"b"}]}`

	tests := []struct {
		name   string
		filter string
		want   string
	}{
		{name: "string result verbatim", filter: ".summary", want: "ship it"},
		{name: "number re-encoded", filter: ".score", want: "3"},
		{name: "object re-encoded", filter: "{score}", want: `{"score":3}`},
		{name: "multiple results as array", filter: ".votes[].agent", want: `["a","b"]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.Transform(ctx, tt.filter, output)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoJQ_TransformErrors(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	_, err := e.Transform(ctx, ".summary", "not json")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransform))

	_, err = e.Transform(ctx, ".[", `{}`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = e.Transform(ctx, `error("boom")`, `{}`)
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransform))
}

func TestGoJQ_NoEnvAccess(t *testing.T) {
	e := NewGoJQEngine()
	out, err := e.Evaluate(context.Background(), "$ENV | length", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}
