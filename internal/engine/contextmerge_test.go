package engine

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/maestro/pkg/schema"
)

func TestInputText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"write about SaaS trends"`, "write about SaaS trends"},
		{`{ "topic": "AI",  "words": 300 }`, `{"topic":"AI","words":300}`},
		{`[1, 2]`, `[1,2]`},
		{`null`, ""},
		{``, ""},
		{`42`, "42"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InputText(json.RawMessage(tt.in)), "input %s", tt.in)
	}
}

func TestSequentialContext(t *testing.T) {
	step := schema.StepDefinition{StepIndex: 0, Role: "Researcher"}
	assert.Equal(t, "topic", sequentialContext("topic", nil, step))

	prev := &schema.StepResult{StepIndex: 0, Output: "findings"}
	assert.Equal(t, "topic\n\n--- Researcher (step 0) ---\nfindings", sequentialContext("topic", prev, step))
}

func TestSynthesizerContext(t *testing.T) {
	peers := []peerOutput{
		{Step: schema.StepDefinition{StepIndex: 0, Role: "Optimist"}, Output: "ship"},
		{Step: schema.StepDefinition{StepIndex: 1, Role: "Skeptic"}, Failed: true, Kind: schema.ErrorKindTimeout, Error: "deadline"},
	}
	got := synthesizerContext("question", peers)
	assert.Equal(t, "question\n\n--- Optimist (step 0) ---\nship\n\n--- Skeptic (step 1) ---\n[FAILED: timeout] deadline", got)

	scope := peersScope(peers)
	require.Len(t, scope, 2)
	assert.Equal(t, "ship", scope[0].(map[string]any)["output"])
	assert.Equal(t, "timeout", scope[1].(map[string]any)["error_kind"])
}

func TestResolveTask(t *testing.T) {
	p := sequentialPipeline("p", "Researcher", "Copywriter", "Reviewer")

	idx, err := resolveTask(p, "", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	idx, err = resolveTask(p, " 1 ", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)

	idx, err = resolveTask(p, "REVIEWER", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, err = resolveTask(p, "3", 0)
	assert.Error(t, err)

	_, err = resolveTask(p, "Editor", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Researcher, Copywriter, Reviewer")
}

func TestSameJSON(t *testing.T) {
	assert.True(t, sameJSON([]byte(`{"a":1,"b":[1,2]}`), []byte(`{ "b": [1, 2], "a": 1 }`)))
	assert.False(t, sameJSON([]byte(`"x"`), []byte(`"y"`)))
}
