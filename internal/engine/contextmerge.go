package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/maestro/pkg/schema"
)

// InputText renders the caller input as prompt text: a JSON string is used
// as is, any other value as compact JSON.
func InputText(input json.RawMessage) string {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return string(trimmed)
	}
	return buf.String()
}

// inputValue decodes the caller input for template scopes.
func inputValue(input json.RawMessage) any {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return string(input)
	}
	return v
}

// peerOutput is one fan-out peer as seen by the synthesizer.
type peerOutput struct {
	Step   schema.StepDefinition
	Output string
	Failed bool
	Kind   schema.ErrorKind
	Error  string
}

func sectionHeader(step schema.StepDefinition) string {
	return fmt.Sprintf("--- %s (step %d) ---", step.Role, step.StepIndex)
}

// sequentialContext is the caller input followed by the previous step's output.
func sequentialContext(input string, prev *schema.StepResult, prevStep schema.StepDefinition) string {
	if prev == nil {
		return input
	}
	var b strings.Builder
	b.WriteString(input)
	b.WriteString("\n\n")
	b.WriteString(sectionHeader(prevStep))
	b.WriteString("\n")
	b.WriteString(prev.Output)
	return b.String()
}

// synthesizerContext is the caller input followed by every peer in step
// order, failed peers marked explicitly.
func synthesizerContext(input string, peers []peerOutput) string {
	var b strings.Builder
	b.WriteString(input)
	for _, p := range peers {
		b.WriteString("\n\n")
		b.WriteString(sectionHeader(p.Step))
		b.WriteString("\n")
		if p.Failed {
			fmt.Fprintf(&b, "[FAILED: %s] %s", p.Kind, p.Error)
			continue
		}
		b.WriteString(p.Output)
	}
	return b.String()
}

// peersScope exposes peers to prompt templates.
func peersScope(peers []peerOutput) []any {
	out := make([]any, 0, len(peers))
	for _, p := range peers {
		m := map[string]any{
			"step_index": p.Step.StepIndex,
			"role":       p.Step.Role,
			"agent_ref":  p.Step.AgentRef,
			"output":     p.Output,
			"failed":     p.Failed,
		}
		if p.Failed {
			m["error"] = p.Error
			m["error_kind"] = string(p.Kind)
		}
		out = append(out, m)
	}
	return out
}
