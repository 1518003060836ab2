package validation

import (
	"fmt"
	"strings"
	"time"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/pkg/schema"
)

// checkSemantics covers what JSON Schema cannot express: index contiguity,
// fan-out shape, agent availability, templates, the output transform, and
// duration ordering.
func checkSemantics(def *schema.PipelineDefinition, lookup AgentLookup, templates *expressions.TemplateRenderer, jq *expressions.GoJQEngine) *schema.DefinitionReport {
	report := schema.NewDefinitionReport(def.ID)

	for i, step := range def.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if step.StepIndex != i {
			report.Problem(path+".step_index",
				"step_index must be %d (indices are 0-based, contiguous, in order), got %d", i, step.StepIndex)
		}
		if lookup != nil && !lookup.Has(step.AgentRef) {
			report.Problem(path+".agent_ref", "agent %q not registered", step.AgentRef)
		}
		if strings.TrimSpace(step.PromptTemplate) == "" {
			report.Note(path+".prompt_template", "empty prompt template: the agent only receives the merged context")
		} else if err := templates.Check(step.PromptTemplate); err != nil {
			report.Problem(path+".prompt_template", "%v", err)
		}
		if _, err := parseDuration(step.Timeout); err != nil {
			report.Problem(path+".timeout", "%v", err)
		}
	}

	seenRoles := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		key := strings.ToLower(step.Role)
		if first, dup := seenRoles[key]; dup {
			report.Note(fmt.Sprintf("steps[%d].role", i),
				"role %q repeats step %d; resuming by role selects the first", step.Role, first)
			continue
		}
		seenRoles[key] = i
	}

	if def.Strategy.FanOut() && len(def.Steps) < 2 {
		report.Problem("steps",
			"%s strategy needs at least 2 steps (one peer and the synthesizer), got %d", def.Strategy, len(def.Steps))
	}

	if def.OutputTransform != "" {
		if _, err := jq.Compile(def.OutputTransform); err != nil {
			report.Problem("output_transform", "%v", err)
		}
	}

	if _, err := parseDuration(def.StepTimeout); err != nil {
		report.Problem("step_timeout", "%v", err)
	}

	if r := def.Retry; r != nil {
		base, err := parseDuration(r.BaseDelay)
		if err != nil {
			report.Problem("retry.base_delay", "%v", err)
		}
		maxDelay, err := parseDuration(r.MaxDelay)
		if err != nil {
			report.Problem("retry.max_delay", "%v", err)
		}
		if base > 0 && maxDelay > 0 && base > maxDelay {
			report.Problem("retry", "base_delay (%s) exceeds max_delay (%s)", r.BaseDelay, r.MaxDelay)
		}
		if r.MaxAttempts > 10 {
			report.Note("retry.max_attempts", "high attempt count (%d) may cause excessive delays", r.MaxAttempts)
		}
	}

	return report
}

// parseDuration accepts an empty string as zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", s)
	}
	return d, nil
}
