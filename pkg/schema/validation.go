package schema

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DefinitionIssue is one finding about a pipeline definition. Field is either
// a dotted path ("steps[1].agent_ref") or a JSON pointer ("/steps/1/role");
// Step is set when the field lives under a single step.
type DefinitionIssue struct {
	Field   string `json:"field,omitempty"`
	Step    *int   `json:"step_index,omitempty"`
	Message string `json:"message"`
}

func (i DefinitionIssue) String() string {
	if i.Field == "" || i.Field == "/" {
		return i.Message
	}
	return i.Field + ": " + i.Message
}

// DefinitionReport collects what a check of one pipeline definition found.
// Problems block storing and running the pipeline; notes do not.
type DefinitionReport struct {
	PipelineID string            `json:"pipeline_id,omitempty"`
	Problems   []DefinitionIssue `json:"problems,omitempty"`
	Notes      []DefinitionIssue `json:"notes,omitempty"`
}

// NewDefinitionReport starts an empty report for the given pipeline.
func NewDefinitionReport(pipelineID string) *DefinitionReport {
	return &DefinitionReport{PipelineID: pipelineID}
}

// OK reports whether the definition has no problems.
func (r *DefinitionReport) OK() bool {
	return len(r.Problems) == 0
}

func (r *DefinitionReport) Problem(field, format string, args ...any) {
	r.Problems = append(r.Problems, newIssue(field, format, args...))
}

func (r *DefinitionReport) Note(field, format string, args ...any) {
	r.Notes = append(r.Notes, newIssue(field, format, args...))
}

// Include appends the findings of another check of the same definition.
func (r *DefinitionReport) Include(other *DefinitionReport) {
	if other == nil {
		return
	}
	r.Problems = append(r.Problems, other.Problems...)
	r.Notes = append(r.Notes, other.Notes...)
}

// Steps lists, in order, the step indices that have at least one problem.
func (r *DefinitionReport) Steps() []int {
	var steps []int
	for _, p := range r.Problems {
		if p.Step != nil && !slices.Contains(steps, *p.Step) {
			steps = append(steps, *p.Step)
		}
	}
	slices.Sort(steps)
	return steps
}

// Err returns nil for a definition without problems. Otherwise it returns a
// VALIDATION_ERROR naming the offending step when every problem sits in the
// same one.
func (r *DefinitionReport) Err() error {
	if r.OK() {
		return nil
	}

	var msg string
	switch {
	case len(r.Problems) == 1:
		msg = r.Problems[0].String()
	case r.PipelineID != "":
		msg = fmt.Sprintf("pipeline %q has %d problems", r.PipelineID, len(r.Problems))
	default:
		msg = fmt.Sprintf("pipeline definition has %d problems", len(r.Problems))
	}

	problems := make([]string, len(r.Problems))
	for i, p := range r.Problems {
		problems[i] = p.String()
	}
	notes := make([]string, len(r.Notes))
	for i, n := range r.Notes {
		notes[i] = n.String()
	}
	steps := r.Steps()

	err := NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"pipeline_id": r.PipelineID,
		"problems":    problems,
		"notes":       notes,
		"steps":       steps,
	})
	if len(steps) == 1 && allInStep(r.Problems, steps[0]) {
		err = err.WithStep(steps[0])
	}
	return err
}

func allInStep(issues []DefinitionIssue, step int) bool {
	for _, i := range issues {
		if i.Step == nil || *i.Step != step {
			return false
		}
	}
	return true
}

func newIssue(field, format string, args ...any) DefinitionIssue {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	issue := DefinitionIssue{Field: field, Message: msg}
	if idx, ok := stepOf(field); ok {
		issue.Step = &idx
	}
	return issue
}

// stepOf extracts the step index from "steps[N]..." or "/steps/N/...".
func stepOf(field string) (int, bool) {
	var rest string
	switch {
	case strings.HasPrefix(field, "steps["):
		rest, _, _ = strings.Cut(strings.TrimPrefix(field, "steps["), "]")
	case strings.HasPrefix(field, "/steps/"):
		rest, _, _ = strings.Cut(strings.TrimPrefix(field, "/steps/"), "/")
	default:
		return 0, false
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, false
	}
	return idx, true
}
