package validation

import (
	"strings"

	"github.com/rendis/maestro/internal/expressions"
	"github.com/rendis/maestro/pkg/schema"
)

// PipelineValidator runs the two-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (indices, agents, templates, transform, durations)
type PipelineValidator struct {
	jsonSchema *JSONSchemaValidator
	agents     AgentLookup
	templates  *expressions.TemplateRenderer
	jq         *expressions.GoJQEngine
}

// NewPipelineValidator creates a PipelineValidator.
// lookup may be nil to skip agent existence checks.
func NewPipelineValidator(lookup AgentLookup) (*PipelineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PipelineValidator{
		jsonSchema: jsv,
		agents:     lookup,
		templates:  expressions.NewTemplateRenderer(nil),
		jq:         expressions.NewGoJQEngine(),
	}, nil
}

// Check runs both stages and reports what it found.
// Structural problems short-circuit the semantic stage.
func (pv *PipelineValidator) Check(def *schema.PipelineDefinition) *schema.DefinitionReport {
	if def == nil {
		r := schema.NewDefinitionReport("")
		r.Problem("", "pipeline definition is nil")
		return r
	}

	report := checkStructure(pv.jsonSchema, def)
	if !report.OK() {
		return report
	}

	report.Include(checkSemantics(def, pv.agents, pv.templates, pv.jq))
	return report
}

// ValidateDefinition satisfies the Validator interface.
func (pv *PipelineValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	return pv.Check(def).Err()
}

// ValidateSubmit delegates to the underlying JSONSchemaValidator.
func (pv *PipelineValidator) ValidateSubmit(body []byte) error {
	return pv.jsonSchema.ValidateSubmit(body)
}

// checkStructure turns JSON Schema violations into report problems, keeping
// each violation's instance location as the field.
func checkStructure(v *JSONSchemaValidator, def *schema.PipelineDefinition) *schema.DefinitionReport {
	report := schema.NewDefinitionReport(def.ID)

	err := v.ValidateDefinition(def)
	if err == nil {
		return report
	}

	mErr, ok := err.(*schema.MaestroError)
	if !ok {
		report.Problem("", "%s", err.Error())
		return report
	}

	if violations, ok := mErr.Details["violations"].([]string); ok {
		for _, violation := range violations {
			field, msg, found := strings.Cut(violation, ": ")
			if !found {
				field, msg = "", violation
			}
			report.Problem(field, "%s", msg)
		}
		return report
	}
	report.Problem("", "%s", mErr.Message)
	return report
}

var _ Validator = (*PipelineValidator)(nil)
