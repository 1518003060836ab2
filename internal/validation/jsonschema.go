package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/maestro/pkg/schema"
)

const (
	pipelineSchemaURL = "https://maestro.dev/schemas/pipeline.json"
	submitSchemaURL   = "https://maestro.dev/schemas/submit.json"
)

// pipelineSchemaJSON is the JSON Schema for PipelineDefinition validation.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://maestro.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["id", "strategy", "steps"],
  "properties": {
    "id": {
      "type": "string",
      "minLength": 1,
      "maxLength": 128,
      "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]*$"
    },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "strategy": {
      "type": "string",
      "enum": ["sequential", "parallel", "consensus"]
    },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "output_transform": { "type": "string" },
    "step_timeout": { "$ref": "#/$defs/duration" },
    "retry": { "$ref": "#/$defs/retry" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "step": {
      "type": "object",
      "required": ["step_index", "agent_ref", "role", "prompt_template"],
      "properties": {
        "step_index": { "type": "integer", "minimum": 0 },
        "agent_ref": { "type": "string", "minLength": 1 },
        "role": { "type": "string", "minLength": 1 },
        "prompt_template": { "type": "string" },
        "timeout": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 0, "maximum": 20 },
        "base_delay": { "$ref": "#/$defs/duration" },
        "max_delay": { "$ref": "#/$defs/duration" }
      },
      "additionalProperties": false
    }
  }
}`

// submitSchemaJSON is the JSON Schema for POST /executions bodies.
const submitSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://maestro.dev/schemas/submit.json",
  "type": "object",
  "properties": {
    "pipeline_id": { "type": "string", "minLength": 1 },
    "input": {},
    "source_execution_id": { "type": "string", "minLength": 1 },
    "start_from_step": { "type": "integer", "minimum": 0 },
    "resume_from_task": {
      "oneOf": [
        { "type": "integer", "minimum": 0 },
        { "type": "string", "minLength": 1 }
      ]
    }
  },
  "anyOf": [
    { "required": ["pipeline_id", "input"] },
    { "required": ["source_execution_id"] }
  ],
  "not": { "required": ["start_from_step", "resume_from_task"] },
  "dependentRequired": {
    "start_from_step": ["source_execution_id"],
    "resume_from_task": ["source_execution_id"]
  },
  "additionalProperties": false
}`

// JSONSchemaValidator validates pipeline definitions and submit bodies
// against JSON Schema Draft 2020-12. It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema
	submitSchema   *jsonschema.Schema
}

// NewJSONSchemaValidator compiles the embedded schemas.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	for url, raw := range map[string]string{
		pipelineSchemaURL: pipelineSchemaJSON,
		submitSchemaURL:   submitSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", url, err)
		}
	}

	pipeline, err := c.Compile(pipelineSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile pipeline schema: %w", err)
	}
	submit, err := c.Compile(submitSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile submit schema: %w", err)
	}

	return &JSONSchemaValidator{
		pipelineSchema: pipeline,
		submitSchema:   submit,
	}, nil
}

// ValidateDefinition validates a PipelineDefinition against the pipeline schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "pipeline definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize pipeline definition").WithCause(err)
	}

	if err := v.pipelineSchema.Validate(doc); err != nil {
		return toMaestroError(err)
	}
	return nil
}

// ValidateSubmit validates a raw execution submit body.
func (v *JSONSchemaValidator) ValidateSubmit(body []byte) error {
	if len(strings.TrimSpace(string(body))) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "request body is empty")
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(body)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "request body is not valid JSON").WithCause(err)
	}
	if err := v.submitSchema.Validate(doc); err != nil {
		return toMaestroError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON so numbers become
// json.Number, as the jsonschema library requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toMaestroError converts a jsonschema.ValidationError into a MaestroError
// listing every violation with its instance location.
func toMaestroError(err error) *schema.MaestroError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf messages.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
