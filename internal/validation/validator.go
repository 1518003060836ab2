package validation

import "github.com/rendis/maestro/pkg/schema"

// Validator checks pipeline definitions for correctness before they are
// stored or executed.
type Validator interface {
	ValidateDefinition(def *schema.PipelineDefinition) error
	ValidateSubmit(body []byte) error
}

// AgentLookup reports whether an agent_ref can be invoked.
// Satisfied by invoker.Registry.
type AgentLookup interface {
	Has(ref string) bool
}
