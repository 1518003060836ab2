package schema

import (
	"strings"
	"time"
)

// Strategy selects how the steps of a pipeline are scheduled.
type Strategy string

const (
	StrategySequential Strategy = "sequential"
	StrategyParallel   Strategy = "parallel"
	StrategyConsensus  Strategy = "consensus"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategySequential, StrategyParallel, StrategyConsensus:
		return true
	}
	return false
}

// FanOut reports whether the strategy dispatches peers concurrently
// before a final synthesizer step.
func (s Strategy) FanOut() bool {
	return s == StrategyParallel || s == StrategyConsensus
}

// PipelineDefinition is the JSON/YAML-serializable pipeline format.
type PipelineDefinition struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	Strategy        Strategy         `json:"strategy" yaml:"strategy"`
	Steps           []StepDefinition `json:"steps" yaml:"steps"`
	OutputTransform string           `json:"output_transform,omitempty" yaml:"output_transform,omitempty"` // jq filter over the final output
	StepTimeout     string           `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
	Retry           *RetryPolicy     `json:"retry,omitempty" yaml:"retry,omitempty"`
	CreatedAt       time.Time        `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt       time.Time        `json:"updated_at,omitempty" yaml:"-"`
}

// StepDefinition binds a role and prompt template to an agent.
type StepDefinition struct {
	StepIndex      int    `json:"step_index" yaml:"step_index"`
	AgentRef       string `json:"agent_ref" yaml:"agent_ref"`
	Role           string `json:"role" yaml:"role"`
	PromptTemplate string `json:"prompt_template" yaml:"prompt_template"`
	Timeout        string `json:"timeout,omitempty" yaml:"timeout,omitempty"` // overrides the pipeline step_timeout
}

// RetryPolicy overrides the engine's default retry settings for a pipeline.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	BaseDelay   string `json:"base_delay,omitempty" yaml:"base_delay,omitempty"` // e.g. "500ms"
	MaxDelay    string `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
}

// Synthesizer returns the final step of a fan-out pipeline.
func (p *PipelineDefinition) Synthesizer() StepDefinition {
	return p.Steps[len(p.Steps)-1]
}

// Peers returns every step except the synthesizer.
func (p *PipelineDefinition) Peers() []StepDefinition {
	if len(p.Steps) == 0 {
		return nil
	}
	return p.Steps[:len(p.Steps)-1]
}

// StepByRole resolves a task reference (a role name, case-insensitive) to a step index.
func (p *PipelineDefinition) StepByRole(role string) (int, bool) {
	for _, s := range p.Steps {
		if strings.EqualFold(s.Role, role) {
			return s.StepIndex, true
		}
	}
	return 0, false
}
