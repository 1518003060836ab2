package store

import (
	"context"
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Pipelines
	UpsertPipeline(ctx context.Context, p *schema.PipelineDefinition) error
	GetPipeline(ctx context.Context, id string) (*schema.PipelineDefinition, error)
	ListPipelines(ctx context.Context) ([]*schema.PipelineDefinition, error)

	// Executions
	CreateExecution(ctx context.Context, exec *schema.Execution) error
	GetExecution(ctx context.Context, id string) (*schema.Execution, error)
	TransitionExecution(ctx context.Context, id string, from schema.ExecutionStatus, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) (*ExecutionPage, error)
	ListStaleExecutions(ctx context.Context, statuses []schema.ExecutionStatus, updatedBefore time.Time) ([]*schema.Execution, error)

	// Step outcomes. Writes are rejected unless the execution is running.
	PutStepResult(ctx context.Context, executionID string, result *schema.StepResult) error
	PutStepFailure(ctx context.Context, executionID string, failure *schema.StepFailure) error

	// Event log (append-only, sequenced per execution)
	AppendEvent(ctx context.Context, event *schema.ExecutionEvent) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*schema.ExecutionEvent, error)
	LastSequence(ctx context.Context, executionID string) (int64, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
