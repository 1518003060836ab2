package store

import (
	"time"

	"github.com/rendis/maestro/pkg/schema"
)

// ExecutionUpdate describes the fields changed by a status transition.
// Nil pointers leave the column untouched.
type ExecutionUpdate struct {
	Status      schema.ExecutionStatus
	Output      *string
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time

	// Reopen clears output, error, and completed_at (resume).
	Reopen bool
	// TruncateFrom deletes step results and failures at or after the index,
	// in the same transaction as the status change.
	TruncateFrom *int
}

// ExecutionFilter selects executions for listing.
type ExecutionFilter struct {
	Status     schema.ExecutionStatus
	PipelineID string
	Search     string // substring of id, input, or output
	Page       int    // 1-based
	Limit      int
}

// ExecutionPage is one page of executions plus per-status counts.
// Counts ignore the status filter so every tab can be labelled; "all" holds the total.
type ExecutionPage struct {
	Items  []*schema.Execution `json:"items"`
	Total  int                 `json:"total"`
	Page   int                 `json:"page"`
	Limit  int                 `json:"limit"`
	Counts map[string]int      `json:"counts"`
}

const (
	defaultPageLimit = 20
	maxPageLimit     = 200
)

// Normalize applies paging defaults and bounds.
func (f *ExecutionFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit <= 0 {
		f.Limit = defaultPageLimit
	}
	if f.Limit > maxPageLimit {
		f.Limit = maxPageLimit
	}
}
