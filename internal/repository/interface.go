package repository

import (
	"context"
	"errors"

	"taskflow/backend/pkg/models"
)

var (
	// ErrNotFound is returned when a workflow, version or run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDefinitionConflict is returned when an (id, version) pair is stored
	// again with different content.
	ErrDefinitionConflict = errors.New("a different definition with this id and version already exists")
)

// WorkflowStore holds immutable workflow definitions keyed by (id, version).
type WorkflowStore interface {
	// CreateWorkflow stores def. Storing an identical definition again is a
	// no-op that returns the stored copy with created=false.
	CreateWorkflow(ctx context.Context, def *models.WorkflowDefinition) (stored *models.WorkflowDefinition, created bool, err error)
	// GetWorkflow returns the most recently stored version of id.
	GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	// GetWorkflowVersion returns one exact version.
	GetWorkflowVersion(ctx context.Context, id, version string) (*models.WorkflowDefinition, error)
	// ListWorkflows returns definitions in storage order, optionally only the
	// latest version of each id.
	ListWorkflows(ctx context.Context, latestOnly bool) ([]*models.WorkflowDefinition, error)
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	WorkflowID string
	Status     models.RunStatus
	Limit      int
}

// Match reports whether run passes the filter's predicates (Limit excluded).
func (f RunFilter) Match(run *models.Run) bool {
	if f.WorkflowID != "" && run.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	return true
}

// RunStore persists run snapshots.
type RunStore interface {
	// SaveRun inserts or replaces the run.
	SaveRun(ctx context.Context, run *models.Run) error
	GetRun(ctx context.Context, id string) (*models.Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*models.Run, error)
}

// Store is the full persistence surface.
type Store interface {
	WorkflowStore
	RunStore
	Ping(ctx context.Context) error
	Close()
}
