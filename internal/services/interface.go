package services

import (
	"context"

	"taskflow/backend/internal/repository"
	"taskflow/backend/pkg/models"
)

// Engine starts and controls runs. *scheduler.Scheduler implements it.
type Engine interface {
	Start(ctx context.Context, def *models.WorkflowDefinition, trigger models.Trigger) (string, error)
	Cancel(ctx context.Context, runID string) error
	Pause(ctx context.Context, runID string) error
	Resume(ctx context.Context, runID string) error
	Wait(ctx context.Context, runID string) (*models.Run, error)
	Load() models.WorkerLoad
}

// RunReader reads run state. *tracker.Tracker implements it.
type RunReader interface {
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, filter repository.RunFilter) ([]*models.Run, error)
	Health() map[models.RunStatus]int
}
