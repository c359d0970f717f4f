// Package services composes the definition store, the graph validator and the
// scheduler into the operations exposed over HTTP and MCP.
package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"taskflow/backend/internal/dag"
	"taskflow/backend/internal/executor"
	"taskflow/backend/internal/repository"
	"taskflow/backend/pkg/models"
)

// DefaultVersion is assigned to definitions submitted without a version.
const DefaultVersion = "1"

// WorkflowService is the application layer over the engine.
type WorkflowService struct {
	store    repository.WorkflowStore
	runs     RunReader
	engine   Engine
	registry *executor.Registry
	log      *slog.Logger
}

// NewWorkflowService wires the service.
func NewWorkflowService(store repository.WorkflowStore, runs RunReader, engine Engine, registry *executor.Registry, logger *slog.Logger) *WorkflowService {
	return &WorkflowService{
		store:    store,
		runs:     runs,
		engine:   engine,
		registry: registry,
		log:      logger,
	}
}

// Validate checks a definition without storing it. Every returned error
// matches dag.ErrInvalidDefinition.
func (s *WorkflowService) Validate(def *models.WorkflowDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: definition is empty", dag.ErrInvalidDefinition)
	}
	if strings.TrimSpace(def.ID) == "" {
		return fmt.Errorf("%w: id is required", dag.ErrInvalidDefinition)
	}
	g, err := dag.Build(def.Tasks)
	if err != nil {
		return err
	}
	return s.registry.ValidateDefinition(def, g)
}

// DefineWorkflow validates def and stores it. created is false when an
// identical definition was already stored under the same id and version.
func (s *WorkflowService) DefineWorkflow(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, bool, error) {
	if def != nil {
		def = def.Clone()
		if def.Version == "" {
			def.Version = DefaultVersion
		}
		if def.Name == "" {
			def.Name = def.ID
		}
	}
	if err := s.Validate(def); err != nil {
		return nil, false, err
	}

	stored, created, err := s.store.CreateWorkflow(ctx, def)
	if err != nil {
		return nil, false, fmt.Errorf("failed to store workflow %s@%s: %w", def.ID, def.Version, err)
	}
	if created {
		s.log.InfoContext(ctx, "workflow defined", "workflow_id", stored.ID, "version", stored.Version, "tasks", len(stored.Tasks))
	}
	return stored, created, nil
}

// StartRun triggers a run of a stored definition. An empty version selects
// the latest one.
func (s *WorkflowService) StartRun(ctx context.Context, workflowID, version string, trigger models.Trigger) (*models.Run, error) {
	var (
		def *models.WorkflowDefinition
		err error
	)
	if version == "" {
		def, err = s.store.GetWorkflow(ctx, workflowID)
	} else {
		def, err = s.store.GetWorkflowVersion(ctx, workflowID, version)
	}
	if err != nil {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, err)
	}
	return s.start(ctx, def, trigger)
}

// SubmitWorkflow stores def and immediately starts a manual run of it.
func (s *WorkflowService) SubmitWorkflow(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, bool, *models.Run, error) {
	stored, created, err := s.DefineWorkflow(ctx, def)
	if err != nil {
		return nil, false, nil, err
	}
	run, err := s.start(ctx, stored, models.TriggerManual)
	if err != nil {
		return stored, created, nil, err
	}
	return stored, created, run, nil
}

func (s *WorkflowService) start(ctx context.Context, def *models.WorkflowDefinition, trigger models.Trigger) (*models.Run, error) {
	if trigger == "" {
		trigger = models.TriggerManual
	}
	runID, err := s.engine.Start(ctx, def, trigger)
	if err != nil {
		return nil, fmt.Errorf("failed to start workflow %s: %w", def.ID, err)
	}
	return s.runs.GetRun(ctx, runID)
}

// ListWorkflows returns stored definitions.
func (s *WorkflowService) ListWorkflows(ctx context.Context, latestOnly bool) ([]*models.WorkflowDefinition, error) {
	return s.store.ListWorkflows(ctx, latestOnly)
}

// GetWorkflow returns the latest version of a definition.
func (s *WorkflowService) GetWorkflow(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	return s.store.GetWorkflow(ctx, id)
}

// ListRuns returns runs newest first.
func (s *WorkflowService) ListRuns(ctx context.Context, filter repository.RunFilter) ([]*models.Run, error) {
	return s.runs.ListRuns(ctx, filter)
}

func (s *WorkflowService) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	return s.runs.GetRun(ctx, runID)
}

// CancelRun requests cancellation and returns the run as it stands.
func (s *WorkflowService) CancelRun(ctx context.Context, runID string) (*models.Run, error) {
	if err := s.engine.Cancel(ctx, runID); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "run cancellation requested", "run_id", runID)
	return s.runs.GetRun(ctx, runID)
}

// PauseRun stops the run from dispatching new tasks.
func (s *WorkflowService) PauseRun(ctx context.Context, runID string) (*models.Run, error) {
	if err := s.engine.Pause(ctx, runID); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "run paused", "run_id", runID)
	return s.runs.GetRun(ctx, runID)
}

// ResumeRun lets a paused run dispatch again.
func (s *WorkflowService) ResumeRun(ctx context.Context, runID string) (*models.Run, error) {
	if err := s.engine.Resume(ctx, runID); err != nil {
		return nil, err
	}
	s.log.InfoContext(ctx, "run resumed", "run_id", runID)
	return s.runs.GetRun(ctx, runID)
}

// WaitRun blocks until the run is terminal.
func (s *WorkflowService) WaitRun(ctx context.Context, runID string) (*models.Run, error) {
	return s.engine.Wait(ctx, runID)
}

// TaskKinds describes the registered task kinds.
func (s *WorkflowService) TaskKinds() []models.TaskKindInfo {
	return s.registry.Describe()
}

// RunHealth counts tracked runs by status.
func (s *WorkflowService) RunHealth() map[models.RunStatus]int {
	return s.runs.Health()
}

// WorkerLoad reports worker pool occupancy; nil when no engine is attached.
func (s *WorkflowService) WorkerLoad() *models.WorkerLoad {
	if s.engine == nil {
		return nil
	}
	load := s.engine.Load()
	return &load
}
