package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"taskflow/backend/pkg/models"
)

type storedDefinition struct {
	def         *models.WorkflowDefinition
	fingerprint string
}

// MemoryStore keeps definitions and runs in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	defs     []storedDefinition // storage order
	versions map[string][]int   // id -> indexes into defs
	runs     map[string]*models.Run
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		versions: make(map[string][]int),
		runs:     make(map[string]*models.Run),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateWorkflow stores a copy of def.
func (s *MemoryStore) CreateWorkflow(_ context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, bool, error) {
	fp, err := Fingerprint(def)
	if err != nil {
		return nil, false, fmt.Errorf("failed to fingerprint definition: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, i := range s.versions[def.ID] {
		existing := s.defs[i]
		if existing.def.Version != def.Version {
			continue
		}
		if existing.fingerprint != fp {
			return nil, false, fmt.Errorf("workflow %s version %s: %w", def.ID, def.Version, ErrDefinitionConflict)
		}
		return s.view(def.ID, i), false, nil
	}

	stored := def.Clone()
	now := s.now()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	stored.IsLatest = false

	s.defs = append(s.defs, storedDefinition{def: stored, fingerprint: fp})
	idx := len(s.defs) - 1
	s.versions[def.ID] = append(s.versions[def.ID], idx)
	return s.view(def.ID, idx), true, nil
}

// GetWorkflow returns the latest version of id.
func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.versions[id]
	if len(idxs) == 0 {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	return s.view(id, idxs[len(idxs)-1]), nil
}

// GetWorkflowVersion returns one version of id.
func (s *MemoryStore) GetWorkflowVersion(_ context.Context, id, version string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, i := range s.versions[id] {
		if s.defs[i].def.Version == version {
			return s.view(id, i), nil
		}
	}
	return nil, fmt.Errorf("workflow %s version %s: %w", id, version, ErrNotFound)
}

// ListWorkflows returns definitions in storage order.
func (s *MemoryStore) ListWorkflows(_ context.Context, latestOnly bool) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.WorkflowDefinition, 0, len(s.defs))
	for i, d := range s.defs {
		view := s.view(d.def.ID, i)
		if latestOnly && !view.IsLatest {
			continue
		}
		out = append(out, view)
	}
	return out, nil
}

// view returns a copy of defs[i] with IsLatest filled in. Callers hold mu.
func (s *MemoryStore) view(id string, i int) *models.WorkflowDefinition {
	cp := s.defs[i].def.Clone()
	idxs := s.versions[id]
	cp.IsLatest = idxs[len(idxs)-1] == i
	return cp
}

// SaveRun stores a copy of run.
func (s *MemoryStore) SaveRun(_ context.Context, run *models.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run.Clone()
	return nil
}

// GetRun returns a copy of the run.
func (s *MemoryStore) GetRun(_ context.Context, id string) (*models.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return run.Clone(), nil
}

// ListRuns returns matching runs, newest first.
func (s *MemoryStore) ListRuns(_ context.Context, filter RunFilter) ([]*models.Run, error) {
	s.mu.RLock()
	var out []*models.Run
	for _, run := range s.runs {
		if filter.Match(run) {
			out = append(out, run.Clone())
		}
	}
	s.mu.RUnlock()

	SortRunsNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() {}

// SortRunsNewestFirst orders runs by start time, descending, then by id.
func SortRunsNewestFirst(runs []*models.Run) {
	sort.Slice(runs, func(i, j int) bool {
		if !runs[i].StartTime.Equal(runs[j].StartTime) {
			return runs[i].StartTime.After(runs[j].StartTime)
		}
		return runs[i].ID > runs[j].ID
	})
}
