// Package tracker owns the authoritative state of every run.
//
// Each run has its own lock; all transitions of one run are serialized and
// published to the feed in the order they were applied. When a RunStore is
// configured the new state is persisted before it becomes visible, so a
// failed write leaves the run unchanged.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"taskflow/backend/internal/feed"
	"taskflow/backend/internal/repository"
	"taskflow/backend/pkg/models"
)

var (
	ErrRunNotFound       = errors.New("run not found")
	ErrInvalidTransition = errors.New("invalid state transition")
)

// InterruptedCause is recorded on runs that were in flight when the process stopped.
const InterruptedCause = "interrupted by restart"

// TransitionError describes a rejected transition.
type TransitionError struct {
	RunID string
	Task  string // empty for run-level transitions
	From  string
	To    string
}

func (e *TransitionError) Error() string {
	if e.Task == "" {
		return fmt.Sprintf("run %s: cannot move from %s to %s", e.RunID, e.From, e.To)
	}
	return fmt.Sprintf("run %s task %q: cannot move from %s to %s", e.RunID, e.Task, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

var taskTransitions = map[models.TaskStatus][]models.TaskStatus{
	models.TaskPending: {models.TaskReady, models.TaskSkipped, models.TaskCancelled},
	models.TaskReady:   {models.TaskRunning, models.TaskFailed, models.TaskCancelled},
	models.TaskRunning: {models.TaskSucceeded, models.TaskFailed},
}

var runTransitions = map[models.RunStatus][]models.RunStatus{
	models.RunPending: {models.RunRunning, models.RunFailed},
	models.RunRunning: {models.RunPaused, models.RunCompleted, models.RunFailed},
	models.RunPaused:  {models.RunRunning, models.RunFailed},
}

func allowed[S comparable](table map[S][]S, from, to S) bool {
	for _, s := range table[from] {
		if s == to {
			return true
		}
	}
	return false
}

type entry struct {
	mu  sync.Mutex
	run *models.Run
}

// Tracker stores runs in memory with optional write-through persistence.
type Tracker struct {
	mu    sync.RWMutex
	runs  map[string]*entry
	store repository.RunStore
	hub   *feed.Hub
	log   *slog.Logger
	now   func() time.Time
}

// New creates a Tracker. store and hub may be nil.
func New(store repository.RunStore, hub *feed.Hub, logger *slog.Logger) *Tracker {
	return &Tracker{
		runs:  make(map[string]*entry),
		store: store,
		hub:   hub,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create registers a new pending run for def, with every task pending.
func (t *Tracker) Create(ctx context.Context, def *models.WorkflowDefinition, trigger models.Trigger) (*models.Run, error) {
	if trigger == "" {
		trigger = models.TriggerManual
	}
	run := &models.Run{
		ID:              uuid.New().String(),
		WorkflowID:      def.ID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          models.RunPending,
		StartTime:       t.now(),
		TriggeredBy:     trigger,
		Tasks:           make([]models.TaskRunState, len(def.Tasks)),
	}
	for i, spec := range def.Tasks {
		run.Tasks[i] = models.TaskRunState{Name: spec.Name, Type: spec.Type, Status: models.TaskPending}
	}

	if err := t.persist(ctx, run); err != nil {
		return nil, err
	}

	e := &entry{run: run}
	e.mu.Lock()
	defer e.mu.Unlock()

	t.mu.Lock()
	t.runs[run.ID] = e
	t.mu.Unlock()

	t.publish(feed.RunEvent(run))
	return run.Clone(), nil
}

// Transition applies one task state change.
func (t *Tracker) Transition(ctx context.Context, u models.TaskUpdate) error {
	e, err := t.entry(u.RunID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	current := e.run.Task(u.Task)
	if current == nil {
		return fmt.Errorf("run %s: unknown task %q", u.RunID, u.Task)
	}
	if !allowed(taskTransitions, current.Status, u.Status) {
		return &TransitionError{RunID: u.RunID, Task: u.Task, From: string(current.Status), To: string(u.Status)}
	}

	next := e.run.Clone()
	task := next.Task(u.Task)
	now := t.now()
	task.Status = u.Status
	switch u.Status {
	case models.TaskRunning:
		task.StartTime = &now
	case models.TaskSucceeded, models.TaskFailed:
		task.EndTime = &now
		task.Output = u.Output
		task.Error = u.Error
		task.Attempts = u.Attempts
	case models.TaskSkipped, models.TaskCancelled:
		task.EndTime = &now
		task.Error = u.Error
	}

	if err := t.persist(ctx, next); err != nil {
		return err
	}
	e.run = next
	t.publish(feed.TaskEvent(next, task))
	return nil
}

// SetRunStatus moves the run to status; cause is recorded for failures.
func (t *Tracker) SetRunStatus(ctx context.Context, runID string, status models.RunStatus, cause string) error {
	e, err := t.entry(runID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if !allowed(runTransitions, e.run.Status, status) {
		return &TransitionError{RunID: runID, From: string(e.run.Status), To: string(status)}
	}

	next := e.run.Clone()
	next.Status = status
	if status == models.RunFailed {
		next.Error = cause
	}
	if status.Terminal() {
		now := t.now()
		next.EndTime = &now
	}

	if err := t.persist(ctx, next); err != nil {
		return err
	}
	e.run = next
	t.publish(feed.RunEvent(next))
	return nil
}

// Abandon force-fails a run after an unrecoverable error. Unfinished tasks
// are closed out and the run is marked failed with cause. The in-memory state
// always changes; persisting it is best effort.
func (t *Tracker) Abandon(ctx context.Context, runID string, cause string) error {
	e, err := t.entry(runID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.run.Status.Terminal() {
		return nil
	}

	next := e.run.Clone()
	changed := closeOut(next, cause, t.now())

	if err := t.persist(ctx, next); err != nil {
		t.log.Error("failed to persist abandoned run", "run_id", runID, "error", err)
	}
	e.run = next
	for _, i := range changed {
		t.publish(feed.TaskEvent(next, &next.Tasks[i]))
	}
	t.publish(feed.RunEvent(next))
	return nil
}

// closeOut marks run failed and every unfinished task terminal. It returns
// the indexes of the tasks it changed.
func closeOut(run *models.Run, cause string, now time.Time) []int {
	var changed []int
	for i := range run.Tasks {
		task := &run.Tasks[i]
		switch task.Status {
		case models.TaskPending, models.TaskReady:
			task.Status = models.TaskCancelled
			task.EndTime = &now
		case models.TaskRunning:
			task.Status = models.TaskFailed
			task.Error = cause
			task.EndTime = &now
		default:
			continue
		}
		changed = append(changed, i)
	}
	run.Status = models.RunFailed
	run.Error = cause
	run.EndTime = &now
	return changed
}

// GetRun returns a copy of the run.
func (t *Tracker) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	e, err := t.entry(runID)
	if err == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.run.Clone(), nil
	}
	if t.store == nil {
		return nil, err
	}

	run, serr := t.store.GetRun(ctx, runID)
	if errors.Is(serr, repository.ErrNotFound) {
		return nil, err
	}
	if serr != nil {
		return nil, fmt.Errorf("failed to load run %s: %w", runID, serr)
	}
	return run, nil
}

// ListRuns returns copies of matching runs, newest first.
func (t *Tracker) ListRuns(_ context.Context, filter repository.RunFilter) ([]*models.Run, error) {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.runs))
	for _, e := range t.runs {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	out := make([]*models.Run, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if filter.Match(e.run) {
			out = append(out, e.run.Clone())
		}
		e.mu.Unlock()
	}

	repository.SortRunsNewestFirst(out)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Restore loads persisted runs. Runs that were not terminal are closed out
// as failed with InterruptedCause. It returns the number of interrupted runs.
func (t *Tracker) Restore(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	runs, err := t.store.ListRuns(ctx, repository.RunFilter{})
	if err != nil {
		return 0, fmt.Errorf("failed to load runs: %w", err)
	}

	interrupted := 0
	for _, run := range runs {
		if !run.Status.Terminal() {
			closeOut(run, InterruptedCause, t.now())
			if err := t.store.SaveRun(ctx, run); err != nil {
				return interrupted, fmt.Errorf("failed to close interrupted run %s: %w", run.ID, err)
			}
			interrupted++
		}
		t.mu.Lock()
		if _, exists := t.runs[run.ID]; !exists {
			t.runs[run.ID] = &entry{run: run}
		}
		t.mu.Unlock()
	}

	t.log.Info("runs restored", "total", len(runs), "interrupted", interrupted)
	return interrupted, nil
}

// Health counts runs by status.
func (t *Tracker) Health() map[models.RunStatus]int {
	t.mu.RLock()
	entries := make([]*entry, 0, len(t.runs))
	for _, e := range t.runs {
		entries = append(entries, e)
	}
	t.mu.RUnlock()

	counts := map[models.RunStatus]int{
		models.RunPending:   0,
		models.RunRunning:   0,
		models.RunPaused:    0,
		models.RunCompleted: 0,
		models.RunFailed:    0,
	}
	for _, e := range entries {
		e.mu.Lock()
		counts[e.run.Status]++
		e.mu.Unlock()
	}
	return counts
}

func (t *Tracker) entry(runID string) (*entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	return e, nil
}

func (t *Tracker) persist(ctx context.Context, run *models.Run) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveRun(ctx, run); err != nil {
		return fmt.Errorf("failed to persist run %s: %w", run.ID, err)
	}
	return nil
}

func (t *Tracker) publish(ev feed.Event) {
	if t.hub != nil {
		t.hub.Publish(ev)
	}
}
