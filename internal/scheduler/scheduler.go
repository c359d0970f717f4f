// Package scheduler drives workflow runs.
//
// Every run is owned by one actor goroutine. The actor is the only code that
// decides readiness for its run, so a task is dispatched at most once; workers
// report back through the actor's buffered event channel and never touch run
// state directly.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskflow/backend/internal/dag"
	"taskflow/backend/internal/executor"
	"taskflow/backend/internal/observability"
	"taskflow/backend/internal/tracker"
	"taskflow/backend/internal/workerpool"
	"taskflow/backend/pkg/models"
)

const (
	CancelledCause = "run cancelled"
	ShutdownCause  = "scheduler shutting down"
)

var (
	// ErrRunNotActive is returned by Cancel, Pause and Resume for runs that
	// already finished or are being cancelled.
	ErrRunNotActive = errors.New("run is not active")
	// ErrShuttingDown is returned by Start after Shutdown.
	ErrShuttingDown = errors.New("scheduler is shutting down")
)

// InfrastructureError is recorded on runs abandoned because their state
// could not be written.
type InfrastructureError struct {
	RunID string
	Err   error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("run %s abandoned: state tracker unavailable: %v", e.RunID, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Config tunes the scheduler.
type Config struct {
	// TrackerRetryInitial is the first backoff interval for tracker writes.
	TrackerRetryInitial time.Duration
	// TrackerRetryMaxElapsed bounds the total time spent retrying one write.
	TrackerRetryMaxElapsed time.Duration
}

// DefaultConfig returns the production retry settings.
func DefaultConfig() Config {
	return Config{
		TrackerRetryInitial:    100 * time.Millisecond,
		TrackerRetryMaxElapsed: 10 * time.Second,
	}
}

// Scheduler starts runs and tracks their actors.
type Scheduler struct {
	tracker *tracker.Tracker
	exec    *executor.Executor
	pool    *workerpool.Pool
	metrics *observability.Metrics
	log     *slog.Logger
	cfg     Config

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	actors map[string]*actor
	closed bool
	wg     sync.WaitGroup
}

// New creates a Scheduler. metrics may be nil.
func New(tr *tracker.Tracker, exec *executor.Executor, pool *workerpool.Pool, metrics *observability.Metrics, logger *slog.Logger, cfg Config) *Scheduler {
	if metrics == nil {
		metrics = observability.Nop()
	}
	defaults := DefaultConfig()
	if cfg.TrackerRetryInitial <= 0 {
		cfg.TrackerRetryInitial = defaults.TrackerRetryInitial
	}
	if cfg.TrackerRetryMaxElapsed <= 0 {
		cfg.TrackerRetryMaxElapsed = defaults.TrackerRetryMaxElapsed
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tracker: tr,
		exec:    exec,
		pool:    pool,
		metrics: metrics,
		log:     logger,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		actors:  make(map[string]*actor),
	}
}

// Start snapshots def, creates its run and begins executing it in the
// background. It returns the run ID once the run is recorded.
func (s *Scheduler) Start(ctx context.Context, def *models.WorkflowDefinition, trigger models.Trigger) (string, error) {
	snapshot := def.Clone()
	graph, err := dag.Build(snapshot.Tasks)
	if err != nil {
		return "", err
	}

	if s.isClosed() {
		return "", ErrShuttingDown
	}
	run, err := s.tracker.Create(ctx, snapshot, trigger)
	if err != nil {
		return "", fmt.Errorf("failed to create run: %w", err)
	}

	a := newActor(s, run.ID, snapshot, graph)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		// Shutdown began while the run was being recorded.
		if err := s.tracker.Abandon(context.WithoutCancel(ctx), run.ID, ShutdownCause); err != nil {
			s.log.Error("failed to close run refused at shutdown", "run_id", run.ID, "error", err)
		}
		return "", ErrShuttingDown
	}
	s.actors[run.ID] = a
	s.wg.Add(1)
	s.mu.Unlock()
	go a.loop()

	s.metrics.RunStarted(ctx, snapshot.ID)
	a.log.Info("run started", "trigger", run.TriggeredBy, "tasks", len(snapshot.Tasks))
	return run.ID, nil
}

// Cancel stops dispatching new tasks for the run. Tasks that have not started
// are cancelled; running tasks finish, and the run ends failed. A run whose
// last task is already done finishes normally.
func (s *Scheduler) Cancel(ctx context.Context, runID string) error {
	a, ok := s.actor(runID)
	if !ok {
		return s.inactive(ctx, runID)
	}
	a.requestCancel()
	return nil
}

// Pause stops the run from dispatching new tasks. Tasks already handed to the
// worker pool keep going. Pausing a paused run is a no-op.
func (s *Scheduler) Pause(ctx context.Context, runID string) error {
	return s.setPaused(ctx, runID, true)
}

// Resume lets a paused run dispatch again. Resuming a running run is a no-op.
func (s *Scheduler) Resume(ctx context.Context, runID string) error {
	return s.setPaused(ctx, runID, false)
}

func (s *Scheduler) setPaused(ctx context.Context, runID string, pause bool) error {
	a, ok := s.actor(runID)
	if !ok {
		return s.inactive(ctx, runID)
	}

	req := pauseRequest{pause: pause, reply: make(chan error, 1)}
	select {
	case a.pauseReq <- req:
	case <-a.done:
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.reply:
		if errors.Is(err, ErrRunNotActive) {
			return fmt.Errorf("run %s: %w", runID, err)
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the run is terminal and returns its final state.
func (s *Scheduler) Wait(ctx context.Context, runID string) (*models.Run, error) {
	a, ok := s.actor(runID)
	if ok {
		select {
		case <-a.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.tracker.GetRun(ctx, runID)
}

// Active returns the number of runs still executing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.actors)
}

// Load reports worker pool occupancy and the number of active runs.
func (s *Scheduler) Load() models.WorkerLoad {
	st := s.pool.Stats()
	return models.WorkerLoad{
		Size:       st.Size,
		Queued:     st.Queued,
		Running:    st.Running,
		ActiveRuns: s.Active(),
	}
}

// Shutdown refuses new runs, cancels every active run and waits for the
// actors to finish or ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) actor(runID string) (*actor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.actors[runID]
	return a, ok
}

func (s *Scheduler) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// inactive explains why runID has no actor: it is unknown, or finished.
func (s *Scheduler) inactive(ctx context.Context, runID string) error {
	if _, err := s.tracker.GetRun(ctx, runID); err != nil {
		return err
	}
	return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
}

func (s *Scheduler) forget(runID string) {
	s.mu.Lock()
	delete(s.actors, runID)
	s.mu.Unlock()
}
