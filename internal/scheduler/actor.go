package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"taskflow/backend/internal/dag"
	"taskflow/backend/internal/executor"
	"taskflow/backend/internal/tracker"
	"taskflow/backend/pkg/models"
)

// Dispatch slot states. A queued job runs only if it can claim its slot
// before the actor revokes it.
const (
	slotQueued int32 = iota
	slotStarted
	slotRevoked
)

type eventKind int

const (
	eventStarted eventKind = iota
	eventFinished
)

type workerEvent struct {
	kind     eventKind
	index    int
	outcome  executor.Outcome
	duration time.Duration
}

type pauseRequest struct {
	pause bool
	reply chan error
}

type actor struct {
	s     *Scheduler
	runID string
	def   *models.WorkflowDefinition
	graph *dag.Graph
	log   *slog.Logger

	status    []models.TaskStatus
	outputs   []any
	decisions map[int]map[string]bool
	slots     []atomic.Int32
	inflight  int

	cancelled   bool
	cancelCause string
	paused      bool

	events     chan workerEvent
	pauseReq   chan pauseRequest
	cancelReq  chan struct{}
	cancelOnce sync.Once
	ctx        context.Context
	stop       context.CancelFunc
	done       chan struct{}
}

func newActor(s *Scheduler, runID string, def *models.WorkflowDefinition, graph *dag.Graph) *actor {
	ctx, stop := context.WithCancel(s.ctx)
	n := graph.Len()
	a := &actor{
		s:         s,
		runID:     runID,
		def:       def,
		graph:     graph,
		log:       s.log.With("run_id", runID, "workflow_id", def.ID),
		status:    make([]models.TaskStatus, n),
		outputs:   make([]any, n),
		decisions: make(map[int]map[string]bool),
		slots:     make([]atomic.Int32, n),
		// Each dispatched task posts at most two events.
		events:    make(chan workerEvent, 2*n),
		pauseReq:  make(chan pauseRequest),
		cancelReq: make(chan struct{}),
		ctx:       ctx,
		stop:      stop,
		done:      make(chan struct{}),
	}
	for i := range a.status {
		a.status[i] = models.TaskPending
	}
	return a
}

func (a *actor) requestCancel() {
	a.cancelOnce.Do(func() { close(a.cancelReq) })
}

func (a *actor) loop() {
	defer a.s.wg.Done()
	defer close(a.done)
	defer a.s.forget(a.runID)
	defer a.stop()

	if err := a.write(func(ctx context.Context) error {
		return a.s.tracker.SetRunStatus(ctx, a.runID, models.RunRunning, "")
	}); err != nil {
		a.abandon(err)
		return
	}

	if err := a.pass(); err != nil {
		a.abandon(err)
		return
	}

	cancelReq := a.cancelReq
	shutdown := a.ctx.Done()
	for a.inflight > 0 || (a.paused && !a.cancelled) {
		var err error
		select {
		case ev := <-a.events:
			err = a.handle(ev)
			if err == nil && !a.cancelled && !a.paused {
				err = a.pass()
			}
		case req := <-a.pauseReq:
			err = a.setPaused(req)
		case <-cancelReq:
			cancelReq = nil
			err = a.revoke(CancelledCause)
		case <-shutdown:
			shutdown = nil
			cancelReq = nil
			err = a.revoke(ShutdownCause)
		}
		if err != nil {
			a.abandon(err)
			return
		}
	}

	if err := a.finish(); err != nil {
		a.abandon(err)
	}
}

// pass moves pending tasks whose dependencies are all terminal, in definition
// order, repeating until nothing changes.
func (a *actor) pass() error {
	for changed := true; changed; {
		changed = false
		for i := range a.status {
			if a.status[i] != models.TaskPending {
				continue
			}
			next, ok := a.resolve(i)
			if !ok {
				continue
			}
			if err := a.transition(i, next, executor.Outcome{}, ""); err != nil {
				return err
			}
			if next == models.TaskReady {
				if err := a.dispatch(i); err != nil {
					return err
				}
			}
			changed = true
		}
	}
	return nil
}

// resolve decides the next status of pending task i, if it can move yet.
func (a *actor) resolve(i int) (models.TaskStatus, bool) {
	deps := a.graph.Dependencies(i)
	allSkipped := len(deps) > 0
	for _, d := range deps {
		st := a.status[d]
		if !st.Satisfies() {
			// Still in flight, or blocked behind a failure.
			return "", false
		}
		if st == models.TaskSucceeded {
			allSkipped = false
		}
	}

	name := a.def.Tasks[i].Name
	for _, d := range deps {
		if chosen, ok := a.decisions[d]; ok && !chosen[name] {
			return models.TaskSkipped, true
		}
	}
	if allSkipped {
		return models.TaskSkipped, true
	}
	return models.TaskReady, true
}

func (a *actor) dispatch(i int) error {
	spec := a.graph.Task(i)
	inputs := make(map[string]any)
	for _, d := range a.graph.Dependencies(i) {
		if a.status[d] == models.TaskSucceeded {
			inputs[a.def.Tasks[d].Name] = a.outputs[d]
		}
	}

	a.slots[i].Store(slotQueued)
	job := func() {
		// A revoked job was already written off by the actor.
		if !a.slots[i].CompareAndSwap(slotQueued, slotStarted) {
			return
		}
		a.events <- workerEvent{kind: eventStarted, index: i}

		start := time.Now()
		out := a.s.exec.Run(a.ctx, executor.Invocation{RunID: a.runID, Task: spec, Inputs: inputs})
		a.events <- workerEvent{kind: eventFinished, index: i, outcome: out, duration: time.Since(start)}
	}

	if err := a.s.pool.Submit(job); err != nil {
		unavailable := &executor.UnavailableError{Kind: string(spec.Type), Err: err}
		a.log.Warn("worker pool rejected task", "task", spec.Name, "error", err)
		if err := a.transition(i, models.TaskFailed, executor.Outcome{}, unavailable.Error()); err != nil {
			return err
		}
		a.s.metrics.TaskFinished(a.ctx, spec.Type, models.TaskFailed, 0)
		return nil
	}
	a.inflight++
	a.log.Debug("task dispatched", "task", spec.Name)
	return nil
}

func (a *actor) handle(ev workerEvent) error {
	name := a.def.Tasks[ev.index].Name
	switch ev.kind {
	case eventStarted:
		return a.transition(ev.index, models.TaskRunning, executor.Outcome{}, "")

	case eventFinished:
		a.inflight--
		out := ev.outcome
		errMsg := ""
		if out.Err != nil {
			errMsg = out.Err.Error()
			a.log.Warn("task failed", "task", name, "attempts", out.Attempts, "error", out.Err)
		} else {
			a.log.Debug("task succeeded", "task", name, "attempts", out.Attempts)
		}
		if err := a.transition(ev.index, out.Status, out, errMsg); err != nil {
			return err
		}
		a.s.metrics.TaskFinished(a.ctx, a.def.Tasks[ev.index].Type, out.Status, ev.duration)

		if out.Status == models.TaskSucceeded {
			a.outputs[ev.index] = out.Output
			if decision, ok := out.Output.(executor.Decision); ok {
				chosen := make(map[string]bool, len(decision.Next))
				for _, n := range decision.Next {
					chosen[n] = true
				}
				a.decisions[ev.index] = chosen
			}
		}
	}
	return nil
}

// revoke stops all unstarted work. Running tasks are left to finish.
func (a *actor) revoke(cause string) error {
	a.cancelled = true
	a.cancelCause = cause
	a.log.Info("cancelling run", "cause", cause)

	for i, st := range a.status {
		switch st {
		case models.TaskPending:
			if err := a.transition(i, models.TaskCancelled, executor.Outcome{}, cause); err != nil {
				return err
			}
		case models.TaskReady:
			if !a.slots[i].CompareAndSwap(slotQueued, slotRevoked) {
				// The worker claimed it; its started event is on the way.
				continue
			}
			a.inflight--
			if err := a.transition(i, models.TaskCancelled, executor.Outcome{}, cause); err != nil {
				return err
			}
		}
	}
	return nil
}

// setPaused records a pause or resume. Paused runs dispatch nothing new;
// work already handed to the pool carries on.
func (a *actor) setPaused(req pauseRequest) error {
	if a.cancelled {
		req.reply <- ErrRunNotActive
		return nil
	}
	if a.paused == req.pause {
		req.reply <- nil
		return nil
	}

	status := models.RunRunning
	if req.pause {
		status = models.RunPaused
	}
	err := a.write(func(ctx context.Context) error {
		return a.s.tracker.SetRunStatus(ctx, a.runID, status, "")
	})
	req.reply <- err
	if err != nil {
		return err
	}

	a.paused = req.pause
	if a.paused {
		a.log.Info("run paused", "inflight", a.inflight)
		return nil
	}
	a.log.Info("run resumed")
	return a.pass()
}

func (a *actor) finish() error {
	status := models.RunCompleted
	cause := ""

	var failed, stuck []string
	for i, st := range a.status {
		switch {
		case st.Satisfies():
		case st == models.TaskPending:
			stuck = append(stuck, a.def.Tasks[i].Name)
		default:
			failed = append(failed, a.def.Tasks[i].Name)
		}
	}

	switch {
	case a.cancelled:
		status, cause = models.RunFailed, a.cancelCause
	case len(failed) > 0:
		status, cause = models.RunFailed, fmt.Sprintf("%d task(s) failed: %s", len(failed), strings.Join(failed, ", "))
	case len(stuck) > 0:
		status, cause = models.RunFailed, fmt.Sprintf("deadlock: tasks never became ready: %s", strings.Join(stuck, ", "))
	}

	if err := a.write(func(ctx context.Context) error {
		return a.s.tracker.SetRunStatus(ctx, a.runID, status, cause)
	}); err != nil {
		return err
	}

	var elapsed time.Duration
	if run, err := a.s.tracker.GetRun(context.WithoutCancel(a.ctx), a.runID); err == nil {
		elapsed = run.Duration()
	}
	a.s.metrics.RunFinished(context.WithoutCancel(a.ctx), a.def.ID, status, elapsed)
	a.log.Info("run finished", "status", status, "cause", cause, "duration", elapsed)
	return nil
}

// abandon force-fails the run after a tracker write could not be made.
func (a *actor) abandon(err error) {
	a.stop()
	infra := &InfrastructureError{RunID: a.runID, Err: err}
	a.log.Error("abandoning run", "error", err)

	if aerr := a.s.tracker.Abandon(context.WithoutCancel(a.ctx), a.runID, infra.Error()); aerr != nil {
		a.log.Error("failed to abandon run", "error", aerr)
	}
	a.s.metrics.RunFinished(context.WithoutCancel(a.ctx), a.def.ID, models.RunFailed, 0)
}

func (a *actor) transition(i int, status models.TaskStatus, out executor.Outcome, errMsg string) error {
	update := models.TaskUpdate{
		RunID:    a.runID,
		Task:     a.def.Tasks[i].Name,
		Status:   status,
		Output:   out.Output,
		Error:    errMsg,
		Attempts: out.Attempts,
	}
	if err := a.write(func(ctx context.Context) error {
		return a.s.tracker.Transition(ctx, update)
	}); err != nil {
		return err
	}
	a.status[i] = status
	if status == models.TaskSkipped || status == models.TaskCancelled {
		a.s.metrics.TaskFinished(a.ctx, a.def.Tasks[i].Type, status, 0)
	}
	return nil
}

// write applies a tracker mutation, retrying transient failures with
// exponential backoff. Rejected transitions are not retried.
func (a *actor) write(op func(ctx context.Context) error) error {
	ctx := context.WithoutCancel(a.ctx)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = a.s.cfg.TrackerRetryInitial
	policy.MaxElapsedTime = a.s.cfg.TrackerRetryMaxElapsed

	return backoff.RetryNotify(func() error {
		err := op(ctx)
		if errors.Is(err, tracker.ErrInvalidTransition) || errors.Is(err, tracker.ErrRunNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		a.log.Warn("tracker write failed, retrying", "error", err, "wait", wait)
	})
}
