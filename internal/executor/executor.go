package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"taskflow/backend/pkg/models"
)

// Invocation is one task execution request.
type Invocation struct {
	RunID string
	Task  models.TaskSpec
	// Inputs holds the outputs of the task's direct dependencies, by task name.
	Inputs map[string]any
	// Attempt is 1-based and set by the executor.
	Attempt int
}

// Outcome is the final result of a task after retries.
type Outcome struct {
	Status   models.TaskStatus
	Output   any
	Err      error
	Attempts int
}

// Decision is the output of a decision task: the dependents allowed to run.
type Decision struct {
	Next []string `json:"next"`
}

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Executor runs tasks through the registry with per-kind timeout and retry.
type Executor struct {
	registry *Registry
	logger   *slog.Logger
	tracer   trace.Tracer
}

// Option configures an Executor.
type Option func(*Executor)

// WithTracer sets the tracer used for task spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an Executor.
func New(registry *Registry, logger *slog.Logger, opts ...Option) *Executor {
	e := &Executor{
		registry: registry,
		logger:   logger,
		tracer:   otel.Tracer("taskflow/executor"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the kind registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Run executes inv to completion. Failures, including handler panics, are
// reported in the Outcome.
func (e *Executor) Run(ctx context.Context, inv Invocation) Outcome {
	kind, ok := e.registry.Lookup(string(inv.Task.Type))
	if !ok {
		return Outcome{Status: models.TaskFailed, Err: &UnavailableError{Kind: string(inv.Task.Type)}}
	}

	params, err := kind.decode(inv.Task.Params)
	if err != nil {
		return Outcome{
			Status: models.TaskFailed,
			Err:    &ParamsError{Task: inv.Task.Name, Kind: kind.Name, Err: err},
		}
	}

	ctx, span := e.tracer.Start(ctx, "task "+inv.Task.Name, trace.WithAttributes(
		attribute.String("taskflow.run_id", inv.RunID),
		attribute.String("taskflow.task", inv.Task.Name),
		attribute.String("taskflow.kind", kind.Name),
	))
	defer span.End()

	var (
		output   any
		attempts int
	)
	operation := func() (err error) {
		attempts++
		defer func() {
			if r := recover(); r != nil {
				err = backoff.Permanent(fmt.Errorf("panic: %v", r))
			}
		}()
		attemptInv := inv
		attemptInv.Attempt = attempts

		attemptCtx, cancel := context.WithTimeout(ctx, kind.Settings.Timeout)
		defer cancel()

		out, err := kind.run(attemptCtx, attemptInv, params)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				return &TimeoutError{Task: inv.Task.Name, Timeout: kind.Settings.Timeout}
			}
			return err
		}
		output = out
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = kind.Settings.Backoff
	policy.MaxElapsedTime = 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(policy, uint64(kind.Settings.MaxAttempts-1)),
		ctx,
	)

	err = backoff.RetryNotify(operation, b, func(err error, wait time.Duration) {
		e.logger.Debug("retrying task",
			"run_id", inv.RunID,
			"task", inv.Task.Name,
			"attempt", attempts,
			"wait", wait,
			"error", err,
		)
	})
	span.SetAttributes(attribute.Int("taskflow.attempts", attempts))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{
			Status:   models.TaskFailed,
			Err:      &TaskError{Task: inv.Task.Name, Attempts: attempts, Err: err},
			Attempts: attempts,
		}
	}
	return Outcome{Status: models.TaskSucceeded, Output: output, Attempts: attempts}
}
