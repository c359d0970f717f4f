// Package app assembles the engine: store, feed, tracker, executor, worker
// pool, scheduler and the service layer on top of them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"taskflow/backend/internal/executor"
	"taskflow/backend/internal/feed"
	"taskflow/backend/internal/observability"
	"taskflow/backend/internal/repository"
	"taskflow/backend/internal/scheduler"
	"taskflow/backend/internal/services"
	"taskflow/backend/internal/tracker"
	"taskflow/backend/internal/workerpool"
)

// Options configures New. Only Store is required.
type Options struct {
	Store        repository.Store
	Workers      int
	KindSettings map[string]executor.Settings
	HTTPClient   *http.Client
	Scheduler    scheduler.Config
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

// App holds the running engine.
type App struct {
	Store     repository.Store
	Hub       *feed.Hub
	Tracker   *tracker.Tracker
	Registry  *executor.Registry
	Pool      *workerpool.Pool
	Scheduler *scheduler.Scheduler
	Service   *services.WorkflowService
	Metrics   *observability.Metrics

	log *slog.Logger
}

// New wires the engine and restores persisted runs.
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("app: a store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observability.Nop()
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	hub := feed.NewHub(func(ev feed.Event) {
		metrics.FeedDropped(context.Background())
		logger.Debug("feed event dropped for slow subscriber", "run_id", ev.RunID, "seq", ev.Seq)
	})
	tr := tracker.New(opts.Store, hub, logger.With("component", "tracker"))
	interrupted, err := tr.Restore(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to restore runs: %w", err)
	}
	if interrupted > 0 {
		logger.Warn("runs interrupted by restart marked failed", "count", interrupted)
	}

	registry := executor.NewDefaultRegistry(opts.HTTPClient)
	for kind, settings := range opts.KindSettings {
		if err := registry.Configure(kind, settings); err != nil {
			return nil, fmt.Errorf("invalid task settings: %w", err)
		}
	}
	exec := executor.New(registry, logger.With("component", "executor"), executor.WithTracer(observability.Tracer()))
	pool := workerpool.New(workers)
	sched := scheduler.New(tr, exec, pool, metrics, logger.With("component", "scheduler"), opts.Scheduler)
	svc := services.NewWorkflowService(opts.Store, tr, sched, registry, logger.With("component", "service"))

	return &App{
		Store:     opts.Store,
		Hub:       hub,
		Tracker:   tr,
		Registry:  registry,
		Pool:      pool,
		Scheduler: sched,
		Service:   svc,
		Metrics:   metrics,
		log:       logger,
	}, nil
}

// Shutdown cancels active runs, waits for them and stops the worker pool.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Scheduler.Shutdown(ctx)
	if err != nil {
		a.log.Warn("runs still active at shutdown", "active", a.Scheduler.Active(), "error", err)
	}
	a.Pool.Close()
	return err
}
