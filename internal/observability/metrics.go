// Package observability holds the engine's OpenTelemetry instruments.
// Without a configured SDK the global providers are no-ops.
package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"taskflow/backend/pkg/models"
)

const instrumentationName = "taskflow/engine"

// Metrics records run and task outcomes.
type Metrics struct {
	runsStarted   metric.Int64Counter
	runsFinished  metric.Int64Counter
	runDuration   metric.Float64Histogram
	tasksFinished metric.Int64Counter
	taskDuration  metric.Float64Histogram
	feedDropped   metric.Int64Counter
}

// NewMetrics creates the instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)

	var (
		m   Metrics
		err error
	)
	if m.runsStarted, err = meter.Int64Counter("taskflow.runs.started",
		metric.WithDescription("Runs created")); err != nil {
		return nil, fmt.Errorf("runs.started: %w", err)
	}
	if m.runsFinished, err = meter.Int64Counter("taskflow.runs.finished",
		metric.WithDescription("Runs that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("runs.finished: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram("taskflow.run.duration",
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("run.duration: %w", err)
	}
	if m.tasksFinished, err = meter.Int64Counter("taskflow.tasks.finished",
		metric.WithDescription("Tasks that reached a terminal status")); err != nil {
		return nil, fmt.Errorf("tasks.finished: %w", err)
	}
	if m.taskDuration, err = meter.Float64Histogram("taskflow.task.duration",
		metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("task.duration: %w", err)
	}
	if m.feedDropped, err = meter.Int64Counter("taskflow.feed.dropped",
		metric.WithDescription("Feed events missed by slow subscribers")); err != nil {
		return nil, fmt.Errorf("feed.dropped: %w", err)
	}
	return &m, nil
}

// Nop returns metrics backed by a no-op provider.
func Nop() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider())
	return m
}

// Tracer returns the engine tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

func (m *Metrics) RunStarted(ctx context.Context, workflowID string) {
	m.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow.id", workflowID)))
}

func (m *Metrics) RunFinished(ctx context.Context, workflowID string, status models.RunStatus, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("status", string(status)),
	)
	m.runsFinished.Add(ctx, 1, attrs)
	m.runDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) TaskFinished(ctx context.Context, kind models.TaskType, status models.TaskStatus, d time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("task.kind", string(kind)),
		attribute.String("status", string(status)),
	)
	m.tasksFinished.Add(ctx, 1, attrs)
	if d > 0 {
		m.taskDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *Metrics) FeedDropped(ctx context.Context) {
	m.feedDropped.Add(ctx, 1)
}
