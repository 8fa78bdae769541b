package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the engine instruments. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ingested    metric.Int64Counter
	transitions metric.Int64Counter
	conflicts   metric.Int64Counter
	jobs        metric.Int64Counter
	jobDuration metric.Float64Histogram
	swept       metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ingested, err = meter.Int64Counter("conversation_ingest_total",
		metric.WithDescription("Ingested events by outcome")); err != nil {
		return nil, err
	}
	if m.transitions, err = meter.Int64Counter("conversation_transitions_total",
		metric.WithDescription("Lifecycle transition decisions by target status and outcome")); err != nil {
		return nil, err
	}
	if m.conflicts, err = meter.Int64Counter("conversation_version_conflicts_total",
		metric.WithDescription("Version-guarded writes that matched no row")); err != nil {
		return nil, err
	}
	if m.jobs, err = meter.Int64Counter("queue_jobs_total",
		metric.WithDescription("Processed queue jobs by topic and result")); err != nil {
		return nil, err
	}
	if m.jobDuration, err = meter.Float64Histogram("queue_job_duration_seconds",
		metric.WithDescription("Queue handler latency"), metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.swept, err = meter.Int64Counter("sweep_rows_total",
		metric.WithDescription("Conversations visited by sweeps by kind and result")); err != nil {
		return nil, err
	}
	return m, nil
}

// NopMetrics returns instruments bound to a no-op meter.
func NopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("nop"))
	return m
}

func (m *Metrics) Ingested(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.ingested.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) Transition(ctx context.Context, to, outcome string) {
	if m == nil {
		return
	}
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", to),
		attribute.String("outcome", outcome),
	))
}

func (m *Metrics) Conflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.conflicts.Add(ctx, 1)
}

func (m *Metrics) Job(ctx context.Context, topic, result string, took time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("topic", topic), attribute.String("result", result))
	m.jobs.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, took.Seconds(), attrs)
}

func (m *Metrics) Swept(ctx context.Context, kind, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.swept.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("result", result),
	))
}
