// Package metrics holds the OpenTelemetry instruments for the job pipeline.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// MeterName is the instrumentation scope for every riskbatch instrument.
const MeterName = "github.com/kiranshivaraju/riskbatch"

// Metrics records job submissions, row outcomes, and job lifetimes.
type Metrics struct {
	jobsSubmitted  metric.Int64Counter
	rowsSubmitted  metric.Int64Counter
	jobsFinished   metric.Int64Counter
	rowsProcessed  metric.Int64Counter
	scoringRetries metric.Int64Counter
	jobDuration    metric.Float64Histogram
	queueWait      metric.Float64Histogram
}

// NewMetrics creates the instruments from mp.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	meter := mp.Meter(MeterName)
	m := &Metrics{}

	var err error

	m.jobsSubmitted, err = meter.Int64Counter(
		"riskbatch.jobs.submitted",
		metric.WithDescription("Bulk jobs accepted for processing"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsSubmitted, _ = meter.Int64Counter("riskbatch.jobs.submitted")
	}

	m.rowsSubmitted, err = meter.Int64Counter(
		"riskbatch.rows.submitted",
		metric.WithDescription("Rows carried by accepted bulk jobs"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		m.rowsSubmitted, _ = meter.Int64Counter("riskbatch.rows.submitted")
	}

	m.jobsFinished, err = meter.Int64Counter(
		"riskbatch.jobs.finished",
		metric.WithDescription("Bulk jobs that reached a terminal status"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		m.jobsFinished, _ = meter.Int64Counter("riskbatch.jobs.finished")
	}

	m.rowsProcessed, err = meter.Int64Counter(
		"riskbatch.rows.processed",
		metric.WithDescription("Rows attempted by workers, by outcome"),
		metric.WithUnit("{row}"),
	)
	if err != nil {
		m.rowsProcessed, _ = meter.Int64Counter("riskbatch.rows.processed")
	}

	m.scoringRetries, err = meter.Int64Counter(
		"riskbatch.scoring.retries",
		metric.WithDescription("Scoring calls repeated after a transient failure"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		m.scoringRetries, _ = meter.Int64Counter("riskbatch.scoring.retries")
	}

	m.jobDuration, err = meter.Float64Histogram(
		"riskbatch.job.duration",
		metric.WithDescription("Wall time from start of processing to terminal status"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.jobDuration, _ = meter.Float64Histogram("riskbatch.job.duration")
	}

	m.queueWait, err = meter.Float64Histogram(
		"riskbatch.job.queue_wait",
		metric.WithDescription("Time a job message waited in the queue"),
		metric.WithUnit("s"),
	)
	if err != nil {
		m.queueWait, _ = meter.Float64Histogram("riskbatch.job.queue_wait")
	}

	return m
}

// Noop returns instruments that record nothing.
func Noop() *Metrics {
	return NewMetrics(noop.NewMeterProvider())
}

func (m *Metrics) JobSubmitted(ctx context.Context, kind string, rows int) {
	attrs := metric.WithAttributes(attribute.String("job.kind", kind))
	m.jobsSubmitted.Add(ctx, 1, attrs)
	m.rowsSubmitted.Add(ctx, int64(rows), attrs)
}

func (m *Metrics) JobFinished(ctx context.Context, kind, status string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("job.kind", kind),
		attribute.String("job.status", status),
	)
	m.jobsFinished.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// RowProcessed records one row outcome: "success" or a row error code.
func (m *Metrics) RowProcessed(ctx context.Context, kind, outcome string) {
	m.rowsProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("job.kind", kind),
		attribute.String("row.outcome", outcome),
	))
}

func (m *Metrics) ScoringRetried(ctx context.Context, kind string) {
	m.scoringRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("job.kind", kind)))
}

func (m *Metrics) QueueWait(ctx context.Context, kind string, wait time.Duration) {
	m.queueWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("job.kind", kind)))
}
