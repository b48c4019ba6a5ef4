// Package metrics holds the OpenTelemetry instruments of the synthesis pipeline.
// Instruments are created from the global meter provider; with no provider
// installed they are no-ops. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	JobRuns            metric.Int64Counter
	JobDuration        metric.Float64Histogram
	LoopIterations     metric.Int64Counter
	KnowledgeUnits     metric.Int64Counter
	ProposalsRejected  metric.Int64Counter
	FragmentsProcessed metric.Int64Counter
	EmbeddingBatch     metric.Int64Histogram
}

// InitMetrics initializes all pipeline metrics.
func InitMetrics() (*Metrics, error) {
	meter := otel.Meter("distiller")

	jobRuns, err := meter.Int64Counter(
		"distiller.jobs.finished",
		metric.WithDescription("Job runs by type and final status"),
	)
	if err != nil {
		return nil, err
	}

	jobDuration, err := meter.Float64Histogram(
		"distiller.jobs.duration",
		metric.WithDescription("Job run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	loopIterations, err := meter.Int64Counter(
		"distiller.loop.iterations",
		metric.WithDescription("Batch loop iterations that made progress"),
	)
	if err != nil {
		return nil, err
	}

	knowledgeUnits, err := meter.Int64Counter(
		"distiller.knowledge_units.created",
		metric.WithDescription("Knowledge units persisted"),
	)
	if err != nil {
		return nil, err
	}

	proposalsRejected, err := meter.Int64Counter(
		"distiller.proposals.rejected",
		metric.WithDescription("Proposed knowledge units rejected by validation"),
	)
	if err != nil {
		return nil, err
	}

	fragmentsProcessed, err := meter.Int64Counter(
		"distiller.fragments.processed",
		metric.WithDescription("Fragments stamped with the clustering watermark"),
	)
	if err != nil {
		return nil, err
	}

	embeddingBatch, err := meter.Int64Histogram(
		"distiller.embedding.batch_size",
		metric.WithDescription("Entities embedded per backfill batch"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		JobRuns:            jobRuns,
		JobDuration:        jobDuration,
		LoopIterations:     loopIterations,
		KnowledgeUnits:     knowledgeUnits,
		ProposalsRejected:  proposalsRejected,
		FragmentsProcessed: fragmentsProcessed,
		EmbeddingBatch:     embeddingBatch,
	}, nil
}

// RecordJob records a finished job run.
func (m *Metrics) RecordJob(ctx context.Context, jobType, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("job.type", jobType),
		attribute.String("job.status", status),
	)
	m.JobRuns.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordIteration records one loop iteration that made progress.
func (m *Metrics) RecordIteration(ctx context.Context, jobType string) {
	if m == nil {
		return
	}
	m.LoopIterations.Add(ctx, 1, metric.WithAttributes(attribute.String("job.type", jobType)))
}

// RecordKnowledgeUnits records persisted knowledge units.
func (m *Metrics) RecordKnowledgeUnits(ctx context.Context, strategy string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.KnowledgeUnits.Add(ctx, int64(n), metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordRejected records a rejected proposal.
func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.ProposalsRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordFragmentsProcessed records newly watermarked fragments.
func (m *Metrics) RecordFragmentsProcessed(ctx context.Context, strategy string, n int64) {
	if m == nil || n == 0 {
		return
	}
	m.FragmentsProcessed.Add(ctx, n, metric.WithAttributes(attribute.String("strategy", strategy)))
}

// RecordEmbeddingBatch records the size of one backfill batch.
func (m *Metrics) RecordEmbeddingBatch(ctx context.Context, entity string, n int) {
	if m == nil {
		return
	}
	m.EmbeddingBatch.Record(ctx, int64(n), metric.WithAttributes(attribute.String("entity", entity)))
}
