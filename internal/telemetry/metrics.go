package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineScopeName = "github.com/histoflow/histoflow/engine"

// EngineMetrics carries the engine-level counters. All instruments come from
// the global meter provider, so with telemetry disabled every record is a
// no-op.
type EngineMetrics struct {
	imagesProcessed metric.Int64Counter
	imagesFailed    metric.Int64Counter
	batchesComplete metric.Int64Counter
	mapperApplies   metric.Int64Counter
}

// NewEngineMetrics creates the engine instrument set.
func NewEngineMetrics() *EngineMetrics {
	m := Meter(engineScopeName)
	processed, _ := m.Int64Counter("hf.images.processed",
		metric.WithDescription("Images that reached a processed status"),
	)
	failed, _ := m.Int64Counter("hf.images.failed",
		metric.WithDescription("Images that reached a failed status"),
	)
	batches, _ := m.Int64Counter("hf.batches.completed",
		metric.WithDescription("Batches that completed the pipeline"),
	)
	applies, _ := m.Int64Counter("hf.mapper.applications",
		metric.WithDescription("Mapping rules applied to attributes"),
	)
	return &EngineMetrics{
		imagesProcessed: processed,
		imagesFailed:    failed,
		batchesComplete: batches,
		mapperApplies:   applies,
	}
}

// ImageProcessed records one image finishing a phase.
func (m *EngineMetrics) ImageProcessed(ctx context.Context, phase string) {
	m.imagesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("hf.phase", phase)))
}

// ImageFailed records one image failing a phase at a step.
func (m *EngineMetrics) ImageFailed(ctx context.Context, phase, step string) {
	m.imagesFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("hf.phase", phase),
		attribute.String("hf.step", step),
	))
}

// BatchCompleted records one batch reaching its completed status.
func (m *EngineMetrics) BatchCompleted(ctx context.Context) {
	m.batchesComplete.Add(ctx, 1)
}

// MapperApplied records one mapping rule substitution.
func (m *EngineMetrics) MapperApplied(ctx context.Context, mapperName string) {
	m.mapperApplies.Add(ctx, 1, metric.WithAttributes(attribute.String("hf.mapper", mapperName)))
}
