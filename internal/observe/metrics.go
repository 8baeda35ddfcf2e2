// Package observe provides observability primitives for the ingestion
// engine: OpenTelemetry metrics and a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A package-level
// default [Metrics] instance ([DefaultMetrics]) is provided for convenience;
// tests should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all transcriptor metrics.
const meterName = "github.com/chaffelab/transcriptor"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// StageDuration tracks per-item stage latency. Use with attribute:
	//   attribute.String("stage", "io"|"asr"|"db")
	StageDuration metric.Float64Histogram

	// TranscribeDuration tracks speech-recognition latency per item.
	TranscribeDuration metric.Float64Histogram

	// EmbedDuration tracks embedding-batch latency.
	EmbedDuration metric.Float64Histogram

	// --- Counters ---

	// ItemsProcessed counts items leaving the pipeline. Use with attribute:
	//   attribute.String("outcome", "done"|"skipped"|"error")
	ItemsProcessed metric.Int64Counter

	// SegmentsWritten counts segments committed to storage.
	SegmentsWritten metric.Int64Counter

	// EmbeddingsWritten counts non-null embeddings committed to storage.
	EmbeddingsWritten metric.Int64Counter

	// Retries counts per-item retry attempts by stage.
	Retries metric.Int64Counter

	// StageErrors counts stage failures. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("kind", ...)
	StageErrors metric.Int64Counter

	// RemoteASRCost accumulates estimated remote recognition spend in dollars.
	RemoteASRCost metric.Float64Counter

	// --- Gauges ---

	// QueueDepth tracks the occupancy of the bounded hand-off queues.
	// Use with attribute: attribute.String("queue", "io"|"asr"|"db")
	QueueDepth metric.Int64UpDownCounter

	// ItemsInFlight tracks items currently inside any worker.
	ItemsInFlight metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) spanning
// caption fetches through half-hour ASR jobs.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.StageDuration, err = m.Float64Histogram("transcriptor.stage.duration",
		metric.WithDescription("Per-item pipeline stage latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscribeDuration, err = m.Float64Histogram("transcriptor.transcribe.duration",
		metric.WithDescription("Speech recognition latency per item."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("transcriptor.embed.duration",
		metric.WithDescription("Embedding batch latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ItemsProcessed, err = m.Int64Counter("transcriptor.items.processed",
		metric.WithDescription("Items leaving the pipeline by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsWritten, err = m.Int64Counter("transcriptor.segments.written",
		metric.WithDescription("Segments committed to storage."),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingsWritten, err = m.Int64Counter("transcriptor.embeddings.written",
		metric.WithDescription("Non-null embeddings committed to storage."),
	); err != nil {
		return nil, err
	}
	if met.Retries, err = m.Int64Counter("transcriptor.retries",
		metric.WithDescription("Per-item retry attempts by stage."),
	); err != nil {
		return nil, err
	}
	if met.StageErrors, err = m.Int64Counter("transcriptor.stage.errors",
		metric.WithDescription("Stage failures by stage and error kind."),
	); err != nil {
		return nil, err
	}
	if met.RemoteASRCost, err = m.Float64Counter("transcriptor.remote_asr.cost",
		metric.WithDescription("Estimated remote recognition spend."),
		metric.WithUnit("{dollar}"),
	); err != nil {
		return nil, err
	}

	if met.QueueDepth, err = m.Int64UpDownCounter("transcriptor.queue.depth",
		metric.WithDescription("Occupancy of the bounded hand-off queues."),
	); err != nil {
		return nil, err
	}
	if met.ItemsInFlight, err = m.Int64UpDownCounter("transcriptor.items.in_flight",
		metric.WithDescription("Items currently inside a worker."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordStage records a stage completion with its latency and outcome.
func (m *Metrics) RecordStage(ctx context.Context, stage string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordOutcome increments the processed-items counter for an outcome.
func (m *Metrics) RecordOutcome(ctx context.Context, outcome string) {
	m.ItemsProcessed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordStageError increments the stage error counter.
func (m *Metrics) RecordStageError(ctx context.Context, stage, kind string) {
	m.StageErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("kind", kind),
		),
	)
}

// AddQueueDepth adjusts the queue-depth gauge for the named queue.
func (m *Metrics) AddQueueDepth(ctx context.Context, queue string, delta int64) {
	m.QueueDepth.Add(ctx, delta,
		metric.WithAttributes(attribute.String("queue", queue)),
	)
}
