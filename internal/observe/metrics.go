// Package observe provides application-wide observability primitives for
// Loquax: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Loquax metrics.
const meterName = "github.com/pcurie/loquax"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks speech-to-text transcription latency. Use with
	// attribute: attribute.String("provider", ...)
	STTDuration metric.Float64Histogram

	// EmbeddingDuration tracks embedding generation latency.
	EmbeddingDuration metric.Float64Histogram

	// LLMDuration tracks LLM inference latency.
	LLMDuration metric.Float64Histogram

	// EnrichmentDuration tracks per-task enrichment handler latency. Use with
	// attribute: attribute.String("task_type", ...)
	EnrichmentDuration metric.Float64Histogram

	// --- Counters ---

	// Utterances counts persisted utterances. Use with attribute:
	//   attribute.String("provider", ...)
	Utterances metric.Int64Counter

	// DiscardedChunks counts drained audio dropped before persistence. Use
	// with attribute: attribute.String("reason", ...)
	DiscardedChunks metric.Int64Counter

	// Ideas counts ideas promoted by the boundary detector. Use with
	// attribute: attribute.String("rule", ...)
	Ideas metric.Int64Counter

	// Exchanges counts detected exchanges. Use with attribute:
	//   attribute.String("type", ...)
	Exchanges metric.Int64Counter

	// Tasks counts enrichment queue transitions. Use with attributes:
	//   attribute.String("task_type", ...), attribute.String("status", ...)
	Tasks metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveBuffers tracks the number of live per-speaker audio buffers.
	ActiveBuffers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both fast provider calls and whole-chunk transcriptions.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("loquax.stt.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbeddingDuration, err = m.Float64Histogram("loquax.embedding.duration",
		metric.WithDescription("Latency of embedding generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("loquax.llm.duration",
		metric.WithDescription("Latency of LLM inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EnrichmentDuration, err = m.Float64Histogram("loquax.enrichment.duration",
		metric.WithDescription("Latency of enrichment handler batches by task type."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Utterances, err = m.Int64Counter("loquax.utterances",
		metric.WithDescription("Total persisted utterances by provider."),
	); err != nil {
		return nil, err
	}
	if met.DiscardedChunks, err = m.Int64Counter("loquax.discarded_chunks",
		metric.WithDescription("Total drained audio chunks discarded before persistence, by reason."),
	); err != nil {
		return nil, err
	}
	if met.Ideas, err = m.Int64Counter("loquax.ideas",
		metric.WithDescription("Total ideas promoted by the boundary detector, by rule."),
	); err != nil {
		return nil, err
	}
	if met.Exchanges, err = m.Int64Counter("loquax.exchanges",
		metric.WithDescription("Total exchanges detected, by type."),
	); err != nil {
		return nil, err
	}
	if met.Tasks, err = m.Int64Counter("loquax.tasks",
		metric.WithDescription("Total enrichment queue transitions by task type and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("loquax.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("loquax.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.ActiveBuffers, err = m.Int64UpDownCounter("loquax.active_buffers",
		metric.WithDescription("Number of live per-speaker audio buffers."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("loquax.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTranscription records one persisted utterance together with its
// transcription latency.
func (m *Metrics) RecordTranscription(ctx context.Context, provider string, elapsedSeconds float64) {
	attrs := metric.WithAttributes(attribute.String("provider", provider))
	m.STTDuration.Record(ctx, elapsedSeconds, attrs)
	m.Utterances.Add(ctx, 1, attrs)
}

// RecordDiscard records one drained chunk dropped before persistence.
func (m *Metrics) RecordDiscard(ctx context.Context, reason string) {
	m.DiscardedChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordIdea records one idea promotion with the boundary rule that fired.
func (m *Metrics) RecordIdea(ctx context.Context, rule string) {
	m.Ideas.Add(ctx, 1,
		metric.WithAttributes(attribute.String("rule", rule)),
	)
}

// RecordExchange records one detected exchange by grouping type.
func (m *Metrics) RecordExchange(ctx context.Context, exchangeType string) {
	m.Exchanges.Add(ctx, 1,
		metric.WithAttributes(attribute.String("type", exchangeType)),
	)
}

// RecordTask records one enrichment queue transition.
func (m *Metrics) RecordTask(ctx context.Context, taskType, status string) {
	m.Tasks.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("task_type", taskType),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
