// Package observe provides application-wide observability primitives for
// Verbatim: OpenTelemetry metrics and a Prometheus exporter bridge.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via a standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Verbatim metrics.
const meterName = "github.com/verbatim-ai/verbatim"

// Metrics holds all OpenTelemetry metric instruments for the pipeline.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation. A nil *Metrics is valid and records nothing,
// so components can be wired without observability in tests.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks per-window transcription latency.
	ASRDuration metric.Float64Histogram

	// EmbedDuration tracks per-frame speaker-embedding latency.
	EmbedDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksEmitted counts transcription chunks published to subscribers.
	ChunksEmitted metric.Int64Counter

	// WindowsProcessed counts sliding windows run through the engine.
	WindowsProcessed metric.Int64Counter

	// QueueDropped counts audio chunks evicted by queue overflow.
	QueueDropped metric.Int64Counter

	// Reclassifications counts speaker reassignment events.
	Reclassifications metric.Int64Counter

	// EngineFailures counts per-buffer engine and embedder errors.
	// Use with attribute.String("stage", "asr"|"embed").
	EngineFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live transcription sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for streaming-ASR latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ASRDuration, err = m.Float64Histogram("verbatim.asr.duration",
		metric.WithDescription("Latency of one ASR window transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EmbedDuration, err = m.Float64Histogram("verbatim.embed.duration",
		metric.WithDescription("Latency of one speaker-embedding extraction."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ChunksEmitted, err = m.Int64Counter("verbatim.chunks.emitted",
		metric.WithDescription("Total transcription chunks published."),
	); err != nil {
		return nil, err
	}
	if met.WindowsProcessed, err = m.Int64Counter("verbatim.windows.processed",
		metric.WithDescription("Total sliding windows transcribed."),
	); err != nil {
		return nil, err
	}
	if met.QueueDropped, err = m.Int64Counter("verbatim.queue.dropped",
		metric.WithDescription("Audio chunks evicted by queue overflow."),
	); err != nil {
		return nil, err
	}
	if met.Reclassifications, err = m.Int64Counter("verbatim.reclassifications",
		metric.WithDescription("Speaker reassignment events published."),
	); err != nil {
		return nil, err
	}
	if met.EngineFailures, err = m.Int64Counter("verbatim.engine.failures",
		metric.WithDescription("Per-buffer engine and embedder failures by stage."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("verbatim.active_sessions",
		metric.WithDescription("Number of live transcription sessions."),
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

// RecordASRDuration records one window transcription latency.
func (m *Metrics) RecordASRDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.ASRDuration.Record(ctx, d.Seconds())
}

// RecordEmbedDuration records one embedding extraction latency.
func (m *Metrics) RecordEmbedDuration(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.EmbedDuration.Record(ctx, d.Seconds())
}

// AddChunks increments the emitted-chunk counter by n.
func (m *Metrics) AddChunks(ctx context.Context, n int64) {
	if m == nil {
		return
	}
	m.ChunksEmitted.Add(ctx, n)
}

// AddWindow increments the processed-window counter.
func (m *Metrics) AddWindow(ctx context.Context) {
	if m == nil {
		return
	}
	m.WindowsProcessed.Add(ctx, 1)
}

// AddQueueDropped increments the dropped-chunk counter by n.
func (m *Metrics) AddQueueDropped(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueDropped.Add(ctx, n)
}

// AddReclassification increments the reassignment-event counter.
func (m *Metrics) AddReclassification(ctx context.Context) {
	if m == nil {
		return
	}
	m.Reclassifications.Add(ctx, 1)
}

// RecordEngineFailure counts a per-buffer failure for the given stage
// ("asr" or "embed").
func (m *Metrics) RecordEngineFailure(ctx context.Context, stage string) {
	if m == nil {
		return
	}
	m.EngineFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// SessionStarted increments the active-session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active-session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
