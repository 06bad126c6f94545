// Package observe provides application-wide observability primitives for
// Voxlens: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voxlens metrics.
const meterName = "github.com/MrWong99/voxlens"

// Restart causes recorded with [Metrics.RecordRestart].
const (
	CauseError = "error"
	CauseEnd   = "end"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Analysis pipeline ---

	// TickDuration tracks the time spent on one pipeline tick (read, analyse,
	// emit).
	TickDuration metric.Float64Histogram

	// FramesAnalyzed counts completed pipeline ticks. Use with attribute:
	//   attribute.String("profile", ...)
	FramesAnalyzed metric.Int64Counter

	// SilentFrames counts frames whose time-domain RMS fell below the
	// silence threshold, i.e. no pitch was attempted.
	SilentFrames metric.Int64Counter

	// PitchDetections counts frames with a non-zero pitch estimate.
	PitchDetections metric.Int64Counter

	// SourceErrors counts capture source failures that stopped a pipeline.
	SourceErrors metric.Int64Counter

	// ActivePipelines tracks the number of running analysis pipelines.
	ActivePipelines metric.Int64UpDownCounter

	// --- Transcription ---

	// TranscriptionRestarts counts scheduled restarts. Use with attribute:
	//   attribute.String("cause", CauseError|CauseEnd)
	TranscriptionRestarts metric.Int64Counter

	// TranscriptSegments counts final transcript segments appended.
	TranscriptSegments metric.Int64Counter

	// StreamStartDuration tracks how long the provider takes to open a stream.
	StreamStartDuration metric.Float64Histogram

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// ActiveSessions tracks the number of listening transcription sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// tickBuckets covers a display-rate tick budget (16.7 ms at 60 Hz) with
// headroom on both sides.
var tickBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.0167, 0.025, 0.05, 0.1,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// network round trips to speech providers.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Pipeline.
	if met.TickDuration, err = m.Float64Histogram("voxlens.pipeline.tick.duration",
		metric.WithDescription("Time spent analysing one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesAnalyzed, err = m.Int64Counter("voxlens.pipeline.frames",
		metric.WithDescription("Total frames analysed by profile."),
	); err != nil {
		return nil, err
	}
	if met.SilentFrames, err = m.Int64Counter("voxlens.pipeline.silent_frames",
		metric.WithDescription("Total frames below the silence threshold."),
	); err != nil {
		return nil, err
	}
	if met.PitchDetections, err = m.Int64Counter("voxlens.pipeline.pitch_detections",
		metric.WithDescription("Total frames with a detected pitch."),
	); err != nil {
		return nil, err
	}
	if met.SourceErrors, err = m.Int64Counter("voxlens.pipeline.source_errors",
		metric.WithDescription("Total capture source failures."),
	); err != nil {
		return nil, err
	}
	if met.ActivePipelines, err = m.Int64UpDownCounter("voxlens.active_pipelines",
		metric.WithDescription("Number of running analysis pipelines."),
	); err != nil {
		return nil, err
	}

	// Transcription.
	if met.TranscriptionRestarts, err = m.Int64Counter("voxlens.transcription.restarts",
		metric.WithDescription("Total scheduled transcription restarts by cause."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptSegments, err = m.Int64Counter("voxlens.transcription.segments",
		metric.WithDescription("Total final transcript segments."),
	); err != nil {
		return nil, err
	}
	if met.StreamStartDuration, err = m.Float64Histogram("voxlens.stt.start.duration",
		metric.WithDescription("Latency of opening a speech-to-text stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxlens.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxlens.active_sessions",
		metric.WithDescription("Number of listening transcription sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxlens.http.request.duration",
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

// RecordFrame records one analysed frame with its outcome.
func (m *Metrics) RecordFrame(ctx context.Context, profile string, seconds float64, pitched, silent bool) {
	m.TickDuration.Record(ctx, seconds)
	m.FramesAnalyzed.Add(ctx, 1, metric.WithAttributes(attribute.String("profile", profile)))
	if pitched {
		m.PitchDetections.Add(ctx, 1)
	}
	if silent {
		m.SilentFrames.Add(ctx, 1)
	}
}

// RecordRestart records a scheduled transcription restart.
func (m *Metrics) RecordRestart(ctx context.Context, cause string) {
	m.TranscriptionRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("cause", cause)),
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
