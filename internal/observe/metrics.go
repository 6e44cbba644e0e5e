// Package observe provides application-wide observability primitives for
// Voxline: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all Voxline metrics.
const meterName = "github.com/voxline/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage execution latency. Use with attributes:
	//   attribute.String("stage", ...), attribute.String("status", ...)
	StageDuration metric.Float64Histogram

	// RunDuration tracks end-to-end pipeline run latency. Use with attributes:
	//   attribute.String("topology", ...), attribute.String("status", ...)
	RunDuration metric.Float64Histogram

	// ProviderCallDuration tracks external provider call latency. Use with
	// attributes:
	//   attribute.String("operation", ...), attribute.String("provider", ...)
	ProviderCallDuration metric.Float64Histogram

	// TimeToFirstToken tracks the delay until the first LLM token reaches the
	// client stream.
	TimeToFirstToken metric.Float64Histogram

	// TimeToFirstAudio tracks the delay until the first synthesized audio
	// chunk reaches the client stream.
	TimeToFirstAudio metric.Float64Histogram

	// --- Counters ---

	// ProviderCalls counts provider invocations. Use with attributes:
	//   attribute.String("operation", ...), attribute.String("provider", ...), attribute.String("status", ...)
	ProviderCalls metric.Int64Counter

	// RunTokens counts tokens consumed and produced across runs. Use with
	// attribute:
	//   attribute.String("direction", "in"|"out"|"cached")
	RunTokens metric.Int64Counter

	// RunCost accumulates run cost in hundredths of cents.
	RunCost metric.Int64Counter

	// StreamDropped counts frames discarded by the streaming bridge. Use with
	// attribute:
	//   attribute.String("frame_type", ...)
	StreamDropped metric.Int64Counter

	// DeadLettered counts runs captured to the dead-letter queue. Use with
	// attribute:
	//   attribute.String("error_type", ...)
	DeadLettered metric.Int64Counter

	// --- Gauges ---

	// ActiveRuns tracks the number of pipeline runs currently executing.
	ActiveRuns metric.Int64UpDownCounter

	// ActiveConnections tracks the number of live client transport
	// connections.
	ActiveConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for conversational-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("voxline.stage.duration",
		metric.WithDescription("Latency of a single pipeline stage execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RunDuration, err = m.Float64Histogram("voxline.run.duration",
		metric.WithDescription("End-to-end pipeline run latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderCallDuration, err = m.Float64Histogram("voxline.provider.call.duration",
		metric.WithDescription("Latency of external provider calls."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstToken, err = m.Float64Histogram("voxline.run.time_to_first_token",
		metric.WithDescription("Delay until the first LLM token reaches the client."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TimeToFirstAudio, err = m.Float64Histogram("voxline.run.time_to_first_audio",
		metric.WithDescription("Delay until the first synthesized audio chunk reaches the client."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderCalls, err = m.Int64Counter("voxline.provider.calls",
		metric.WithDescription("Total provider invocations by operation, provider, and status."),
	); err != nil {
		return nil, err
	}
	if met.RunTokens, err = m.Int64Counter("voxline.run.tokens",
		metric.WithDescription("Total tokens by direction (in, out, cached)."),
	); err != nil {
		return nil, err
	}
	if met.RunCost, err = m.Int64Counter("voxline.run.cost",
		metric.WithDescription("Accumulated run cost in hundredths of cents."),
	); err != nil {
		return nil, err
	}
	if met.StreamDropped, err = m.Int64Counter("voxline.stream.dropped",
		metric.WithDescription("Frames discarded by the streaming bridge, by frame type."),
	); err != nil {
		return nil, err
	}
	if met.DeadLettered, err = m.Int64Counter("voxline.dead_lettered",
		metric.WithDescription("Runs captured to the dead-letter queue, by error type."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveRuns, err = m.Int64UpDownCounter("voxline.active_runs",
		metric.WithDescription("Number of pipeline runs currently executing."),
	); err != nil {
		return nil, err
	}
	if met.ActiveConnections, err = m.Int64UpDownCounter("voxline.active_connections",
		metric.WithDescription("Number of live client transport connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
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

// RecordStage records one stage execution with the standard attribute set.
func (m *Metrics) RecordStage(ctx context.Context, stage, status string, seconds float64) {
	m.StageDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("stage", stage),
			attribute.String("status", status),
		),
	)
}

// RecordRun records one completed run with the standard attribute set.
func (m *Metrics) RecordRun(ctx context.Context, topology, status string, seconds float64) {
	m.RunDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("topology", topology),
			attribute.String("status", status),
		),
	)
}

// RecordProviderCall records one provider invocation with the standard
// attribute set.
func (m *Metrics) RecordProviderCall(ctx context.Context, operation, provider, status string, seconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("provider", provider),
		attribute.String("status", status),
	)
	m.ProviderCalls.Add(ctx, 1, attrs)
	m.ProviderCallDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("operation", operation),
			attribute.String("provider", provider),
		),
	)
}

// AddRunUsage accumulates a run's token and cost aggregates.
func (m *Metrics) AddRunUsage(ctx context.Context, tokensIn, tokensOut, cachedTokens int, costHundredthCents int64) {
	if tokensIn > 0 {
		m.RunTokens.Add(ctx, int64(tokensIn),
			metric.WithAttributes(attribute.String("direction", "in")))
	}
	if tokensOut > 0 {
		m.RunTokens.Add(ctx, int64(tokensOut),
			metric.WithAttributes(attribute.String("direction", "out")))
	}
	if cachedTokens > 0 {
		m.RunTokens.Add(ctx, int64(cachedTokens),
			metric.WithAttributes(attribute.String("direction", "cached")))
	}
	if costHundredthCents > 0 {
		m.RunCost.Add(ctx, costHundredthCents)
	}
}

// RecordDeadLetter records one dead-letter capture.
func (m *Metrics) RecordDeadLetter(ctx context.Context, errorType string) {
	m.DeadLettered.Add(ctx, 1,
		metric.WithAttributes(attribute.String("error_type", errorType)),
	)
}
