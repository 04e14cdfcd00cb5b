// Package observe provides application-wide observability primitives for
// vocalprobe: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all vocalprobe metrics.
const meterName = "github.com/MrWong99/vocalprobe"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// AnalysisDuration tracks how long one buffer takes to analyse. Use with
	// attribute.String("kind", ...) (calibration, identify, answer, live).
	AnalysisDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// AnswersScored counts scored answers. Use with attribute:
	//   attribute.Bool("key", ...)
	AnswersScored metric.Int64Counter

	// DeceptionFlags counts key answers flagged as deceptive.
	DeceptionFlags metric.Int64Counter

	// MicroExpressions counts detected pitch reversals.
	MicroExpressions metric.Int64Counter

	// CalibrationSamples counts accepted calibration buffers. Use with
	// attribute.String("role", ...).
	CalibrationSamples metric.Int64Counter

	// PipelineDropped counts buffers rejected because the analysis queue was
	// full. Use with attribute.String("kind", ...).
	PipelineDropped metric.Int64Counter

	// ArchiveOperations counts archive store calls. Use with attributes:
	//   attribute.String("store", ...), attribute.String("op", ...), attribute.String("status", ...)
	ArchiveOperations metric.Int64Counter

	// BreakerTransitions counts circuit breaker state changes. Use with
	// attributes: attribute.String("store", ...), attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks sessions between start and end.
	ActiveSessions metric.Int64UpDownCounter
}

// analysisBuckets defines histogram bucket boundaries (in seconds) for
// per-buffer feature extraction.
var analysisBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.AnalysisDuration, err = m.Float64Histogram("vocalprobe.analysis.duration",
		metric.WithDescription("Latency of spectral analysis of one buffer."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(analysisBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("vocalprobe.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AnswersScored, err = m.Int64Counter("vocalprobe.answers.scored",
		metric.WithDescription("Total scored answers by question kind."),
	); err != nil {
		return nil, err
	}
	if met.DeceptionFlags, err = m.Int64Counter("vocalprobe.deception.flags",
		metric.WithDescription("Total key answers flagged as deceptive."),
	); err != nil {
		return nil, err
	}
	if met.MicroExpressions, err = m.Int64Counter("vocalprobe.micro_expressions",
		metric.WithDescription("Total detected vocal micro-expressions."),
	); err != nil {
		return nil, err
	}
	if met.CalibrationSamples, err = m.Int64Counter("vocalprobe.calibration.samples",
		metric.WithDescription("Total accepted calibration buffers by role."),
	); err != nil {
		return nil, err
	}
	if met.PipelineDropped, err = m.Int64Counter("vocalprobe.pipeline.dropped",
		metric.WithDescription("Buffers dropped because the analysis queue was full."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveOperations, err = m.Int64Counter("vocalprobe.archive.operations",
		metric.WithDescription("Total archive operations by store, operation, and status."),
	); err != nil {
		return nil, err
	}

	if met.BreakerTransitions, err = m.Int64Counter("vocalprobe.archive.breaker.transitions",
		metric.WithDescription("Circuit breaker state changes by store and new state."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("vocalprobe.active_sessions",
		metric.WithDescription("Number of sessions between start and end."),
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

// RecordAnalysis records the duration of one analysed buffer.
func (m *Metrics) RecordAnalysis(ctx context.Context, kind string, seconds float64) {
	m.AnalysisDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordAnswer counts a scored answer and, when deceptive, a deception flag.
func (m *Metrics) RecordAnswer(ctx context.Context, key, deceptive bool) {
	m.AnswersScored.Add(ctx, 1, metric.WithAttributes(attribute.Bool("key", key)))
	if deceptive {
		m.DeceptionFlags.Add(ctx, 1)
	}
}

// RecordCalibrationSample counts an accepted calibration buffer for role.
func (m *Metrics) RecordCalibrationSample(ctx context.Context, role string) {
	m.CalibrationSamples.Add(ctx, 1,
		metric.WithAttributes(attribute.String("role", role)),
	)
}

// RecordDropped counts a buffer the pipeline could not queue.
func (m *Metrics) RecordDropped(ctx context.Context, kind string) {
	m.PipelineDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordArchiveOp is a convenience method that records an archive operation
// counter increment with the standard attribute set.
func (m *Metrics) RecordArchiveOp(ctx context.Context, store, op, status string) {
	m.ArchiveOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("store", store),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordBreakerTransition records that the breaker guarding store entered
// state.
func (m *Metrics) RecordBreakerTransition(ctx context.Context, store, state string) {
	m.BreakerTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("store", store),
			attribute.String("state", state),
		),
	)
}
