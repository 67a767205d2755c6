// Package observe provides application-wide observability primitives for
// radiocast: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all radiocast metrics.
const meterName = "github.com/MrWong99/radiocast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CaptureStartDuration tracks the time from a start request until the
	// capture source delivers a live stream (includes permission prompts).
	CaptureStartDuration metric.Float64Histogram

	// DialDuration tracks WebSocket dial latency. Use with attribute:
	//   attribute.String("status", ...)
	DialDuration metric.Float64Histogram

	// --- Counters ---

	// FramesSent counts PCM16 frames handed to an open WebSocket.
	FramesSent metric.Int64Counter

	// BytesSent counts payload bytes written to the WebSocket.
	BytesSent metric.Int64Counter

	// FramesDropped counts outbound messages discarded. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// SpectrumFrames counts visualizer frames delivered to the host shell.
	SpectrumFrames metric.Int64Counter

	// Reconnects counts reconnection attempts scheduled after a drop or a
	// failed dial.
	Reconnects metric.Int64Counter

	// TransportErrors counts transport failures. Use with attribute:
	//   attribute.String("kind", ...)
	TransportErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live capture sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// ControlClients tracks the number of connected host shell event clients.
	ControlClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for dial
// and capture start latencies.
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
	if met.CaptureStartDuration, err = m.Float64Histogram("radiocast.capture.start.duration",
		metric.WithDescription("Latency from start request to live capture stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DialDuration, err = m.Float64Histogram("radiocast.transport.dial.duration",
		metric.WithDescription("Latency of WebSocket dial attempts by status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesSent, err = m.Int64Counter("radiocast.frames.sent",
		metric.WithDescription("Total PCM16 frames sent over the WebSocket."),
	); err != nil {
		return nil, err
	}
	if met.BytesSent, err = m.Int64Counter("radiocast.bytes.sent",
		metric.WithDescription("Total payload bytes written to the WebSocket."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("radiocast.frames.dropped",
		metric.WithDescription("Total outbound messages dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.SpectrumFrames, err = m.Int64Counter("radiocast.spectrum.frames",
		metric.WithDescription("Total visualizer frames delivered to the host shell."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("radiocast.transport.reconnects",
		metric.WithDescription("Total reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.TransportErrors, err = m.Int64Counter("radiocast.transport.errors",
		metric.WithDescription("Total transport errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("radiocast.active_sessions",
		metric.WithDescription("Number of live capture sessions."),
	); err != nil {
		return nil, err
	}
	if met.ControlClients, err = m.Int64UpDownCounter("radiocast.control.clients",
		metric.WithDescription("Number of connected host shell event clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("radiocast.http.request.duration",
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

// RecordFrameSent records one outbound WebSocket message of n bytes.
func (m *Metrics) RecordFrameSent(ctx context.Context, n int) {
	m.FramesSent.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(n))
}

// RecordFrameDropped records one discarded outbound message.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordTransportError records a transport failure of the given kind
// ("dial", "read", "write", "ping").
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordDial records a dial attempt's latency and outcome.
func (m *Metrics) RecordDial(ctx context.Context, seconds float64, status string) {
	m.DialDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}
