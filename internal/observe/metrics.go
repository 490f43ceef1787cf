// Package observe provides application-wide observability primitives for
// Sonicbridge: OpenTelemetry metrics, structured logging helpers, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Sonicbridge metrics.
const meterName = "github.com/MrWong99/sonicbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SessionInitDuration tracks how long the opening protocol sequence plus
	// upstream stream establishment takes.
	SessionInitDuration metric.Float64Histogram

	// ToolExecutionDuration tracks tool handler execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// SessionDuration tracks full session lifetimes, from creation to
	// reclamation.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// EventsSent counts protocol events forwarded upstream. Use with
	// attribute: attribute.String("kind", ...)
	EventsSent metric.Int64Counter

	// EventsReceived counts protocol events decoded from upstream responses.
	// Use with attribute: attribute.String("kind", ...)
	EventsReceived metric.Int64Counter

	// AudioDropped counts audio chunks evicted from full session queues.
	AudioDropped metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts upstream stream failures. Use with attribute:
	//   attribute.String("fault", ...)
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ConnectedClients tracks the number of websocket clients currently
	// attached to the gateway.
	ConnectedClients metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// sessionBuckets defines bucket boundaries (in seconds) for whole-session
// lifetimes, which run minutes rather than milliseconds.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionInitDuration, err = m.Float64Histogram("sonicbridge.session.init.duration",
		metric.WithDescription("Latency of session initiation including upstream stream establishment."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("sonicbridge.tool_execution.duration",
		metric.WithDescription("Latency of tool handler execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("sonicbridge.session.duration",
		metric.WithDescription("Session lifetime from creation to reclamation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.EventsSent, err = m.Int64Counter("sonicbridge.events.sent",
		metric.WithDescription("Total protocol events forwarded upstream by kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsReceived, err = m.Int64Counter("sonicbridge.events.received",
		metric.WithDescription("Total protocol events decoded from upstream by kind."),
	); err != nil {
		return nil, err
	}
	if met.AudioDropped, err = m.Int64Counter("sonicbridge.audio.dropped",
		metric.WithDescription("Total audio chunks evicted from full session queues."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("sonicbridge.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("sonicbridge.upstream.errors",
		metric.WithDescription("Total upstream stream failures by fault class."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("sonicbridge.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}
	if met.ConnectedClients, err = m.Int64UpDownCounter("sonicbridge.connected_clients",
		metric.WithDescription("Number of connected websocket clients."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("sonicbridge.http.request.duration",
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

// RecordEventSent is a convenience method that counts one event forwarded
// upstream.
func (m *Metrics) RecordEventSent(ctx context.Context, kind string) {
	m.EventsSent.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordEventReceived is a convenience method that counts one event decoded
// from the upstream response stream.
func (m *Metrics) RecordEventReceived(ctx context.Context, kind string) {
	m.EventsReceived.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordToolCall is a convenience method that records a tool call counter
// increment with the standard attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordUpstreamError is a convenience method that records an upstream
// failure counter increment.
func (m *Metrics) RecordUpstreamError(ctx context.Context, fault string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("fault", fault)),
	)
}
