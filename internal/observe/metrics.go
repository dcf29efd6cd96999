// Package observe provides application-wide observability primitives for
// questvoice: OpenTelemetry metrics, tracing, trace-aware logging, and HTTP
// middleware that ties them together.
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

// meterName is the instrumentation scope name used for all questvoice metrics.
const meterName = "github.com/MrWong99/questvoice"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use. All Record methods are safe to call
// on a nil *Metrics and do nothing.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks the time from connect request to an open event
	// channel. Use with attribute.String("status", ...).
	ConnectDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.String("status", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts HTTP calls to the provider. Use with attributes:
	//   attribute.String("kind", "credentials"|"signaling"), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Turns counts completed conversation turns. Use with
	// attribute.String("speaker", ...).
	Turns metric.Int64Counter

	// PersonaSwitches counts active persona changes. Use with attributes:
	//   attribute.String("to", ...), attribute.String("source", "user"|"provider")
	PersonaSwitches metric.Int64Counter

	// BargeIns counts responses cancelled by the user starting to speak.
	BargeIns metric.Int64Counter

	// DroppedEvents counts inbound protocol anomalies that were discarded.
	// Use with attribute.String("reason", ...).
	DroppedEvents metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts error events and failed requests. Use with
	// attribute.String("kind", ...).
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live realtime connections.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// connection setup, which spans two HTTP round trips and ICE negotiation.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("questvoice.connect.duration",
		metric.WithDescription("Time to establish a realtime session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("questvoice.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("questvoice.provider.requests",
		metric.WithDescription("Total provider HTTP requests by kind and status."),
	); err != nil {
		return nil, err
	}
	if met.Turns, err = m.Int64Counter("questvoice.turns",
		metric.WithDescription("Total completed conversation turns by speaker."),
	); err != nil {
		return nil, err
	}
	if met.PersonaSwitches, err = m.Int64Counter("questvoice.persona.switches",
		metric.WithDescription("Total persona switches by target and source."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("questvoice.barge_ins",
		metric.WithDescription("Total in-flight responses cancelled by the user."),
	); err != nil {
		return nil, err
	}
	if met.DroppedEvents, err = m.Int64Counter("questvoice.events.dropped",
		metric.WithDescription("Total inbound events discarded by reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("questvoice.provider.errors",
		metric.WithDescription("Total provider errors by kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("questvoice.active_sessions",
		metric.WithDescription("Number of live realtime sessions."),
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

// RecordConnect records the duration of a connection attempt.
func (m *Metrics) RecordConnect(ctx context.Context, seconds float64, status string) {
	if m == nil {
		return
	}
	m.ConnectDuration.Record(ctx, seconds, metric.WithAttributes(attribute.String("status", status)))
}

// RecordHTTPRequest records the duration of a served HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("route", route),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records a completed turn by speaker.
func (m *Metrics) RecordTurn(ctx context.Context, speaker string) {
	if m == nil {
		return
	}
	m.Turns.Add(ctx, 1, metric.WithAttributes(attribute.String("speaker", speaker)))
}

// RecordPersonaSwitch records an active persona change.
func (m *Metrics) RecordPersonaSwitch(ctx context.Context, to, source string) {
	if m == nil {
		return
	}
	m.PersonaSwitches.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("to", to),
			attribute.String("source", source),
		),
	)
}

// RecordBargeIn records a cancelled in-flight response.
func (m *Metrics) RecordBargeIn(ctx context.Context) {
	if m == nil {
		return
	}
	m.BargeIns.Add(ctx, 1)
}

// RecordDroppedEvent records a discarded inbound event.
func (m *Metrics) RecordDroppedEvent(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.DroppedEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// SessionStarted increments the active session gauge.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionEnded decrements the active session gauge.
func (m *Metrics) SessionEnded(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
