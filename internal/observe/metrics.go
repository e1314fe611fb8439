// Package observe provides application-wide observability primitives for
// voxline: OpenTelemetry metrics, distributed tracing, structured logging,
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
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Synthesis ---

	// TTSDuration tracks the latency of a single synthesis attempt. Use with
	// attributes: attribute.String("model", ...), attribute.String("status", ...)
	TTSDuration metric.Float64Histogram

	// TTSAttempts counts synthesis attempts, successful or not.
	TTSAttempts metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Playback ---

	// PlaybackItems counts queue items reaching a terminal state. Use with
	// attribute.String("status", "played"|"error").
	PlaybackItems metric.Int64Counter

	// PlaybackStall tracks how long the driver waited for an item to finish
	// synthesis.
	PlaybackStall metric.Float64Histogram

	// --- Network ---

	// NetworkLatency tracks liveness probe round-trip time.
	NetworkLatency metric.Float64Histogram

	// NetworkQuality holds the current quality band: 0 excellent, 1 good,
	// 2 poor, 3 offline.
	NetworkQuality metric.Int64Gauge

	// NetworkProbeFailures counts probes that ended offline.
	NetworkProbeFailures metric.Int64Counter

	// --- Sessions ---

	// ActiveSessions tracks the number of live conversation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...),
	//   attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) tuned for
// synthesis and probe latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp. The first instrument error is
// returned; no partially built [Metrics] escapes.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := instruments{m: mp.Meter(meterName)}
	met := &Metrics{
		TTSDuration: b.latency("voxline.tts.duration",
			"Latency of a single text-to-speech synthesis attempt."),
		TTSAttempts: b.counter("voxline.tts.attempts",
			"Total synthesis attempts by model and status."),
		ProviderErrors: b.counter("voxline.provider.errors",
			"Total provider errors by provider and kind."),

		PlaybackItems: b.counter("voxline.playback.items",
			"Queue items reaching a terminal state, by status."),
		PlaybackStall: b.latency("voxline.playback.stall",
			"Time the playback driver waited for an item to become ready."),

		NetworkLatency: b.latency("voxline.network.latency",
			"Round-trip time of liveness probes."),
		NetworkProbeFailures: b.counter("voxline.network.probe_failures",
			"Liveness probes that failed or timed out."),
		NetworkQuality: b.gauge("voxline.network.quality",
			"Current network quality band (0 excellent, 1 good, 2 poor, 3 offline)."),

		ActiveSessions: b.upDown("voxline.active_sessions",
			"Number of live conversation sessions."),

		HTTPRequestDuration: b.histogram("voxline.http.request.duration",
			"HTTP request latency by method, route and status."),
	}
	if b.err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", b.err)
	}
	return met, nil
}

// instruments creates instruments on one meter and keeps the first error so
// the constructor reads as a flat list.
type instruments struct {
	m   metric.Meter
	err error
}

func (b *instruments) keep(err error) {
	if b.err == nil && err != nil {
		b.err = err
	}
}

func (b *instruments) latency(name, desc string) metric.Float64Histogram {
	h, err := b.m.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	)
	b.keep(err)
	return h
}

func (b *instruments) histogram(name, desc string) metric.Float64Histogram {
	h, err := b.m.Float64Histogram(name, metric.WithDescription(desc), metric.WithUnit("s"))
	b.keep(err)
	return h
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.m.Int64Counter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) upDown(name, desc string) metric.Int64UpDownCounter {
	c, err := b.m.Int64UpDownCounter(name, metric.WithDescription(desc))
	b.keep(err)
	return c
}

func (b *instruments) gauge(name, desc string) metric.Int64Gauge {
	g, err := b.m.Int64Gauge(name, metric.WithDescription(desc))
	b.keep(err)
	return g
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

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordProbe records one liveness probe. A failed probe only increments the
// failure counter; its latency is not meaningful.
func (m *Metrics) RecordProbe(ctx context.Context, seconds float64, ok bool) {
	if !ok {
		m.NetworkProbeFailures.Add(ctx, 1)
		return
	}
	m.NetworkLatency.Record(ctx, seconds)
}

// RecordQuality stores the current network quality band.
func (m *Metrics) RecordQuality(ctx context.Context, band int64, name string) {
	m.NetworkQuality.Record(ctx, band, metric.WithAttributes(attribute.String("quality", name)))
}
