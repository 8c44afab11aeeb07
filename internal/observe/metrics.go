// Package observe provides application-wide observability primitives for
// framesync: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint; it installs [Views] so the
// latency histograms use frame-scale buckets. A package-level default
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

// meterName is the instrumentation scope name used for all framesync metrics.
const meterName = "github.com/MrWong99/framesync"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Playback ---

	// Completions counts terminal outcomes of scheduled frames. Use with
	// attributes:
	//   attribute.String("channel", ...), attribute.String("outcome", ...)
	Completions metric.Int64Counter

	// BufferedFrames tracks frames waiting in playback queues. Use with
	// attribute.String("channel", ...).
	BufferedFrames metric.Int64UpDownCounter

	// PresentDuration tracks how long the device took to accept a frame.
	PresentDuration metric.Float64Histogram

	// AudioSampleFrames counts sample frames handed to the device. Use with
	// attribute.String("channel", ...).
	AudioSampleFrames metric.Int64Counter

	// --- Capture ---

	// Deliveries counts delivery callbacks. Use with attributes:
	//   attribute.String("channel", ...), attribute.String("kind", ...)
	// where kind is one of "video", "audio", "no_signal", "substituted".
	Deliveries metric.Int64Counter

	// Overruns counts captured units discarded because the backlog was full.
	Overruns metric.Int64Counter

	// CallbackDuration tracks time spent in capture delivery callbacks.
	CallbackDuration metric.Float64Histogram

	// FormatChanges counts detected input format changes.
	FormatChanges metric.Int64Counter

	// --- Groups ---

	// GroupOperations counts sync group operations. Use with attributes:
	//   attribute.String("group", ...), attribute.String("op", ...), attribute.String("status", ...)
	GroupOperations metric.Int64Counter

	// --- Gauges ---

	// ActiveChannels tracks the number of streaming channels.
	ActiveChannels metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Playback.
	if met.Completions, err = m.Int64Counter("framesync.playback.completions",
		metric.WithDescription("Scheduled frame outcomes by channel and outcome."),
	); err != nil {
		return nil, err
	}
	if met.BufferedFrames, err = m.Int64UpDownCounter("framesync.playback.buffered_frames",
		metric.WithDescription("Frames buffered for playback by channel."),
	); err != nil {
		return nil, err
	}
	if met.PresentDuration, err = m.Float64Histogram("framesync.playback.present.duration",
		metric.WithDescription("Latency of handing a frame to the device."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.AudioSampleFrames, err = m.Int64Counter("framesync.playback.audio.sample_frames",
		metric.WithDescription("Audio sample frames pushed to the device by channel."),
	); err != nil {
		return nil, err
	}

	// Capture.
	if met.Deliveries, err = m.Int64Counter("framesync.capture.deliveries",
		metric.WithDescription("Capture delivery callbacks by channel and kind."),
	); err != nil {
		return nil, err
	}
	if met.Overruns, err = m.Int64Counter("framesync.capture.overruns",
		metric.WithDescription("Captured units discarded on backlog overrun."),
	); err != nil {
		return nil, err
	}
	if met.CallbackDuration, err = m.Float64Histogram("framesync.capture.callback.duration",
		metric.WithDescription("Time spent in capture delivery callbacks."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.FormatChanges, err = m.Int64Counter("framesync.capture.format_changes",
		metric.WithDescription("Detected input format changes by channel."),
	); err != nil {
		return nil, err
	}

	// Groups.
	if met.GroupOperations, err = m.Int64Counter("framesync.group.operations",
		metric.WithDescription("Sync group operations by group, operation and status."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveChannels, err = m.Int64UpDownCounter("framesync.active_channels",
		metric.WithDescription("Number of streaming channels."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("framesync.http.request.duration",
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

// RecordCompletion records one scheduled frame outcome.
func (m *Metrics) RecordCompletion(ctx context.Context, channel, outcome string) {
	m.Completions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordDelivery records one capture delivery callback of the given kind.
func (m *Metrics) RecordDelivery(ctx context.Context, channel, kind string) {
	m.Deliveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("channel", channel),
			attribute.String("kind", kind),
		),
	)
}

// RecordOverrun records n captured units discarded on overrun.
func (m *Metrics) RecordOverrun(ctx context.Context, channel string, n int64) {
	m.Overruns.Add(ctx, n, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordFormatChange records a detected input format change.
func (m *Metrics) RecordFormatChange(ctx context.Context, channel string) {
	m.FormatChanges.Add(ctx, 1, metric.WithAttributes(attribute.String("channel", channel)))
}

// RecordGroupOperation records a sync group operation and its status.
func (m *Metrics) RecordGroupOperation(ctx context.Context, group, op, status string) {
	m.GroupOperations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("group", group),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}
