// Package observe provides application-wide observability primitives for
// rtcbridge: OpenTelemetry metrics, distributed tracing, structured logging,
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

// meterName is the instrumentation scope name used for all rtcbridge metrics.
const meterName = "github.com/MrWong99/rtcbridge"

// Drop and skip reasons used as the "reason" attribute.
const (
	ReasonQueueFull   = "queue_full"
	ReasonRenderIdle  = "render_idle"
	ReasonOversize    = "oversize"
	ReasonQueueClosed = "queue_closed"
	ReasonPartial     = "partial"
	ReasonNoData      = "no_data"
	ReasonReadError   = "read_error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Downlink ---

	// FramesEnqueued counts remote audio frames accepted into the frame queue.
	FramesEnqueued metric.Int64Counter

	// FramesDropped counts remote audio frames that never reached the render
	// pipeline. Use with attribute:
	//   attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// FramesRendered counts payloads written to the render pipeline.
	FramesRendered metric.Int64Counter

	// RenderErrors counts failed render writes.
	RenderErrors metric.Int64Counter

	// QueueDepth tracks the number of frames waiting in downlink queues.
	QueueDepth metric.Int64UpDownCounter

	// --- Uplink ---

	// FramesSent counts captured frames published to the room.
	FramesSent metric.Int64Counter

	// SendErrors counts failed publish attempts.
	SendErrors metric.Int64Counter

	// ReadSkips counts capture reads that produced no sendable frame. Use
	// with attribute:
	//   attribute.String("reason", ...)
	ReadSkips metric.Int64Counter

	// --- Control ---

	// WakeEvents counts recorder events. Use with attribute:
	//   attribute.String("event", ...)
	WakeEvents metric.Int64Counter

	// EngineEvents counts engine control callbacks. Use with attribute:
	//   attribute.String("kind", ...)
	EngineEvents metric.Int64Counter

	// EventsDropped counts control events dropped because the session's event
	// channel was full.
	EventsDropped metric.Int64Counter

	// ActiveSessions tracks the number of started bridge sessions.
	ActiveSessions metric.Int64UpDownCounter

	// JoinDuration tracks the time from JoinRoom until the join callback.
	JoinDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time, labelled by
	// method, route pattern and status code.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for room
// join latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Downlink.
	if met.FramesEnqueued, err = m.Int64Counter("rtcbridge.downlink.frames_enqueued",
		metric.WithDescription("Remote audio frames accepted into the frame queue."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("rtcbridge.downlink.frames_dropped",
		metric.WithDescription("Remote audio frames dropped before rendering, by reason."),
	); err != nil {
		return nil, err
	}
	if met.FramesRendered, err = m.Int64Counter("rtcbridge.downlink.frames_rendered",
		metric.WithDescription("Payloads written to the render pipeline."),
	); err != nil {
		return nil, err
	}
	if met.RenderErrors, err = m.Int64Counter("rtcbridge.downlink.render_errors",
		metric.WithDescription("Failed writes to the render pipeline."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64UpDownCounter("rtcbridge.downlink.queue_depth",
		metric.WithDescription("Frames waiting in downlink frame queues."),
	); err != nil {
		return nil, err
	}

	// Uplink.
	if met.FramesSent, err = m.Int64Counter("rtcbridge.uplink.frames_sent",
		metric.WithDescription("Captured frames published to the room."),
	); err != nil {
		return nil, err
	}
	if met.SendErrors, err = m.Int64Counter("rtcbridge.uplink.send_errors",
		metric.WithDescription("Failed attempts to publish captured frames."),
	); err != nil {
		return nil, err
	}
	if met.ReadSkips, err = m.Int64Counter("rtcbridge.uplink.read_skips",
		metric.WithDescription("Capture reads that yielded no sendable frame, by reason."),
	); err != nil {
		return nil, err
	}

	// Control.
	if met.WakeEvents, err = m.Int64Counter("rtcbridge.wake.events",
		metric.WithDescription("Recorder wake and voice activity events by type."),
	); err != nil {
		return nil, err
	}
	if met.EngineEvents, err = m.Int64Counter("rtcbridge.engine.events",
		metric.WithDescription("Engine control callbacks by kind."),
	); err != nil {
		return nil, err
	}
	if met.EventsDropped, err = m.Int64Counter("rtcbridge.engine.events_dropped",
		metric.WithDescription("Engine control events dropped on a full event channel."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("rtcbridge.active_sessions",
		metric.WithDescription("Number of started bridge sessions."),
	); err != nil {
		return nil, err
	}
	if met.JoinDuration, err = m.Float64Histogram("rtcbridge.join.duration",
		metric.WithDescription("Time from join request until the engine confirmed the join."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("rtcbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordFrameDropped records a dropped downlink frame with its reason.
func (m *Metrics) RecordFrameDropped(ctx context.Context, reason string) {
	m.FramesDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordReadSkip records a capture read that produced nothing to send.
func (m *Metrics) RecordReadSkip(ctx context.Context, reason string) {
	m.ReadSkips.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordWakeEvent records one recorder event.
func (m *Metrics) RecordWakeEvent(ctx context.Context, event string) {
	m.WakeEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordEngineEvent records one engine control callback.
func (m *Metrics) RecordEngineEvent(ctx context.Context, kind string) {
	m.EngineEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
