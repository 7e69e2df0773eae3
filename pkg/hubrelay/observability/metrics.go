package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records connection actor metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordSendRouted records a message published to a server.
	RecordSendRouted(ctx context.Context, hubName string, duration time.Duration)

	// RecordSendDropped records a send dropped while disconnected.
	RecordSendDropped(ctx context.Context, hubName string)

	// RecordSendError records a failed publish while connected.
	RecordSendError(ctx context.Context, hubName string)

	// RecordDisconnect records a teardown with its reason.
	RecordDisconnect(ctx context.Context, reason string)

	// RecordActivation records an actor activation.
	RecordActivation(ctx context.Context, resumed bool)

	// RecordEvent records an appended state event.
	RecordEvent(ctx context.Context, kind string, sizeBytes int64)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	sendRouted  metric.Int64Counter
	sendLatency metric.Float64Histogram
	sendDropped metric.Int64Counter
	sendErrors  metric.Int64Counter
	disconnects metric.Int64Counter
	activations metric.Int64Counter
	eventSize   metric.Int64Histogram
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

// getDefaultMetrics returns the default OTel metrics instance.
// Lazily initializes the metrics on first call.
func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics()
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("hubrelay")

	sendRouted, err := meter.Int64Counter("hubrelay.send.routed",
		metric.WithDescription("Messages published to a server inbound topic"),
	)
	if err != nil {
		return nil, err
	}

	sendLatency, err := meter.Float64Histogram("hubrelay.send.latency_ms",
		metric.WithDescription("Publish latency of routed sends in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	sendDropped, err := meter.Int64Counter("hubrelay.send.dropped",
		metric.WithDescription("Sends dropped because no server was known"),
	)
	if err != nil {
		return nil, err
	}

	sendErrors, err := meter.Int64Counter("hubrelay.send.errors",
		metric.WithDescription("Failed publishes while connected"),
	)
	if err != nil {
		return nil, err
	}

	disconnects, err := meter.Int64Counter("hubrelay.disconnects",
		metric.WithDescription("Connection teardowns"),
	)
	if err != nil {
		return nil, err
	}

	activations, err := meter.Int64Counter("hubrelay.activations",
		metric.WithDescription("Connection actor activations"),
	)
	if err != nil {
		return nil, err
	}

	eventSize, err := meter.Int64Histogram("hubrelay.event.size_bytes",
		metric.WithDescription("Appended state event size in bytes"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		sendRouted:  sendRouted,
		sendLatency: sendLatency,
		sendDropped: sendDropped,
		sendErrors:  sendErrors,
		disconnects: disconnects,
		activations: activations,
		eventSize:   eventSize,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder uses the global OTel meter provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordSendRouted(ctx context.Context, hubName string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("hub", hubName))
	m.sendRouted.Add(ctx, 1, attrs)
	m.sendLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

func (m *otelMetrics) RecordSendDropped(ctx context.Context, hubName string) {
	m.sendDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("hub", hubName)))
}

func (m *otelMetrics) RecordSendError(ctx context.Context, hubName string) {
	m.sendErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("hub", hubName)))
}

func (m *otelMetrics) RecordDisconnect(ctx context.Context, reason string) {
	m.disconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *otelMetrics) RecordActivation(ctx context.Context, resumed bool) {
	m.activations.Add(ctx, 1, metric.WithAttributes(attribute.Bool("resumed", resumed)))
}

func (m *otelMetrics) RecordEvent(ctx context.Context, kind string, sizeBytes int64) {
	m.eventSize.Record(ctx, sizeBytes, metric.WithAttributes(attribute.String("kind", kind)))
}
