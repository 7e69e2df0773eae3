package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

// Compile-time interface check.
var _ MetricsRecorder = NoopMetrics{}

func (NoopMetrics) RecordSendRouted(context.Context, string, time.Duration) {}
func (NoopMetrics) RecordSendDropped(context.Context, string)               {}
func (NoopMetrics) RecordSendError(context.Context, string)                 {}
func (NoopMetrics) RecordDisconnect(context.Context, string)                {}
func (NoopMetrics) RecordActivation(context.Context, bool)                  {}
func (NoopMetrics) RecordEvent(context.Context, string, int64)              {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

// Compile-time interface check.
var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartActorSpan returns the context unchanged and a no-op span.
func (NoopSpanManager) StartActorSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(trace.Span, error) {}

// AddSpanEvent does nothing.
func (NoopSpanManager) AddSpanEvent(context.Context, string, ...attribute.KeyValue) {}
