package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Tracer is the bridge's tracer, resolved against the global provider on
// every call so tests can swap providers.
func Tracer() trace.Tracer { return otel.Tracer(meterName) }

// StartSpan starts a span named name under ctx. End the span when done.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// CorrelationID is the hex trace ID of the span in ctx, or "" without one.
// The control API echoes it to clients so a failed request can be matched
// to its log lines.
func CorrelationID(ctx context.Context) string {
	if tid := trace.SpanFromContext(ctx).SpanContext().TraceID(); tid.IsValid() {
		return tid.String()
	}
	return ""
}

// Logger returns the default logger tagged with the trace_id and span_id of
// the span in ctx. Without a span it is [slog.Default] unchanged.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}
