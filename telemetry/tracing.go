package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope used by the runtime components.
const TracerName = "github.com/cleitonmarx/lifeline"

// Tracer returns the runtime tracer from tp, or from the global provider when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(TracerName)
}

// Start opens a span named name with the given attributes.
func Start(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordErrorAndStatus records err on span and marks the span as failed.
// Returns true if an error was recorded.
func RecordErrorAndStatus(span trace.Span, err error) bool {
	if err == nil {
		return false
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return true
}
