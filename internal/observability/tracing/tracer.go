// Package tracing provides OpenTelemetry tracing for the admission
// pipeline: a shared tracer plus HTTP middleware that opens a server
// span per request.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracer is the global tracer instance for quotagate.
var tracer = otel.Tracer("quotagate")

// GetTracer returns the shared tracer for creating spans.
//
//	ctx, span := tracing.GetTracer().Start(ctx, "quota.Check")
//	defer span.End()
func GetTracer() trace.Tracer {
	return tracer
}
