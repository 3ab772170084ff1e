// Package observability groups the cross-cutting observability
// infrastructure: structured logging and OpenTelemetry tracing.
// Admission and quota client metrics live next to the code they
// measure (pkg/admission, internal/infra/quota).
//
// Subpackages:
//   - logging: structured logging utilities with slog
//   - tracing: OpenTelemetry tracing integration
package observability
