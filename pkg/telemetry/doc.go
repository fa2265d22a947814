// Package telemetry provides logging, metrics, and tracing for NetWard.
// It wraps zerolog for structured logs, Prometheus for metrics, and
// OpenTelemetry for distributed traces, and carries the correlation ID that
// threads one logical request through every component and audit event.
package telemetry
