// Package telemetry configures OpenTelemetry tracing and metrics export for
// taskloop.
//
// When enabled, spans and metrics are exported over OTLP (grpc or http) and
// the providers are installed as the otel globals, which the orchestrator,
// compression and checkpoint packages use. When disabled, New returns an
// instance whose providers are the otel no-op globals.
//
// Exporter failures never stop a run; the instance is marked degraded.
//
// Tests use NewTestTelemetry, which records spans in memory and reads
// metrics through a manual reader.
package telemetry
