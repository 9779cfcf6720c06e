// Package telemetry wires OpenTelemetry tracing and metrics for vaultd.
//
// A single Telemetry instance owns the TracerProvider and MeterProvider
// and exports over OTLP (gRPC or http/protobuf). Initialization failures
// degrade the instance to no-op instruments instead of failing startup,
// so a missing collector never blocks the data plane.
//
// Use NewTestTelemetry in tests for in-memory span and metric capture.
package telemetry
