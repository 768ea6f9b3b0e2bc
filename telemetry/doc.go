// Package telemetry holds the Prometheus collectors and OpenTelemetry span
// helpers shared by the orchestrator and the structured generator.
package telemetry
