// Package telemetry provides structured logging, Prometheus metrics,
// distributed tracing, and event publishing for the OpenMast
// orchestrator.
package telemetry
