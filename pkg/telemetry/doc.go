// Package telemetry provides structured logging, Prometheus metrics, and
// optional OpenTelemetry tracing for the drawbridge intake daemon.
package telemetry
