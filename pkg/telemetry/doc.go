// Package telemetry wires OpenTelemetry and Prometheus instrumentation for the
// roots validation engine.
//
// It centralises trace provider setup, records validation and configuration
// change metrics through OpenTelemetry instruments, and exposes a Prometheus
// registry so operators can scrape acceptance and rejection rates directly.
package telemetry
