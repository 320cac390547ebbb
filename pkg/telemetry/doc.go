// Package telemetry provides structured logging, Prometheus metrics, and
// distributed tracing for the Atelier control plane.
//
// All components receive their logger, metrics, and tracer by reference
// from the process entry point; there are no package-level singletons.
package telemetry
