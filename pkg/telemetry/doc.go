// Package telemetry provides the observability layer for the Fleetbroker
// engine: structured logging via zerolog, Prometheus metrics, and optional
// OpenTelemetry tracing.
//
// Components obtain a child logger with NewComponentLogger and attach
// request/template/provider identifiers through the With* helpers so that a
// single provisioning request can be followed across the template store,
// renderer, provider calls, and the reconciliation loop.
package telemetry
