// Package telemetry bootstraps the OpenTelemetry SDK for a hive.
//
// With telemetry disabled the global providers stay noop and nothing dials
// out; the breaker spans and counters then cost nothing.
package telemetry
