// Package telemetry configures logging and tracing for picopip.
//
// Logging is structured zerolog output, console-formatted by default
// since the primary consumer is a person at a terminal. Tracing is
// OpenTelemetry with a stdout exporter, off unless explicitly enabled;
// session phases (snapshot, installer run, apply) show up as spans.
package telemetry
