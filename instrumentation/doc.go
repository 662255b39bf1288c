// Package instrumentation wires OpenTelemetry metrics and traces for the bridge.
//
// Metrics are exported through the OpenTelemetry Prometheus exporter into a
// dedicated registry served by Handler. Traces go to stdout or an OTLP/HTTP
// collector. With Enabled=false every provider is a no-op and recording costs
// nothing, so components can record unconditionally.
//
// Meter and tracer names are scoped by layer:
//
//	github.com/giantswarm/mcp-oauth-bridge/http
//	github.com/giantswarm/mcp-oauth-bridge/server
//	github.com/giantswarm/mcp-oauth-bridge/storage
//	github.com/giantswarm/mcp-oauth-bridge/provider
package instrumentation
