// Package telemetry wires OpenTelemetry tracing and metrics for pdfrag.
//
// Spans and metrics are exported over OTLP (gRPC or HTTP/protobuf) to a
// collector. Telemetry is disabled by default. When enabled, exporter
// failures never stop the service: the instance reports itself degraded
// and tracers fall back to the global no-op providers.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
