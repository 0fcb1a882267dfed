// Package telemetry wires OpenTelemetry trace and metric export for agentmem.
//
// The vectorstore adapters and the embedding providers instrument themselves
// through the global otel API. New installs OTLP-backed providers as the
// globals when telemetry is enabled; otherwise the globals stay no-op.
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
// Telemetry failures never stop the CLI. A provider that cannot be built
// leaves the instance degraded with the remaining providers active.
//
// Tests use NewTestTelemetry, which records spans and metrics in memory.
package telemetry
