// Package telemetry provides OpenTelemetry instrumentation for conductd.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using the
// OpenTelemetry Go SDK. It exports telemetry data to an OTEL Collector over
// OTLP (gRPC or HTTP, selected by config).
//
// # Usage
//
// Create telemetry instance:
//
//	tel, err := telemetry.New(ctx, cfg.Telemetry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("conductd.internal.router")
//	ctx, span := tracer.Start(ctx, "router.route")
//	defer span.End()
//
// # Graceful Degradation
//
// Exporter failures never fail engine startup. The instance records a
// degraded flag (visible via Health()) and hands out no-op tracers and
// meters so instrumented code paths need no nil checks.
package telemetry
