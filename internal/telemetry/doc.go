// Package telemetry provides OpenTelemetry instrumentation for vigild.
//
// # Overview
//
// This package implements distributed tracing and metrics collection using
// the OpenTelemetry Go SDK. Data is exported over OTLP (gRPC or
// http/protobuf) to whatever collector the operator configures. Export is
// off by default; the assessment pipeline never waits on a collector.
//
// # Usage
//
// Create a telemetry instance:
//
//	cfg := telemetry.NewDefaultConfig()
//	tel, err := telemetry.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(ctx)
//
// Use tracer and meter:
//
//	tracer := tel.Tracer("vigild.inference")
//	ctx, span := tracer.Start(ctx, "Orchestrator.Generate")
//	defer span.End()
//
//	meter := tel.Meter("vigild.triage")
//	counter, _ := meter.Int64Counter("vigild.assessments.total")
//	counter.Add(ctx, 1)
//
// # Configuration
//
//	telemetry:
//	  enabled: true
//	  endpoint: "localhost:4317"
//	  protocol: "grpc"
//	  service_name: "vigild"
//	  sampling:
//	    rate: 1.0
//	    always_on_errors: true
//	  metrics:
//	    enabled: true
//	    export_interval: "15s"
//
// # Error Handling
//
// Telemetry failures do not crash the daemon. If providers cannot be
// initialized, the instance degrades gracefully and hands out no-op
// tracers and meters; Health reports the degradation for /readyz.
//
// # Privacy
//
// Span and metric attributes carry identifiers and tier labels only.
// Screening answers, narratives, and raw health signals must never be
// attached as attributes; redaction happens in the logging layer, and
// traces get no free-text clinical content at all.
//
// # Testing
//
// Use TestTelemetry for tests:
//
//	tt := telemetry.NewTestTelemetry()
//	tracer := tt.Tracer("test")
//	_, span := tracer.Start(ctx, "test-span")
//	span.End()
//	tt.AssertSpanExists(t, "test-span")
package telemetry
