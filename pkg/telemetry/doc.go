// Package telemetry wires the observability stack of a yam invocation.
//
// It builds the root zerolog logger (console or JSON), a Prometheus registry
// with plan and apply metrics, and an OpenTelemetry tracer whose spans cover
// composition, each environment, plan derivation and apply. Tracing exports
// to stdout or to an OTLP gRPC collector; with the "none" exporter spans are
// created but dropped.
//
//	tel, err := telemetry.New(telemetry.FromEngineConfig(cfg.Telemetry, version), os.Stderr)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	op := tel.StartOperation(ctx, "yam.compose")
//	composition, err := composer.Compose(op.Ctx, plugins, dir, model)
//	op.End(err)
//
// Metrics are only served over HTTP when a listen address is configured; they
// can always be inspected through Registry.
package telemetry
