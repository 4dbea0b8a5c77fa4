package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yamplus/yam/pkg/engine"
)

// Tracer wraps the OpenTelemetry tracer with spans for the run stages.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
	config   TracingConfig
}

// NewTracer creates a new tracer. Spans of the stdout exporter go to out.
func NewTracer(cfg TracingConfig, serviceName, serviceVersion string, out io.Writer) (*Tracer, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create trace resource: %w", err)
	}

	var exporter sdktrace.SpanExporter
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg, serviceVersion)
	case "stdout":
		exporter, err = createStdoutExporter(out)
	case "none", "":
		// spans are created but never exported
	default:
		return nil, fmt.Errorf("unsupported trace exporter: %s", cfg.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SamplingRate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithExportTimeout(cfg.ExportTimeout)))
	}

	provider := sdktrace.NewTracerProvider(opts...)
	if exporter != nil {
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(
				propagation.TraceContext{},
				propagation.Baggage{},
			),
		)
	}

	return newTracerWithProvider(provider, cfg, serviceName), nil
}

func newTracerWithProvider(provider *sdktrace.TracerProvider, cfg TracingConfig, serviceName string) *Tracer {
	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer(serviceName),
		config:   cfg,
	}
}

// createOTLPExporter creates an OTLP gRPC exporter.
func createOTLPExporter(cfg TracingConfig, serviceVersion string) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent("yam/" + serviceVersion)),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(insecure.NewCredentials()))
	}
	return otlptracegrpc.New(context.Background(), opts...)
}

// createStdoutExporter creates a stdout exporter for debugging.
func createStdoutExporter(out io.Writer) (sdktrace.SpanExporter, error) {
	if out == nil {
		out = os.Stderr
	}
	return stdouttrace.New(
		stdouttrace.WithWriter(out),
		stdouttrace.WithPrettyPrint(),
	)
}

// StartSpan starts a span with the given attributes.
func (t *Tracer) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
}

// StartRunSpan starts the root span of one multi-environment run.
func (t *Tracer) StartRunSpan(ctx context.Context, app string, mode engine.RunMode, dryRun bool) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "yam.run",
		AttrApp.String(app),
		AttrRunMode.String(string(mode)),
		AttrDryRun.Bool(dryRun),
	)
}

// StartComposeSpan starts a span for plugin composition.
func (t *Tracer) StartComposeSpan(ctx context.Context, plugins int) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "yam.compose", attribute.Int("plugins.count", plugins))
}

// StartEnvironmentSpan starts a span for the plan/apply cycle of one environment.
func (t *Tracer) StartEnvironmentSpan(ctx context.Context, env engine.Cluster) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "yam.environment",
		AttrEnvironment.String(env.Name),
		AttrStack.String(env.Stack),
	)
}

// StartPlanSpan starts a span for plan derivation.
func (t *Tracer) StartPlanSpan(ctx context.Context, environment string) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "yam.plan", AttrEnvironment.String(environment))
}

// StartApplySpan starts a span for the apply stage of a plan.
func (t *Tracer) StartApplySpan(ctx context.Context, plan *engine.PlanContextData) (context.Context, trace.Span) {
	return t.StartSpan(ctx, "yam.apply",
		AttrPlanID.String(plan.PlanID),
		AttrEnvironment.String(plan.Environment.Name),
		attribute.Int("actions.count", len(plan.Actions)),
	)
}

// RecordError records an error on the span with its engine code, if any.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	if code := engine.CodeOf(err); code != "" {
		span.SetAttributes(AttrErrorCode.String(code), AttrErrorClass.String(string(engine.ClassOf(err))))
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RecordSuccess marks the span as successful.
func RecordSuccess(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// End records err, or success, and ends the span.
func End(span trace.Span, err error) {
	if err != nil {
		RecordError(span, err)
	} else {
		RecordSuccess(span)
	}
	span.End()
}

// Shutdown gracefully shuts down the tracer, flushing any pending spans.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// TraceID returns the trace ID of the current span in the context.
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return ""
	}
	return span.SpanContext().TraceID().String()
}

// Attribute keys used on yam spans.
var (
	AttrApp         = attribute.Key("yam.app")
	AttrRunMode     = attribute.Key("yam.run_mode")
	AttrDryRun      = attribute.Key("yam.dry_run")
	AttrEnvironment = attribute.Key("yam.environment")
	AttrStack       = attribute.Key("yam.stack")
	AttrPlanID      = attribute.Key("yam.plan_id")

	AttrErrorClass = attribute.Key("error.class")
	AttrErrorCode  = attribute.Key("error.code")
)
