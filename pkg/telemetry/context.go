package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry bundles the logger, tracer and metrics of one invocation.
type Telemetry struct {
	Logger  zerolog.Logger
	Tracer  *Tracer
	Metrics *Metrics
	Config  *Config
}

// telemetryContextKey is the context key for telemetry instances.
type telemetryContextKey struct{}

// New creates the telemetry stack from configuration. Logs and stdout spans
// are written to out.
func New(cfg *Config, out io.Writer) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid telemetry config: %w", err)
	}

	logger, err := NewLogger(cfg.Logging, out)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, out)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: NewMetrics(cfg.Metrics),
		Config:  cfg,
	}, nil
}

// Nop returns telemetry that logs nothing, exports no spans and collects no
// metrics.
func Nop() *Telemetry {
	cfg := DefaultConfig()
	cfg.Metrics.Enabled = false
	return &Telemetry{
		Logger:  zerolog.Nop(),
		Tracer:  newTracerWithProvider(sdktrace.NewTracerProvider(), cfg.Tracing, cfg.ServiceName),
		Metrics: NewMetrics(cfg.Metrics),
		Config:  cfg,
	}
}

// WithContext adds the telemetry instance and its logger to the context.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	ctx = context.WithValue(ctx, telemetryContextKey{}, t)
	return t.Logger.WithContext(ctx)
}

// FromContext retrieves the telemetry instance from the context, or Nop.
func FromContext(ctx context.Context) *Telemetry {
	if t, ok := ctx.Value(telemetryContextKey{}).(*Telemetry); ok {
		return t
	}
	return Nop()
}

// Shutdown flushes pending spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.Tracer.Shutdown(ctx)
}

// Operation is a traced, timed unit of work with a logger carrying its trace ID.
type Operation struct {
	Ctx    context.Context
	Span   trace.Span
	Logger zerolog.Logger
	start  time.Time
}

// StartOperation begins an instrumented operation.
func (t *Telemetry) StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *Operation {
	spanCtx, span := t.Tracer.StartSpan(ctx, operation, attrs...)

	logger := t.Logger.With().Str("operation", operation).Logger()
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With().
			Str("trace_id", sc.TraceID().String()).
			Str("span_id", sc.SpanID().String()).
			Logger()
	}

	return &Operation{
		Ctx:    spanCtx,
		Span:   span,
		Logger: logger,
		start:  time.Now(),
	}
}

// End finishes the operation, recording success or failure, and returns its duration.
func (o *Operation) End(err error) time.Duration {
	End(o.Span, err)
	return time.Since(o.start)
}
