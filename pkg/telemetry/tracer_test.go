package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yamplus/yam/pkg/engine"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return newTracerWithProvider(provider, DefaultConfig().Tracing, "yam-test"), recorder
}

func TestTracer_RunSpans(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	ctx, run := tracer.StartRunSpan(context.Background(), "shop", engine.RunModePlanApply, true)
	envCtx, env := tracer.StartEnvironmentSpan(ctx, engine.Cluster{Name: "prod", Stack: "prod"})
	_, apply := tracer.StartApplySpan(envCtx, &engine.PlanContextData{PlanID: "plan-1", Environment: engine.Cluster{Name: "prod"}})

	End(apply, engine.NewActionError("action failed", nil))
	End(env, nil)
	End(run, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "yam.apply", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, spans[1].SpanContext().SpanID(), spans[0].Parent().SpanID())

	var code string
	for _, kv := range spans[0].Attributes() {
		if kv.Key == AttrErrorCode {
			code = kv.Value.AsString()
		}
	}
	assert.Equal(t, engine.ErrCodeAction, code)

	assert.Equal(t, "yam.run", spans[2].Name())
	assert.Equal(t, codes.Ok, spans[2].Status().Code)
}

func TestTracer_StdoutExporter(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig().Tracing
	cfg.Exporter = "stdout"

	tracer, err := NewTracer(cfg, "yam", "test", &buf)
	require.NoError(t, err)

	_, span := tracer.StartPlanSpan(context.Background(), "dev")
	span.End()
	require.NoError(t, tracer.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "yam.plan")
}

func TestTracer_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig().Tracing
	cfg.Exporter = "zipkin"

	_, err := NewTracer(cfg, "yam", "test", nil)
	assert.Error(t, err)
}

func TestTelemetry_Operation(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	tel := Nop()
	tel.Tracer = tracer

	op := tel.StartOperation(context.Background(), "yam.compose")
	assert.NotEmpty(t, TraceID(op.Ctx))
	d := op.End(nil)
	assert.GreaterOrEqual(t, d.Nanoseconds(), int64(0))

	require.Len(t, recorder.Ended(), 1)
	assert.Equal(t, "yam.compose", recorder.Ended()[0].Name())

	ctx := tel.WithContext(context.Background())
	assert.Same(t, tel, FromContext(ctx))
	assert.NotNil(t, FromContext(context.Background()))
}
