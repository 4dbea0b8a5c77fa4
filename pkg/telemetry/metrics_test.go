package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yamplus/yam/pkg/engine"
)

func newTestMetrics() *Metrics {
	cfg := DefaultConfig().Metrics
	cfg.Namespace = "test"
	return NewMetrics(cfg)
}

func TestMetrics_Disabled(t *testing.T) {
	m := NewMetrics(MetricsConfig{Enabled: false})
	assert.False(t, m.Enabled())
	assert.Nil(t, m.Registry())

	// every recorder is a no-op
	m.RecordRunStarted("prod")
	m.RecordRunCompleted("prod", nil, time.Second)
	m.RecordError("prod", engine.NewPolicyError("denied", nil))
	m.RecordPlan(&engine.PlanContextData{}, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}

func TestMetrics_RecordPlan(t *testing.T) {
	m := newTestMetrics()

	plan := &engine.PlanContextData{
		Environment: engine.Cluster{Name: "prod"},
		RunMode:     engine.RunModePlanOnly,
		Actions:     []engine.Action{{Name: "a"}, {Name: "b"}},
	}
	m.RecordPlan(plan, 50*time.Millisecond)
	m.RecordPlan(plan, 50*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.plansDerived.WithLabelValues("prod", "plan-only")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.plannedActions))
}

func TestMetrics_RunLifecycle(t *testing.T) {
	m := newTestMetrics()

	m.RecordRunStarted("prod")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.activeRuns))

	result := &engine.RunResult{
		Status: engine.RunStatusFailed,
		Actions: []engine.ActionResult{
			{Name: "ensure-namespace:shop", Duration: time.Millisecond},
			{Name: "deploy:web", Duration: time.Millisecond, Error: "boom"},
		},
	}
	m.RecordRunCompleted("prod", result, time.Second)

	assert.Equal(t, 0.0, testutil.ToFloat64(m.activeRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsCompleted.WithLabelValues("prod", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsExecuted.WithLabelValues("prod", "succeeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.actionsExecuted.WithLabelValues("prod", "failed")))
}

func TestMetrics_RecordError(t *testing.T) {
	m := newTestMetrics()

	m.RecordError("prod", engine.NewHandlerError("plugin handler failed", nil).WithResource("application").WithOperation("$.deploy[*]"))
	m.RecordError("prod", engine.NewPolicyError("denied", nil))
	m.RecordError("prod", assert.AnError)
	m.RecordError("prod", nil)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.handlerErrors.WithLabelValues("application", "$.deploy[*]")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.policyDenials.WithLabelValues("prod")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues("permanent", engine.ErrCodeHandler)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues("user", engine.ErrCodePolicyDenied)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.errorsByCode.WithLabelValues("unclassified", "UNKNOWN")))
}

func TestMetrics_Handler(t *testing.T) {
	m := newTestMetrics()
	m.RecordRunStarted("dev")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `test_runs_started_total{environment="dev"} 1`), body)
	assert.Contains(t, body, "test_active_runs 1")
}
