package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"
)

// Metrics provides Prometheus metrics for plan and apply runs. A disabled
// Metrics is a no-op.
type Metrics struct {
	config MetricsConfig

	// Plan metrics
	plansDerived   *prometheus.CounterVec
	plannedActions *prometheus.HistogramVec
	planDuration   *prometheus.HistogramVec
	handlerErrors  *prometheus.CounterVec
	policyDenials  *prometheus.CounterVec

	// Apply metrics
	runsStarted     *prometheus.CounterVec
	runsCompleted   *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	actionsExecuted *prometheus.CounterVec
	actionDuration  *prometheus.HistogramVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	activeRuns prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with its own registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if !cfg.Enabled {
		return &Metrics{config: cfg}
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		plansDerived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "plans_derived_total",
				Help:      "Total number of plans derived",
			},
			[]string{"environment", "run_mode"},
		),
		plannedActions: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "planned_actions",
				Help:      "Number of actions enqueued per plan",
				Buckets:   prometheus.LinearBuckets(0, 5, 10),
			},
			[]string{"environment"},
		),
		planDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "plan_duration_seconds",
				Help:      "Duration of plan derivation in seconds",
				Buckets:   buckets,
			},
			[]string{"environment"},
		),
		handlerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handler_errors_total",
				Help:      "Total number of plugin handler failures",
			},
			[]string{"plugin", "matcher"},
		),
		policyDenials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_denials_total",
				Help:      "Total number of plans denied by policy",
			},
			[]string{"environment"},
		),

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of apply runs started",
			},
			[]string{"environment"},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of apply runs completed",
			},
			[]string{"environment", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of apply runs in seconds",
				Buckets:   buckets,
			},
			[]string{"environment", "status"},
		),
		actionsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_executed_total",
				Help:      "Total number of actions executed",
			},
			[]string{"environment", "status"},
		),
		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_seconds",
				Help:      "Duration of action execution in seconds",
				Buckets:   buckets,
			},
			[]string{"environment"},
		),

		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of errors by class and code",
			},
			[]string{"class", "code"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of active apply runs",
			},
		),
	}

	registry.MustRegister(
		m.plansDerived,
		m.plannedActions,
		m.planDuration,
		m.handlerErrors,
		m.policyDenials,
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.actionsExecuted,
		m.actionDuration,
		m.errorsByCode,
		m.activeRuns,
	)

	return m
}

// Enabled reports whether metrics are collected.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the registry holding every metric, nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordPlan records a derived plan.
func (m *Metrics) RecordPlan(plan *engine.PlanContextData, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	env := plan.Environment.Name
	m.plansDerived.WithLabelValues(env, string(plan.RunMode)).Inc()
	m.plannedActions.WithLabelValues(env).Observe(float64(len(plan.Actions)))
	m.planDuration.WithLabelValues(env).Observe(duration.Seconds())
}

// RecordRunStarted increments the counter for started apply runs.
func (m *Metrics) RecordRunStarted(environment string) {
	if !m.Enabled() {
		return
	}
	m.runsStarted.WithLabelValues(environment).Inc()
	m.activeRuns.Inc()
}

// RecordRunCompleted records a finished apply run and its actions. result may
// be nil when the run failed before any action ran.
func (m *Metrics) RecordRunCompleted(environment string, result *engine.RunResult, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	status := string(engine.RunStatusFailed)
	if result != nil {
		status = string(result.Status)
		for _, a := range result.Actions {
			actionStatus := "succeeded"
			if a.Error != "" {
				actionStatus = "failed"
			}
			m.actionsExecuted.WithLabelValues(environment, actionStatus).Inc()
			m.actionDuration.WithLabelValues(environment).Observe(a.Duration.Seconds())
		}
	}
	m.runsCompleted.WithLabelValues(environment, status).Inc()
	m.runDuration.WithLabelValues(environment, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordError records a failed operation. Handler failures and policy
// denials are also counted on their own series.
func (m *Metrics) RecordError(environment string, err error) {
	if !m.Enabled() || err == nil {
		return
	}

	class, code := string(engine.ClassOf(err)), engine.CodeOf(err)
	if code == "" {
		class, code = "unclassified", "UNKNOWN"
	}
	m.errorsByCode.WithLabelValues(class, code).Inc()

	var ee *engine.EngineError
	switch {
	case engine.IsHandlerError(err) && errors.As(err, &ee):
		m.handlerErrors.WithLabelValues(ee.Resource, ee.Operation).Inc()
	case engine.IsPolicyDenied(err):
		m.policyDenials.WithLabelValues(environment).Inc()
	}
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer exposes the metrics endpoint until ctx is cancelled. It is a
// no-op when metrics are disabled or no listen address is configured.
func (m *Metrics) StartServer(ctx context.Context, logger zerolog.Logger) {
	if !m.Enabled() || m.config.ListenAddress == "" {
		return
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", m.config.ListenAddress).Str("path", path).Msg("Metrics server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
}
