package operator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/config"
	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/plugins"
	"github.com/yamplus/yam/pkg/plugins/application"
	"github.com/yamplus/yam/pkg/telemetry"
	"github.com/yamplus/yam/pkg/template"
)

// ClusterFactory connects to the cluster of one environment.
type ClusterFactory func(ctx context.Context, cluster engine.Cluster) (engine.ClusterClient, error)

// RunRecorder is implemented by stores that can record runs which did not
// complete through StoreResult.
type RunRecorder interface {
	SaveRun(ctx context.Context, app, environment string, result *engine.RunResult, runErr error) error
}

// Options configures one run.
type Options struct {
	// WorkingDir holds the model, the values directory and templates.
	WorkingDir string

	// RunMode selects the stages to execute.
	RunMode engine.RunMode

	// DryRun mocks every state-mutating call during apply.
	DryRun bool

	// Environments limits the run to these environments. Empty means all.
	Environments []string

	// Params are command-line value overrides, highest precedence.
	Params map[string]string

	// PlanID selects the persisted plan replayed by apply-only. Empty picks
	// the latest plan of each environment.
	PlanID string

	// OutputDir receives the managed documents of each environment under a
	// subdirectory named after it. Empty disables writing.
	OutputDir string
}

// Deps are the collaborators of an Operator.
type Deps struct {
	// Clusters connects to environments. Required for apply.
	Clusters ClusterFactory

	// Store persists plans and results. Nil disables persistence and replay.
	Store engine.Store

	// Gate evaluates derived plans. Nil disables the policy gate.
	Gate engine.PolicyGate

	// Validator checks rendered models against the merged schema.
	Validator engine.SchemaValidator

	// Loader resolves plugin descriptors. Defaults to DefaultLoader.
	Loader plugins.Loader

	// Telemetry receives spans and metrics. Nil uses the telemetry carried by
	// the run context.
	Telemetry *telemetry.Telemetry
}

// Operator runs the plan/apply cycle of one application over its environments.
type Operator struct {
	cfg    *config.EngineConfig
	deps   Deps
	logger zerolog.Logger
}

// DefaultLoader resolves the built-in application plugin and Starlark plugins.
func DefaultLoader(logger zerolog.Logger) (plugins.Loader, error) {
	registry := plugins.NewRegistry()
	if err := application.Register(registry, logger); err != nil {
		return nil, err
	}
	return plugins.NewChainLoader(registry, plugins.NewStarlarkLoader(0, logger)), nil
}

// New creates an operator.
func New(cfg *config.EngineConfig, deps Deps, logger zerolog.Logger) (*Operator, error) {
	if cfg == nil {
		return nil, engine.NewConfigError("engine configuration is required", nil)
	}
	if deps.Loader == nil {
		loader, err := DefaultLoader(logger)
		if err != nil {
			return nil, err
		}
		deps.Loader = loader
	}
	if deps.Validator == nil {
		deps.Validator = config.NewSchemaValidator(logger)
	}

	return &Operator{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With().Str("component", "operator").Logger(),
	}, nil
}

// Report summarizes a run.
type Report struct {
	App          string              `json:"app"`
	ModelFile    string              `json:"modelFile"`
	Plugins      []string            `json:"plugins"`
	RunMode      engine.RunMode      `json:"runMode"`
	DryRun       bool                `json:"dryRun"`
	Environments []EnvironmentReport `json:"environments"`
}

// EnvironmentReport summarizes the cycle of one environment.
type EnvironmentReport struct {
	Environment engine.Cluster        `json:"environment"`
	PlanID      string                `json:"planId,omitempty"`
	Replayed    bool                  `json:"replayed,omitempty"`
	Actions     []string              `json:"actions"`
	Groups      []engine.GroupSummary `json:"groups"`
	Result      *engine.RunResult     `json:"result,omitempty"`
	Files       []string              `json:"files,omitempty"`
	Duration    time.Duration         `json:"duration"`
	Error       string                `json:"error,omitempty"`
}

// run is the state shared by the environments of one invocation.
type run struct {
	opts        Options
	modelFile   string
	metadata    engine.Metadata
	tmpl        *template.Engine
	clusters    []engine.Cluster
	composition *plugins.Composition
	values      map[string]map[string]interface{}
	artifacts   map[string]*engine.PlanArtifact
	tel         *telemetry.Telemetry
}

func (o *Operator) telemetryFor(ctx context.Context) *telemetry.Telemetry {
	if o.deps.Telemetry != nil {
		return o.deps.Telemetry
	}
	return telemetry.FromContext(ctx)
}

// Run executes the configured stages for every selected environment,
// sequentially. The first failing environment stops the run; environments
// already applied are not rolled back.
func (o *Operator) Run(ctx context.Context, opts Options) (*Report, error) {
	if err := opts.RunMode.Validate(); err != nil {
		return nil, engine.NewConfigError("invalid run mode", err)
	}
	tel := o.telemetryFor(ctx)

	r, err := o.prepare(ctx, opts, tel)
	if err != nil {
		tel.Metrics.RecordError("", err)
		return nil, err
	}

	ctx, span := tel.Tracer.StartRunSpan(ctx, r.metadata.App, opts.RunMode, opts.DryRun)
	report := &Report{
		App:       r.metadata.App,
		ModelFile: r.modelFile,
		Plugins:   r.composition.Plugins,
		RunMode:   opts.RunMode,
		DryRun:    opts.DryRun,
	}

	for _, cluster := range r.clusters {
		rep, err := o.runEnvironment(ctx, r, cluster)
		report.Environments = append(report.Environments, *rep)
		if err != nil {
			tel.Metrics.RecordError(cluster.Name, err)
			telemetry.End(span, err)
			return report, err
		}
	}

	telemetry.End(span, nil)
	o.logger.Info().Int("environments", len(report.Environments)).Msg("Run completed")
	return report, nil
}

// Validate renders the model for every selected environment and checks it
// against the merged plugin schema without planning.
func (o *Operator) Validate(ctx context.Context, opts Options) (*Report, error) {
	opts.RunMode = engine.RunModePlanOnly
	r, err := o.prepare(ctx, opts, o.telemetryFor(ctx))
	if err != nil {
		return nil, err
	}

	report := &Report{App: r.metadata.App, ModelFile: r.modelFile, Plugins: r.composition.Plugins, RunMode: opts.RunMode}
	for _, cluster := range r.clusters {
		rep := EnvironmentReport{Environment: cluster}
		model, err := renderModel(r.tmpl, r.modelFile, r.values[cluster.Name])
		if err == nil {
			err = o.deps.Validator.Validate(ctx, r.composition.Schema, model)
		}
		if err != nil {
			rep.Error = err.Error()
			report.Environments = append(report.Environments, rep)
			return report, err
		}
		o.logger.Info().Str("environment", cluster.Name).Msg("Model is valid")
		report.Environments = append(report.Environments, rep)
	}
	return report, nil
}

// prepare loads the model, composes plugins and resolves values.
func (o *Operator) prepare(ctx context.Context, opts Options, tel *telemetry.Telemetry) (*run, error) {
	if opts.WorkingDir == "" {
		opts.WorkingDir = "."
	}

	modelFile, err := FindModel(opts.WorkingDir)
	if err != nil {
		return nil, err
	}
	tmpl := template.NewEngine(opts.WorkingDir, o.logger)

	raw, err := loadModel(tmpl, modelFile)
	if err != nil {
		return nil, err
	}
	md, err := raw.Metadata()
	if err != nil {
		return nil, engine.NewValidationError("invalid model metadata", err).WithResource(modelFile)
	}
	o.logger.Info().Str("app", md.App).Str("model", modelFile).Str("schema", raw.Schema()).Msg("Application model loaded")

	r := &run{
		opts:      opts,
		modelFile: modelFile,
		metadata:  md,
		tmpl:      tmpl,
		artifacts: make(map[string]*engine.PlanArtifact),
		tel:       tel,
	}

	selection := opts.Environments
	if opts.PlanID != "" {
		if opts.RunMode != engine.RunModeApplyOnly {
			return nil, engine.NewConfigError("a plan can only be replayed in apply-only mode", nil)
		}
		artifact, err := o.loadPlan(ctx, opts.PlanID, md.App)
		if err != nil {
			return nil, err
		}
		env := artifact.Environment.Name
		if len(selection) > 0 && (len(selection) != 1 || selection[0] != env) {
			return nil, engine.NewConfigError(fmt.Sprintf("plan %s targets environment %s only", opts.PlanID, env), nil)
		}
		selection = []string{env}
		r.artifacts[env] = artifact
	}

	r.clusters, err = selectClusters(o.cfg.Clusters, selection)
	if err != nil {
		return nil, err
	}

	descriptors := pluginList(o.cfg.Plugins, "builtin")
	composeCtx, span := tel.Tracer.StartComposeSpan(ctx, len(descriptors))
	r.composition, err = plugins.NewComposer(o.deps.Loader, o.logger).Compose(composeCtx, descriptors, opts.WorkingDir, raw)
	telemetry.End(span, err)
	if err != nil {
		return nil, err
	}

	resolver := template.NewValueResolver(tmpl, o.cfg.Values.StackPrecedence, o.logger)
	r.values, err = resolver.Resolve(opts.Params, r.clusters, raw)
	if err != nil {
		return nil, err
	}
	return r, nil
}
