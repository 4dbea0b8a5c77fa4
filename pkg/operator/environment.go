package operator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/config"
	"github.com/yamplus/yam/pkg/engine"
	"github.com/yamplus/yam/pkg/execute"
	"github.com/yamplus/yam/pkg/locks"
	"github.com/yamplus/yam/pkg/telemetry"
)

// runEnvironment derives, gates and, depending on the run mode, applies the
// plan of one environment.
func (o *Operator) runEnvironment(ctx context.Context, r *run, cluster engine.Cluster) (rep *EnvironmentReport, err error) {
	tel := r.tel
	rep = &EnvironmentReport{Environment: cluster}
	logger := o.logger.With().Str("environment", cluster.Name).Logger()

	ctx, span := tel.Tracer.StartEnvironmentSpan(ctx, cluster)
	start := time.Now()
	defer func() {
		rep.Duration = time.Since(start)
		if err != nil {
			rep.Error = err.Error()
		}
		telemetry.End(span, err)
	}()

	logger.Info().Str("stack", cluster.Stack).Msg("============== Environment Start ==============")

	in := engine.PlanInput{
		Schema:      r.composition.Schema,
		Groups:      r.composition.Groups,
		Environment: cluster,
		WorkingDir:  r.opts.WorkingDir,
		RunMode:     r.opts.RunMode,
	}

	artifact, err := o.replayArtifact(ctx, r, cluster.Name, logger)
	if err != nil {
		return rep, err
	}
	if artifact != nil {
		if err := o.checkPrevious(ctx, artifact); err != nil {
			return rep, err
		}
		in.PlanID = artifact.PlanID
		in.Current = artifact.CurrentModel
		in.Previous = artifact.PreviousModel
		in.Values = artifact.Values
		in.Replay = true
		in.Rendered = artifact.Rendered
		rep.Replayed = true
		logger.Info().Str("plan_id", artifact.PlanID).Time("created_at", artifact.CreatedAt).Msg("Replaying persisted plan")
	} else {
		values := r.values[cluster.Name]
		current, err := renderModel(r.tmpl, r.modelFile, values)
		if err != nil {
			return rep, err
		}
		previous, err := o.loadPrevious(ctx, r.metadata.App, cluster.Name)
		if err != nil {
			return rep, err
		}
		in.Current = current
		in.Previous = previous
		in.Values = values
	}

	var planStore engine.Store
	if !r.opts.DryRun {
		planStore = o.deps.Store
	}
	planner := engine.NewPlanEngine(o.deps.Validator, planStore, r.tmpl, logger)

	planCtx, planSpan := tel.Tracer.StartPlanSpan(ctx, cluster.Name)
	planStart := time.Now()
	plan, err := planner.Plan(planCtx, in)
	telemetry.End(planSpan, err)
	if err != nil {
		return rep, err
	}
	data := plan.Data()
	tel.Metrics.RecordPlan(data, time.Since(planStart))

	rep.PlanID = data.PlanID
	rep.Actions = data.ActionNames()
	rep.Groups = data.Groups

	if artifact != nil {
		if err := engine.VerifyReplay(artifact, data); err != nil {
			return rep, err
		}
	}

	if o.deps.Gate != nil {
		if err := o.deps.Gate.Evaluate(ctx, data); err != nil {
			return rep, err
		}
	}

	if !r.opts.RunMode.Applies() {
		logger.Info().Int("actions", len(rep.Actions)).Msg("Apply skipped by run mode")
		return rep, nil
	}

	rep.Result, rep.Files, err = o.apply(ctx, r, plan, logger)
	return rep, err
}

// apply runs the plan against the environment's cluster and writes the
// managed documents.
func (o *Operator) apply(ctx context.Context, r *run, plan *engine.PlanContext, logger zerolog.Logger) (*engine.RunResult, []string, error) {
	tel := r.tel
	data := plan.Data()
	cluster := data.Environment

	if o.deps.Clusters == nil {
		return nil, nil, engine.NewConfigError("no cluster client configured", nil)
	}
	client, err := o.deps.Clusters(ctx, cluster)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to environment %s: %w", cluster.Name, err)
	}

	outputDir := ""
	if r.opts.OutputDir != "" {
		outputDir = filepath.Join(r.opts.OutputDir, cluster.Name)
	}
	exec := execute.New(execute.Options{
		WorkingDir: r.opts.WorkingDir,
		OutputDir:  outputDir,
		DryRun:     r.opts.DryRun,
		Cluster:    client,
	}, logger)

	// mutations are mocked under dry-run, including the cluster-object lock
	lockCfg := o.cfg.Lock
	if r.opts.DryRun {
		lockCfg = config.LockConfig{Strategy: engine.LockStrategyNone}
	}
	locker, closer, err := locks.New(lockCfg, client, logger)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if cerr := closer.Close(); cerr != nil {
			logger.Warn().Err(cerr).Msg("Failed to close lock client")
		}
	}()
	strategy := lockCfg.Strategy
	if strategy == "" {
		strategy = engine.LockStrategyNone
	}

	applyCtx, span := tel.Tracer.StartApplySpan(ctx, data)
	tel.Metrics.RecordRunStarted(cluster.Name)
	start := time.Now()

	result, err := engine.NewApplyEngine(locker, strategy, o.deps.Store, logger).Apply(applyCtx, plan, exec)

	tel.Metrics.RecordRunCompleted(cluster.Name, result, time.Since(start))
	telemetry.End(span, err)

	if result != nil && (err != nil || r.opts.DryRun) {
		o.recordRun(ctx, data, result, err, logger)
	}
	if err != nil {
		return result, nil, err
	}

	files, err := exec.Flush()
	if err != nil {
		return result, files, fmt.Errorf("failed to write managed documents: %w", err)
	}
	return result, files, nil
}

// recordRun stores a failed or dry-run apply when the store supports it.
func (o *Operator) recordRun(ctx context.Context, data *engine.PlanContextData, result *engine.RunResult, runErr error, logger zerolog.Logger) {
	recorder, ok := o.deps.Store.(RunRecorder)
	if !ok {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := recorder.SaveRun(saveCtx, data.App, data.Environment.Name, result, runErr); err != nil {
		logger.Warn().Err(err).Str("run_id", result.RunID).Msg("Failed to record run")
	}
}

// loadPrevious returns the last applied model, or nil when there is none.
func (o *Operator) loadPrevious(ctx context.Context, app, environment string) (engine.ApplicationModel, error) {
	if o.deps.Store == nil {
		return nil, nil
	}
	previous, err := o.deps.Store.LoadPrevious(ctx, app, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to load previous model: %w", err)
	}
	return previous, nil
}

// loadPlan loads the plan selected with Options.PlanID.
func (o *Operator) loadPlan(ctx context.Context, planID, app string) (*engine.PlanArtifact, error) {
	if o.deps.Store == nil {
		return nil, engine.NewConfigError("replaying a plan requires a store", nil)
	}
	artifact, err := o.deps.Store.LoadPlan(ctx, planID)
	if err != nil {
		return nil, err
	}
	if artifact.App != app {
		return nil, engine.NewStalePlanError(fmt.Sprintf("plan belongs to application %s", artifact.App), nil).
			WithResource(planID)
	}
	return artifact, nil
}

// replayArtifact returns the plan apply-only replays for an environment:
// the one selected by ID, else the latest persisted plan. Nil means the plan
// is derived again.
func (o *Operator) replayArtifact(ctx context.Context, r *run, environment string, logger zerolog.Logger) (*engine.PlanArtifact, error) {
	if r.opts.RunMode != engine.RunModeApplyOnly {
		return nil, nil
	}
	if artifact, ok := r.artifacts[environment]; ok {
		return artifact, nil
	}
	if o.deps.Store == nil {
		return nil, nil
	}

	artifact, err := o.deps.Store.LatestPlan(ctx, r.metadata.App, environment)
	if engine.IsNotFound(err) {
		logger.Info().Msg("No persisted plan, deriving the plan again")
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return artifact, nil
}

// checkPrevious refuses to replay a plan made against a model other than the
// one currently applied, such as a plan that was already applied.
func (o *Operator) checkPrevious(ctx context.Context, artifact *engine.PlanArtifact) error {
	stored, err := o.loadPrevious(ctx, artifact.App, artifact.Environment.Name)
	if err != nil || stored == nil {
		return err
	}

	want, err := engine.ContentHash(artifact.PreviousModel)
	if err != nil {
		return fmt.Errorf("failed to fingerprint plan state: %w", err)
	}
	got, err := engine.ContentHash(stored)
	if err != nil {
		return fmt.Errorf("failed to fingerprint applied state: %w", err)
	}
	if want != got {
		return engine.NewStalePlanError("environment changed since the plan was made", nil).
			WithResource(artifact.PlanID)
	}
	return nil
}
