package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PlanInput is everything needed to derive a plan for one environment.
type PlanInput struct {
	// PlanID reuses an existing identifier when replaying a persisted plan.
	PlanID string

	// Previous is the last applied model, or its metadata-only stub.
	Previous ApplicationModel

	// Current is the freshly rendered model.
	Current ApplicationModel

	// Schema is the merged plugin schema.
	Schema map[string]interface{}

	// Groups are the handler groups in composed order.
	Groups []HandlerGroup

	// Environment is the target environment.
	Environment Cluster

	// Values are the resolved values of the target environment.
	Values map[string]interface{}

	// WorkingDir is the directory holding the model and templates.
	WorkingDir string

	// RunMode selects whether the plan is persisted.
	RunMode RunMode

	// Replay derives the plan from a persisted artifact. Handlers then render
	// templates from Rendered only.
	Replay   bool
	Rendered map[string]string
}

// PlanEngine drives diffing and handler invocation to build the action queue.
type PlanEngine struct {
	validator SchemaValidator
	store     Store
	renderer  TemplateRenderer
	diff      *DiffEngine
	logger    zerolog.Logger
}

// NewPlanEngine creates a plan engine. store may be nil when plans are never persisted.
func NewPlanEngine(validator SchemaValidator, store Store, renderer TemplateRenderer, logger zerolog.Logger) *PlanEngine {
	return &PlanEngine{
		validator: validator,
		store:     store,
		renderer:  renderer,
		diff:      NewDiffEngine(logger),
		logger:    logger.With().Str("component", "plan-engine").Logger(),
	}
}

// Plan validates the current model, diffs every handler group and collects the
// actions handlers enqueue. Validation failures abort before any diff runs.
func (e *PlanEngine) Plan(ctx context.Context, in PlanInput) (*PlanContext, error) {
	if err := in.RunMode.Validate(); err != nil {
		return nil, NewConfigError("invalid run mode", err)
	}
	if in.Current == nil {
		return nil, NewValidationError("current model is empty", nil)
	}

	md, err := in.Current.Metadata()
	if err != nil {
		return nil, NewValidationError("invalid model metadata", err)
	}
	if md.App == "" || md.Namespace == "" {
		return nil, NewValidationError("model metadata requires app and namespace", nil)
	}

	if e.validator != nil {
		if err := e.validator.Validate(ctx, in.Schema, in.Current); err != nil {
			return nil, err
		}
	}

	digest, err := ContentHash(in.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint schema: %w", err)
	}

	previous := in.Previous
	if previous == nil {
		previous = in.Current.Stub()
	}

	planID := in.PlanID
	if planID == "" {
		planID = uuid.New().String()
	}

	data := &PlanContextData{
		PlanID:            planID,
		CreatedAt:         time.Now().UTC(),
		Actions:           make([]Action, 0),
		CurrentModelFull:  in.Current,
		PreviousModelFull: previous,
		CustomizedValues:  in.Values,
		WorkingDir:        in.WorkingDir,
		Environment:       in.Environment,
		Namespace:         md.Namespace,
		App:               md.App,
		RunMode:           in.RunMode,
		SchemaDigest:      digest,
		Rendered:          make(map[string]string, len(in.Rendered)),
		Replayed:          in.Replay,
	}
	for path, text := range in.Rendered {
		data.Rendered[path] = text
	}

	logger := e.logger.With().Str("plan_id", planID).Str("environment", in.Environment.Name).Logger()
	plan := NewPlanContext(data, e.renderer, logger)

	logger.Info().Msg("============== Plan Stage Start ==============")
	plan.EnqueueAction(EnsureNamespaceAction(md.Namespace))

	for _, group := range in.Groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.runGroup(ctx, plan, group); err != nil {
			return nil, err
		}
	}

	if in.RunMode.PersistsPlan() && e.store != nil {
		if _, err := e.store.PersistPlan(ctx, data); err != nil {
			return nil, fmt.Errorf("failed to persist plan: %w", err)
		}
		logger.Info().Msg("Plan persisted")
	}

	logger.Info().Int("actions", len(data.Actions)).Msg("============== Plan Stage End ==============")
	return plan, nil
}

func (e *PlanEngine) runGroup(ctx context.Context, plan *PlanContext, group HandlerGroup) error {
	data := plan.Data()
	e.logger.Info().Str("matcher", group.Matcher).Msg("Fetching and diffing partial objects")

	diff, err := e.diff.Compare(data.PreviousModelFull, data.CurrentModelFull, group.Matcher)
	if err != nil {
		return err
	}
	data.Groups = append(data.Groups, GroupSummary{
		Matcher:  group.Matcher,
		New:      len(diff.NewItems),
		Deleted:  len(diff.DeletedItems),
		Modified: len(diff.ModifiedItems),
	})

	for _, h := range group.Handlers {
		before := len(data.Actions)
		scoped := plan.scoped(h.Plugin, group.Matcher, h.Env)
		if err := invokeHandler(ctx, h, scoped, diff); err != nil {
			e.logger.Error().Err(err).Str("plugin", h.Plugin).Str("matcher", group.Matcher).Msg("Plugin handler failed")
			if IsStalePlan(err) {
				return err
			}
			return NewHandlerError("plugin handler failed", err).
				WithResource(h.Plugin).
				WithOperation(group.Matcher)
		}
		e.logger.Info().
			Str("plugin", h.Plugin).
			Int("actions_added", len(data.Actions)-before).
			Msg("Plugin handled")
	}
	return nil
}

// invokeHandler runs a handler, turning panics into errors.
func invokeHandler(ctx context.Context, h BoundHandler, plan *PlanContext, diff *DiffResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return h.Run(ctx, plan, diff)
}

// EnsureNamespaceAction returns the implicit action that creates the target
// namespace when it does not exist yet.
func EnsureNamespaceAction(namespace string) Action {
	return Action{
		Name: "ensure-namespace:" + namespace,
		Run: func(ctx context.Context, exec ExecuteContext) error {
			logger := exec.Logger()
			meta := ResourceMeta{APIVersion: "v1", Kind: "Namespace", Name: namespace}
			found, err := exec.Cluster().Find(ctx, meta)
			if err != nil {
				return fmt.Errorf("failed to look up namespace %s: %w", namespace, err)
			}
			if len(found) > 0 {
				logger.Debug().Str("namespace", namespace).Msg("Namespace already exists")
				return nil
			}
			_, err = exec.Cluster().Apply(ctx, map[string]interface{}{
				"apiVersion": "v1",
				"kind":       "Namespace",
				"metadata":   map[string]interface{}{"name": namespace},
			})
			if err != nil {
				return fmt.Errorf("failed to create namespace %s: %w", namespace, err)
			}
			logger.Info().Str("namespace", namespace).Msg("Namespace created")
			return nil
		},
	}
}

// VerifyReplay checks that a plan derived from a persisted artifact still
// matches it: same merged schema and the same action sequence.
func VerifyReplay(artifact *PlanArtifact, derived *PlanContextData) error {
	if artifact.FormatVersion != PlanFormatVersion {
		return NewStalePlanError(fmt.Sprintf("unsupported plan format version %d", artifact.FormatVersion), nil).
			WithResource(artifact.PlanID)
	}
	if artifact.SchemaDigest != derived.SchemaDigest {
		return NewStalePlanError("plugin schema changed since the plan was made", nil).
			WithResource(artifact.PlanID)
	}
	names := derived.ActionNames()
	if !slices.Equal(artifact.ActionNames, names) {
		return NewStalePlanError("derived actions differ from the persisted plan", nil).
			WithResource(artifact.PlanID).
			WithDetail("persisted", artifact.ActionNames).
			WithDetail("derived", names)
	}
	return nil
}
