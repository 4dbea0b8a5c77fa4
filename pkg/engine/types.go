package engine

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Well-known model keys and defaults.
const (
	// ModelKeySchema holds the "family/version" schema identifier.
	ModelKeySchema = "schema"

	// ModelKeyMetadata holds the application metadata section.
	ModelKeyMetadata = "metadata"

	// DefaultVersion is used for the version built-in when nothing else provides one.
	DefaultVersion = "latest"
)

// ApplicationModel is a decoded application model document. Besides schema and
// metadata it holds open-ended stage sections whose shape is defined by plugins.
type ApplicationModel map[string]interface{}

// Metadata is the typed view of the model's metadata section.
type Metadata struct {
	// App is the application name.
	App string `json:"app" mapstructure:"app" validate:"required"`

	// Namespace is the cluster namespace the application is deployed into.
	Namespace string `json:"namespace" mapstructure:"namespace" validate:"required"`

	// Version is an optional application version used for the version built-in.
	Version string `json:"version,omitempty" mapstructure:"version"`

	// Owner is an optional owning team or person.
	Owner string `json:"owner,omitempty" mapstructure:"owner"`

	// Repo is an optional source repository URL.
	Repo string `json:"repo,omitempty" mapstructure:"repo"`

	// Description is an optional free-form description.
	Description string `json:"description,omitempty" mapstructure:"description"`
}

// Schema returns the model's schema identifier.
func (m ApplicationModel) Schema() string {
	s, _ := m[ModelKeySchema].(string)
	return s
}

// SchemaFamily returns the part of the schema identifier before the first "/".
func (m ApplicationModel) SchemaFamily() string {
	family, _, _ := strings.Cut(m.Schema(), "/")
	return family
}

// Metadata decodes the metadata section.
func (m ApplicationModel) Metadata() (Metadata, error) {
	var md Metadata
	raw, ok := m[ModelKeyMetadata]
	if !ok || raw == nil {
		return md, fmt.Errorf("model has no %s section", ModelKeyMetadata)
	}
	if err := mapstructure.Decode(raw, &md); err != nil {
		return md, fmt.Errorf("failed to decode model metadata: %w", err)
	}
	return md, nil
}

// Stub returns a metadata-only copy of the model, used as the previous model
// when nothing has been applied yet.
func (m ApplicationModel) Stub() ApplicationModel {
	stub := ApplicationModel{}
	if s, ok := m[ModelKeySchema]; ok {
		stub[ModelKeySchema] = s
	}
	if md, ok := m[ModelKeyMetadata]; ok {
		stub[ModelKeyMetadata] = CloneValue(md)
	}
	return stub
}

// Clone returns a deep copy of the model.
func (m ApplicationModel) Clone() ApplicationModel {
	if m == nil {
		return nil
	}
	return ApplicationModel(CloneValue(map[string]interface{}(m)).(map[string]interface{}))
}

// CloneValue deep-copies a decoded YAML/JSON value.
func CloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = CloneValue(val)
		}
		return out
	case ApplicationModel:
		return ApplicationModel(CloneValue(map[string]interface{}(t)).(map[string]interface{}))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = CloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Cluster is one deployment target environment.
type Cluster struct {
	// Name is the environment name, used as key in values files.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Stack groups environments that share default values.
	Stack string `json:"stack" yaml:"stack" validate:"required"`

	// EnvTag is a free-form tag exposed to templates as the envTag built-in.
	EnvTag string `json:"envTag" yaml:"envTag"`

	// KubeConfPath is the kubeconfig file used by the cluster client.
	KubeConfPath string `json:"kubeConfPath,omitempty" yaml:"kubeConfPath"`

	// KubeContext is the kubeconfig context used by the cluster client.
	KubeContext string `json:"kubeContext,omitempty" yaml:"kubeContext"`
}

// Plugin describes an installed plugin. It is supplied externally and never
// modified during a run.
type Plugin struct {
	// Name is the registered plugin name.
	Name string `json:"name" yaml:"name" validate:"required"`

	// Version is the installed plugin version.
	Version string `json:"version" yaml:"version" validate:"required"`

	// Directory is where the plugin's files live, relative to the working directory.
	Directory string `json:"directory,omitempty" yaml:"directory"`

	// ApplyTo restricts the plugin to these schema families. Empty means all families.
	ApplyTo []string `json:"applyTo,omitempty" yaml:"applyTo"`

	// EnvironmentVars is the plugin's private variable map handed to its handlers.
	EnvironmentVars map[string]string `json:"env,omitempty" yaml:"env"`

	// Enable turns the plugin on.
	Enable bool `json:"enable" yaml:"enable"`

	// BuiltIn marks plugins compiled into the binary.
	BuiltIn bool `json:"builtIn,omitempty" yaml:"builtIn"`
}

// AppliesTo returns true if the plugin accepts models of the given schema family.
func (p Plugin) AppliesTo(family string) bool {
	if len(p.ApplyTo) == 0 {
		return true
	}
	for _, f := range p.ApplyTo {
		if f == family {
			return true
		}
	}
	return false
}

// OperateFunc is the uniform handler shape every plugin handler is normalized into.
type OperateFunc func(ctx context.Context, plan *PlanContext, diff *DiffResult) error

// Operator is a stateful handler exposing a single Operate method.
type Operator interface {
	Operate(ctx context.Context, plan *PlanContext, diff *DiffResult) error
}

// HandlerSpec binds a handler to a matcher inside a Capability. Handler must be an
// OperateFunc, a func with the same signature, or an Operator.
type HandlerSpec struct {
	Matcher string
	Handler interface{}
}

// Capability is what a plugin contributes: a schema fragment and matcher-scoped handlers.
type Capability struct {
	// Name must equal the registered plugin name.
	Name string

	// Schema is a JSON-Schema fragment merged into the model schema.
	Schema map[string]interface{}

	// Handlers are kept in declaration order.
	Handlers []HandlerSpec
}

// NormalizeHandler converts a handler declaration into an OperateFunc.
func NormalizeHandler(h interface{}) (OperateFunc, error) {
	switch fn := h.(type) {
	case nil:
		return nil, fmt.Errorf("handler is nil")
	case OperateFunc:
		if fn == nil {
			return nil, fmt.Errorf("handler is nil")
		}
		return fn, nil
	case func(context.Context, *PlanContext, *DiffResult) error:
		if fn == nil {
			return nil, fmt.Errorf("handler is nil")
		}
		return fn, nil
	case Operator:
		if v := reflect.ValueOf(fn); v.Kind() == reflect.Pointer && v.IsNil() {
			return nil, fmt.Errorf("operator %T is nil", fn)
		}
		return fn.Operate, nil
	default:
		return nil, fmt.Errorf("unsupported handler type %T", h)
	}
}

// BoundHandler is a normalized handler together with its owning plugin.
type BoundHandler struct {
	// Plugin is the name of the plugin that registered the handler.
	Plugin string

	// Env is the plugin's private variable map.
	Env map[string]string

	// Run is the normalized handler.
	Run OperateFunc
}

// HandlerGroup collects every handler registered for one matcher.
type HandlerGroup struct {
	// Matcher is the path expression as declared by the plugins.
	Matcher string

	// Handlers run in plugin registration order.
	Handlers []BoundHandler
}

// Stage returns the model stage addressed by the matcher's leading path segment.
func (g HandlerGroup) Stage() Stage {
	return Stage(LeadingSegment(g.Matcher))
}

// LeadingSegment returns the first path segment of a matcher, ignoring a "$" root marker.
func LeadingSegment(matcher string) string {
	m := strings.TrimSpace(matcher)
	m = strings.TrimPrefix(m, "$")
	m = strings.TrimPrefix(m, ".")
	if strings.HasPrefix(m, "['") || strings.HasPrefix(m, "[\"") {
		m = m[2:]
		if i := strings.IndexAny(m, "'\""); i >= 0 {
			return m[:i]
		}
		return m
	}
	if i := strings.IndexAny(m, ".["); i >= 0 {
		return m[:i]
	}
	return m
}

// ModifiedItem pairs both sides of an item whose content changed.
type ModifiedItem struct {
	Previous interface{} `json:"previous"`
	Current  interface{} `json:"current"`
}

// DiffResult is the structural comparison of one matcher's subtrees.
type DiffResult struct {
	// Matcher is the normalized path expression.
	Matcher string `json:"matcher"`

	// CurrentItems is the full flattened current list, whatever the diff outcome.
	CurrentItems []interface{} `json:"currentItems"`

	HasNew      bool `json:"hasNew"`
	HasDeleted  bool `json:"hasDeleted"`
	HasModified bool `json:"hasModified"`
	HasDiff     bool `json:"hasDiff"`

	NewItems      []interface{}  `json:"newItems"`
	DeletedItems  []interface{}  `json:"deletedItems"`
	ModifiedItems []ModifiedItem `json:"modifiedItems"`
}

// ActionFunc is the body of a deferred action.
type ActionFunc func(ctx context.Context, exec ExecuteContext) error

// Action is a deferred unit of work executed during apply.
type Action struct {
	// Name is optional; DisplayName derives one when it is empty.
	Name string

	// Run is executed against the ExecuteContext at apply time.
	Run ActionFunc
}

// AnonymousAction is the display name of actions with neither a name nor a named function.
const AnonymousAction = "<anonymous>"

var closureSuffix = regexp.MustCompile(`\.func\d+(\.\d+)*$`)

// DisplayName returns the explicit name, else the function identifier, else AnonymousAction.
func (a Action) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Run == nil {
		return AnonymousAction
	}
	fn := runtime.FuncForPC(reflect.ValueOf(a.Run).Pointer())
	if fn == nil {
		return AnonymousAction
	}
	name := fn.Name()
	if name == "" || closureSuffix.MatchString(name) {
		return AnonymousAction
	}
	name = strings.TrimSuffix(name, "-fm")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}

// GroupSummary records the diff outcome of one handler group.
type GroupSummary struct {
	Matcher  string `json:"matcher"`
	New      int    `json:"new"`
	Deleted  int    `json:"deleted"`
	Modified int    `json:"modified"`
}

// PlanContextData is the state shared by every handler during one plan.
type PlanContextData struct {
	// PlanID uniquely identifies the plan.
	PlanID string `json:"planId"`

	// CreatedAt is when planning started.
	CreatedAt time.Time `json:"createdAt"`

	// Actions is the ordered action queue.
	Actions []Action `json:"-"`

	// CurrentModelFull is the freshly rendered model.
	CurrentModelFull ApplicationModel `json:"currentModel"`

	// PreviousModelFull is the last applied model, or its metadata-only stub.
	PreviousModelFull ApplicationModel `json:"previousModel"`

	// CustomizedValues are the resolved values of the target environment.
	CustomizedValues map[string]interface{} `json:"values"`

	// WorkingDir is the directory holding the model, values and templates.
	WorkingDir string `json:"workingDir"`

	// Environment is the target environment.
	Environment Cluster `json:"environment"`

	// Namespace is the target namespace from the model metadata.
	Namespace string `json:"namespace"`

	// App is the application name from the model metadata.
	App string `json:"app"`

	// RunMode is the mode the plan was derived under.
	RunMode RunMode `json:"runMode"`

	// SchemaDigest fingerprints the merged schema the model was validated against.
	SchemaDigest string `json:"schemaDigest"`

	// Groups records the diff outcome of each handler group in execution order.
	Groups []GroupSummary `json:"groups"`

	// Rendered holds every template handlers rendered, by path.
	Rendered map[string]string `json:"rendered,omitempty"`

	// Replayed marks a plan derived from a persisted artifact. Templates are
	// then served from Rendered and never read from disk.
	Replayed bool `json:"replayed,omitempty"`
}

// ActionNames returns the display names of the queued actions in order.
func (d *PlanContextData) ActionNames() []string {
	names := make([]string, 0, len(d.Actions))
	for _, a := range d.Actions {
		names = append(names, a.DisplayName())
	}
	return names
}
