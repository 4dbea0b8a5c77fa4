package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TemplateRenderer renders template files relative to the working directory.
type TemplateRenderer interface {
	// RenderTemplate renders the file at path with the given values and returns the resulting text.
	RenderTemplate(path string, handleInclude bool, values map[string]interface{}) (string, error)
}

// SchemaValidator checks an application model against a merged JSON-Schema document.
type SchemaValidator interface {
	// Validate returns a ValidationError describing every violation, or nil.
	Validate(ctx context.Context, schema map[string]interface{}, model ApplicationModel) error
}

// PolicyGate decides whether a derived plan may be applied.
type PolicyGate interface {
	// Evaluate returns a policy error when any rule denies the plan.
	Evaluate(ctx context.Context, plan *PlanContextData) error
}

// LockTarget identifies what the apply stage serializes on.
type LockTarget struct {
	App         string `json:"app"`
	Namespace   string `json:"namespace"`
	Environment string `json:"environment"`
}

// Key returns a stable identifier for the target.
func (t LockTarget) Key() string {
	return fmt.Sprintf("yam-lock-%s-%s", t.App, t.Environment)
}

// Locker provides single-writer semantics per target.
type Locker interface {
	// Lock acquires the lock and returns a token proving ownership.
	Lock(ctx context.Context, target LockTarget) (string, error)

	// Unlock releases a lock previously acquired with token.
	Unlock(ctx context.Context, target LockTarget, token string) error
}

// PlanFormatVersion is the current version of persisted plan artifacts.
const PlanFormatVersion = 1

// PlanArtifact is the persisted, versioned form of a plan.
type PlanArtifact struct {
	FormatVersion int                    `json:"formatVersion" cbor:"formatVersion"`
	PlanID        string                 `json:"planId" cbor:"planId"`
	CreatedAt     time.Time              `json:"createdAt" cbor:"createdAt"`
	App           string                 `json:"app" cbor:"app"`
	Namespace     string                 `json:"namespace" cbor:"namespace"`
	Environment   Cluster                `json:"environment" cbor:"environment"`
	RunMode       RunMode                `json:"runMode" cbor:"runMode"`
	CurrentModel  ApplicationModel       `json:"currentModel" cbor:"currentModel"`
	PreviousModel ApplicationModel       `json:"previousModel" cbor:"previousModel"`
	Values        map[string]interface{} `json:"values" cbor:"values"`
	ActionNames   []string               `json:"actionNames" cbor:"actionNames"`
	SchemaDigest  string                 `json:"schemaDigest" cbor:"schemaDigest"`
	Rendered      map[string]string      `json:"rendered,omitempty" cbor:"rendered,omitempty"`
}

// NewPlanArtifact captures a derived plan for persistence.
func NewPlanArtifact(d *PlanContextData) *PlanArtifact {
	return &PlanArtifact{
		FormatVersion: PlanFormatVersion,
		PlanID:        d.PlanID,
		CreatedAt:     d.CreatedAt,
		App:           d.App,
		Namespace:     d.Namespace,
		Environment:   d.Environment,
		RunMode:       d.RunMode,
		CurrentModel:  d.CurrentModelFull,
		PreviousModel: d.PreviousModelFull,
		Values:        d.CustomizedValues,
		ActionNames:   d.ActionNames(),
		SchemaDigest:  d.SchemaDigest,
		Rendered:      d.Rendered,
	}
}

// ActionResult records the outcome of one action.
type ActionResult struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// RunResult records a completed apply.
type RunResult struct {
	RunID      string         `json:"runId"`
	PlanID     string         `json:"planId"`
	Status     RunStatus      `json:"status"`
	DryRun     bool           `json:"dryRun"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt"`
	Actions    []ActionResult `json:"actions"`
}

// RunEvent is a progress record emitted during apply.
type RunEvent struct {
	PlanID    string    `json:"planId"`
	Type      EventType `json:"type"`
	Action    string    `json:"action,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists plans, apply results and the last applied model.
type Store interface {
	// PersistPlan stores the plan as a versioned artifact.
	PersistPlan(ctx context.Context, plan *PlanContextData) (*PlanArtifact, error)

	// LoadPlan returns a persisted plan by ID.
	LoadPlan(ctx context.Context, planID string) (*PlanArtifact, error)

	// LatestPlan returns the most recent persisted plan for an app and environment.
	LatestPlan(ctx context.Context, app, environment string) (*PlanArtifact, error)

	// LoadPrevious returns the last applied model, or nil if nothing was applied yet.
	LoadPrevious(ctx context.Context, app, environment string) (ApplicationModel, error)

	// StoreResult records a successful apply and makes its model the previous model.
	StoreResult(ctx context.Context, plan *PlanContextData, result *RunResult) error

	// RecordEvent appends a run event.
	RecordEvent(ctx context.Context, event RunEvent) error
}

// ResourceMeta identifies a cluster object.
type ResourceMeta struct {
	APIVersion string            `json:"apiVersion,omitempty"`
	Kind       string            `json:"kind"`
	Name       string            `json:"name,omitempty"`
	Namespace  string            `json:"namespace,omitempty"`
	Labels     map[string]string `json:"labels,omitempty"`
}

// ConfigKind distinguishes plain configuration from secret configuration.
type ConfigKind string

const (
	ConfigKindConfigMap ConfigKind = "ConfigMap"
	ConfigKindSecret    ConfigKind = "Secret"
)

// ConfigData is a named key/value configuration object.
type ConfigData struct {
	Kind      ConfigKind        `json:"kind"`
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Data      map[string]string `json:"data,omitempty"`
}

// JobParam describes a one-shot job.
type JobParam struct {
	Name      string            `json:"name"`
	Namespace string            `json:"namespace"`
	Image     string            `json:"image"`
	Command   []string          `json:"command,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	Timeout   time.Duration     `json:"timeout,omitempty"`
}

// WorkloadStatus reports the readiness of a workload.
type WorkloadStatus struct {
	Kind          string `json:"kind"`
	Name          string `json:"name"`
	Ready         bool   `json:"ready"`
	Replicas      int    `json:"replicas"`
	ReadyReplicas int    `json:"readyReplicas"`
	Phase         string `json:"phase,omitempty"`
	Message       string `json:"message,omitempty"`
}

// ForwardParam describes a port forward to a workload.
type ForwardParam struct {
	Name       string `json:"name"`
	Namespace  string `json:"namespace"`
	LocalPort  int    `json:"localPort"`
	RemotePort int    `json:"remotePort"`
}

// ForwardResult is an established port forward.
type ForwardResult struct {
	LocalAddress string
	Stop         func()
}

// FetchLogParam selects the logs to fetch.
type FetchLogParam struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace"`
	Container string `json:"container,omitempty"`
	TailLines int    `json:"tailLines,omitempty"`
}

// ClusterClient is the transport-level cluster API consumed by actions.
type ClusterClient interface {
	Find(ctx context.Context, meta ResourceMeta) ([]map[string]interface{}, error)
	Apply(ctx context.Context, resource map[string]interface{}) (bool, error)
	Remove(ctx context.Context, meta ResourceMeta) (bool, error)
	GetPods(ctx context.Context, meta ResourceMeta) ([]map[string]interface{}, error)
	GetConfig(ctx context.Context, cfg ConfigData) (map[string]string, error)
	SaveConfig(ctx context.Context, cfg ConfigData) (bool, error)
	RunJob(ctx context.Context, job JobParam) (*WorkloadStatus, error)
	CheckWorkloadStatus(ctx context.Context, meta ResourceMeta) (*WorkloadStatus, error)
	PortForward(ctx context.Context, param ForwardParam) (*ForwardResult, error)
	FetchLogs(ctx context.Context, param FetchLogParam) (map[string]string, error)
}

// ConfigSwapper is implemented by cluster clients that can replace a config
// object atomically. SwapConfig writes cfg only when the stored data equals
// expected, a nil expected meaning the object must not exist, and reports
// whether it wrote.
type ConfigSwapper interface {
	SwapConfig(ctx context.Context, cfg ConfigData, expected map[string]string) (bool, error)
}

// MergeToYamlParam describes a merge into a YAML file.
type MergeToYamlParam struct {
	// Filename is relative to the working directory.
	Filename string

	// JSONPath selects the nodes to merge into. Empty means the document root.
	JSONPath string

	// Content is merged into every selected node.
	Content interface{}

	// ArrayReplaceMode replaces arrays instead of appending to them.
	ArrayReplaceMode bool
}

// RemoveFromYamlParam describes a removal from a YAML file.
type RemoveFromYamlParam struct {
	Filename string
	JSONPath string
}

// HTTPRequest is an outbound request issued by an action.
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    []byte
	Timeout time.Duration
}

// HTTPResponse is the response to an HTTPRequest.
type HTTPResponse struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	Mocked     bool
}

// ExecuteContext is the surface actions run against.
type ExecuteContext interface {
	// DryRun returns true when state-mutating calls are mocked.
	DryRun() bool

	// WorkingDir is the directory YAML file operations are relative to.
	WorkingDir() string

	// MergeToYaml merges content into a YAML file, creating it if needed.
	MergeToYaml(ctx context.Context, param MergeToYamlParam) error

	// RemoveFromYaml removes the node addressed by a path expression from a YAML file.
	RemoveFromYaml(ctx context.Context, param RemoveFromYamlParam) error

	// SendRequest issues an HTTP request. Non-GET requests are mocked under dry-run.
	SendRequest(ctx context.Context, req HTTPRequest) (*HTTPResponse, error)

	// Cluster returns the cluster client for the target environment.
	Cluster() ClusterClient

	// Manage records a resource as owned by the application.
	Manage(key string, resource map[string]interface{})

	// ManagedResources returns the resources recorded so far, keyed by Manage's key.
	ManagedResources() map[string]map[string]interface{}

	// Logger returns the logger actions should use.
	Logger() zerolog.Logger
}
