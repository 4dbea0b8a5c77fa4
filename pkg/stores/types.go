package stores

import (
	"context"
	"time"

	"github.com/yamplus/yam/pkg/engine"
)

// PlanRecord is the queryable summary of a persisted plan artifact.
type PlanRecord struct {
	ID            string         `json:"id"`
	App           string         `json:"app"`
	Environment   string         `json:"environment"`
	Namespace     string         `json:"namespace"`
	RunMode       engine.RunMode `json:"run_mode"`
	FormatVersion int            `json:"format_version"`
	SchemaDigest  string         `json:"schema_digest"`
	ActionCount   int            `json:"action_count"`
	Sealed        bool           `json:"sealed"`
	CreatedAt     time.Time      `json:"created_at"`
}

// RunRecord is one apply of a plan to an environment.
type RunRecord struct {
	ID          string                `json:"id"`
	PlanID      string                `json:"plan_id"`
	App         string                `json:"app"`
	Environment string                `json:"environment"`
	Status      engine.RunStatus      `json:"status"`
	DryRun      bool                  `json:"dry_run"`
	Actions     []engine.ActionResult `json:"actions"`
	Error       *string               `json:"error,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
}

// Duration returns how long the run took.
func (r *RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// EventRecord is a stored run event.
type EventRecord struct {
	ID int64 `json:"id"`
	engine.RunEvent
	Level string `json:"level"`
}

// ModelState is the last applied model of an application environment.
type ModelState struct {
	App         string                  `json:"app"`
	Environment string                  `json:"environment"`
	PlanID      string                  `json:"plan_id"`
	RunID       string                  `json:"run_id"`
	Hash        string                  `json:"hash"`
	Model       engine.ApplicationModel `json:"model"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// StateStore is the full persistence surface: the engine's Store contract plus
// the lifecycle and listing operations used by the CLI.
type StateStore interface {
	engine.Store

	// Lifecycle
	Init(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
	HealthCheck(ctx context.Context) error

	// Plans
	ListPlans(ctx context.Context, app, environment string, limit int) ([]*PlanRecord, error)

	// Runs
	SaveRun(ctx context.Context, app, environment string, result *engine.RunResult, runErr error) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, app, environment string, limit int) ([]*RunRecord, error)

	// Events
	ListEvents(ctx context.Context, planID string) ([]*EventRecord, error)

	// Model state
	GetModelState(ctx context.Context, app, environment string) (*ModelState, error)
}

var _ StateStore = (*SQLiteStore)(nil)
