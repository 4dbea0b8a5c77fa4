package engine

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// RunMode selects which stages of the plan/apply cycle are executed.
type RunMode string

const (
	// RunModePlanOnly derives the plan, persists it and skips apply.
	RunModePlanOnly RunMode = "plan-only"

	// RunModeApplyOnly applies without persisting a plan. When a persisted plan
	// is supplied it is replayed, otherwise the plan is derived again.
	RunModeApplyOnly RunMode = "apply-only"

	// RunModePlanApply derives and applies the plan back to back.
	RunModePlanApply RunMode = "plan-apply"
)

// Validate checks if the run mode is valid.
func (m RunMode) Validate() error {
	switch m {
	case RunModePlanOnly, RunModeApplyOnly, RunModePlanApply:
		return nil
	default:
		return fmt.Errorf("invalid run mode: %s", m)
	}
}

// Applies returns true if the mode executes the apply stage.
func (m RunMode) Applies() bool {
	return m == RunModeApplyOnly || m == RunModePlanApply
}

// PersistsPlan returns true if the plan is handed to the Store after planning.
func (m RunMode) PersistsPlan() bool {
	return m == RunModePlanOnly
}

// LockStrategy selects how the apply stage is serialized per target.
type LockStrategy string

const (
	// LockStrategyNone disables locking. Single-writer semantics are not guaranteed.
	LockStrategyNone LockStrategy = "none"

	// LockStrategyCluster stores the lock as an object inside the target cluster.
	LockStrategyCluster LockStrategy = "cluster-object"

	// LockStrategyExternal uses an external lock service.
	LockStrategyExternal LockStrategy = "external-service"
)

// Validate checks if the lock strategy is valid.
func (s LockStrategy) Validate() error {
	switch s {
	case LockStrategyNone, LockStrategyCluster, LockStrategyExternal:
		return nil
	default:
		return fmt.Errorf("invalid lock strategy: %s", s)
	}
}

// UnmarshalYAML validates the strategy while decoding configuration files.
func (s *LockStrategy) UnmarshalYAML(value *yaml.Node) error {
	var str string
	if err := value.Decode(&str); err != nil {
		return err
	}
	*s = LockStrategy(str)
	return s.Validate()
}

// Stage is a named top-level section of the application model, used as an ordering key.
type Stage string

const (
	StageMetadata Stage = "metadata"
	StagePrepare  Stage = "prepare"
	StageConfig   Stage = "config"
	StageDeploy   Stage = "deploy"
	StageAccess   Stage = "access"
	StageObserve  Stage = "observe"
	StageScale    Stage = "scale"
)

// stageOrder lists the stages in execution order.
var stageOrder = []Stage{
	StageMetadata,
	StagePrepare,
	StageConfig,
	StageDeploy,
	StageAccess,
	StageObserve,
	StageScale,
}

// Weight returns the execution rank of the stage. Unknown stages rank after every known one.
func (s Stage) Weight() int {
	for i, stage := range stageOrder {
		if stage == s {
			return i
		}
	}
	return len(stageOrder)
}

// IsKnown returns true if the stage has a fixed position in the execution order.
func (s Stage) IsKnown() bool {
	return s.Weight() < len(stageOrder)
}

// RunStatus represents the outcome of applying a plan to one environment.
type RunStatus string

const (
	// RunStatusRunning indicates the actions are being executed.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every action completed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates an action failed and the rest were skipped.
	RunStatusFailed RunStatus = "failed"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// EventType identifies a run event recorded by the Store.
type EventType string

const (
	EventTypeRunStarted      EventType = "run_started"
	EventTypeRunSucceeded    EventType = "run_succeeded"
	EventTypeRunFailed       EventType = "run_failed"
	EventTypeActionStarted   EventType = "action_started"
	EventTypeActionCompleted EventType = "action_completed"
	EventTypeActionFailed    EventType = "action_failed"
	EventTypeLockAcquired    EventType = "lock_acquired"
	EventTypeLockReleased    EventType = "lock_released"
)

// Severity returns the severity level of the event type.
func (e EventType) Severity() string {
	switch e {
	case EventTypeRunFailed, EventTypeActionFailed:
		return "error"
	default:
		return "info"
	}
}
