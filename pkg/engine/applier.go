package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ApplyEngine executes a plan's actions sequentially under a lock.
type ApplyEngine struct {
	// locker serializes applies per target
	locker Locker

	// strategy is reported when locking is disabled
	strategy LockStrategy

	// store receives the run result and events; may be nil
	store Store

	logger zerolog.Logger
}

// NewApplyEngine creates an apply engine.
func NewApplyEngine(locker Locker, strategy LockStrategy, store Store, logger zerolog.Logger) *ApplyEngine {
	return &ApplyEngine{
		locker:   locker,
		strategy: strategy,
		store:    store,
		logger:   logger.With().Str("component", "apply-engine").Logger(),
	}
}

// Apply acquires the target lock, runs every action in enqueue order and
// releases the lock on every exit path. The result is stored only on success.
func (e *ApplyEngine) Apply(ctx context.Context, plan *PlanContext, exec ExecuteContext) (result *RunResult, err error) {
	if plan == nil {
		return nil, NewConfigError("plan is nil", nil)
	}
	data := plan.Data()
	logger := e.logger.With().Str("plan_id", data.PlanID).Str("environment", data.Environment.Name).Logger()

	target := LockTarget{App: data.App, Namespace: data.Namespace, Environment: data.Environment.Name}
	if e.strategy == LockStrategyNone {
		logger.Warn().Msg("Lock strategy is none, concurrent applies to this environment are not prevented")
	}

	token, err := e.locker.Lock(ctx, target)
	if err != nil {
		return nil, NewLockError("failed to acquire lock", err).WithResource(target.Key())
	}
	e.recordEvent(ctx, data.PlanID, EventTypeLockAcquired, "", target.Key())

	defer func() {
		// release with a fresh context so cancellation cannot leak the lock
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if uerr := e.locker.Unlock(unlockCtx, target, token); uerr != nil {
			logger.Error().Err(uerr).Msg("Failed to release lock")
			err = errors.Join(err, NewLockError("failed to release lock", uerr).WithResource(target.Key()))
			return
		}
		e.recordEvent(unlockCtx, data.PlanID, EventTypeLockReleased, "", target.Key())
	}()

	result = &RunResult{
		RunID:     uuid.New().String(),
		PlanID:    data.PlanID,
		Status:    RunStatusRunning,
		DryRun:    exec.DryRun(),
		StartedAt: time.Now().UTC(),
		Actions:   make([]ActionResult, 0, len(data.Actions)),
	}

	logger.Info().Int("actions", len(data.Actions)).Bool("dry_run", exec.DryRun()).Msg("============== Apply Stage Start ==============")
	e.recordEvent(ctx, data.PlanID, EventTypeRunStarted, "", "")

	for i, action := range data.Actions {
		name := action.DisplayName()
		if cerr := ctx.Err(); cerr != nil {
			result.Status = RunStatusFailed
			result.FinishedAt = time.Now().UTC()
			return result, cerr
		}

		logger.Info().Int("index", i).Str("action", name).Msg("Executing action")
		e.recordEvent(ctx, data.PlanID, EventTypeActionStarted, name, "")

		start := time.Now()
		aerr := runAction(ctx, action, exec)
		ar := ActionResult{Name: name, Duration: time.Since(start)}
		if aerr != nil {
			ar.Error = aerr.Error()
			result.Actions = append(result.Actions, ar)
			result.Status = RunStatusFailed
			result.FinishedAt = time.Now().UTC()

			logger.Error().Err(aerr).Str("action", name).Msg("Action failed, skipping remaining actions")
			e.recordEvent(ctx, data.PlanID, EventTypeActionFailed, name, aerr.Error())
			e.recordEvent(ctx, data.PlanID, EventTypeRunFailed, "", aerr.Error())
			return result, NewActionError("action failed", aerr).
				WithResource(name).
				WithDetail("index", i)
		}
		result.Actions = append(result.Actions, ar)

		logger.Info().Int("index", i).Str("action", name).Dur("duration", ar.Duration).Msg("Action executed")
		e.recordEvent(ctx, data.PlanID, EventTypeActionCompleted, name, "")
	}

	result.Status = RunStatusSucceeded
	result.FinishedAt = time.Now().UTC()
	e.recordEvent(ctx, data.PlanID, EventTypeRunSucceeded, "", "")

	if e.store != nil && !exec.DryRun() {
		if serr := e.store.StoreResult(ctx, data, result); serr != nil {
			return result, fmt.Errorf("failed to store result: %w", serr)
		}
	}

	logger.Info().Msg("============== Apply Stage End ==============")
	return result, nil
}

func runAction(ctx context.Context, action Action, exec ExecuteContext) (err error) {
	if action.Run == nil {
		return fmt.Errorf("action has no body")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return action.Run(ctx, exec)
}

// recordEvent stores a run event, logging rather than failing on errors.
func (e *ApplyEngine) recordEvent(ctx context.Context, planID string, typ EventType, action, message string) {
	if e.store == nil {
		return
	}
	event := RunEvent{
		PlanID:    planID,
		Type:      typ,
		Action:    action,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.RecordEvent(ctx, event); err != nil {
		e.logger.Warn().Err(err).Str("event", string(typ)).Msg("Failed to record run event")
	}
}
