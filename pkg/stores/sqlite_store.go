package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	"github.com/yamplus/yam/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath opens a private in-memory database.
const memoryPath = ":memory:"

// SQLiteStore implements StateStore using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	codec  *ArtifactCodec
	logger zerolog.Logger
}

// Config holds SQLite store configuration.
type Config struct {
	// Path is the database file. ":memory:" opens a single-connection in-memory database.
	Path string

	// Passphrase seals plan artifacts and applied models when set.
	Passphrase string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance. Call Init and Migrate before use.
func NewSQLiteStore(cfg Config, logger zerolog.Logger) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:    cfg,
		codec:  NewArtifactCodec(cfg.Passphrase),
		logger: logger.With().Str("component", "sqlite-store").Logger(),
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config, logger zerolog.Logger) (*SQLiteStore, error) {
	store, err := NewSQLiteStore(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.cfg.Path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite"
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Bool("sealed", s.codec.Sealed()).Msg("Store opened")
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// PersistPlan implements engine.Store.
func (s *SQLiteStore) PersistPlan(ctx context.Context, plan *engine.PlanContextData) (*engine.PlanArtifact, error) {
	artifact := engine.NewPlanArtifact(plan)
	blob, err := s.codec.Marshal(artifact)
	if err != nil {
		return nil, err
	}

	query := `
		INSERT OR REPLACE INTO plans (
			id, app, environment, namespace, run_mode, format_version,
			schema_digest, action_count, sealed, artifact, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		artifact.PlanID,
		artifact.App,
		artifact.Environment.Name,
		artifact.Namespace,
		artifact.RunMode,
		artifact.FormatVersion,
		artifact.SchemaDigest,
		len(artifact.ActionNames),
		s.codec.Sealed(),
		blob,
		artifact.CreatedAt.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	s.logger.Info().Str("plan_id", artifact.PlanID).Int("bytes", len(blob)).Msg("Plan persisted")
	return artifact, nil
}

// LoadPlan implements engine.Store.
func (s *SQLiteStore) LoadPlan(ctx context.Context, planID string) (*engine.PlanArtifact, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT artifact FROM plans WHERE id = ?`, planID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(fmt.Sprintf("plan not found: %s", planID), nil).WithResource(planID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load plan: %w", err)
	}
	return s.decodePlan(planID, blob)
}

// LatestPlan implements engine.Store.
func (s *SQLiteStore) LatestPlan(ctx context.Context, app, environment string) (*engine.PlanArtifact, error) {
	query := `
		SELECT id, artifact FROM plans
		WHERE app = ? AND (? = '' OR environment = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1
	`
	var (
		id   string
		blob []byte
	)
	err := s.db.QueryRowContext(ctx, query, app, environment, environment).Scan(&id, &blob)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(fmt.Sprintf("no plan for %s/%s", app, environment), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest plan: %w", err)
	}
	return s.decodePlan(id, blob)
}

func (s *SQLiteStore) decodePlan(id string, blob []byte) (*engine.PlanArtifact, error) {
	artifact := &engine.PlanArtifact{}
	if err := s.codec.Unmarshal(blob, artifact); err != nil {
		return nil, fmt.Errorf("failed to decode plan %s: %w", id, err)
	}
	return artifact, nil
}

// ListPlans lists persisted plans of an application, newest first. An empty
// environment lists every environment.
func (s *SQLiteStore) ListPlans(ctx context.Context, app, environment string, limit int) ([]*PlanRecord, error) {
	query := `
		SELECT id, app, environment, namespace, run_mode, format_version,
		       schema_digest, action_count, sealed, created_at
		FROM plans
		WHERE app = ? AND (? = '' OR environment = ?)
		ORDER BY created_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, app, environment, environment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	plans := []*PlanRecord{}
	for rows.Next() {
		p := &PlanRecord{}
		if err := rows.Scan(
			&p.ID,
			&p.App,
			&p.Environment,
			&p.Namespace,
			&p.RunMode,
			&p.FormatVersion,
			&p.SchemaDigest,
			&p.ActionCount,
			&p.Sealed,
			&p.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plans: %w", err)
	}
	return plans, nil
}

// LoadPrevious implements engine.Store.
func (s *SQLiteStore) LoadPrevious(ctx context.Context, app, environment string) (engine.ApplicationModel, error) {
	state, err := s.GetModelState(ctx, app, environment)
	if engine.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return state.Model, nil
}

// GetModelState returns the last applied model of an application environment.
func (s *SQLiteStore) GetModelState(ctx context.Context, app, environment string) (*ModelState, error) {
	query := `
		SELECT app, environment, plan_id, run_id, hash, model, updated_at
		FROM model_state
		WHERE app = ? AND environment = ?
	`
	state := &ModelState{}
	var blob []byte
	err := s.db.QueryRowContext(ctx, query, app, environment).Scan(
		&state.App,
		&state.Environment,
		&state.PlanID,
		&state.RunID,
		&state.Hash,
		&blob,
		&state.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(fmt.Sprintf("nothing applied for %s/%s", app, environment), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get model state: %w", err)
	}
	if err := s.codec.Unmarshal(blob, &state.Model); err != nil {
		return nil, fmt.Errorf("failed to decode applied model: %w", err)
	}
	return state, nil
}

// StoreResult implements engine.Store. The run row and the new previous model
// are written in one transaction.
func (s *SQLiteStore) StoreResult(ctx context.Context, plan *engine.PlanContextData, result *engine.RunResult) error {
	hash, err := engine.ContentHash(plan.CurrentModelFull)
	if err != nil {
		return fmt.Errorf("failed to hash applied model: %w", err)
	}
	blob, err := s.codec.Marshal(plan.CurrentModelFull)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertRun(ctx, tx, plan.App, plan.Environment.Name, result, nil); err != nil {
		return err
	}

	upsert := `
		INSERT INTO model_state (app, environment, plan_id, run_id, hash, model, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(app, environment) DO UPDATE SET
			plan_id = excluded.plan_id,
			run_id = excluded.run_id,
			hash = excluded.hash,
			model = excluded.model,
			updated_at = excluded.updated_at
	`
	if _, err := tx.ExecContext(ctx, upsert,
		plan.App,
		plan.Environment.Name,
		plan.PlanID,
		result.RunID,
		hash,
		blob,
		time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("failed to update model state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit result: %w", err)
	}
	s.logger.Info().Str("run_id", result.RunID).Str("app", plan.App).Str("environment", plan.Environment.Name).
		Str("model_hash", hash).Msg("Apply result stored")
	return nil
}

// SaveRun records a run that did not go through StoreResult, such as a
// failed or dry-run apply. The applied model is left untouched.
func (s *SQLiteStore) SaveRun(ctx context.Context, app, environment string, result *engine.RunResult, runErr error) error {
	if result == nil {
		return fmt.Errorf("run result is nil")
	}
	return insertRun(ctx, s.db, app, environment, result, runErr)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, app, environment string, result *engine.RunResult, runErr error) error {
	actions, err := json.Marshal(result.Actions)
	if err != nil {
		return fmt.Errorf("failed to encode run actions: %w", err)
	}
	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}

	query := `
		INSERT INTO runs (
			id, plan_id, app, environment, status, dry_run,
			action_count, actions, error, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := db.ExecContext(ctx, query,
		result.RunID,
		result.PlanID,
		app,
		environment,
		result.Status,
		result.DryRun,
		len(result.Actions),
		string(actions),
		errMsg,
		result.StartedAt.UTC(),
		result.FinishedAt.UTC(),
	); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

const runColumns = `id, plan_id, app, environment, status, dry_run, actions, error, started_at, finished_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (*RunRecord, error) {
	run := &RunRecord{}
	var actions string
	if err := row.Scan(
		&run.ID,
		&run.PlanID,
		&run.App,
		&run.Environment,
		&run.Status,
		&run.DryRun,
		&actions,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
	); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(actions), &run.Actions); err != nil {
		return nil, fmt.Errorf("failed to decode run actions: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError(fmt.Sprintf("run not found: %s", id), nil).WithResource(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs of an application, newest first. An empty environment
// lists every environment.
func (s *SQLiteStore) ListRuns(ctx context.Context, app, environment string, limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + `
		FROM runs
		WHERE app = ? AND (? = '' OR environment = ?)
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, app, environment, environment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// RecordEvent implements engine.Store.
func (s *SQLiteStore) RecordEvent(ctx context.Context, event engine.RunEvent) error {
	query := `
		INSERT INTO events (plan_id, type, level, action, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	if _, err := s.db.ExecContext(ctx, query,
		event.PlanID,
		event.Type,
		event.Type.Severity(),
		event.Action,
		event.Message,
		ts.UTC(),
	); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// ListEvents returns the events of a plan in insertion order.
func (s *SQLiteStore) ListEvents(ctx context.Context, planID string) ([]*EventRecord, error) {
	query := `
		SELECT id, plan_id, type, level, action, message, timestamp
		FROM events
		WHERE plan_id = ?
		ORDER BY id ASC
	`
	rows, err := s.db.QueryContext(ctx, query, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		e := &EventRecord{}
		var action, message sql.NullString
		if err := rows.Scan(&e.ID, &e.PlanID, &e.Type, &e.Level, &action, &message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.Action = action.String
		e.Message = message.String
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}
