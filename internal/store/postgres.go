// Package store defines the Repository port the Orchestrator's durable
// state (orchestrations, stages, reservations, alerts) is persisted
// through, plus a reference Postgres-backed implementation.
//
// Grounded on
// KhryptorGraphics-OllamaMax/ollama-distributed/pkg/database/manager.go's
// connection-pool-plus-migration-runner shape, adapted from the teacher's
// generic cluster-state schema to this core's orchestration/stage tables.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	orcherrors "github.com/scanforge/orchestrator-core/pkg/errors"
	"github.com/scanforge/orchestrator-core/pkg/orchtypes"
)

// Repository is the persistence port the Orchestrator uses to durably
// record orchestration and stage state across restarts. The core's
// in-memory runState is authoritative while a process is alive; Repository
// exists for crash recovery and audit, not for the hot execution path.
type Repository interface {
	SaveOrchestration(ctx context.Context, orch orchtypes.Orchestration) error
	SaveStage(ctx context.Context, stage orchtypes.Stage) error
	LoadOrchestration(ctx context.Context, id string) (orchtypes.Orchestration, error)
	LoadStages(ctx context.Context, orchestrationID string) ([]orchtypes.Stage, error)
	SaveReservation(ctx context.Context, res orchtypes.Reservation) error
	SaveAlert(ctx context.Context, alert orchtypes.Alert) error
}

// PostgresStore is the reference Repository implementation.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open connects to Postgres via the dsn and configures the connection
// pool. Callers own the returned *PostgresStore's lifetime and must call
// Close.
func Open(dsn string, maxOpenConns int, connMaxLifetime time.Duration, logger zerolog.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, orcherrors.Internal("store.Open", "", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}
	store := &PostgresStore{db: db, logger: logger.With().Str("component", "postgres_store").Logger()}
	store.logger.Info().Str("dsn", dsnRedacted(dsn)).Msg("opened postgres connection pool")
	return store, nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Migrate creates the core's tables if they do not already exist. A real
// deployment would drive this through a migration tool (e.g. golang-migrate);
// this inline DDL keeps the reference implementation self-contained.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS orchestrations (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	type TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INT NOT NULL,
	submitter TEXT,
	plan JSONB,
	outcome JSONB,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS stages (
	id TEXT NOT NULL,
	orchestration_id TEXT NOT NULL REFERENCES orchestrations(id),
	status TEXT NOT NULL,
	attempt_count INT NOT NULL,
	last_error TEXT,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (orchestration_id, id)
);
CREATE TABLE IF NOT EXISTS reservations (
	id TEXT PRIMARY KEY,
	orchestration_id TEXT NOT NULL,
	cost_estimate DOUBLE PRECISION,
	released BOOLEAN NOT NULL DEFAULT false,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS alerts (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	severity TEXT NOT NULL,
	scope TEXT NOT NULL,
	message TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`)
	if err != nil {
		return orcherrors.Internal("store.Migrate", "", err)
	}
	return nil
}

func (s *PostgresStore) SaveOrchestration(ctx context.Context, orch orchtypes.Orchestration) error {
	plan, err := json.Marshal(orch.Plan)
	if err != nil {
		return orcherrors.Internal("store.SaveOrchestration", orch.ID, err)
	}
	outcome, err := json.Marshal(orch.Outcome)
	if err != nil {
		return orcherrors.Internal("store.SaveOrchestration", orch.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO orchestrations (id, name, type, status, priority, submitter, plan, outcome, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status, plan = EXCLUDED.plan, outcome = EXCLUDED.outcome, updated_at = now()
`, orch.ID, orch.Name, string(orch.Type), string(orch.Status), int(orch.Priority), orch.Submitter, plan, outcome)
	if err != nil {
		return orcherrors.Internal("store.SaveOrchestration", orch.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveStage(ctx context.Context, stage orchtypes.Stage) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO stages (id, orchestration_id, status, attempt_count, last_error, updated_at)
VALUES ($1, $2, $3, $4, $5, now())
ON CONFLICT (orchestration_id, id) DO UPDATE SET
	status = EXCLUDED.status, attempt_count = EXCLUDED.attempt_count, last_error = EXCLUDED.last_error, updated_at = now()
`, stage.ID, stage.OrchestrationID, string(stage.Status), stage.AttemptCount, stage.LastError)
	if err != nil {
		return orcherrors.Internal("store.SaveStage", stage.ID, err)
	}
	return nil
}

func (s *PostgresStore) LoadOrchestration(ctx context.Context, id string) (orchtypes.Orchestration, error) {
	var (
		orch       orchtypes.Orchestration
		orchType   string
		status     string
		priority   int
		planJSON   []byte
		outcomeJSON []byte
	)

	row := s.db.QueryRowContext(ctx, `SELECT id, name, type, status, priority, submitter, plan, outcome FROM orchestrations WHERE id = $1`, id)
	if err := row.Scan(&orch.ID, &orch.Name, &orchType, &status, &priority, &orch.Submitter, &planJSON, &outcomeJSON); err != nil {
		if err == sql.ErrNoRows {
			return orchtypes.Orchestration{}, orcherrors.InvalidRequest("store.LoadOrchestration", id, "orchestration not found")
		}
		return orchtypes.Orchestration{}, orcherrors.Internal("store.LoadOrchestration", id, err)
	}

	orch.Type = orchtypes.OrchestrationType(orchType)
	orch.Status = orchtypes.Status(status)
	orch.Priority = orchtypes.Priority(priority)

	if len(planJSON) > 0 {
		_ = json.Unmarshal(planJSON, &orch.Plan)
	}
	if len(outcomeJSON) > 0 {
		_ = json.Unmarshal(outcomeJSON, &orch.Outcome)
	}
	return orch, nil
}

func (s *PostgresStore) LoadStages(ctx context.Context, orchestrationID string) ([]orchtypes.Stage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, status, attempt_count, last_error FROM stages WHERE orchestration_id = $1`, orchestrationID)
	if err != nil {
		return nil, orcherrors.Internal("store.LoadStages", orchestrationID, err)
	}
	defer rows.Close()

	var out []orchtypes.Stage
	for rows.Next() {
		var (
			stage     orchtypes.Stage
			status    string
			lastError sql.NullString
		)
		if err := rows.Scan(&stage.ID, &status, &stage.AttemptCount, &lastError); err != nil {
			return nil, orcherrors.Internal("store.LoadStages", orchestrationID, err)
		}
		stage.OrchestrationID = orchestrationID
		stage.Status = orchtypes.StageStatus(status)
		stage.LastError = lastError.String
		out = append(out, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, orcherrors.Internal("store.LoadStages", orchestrationID, err)
	}
	return out, nil
}

func (s *PostgresStore) SaveReservation(ctx context.Context, res orchtypes.Reservation) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO reservations (id, orchestration_id, cost_estimate, released, created_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET released = EXCLUDED.released
`, res.ID, res.OrchestrationID, res.CostEstimate, res.Released, res.CreatedAt)
	if err != nil {
		return orcherrors.Internal("store.SaveReservation", res.ID, err)
	}
	return nil
}

func (s *PostgresStore) SaveAlert(ctx context.Context, alert orchtypes.Alert) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO alerts (id, kind, severity, scope, message, created_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO NOTHING
`, alert.ID, string(alert.Kind), string(alert.Severity), alert.Scope, alert.Message, alert.CreatedAt)
	if err != nil {
		return orcherrors.Internal("store.SaveAlert", alert.ID, err)
	}
	return nil
}

var _ Repository = (*PostgresStore)(nil)

// dsnRedacted is a small helper for logging a connection string without its
// password component: a URL-form DSN keeps only scheme, host and path, and a
// key=value DSN drops its password field.
func dsnRedacted(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Host != "" {
		return fmt.Sprintf("%s://%s%s...", u.Scheme, u.Host, u.Path)
	}
	var kept []string
	for _, f := range strings.Fields(dsn) {
		if !strings.HasPrefix(f, "password=") {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}
