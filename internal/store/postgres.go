// Package store implements the Tenant State Store collaborator
// (spec.md §6): conversation+state persistence, append-only state
// history, workspace configuration/catalog storage, idempotency-key
// action-execution records for at-least-once safe replay, and an
// outbox of side-effect events for downstream delivery. Grounded on
// haasonsaas-nexus's internal/canvas.CockroachStore (database/sql over
// a Postgres-family driver, parameterized queries, explicit connection
// pool tuning) and codeready-toolchain-tarsy's pkg/database client for
// golang-migrate wiring.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver

	"github.com/turnpipe/turnpipe/internal/dialogue"
	platerrors "github.com/turnpipe/turnpipe/internal/platform/errors"
	"github.com/turnpipe/turnpipe/internal/platform/logging"
	"github.com/turnpipe/turnpipe/internal/tenant"
)

// Config is the subset of the Tenant State Store's connection settings
// this package needs. cmd/turnpipe builds it from
// internal/platform/config.StoreConfig at startup.
type Config struct {
	DSN            string
	MaxConns       int32
	MigrationsPath string
	ConnTimeout    time.Duration
}

// PostgresStore is the Postgres-backed Tenant State Store. It implements
// tenant.Store so the Tenant Context can load workspace configuration
// from it directly.
//
// database/sql with the pgx stdlib driver is used instead of a native
// pgxpool.Pool specifically so tests can drive this store with
// DATA-DOG/go-sqlmock, which only mocks a database/sql/driver.Conn.
type PostgresStore struct {
	db     *sql.DB
	logger logging.Logger
}

// Open dials Postgres via the pgx stdlib driver, configures the
// connection pool, and verifies connectivity with a ping. Callers that
// want migrations applied should follow with RunMigrations.
func Open(ctx context.Context, cfg Config, logger logging.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: opening postgres connection: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(int(cfg.MaxConns))
		db.SetMaxIdleConns(int(cfg.MaxConns))
	}
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx := ctx
	if cfg.ConnTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.ConnTimeout)
		defer cancel()
	}
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: pinging postgres: %w", err)
	}

	return &PostgresStore{db: db, logger: logger}, nil
}

// NewFromDB wraps an already-open *sql.DB, used by tests to inject a
// DATA-DOG/go-sqlmock connection without dialing a real database.
func NewFromDB(db *sql.DB, logger logging.Logger) *PostgresStore {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &PostgresStore{db: db, logger: logger}
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunMigrations applies every pending golang-migrate migration found at
// migrationsPath (a "file://" source URL) against the store's database.
func (s *PostgresStore) RunMigrations(migrationsPath string) error {
	driver, err := postgres.WithInstance(s.db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: creating migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: creating migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: applying migrations: %w", err)
	}
	return nil
}

// LoadWorkspaceConfig implements tenant.Store. Workspace configuration
// and catalogs are stored as a single JSON document: the schema is
// already map-valued throughout (see tenant.Catalog's doc comment), so
// there is no relational structure worth normalizing out of it.
func (s *PostgresStore) LoadWorkspaceConfig(ctx context.Context, workspaceID string) (*tenant.WorkspaceConfig, error) {
	const q = `SELECT config_json FROM workspace_configs WHERE workspace_id = $1`

	var raw []byte
	err := s.db.QueryRowContext(ctx, q, workspaceID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, platerrors.New("store.LoadWorkspaceConfig", platerrors.KindInternal, workspaceID, platerrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("store: loading workspace config %s: %w", workspaceID, err)
	}

	var cfg tenant.WorkspaceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("store: decoding workspace config %s: %w", workspaceID, err)
	}
	return &cfg, nil
}

// SaveWorkspaceConfig upserts a workspace's configuration document,
// used by seed/admin tooling rather than the turn pipeline itself.
func (s *PostgresStore) SaveWorkspaceConfig(ctx context.Context, cfg *tenant.WorkspaceConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("store: encoding workspace config %s: %w", cfg.WorkspaceID, err)
	}

	const q = `
INSERT INTO workspace_configs (workspace_id, config_json, updated_at)
VALUES ($1, $2, now())
ON CONFLICT (workspace_id) DO UPDATE SET config_json = EXCLUDED.config_json, updated_at = now()`

	if _, err := s.db.ExecContext(ctx, q, cfg.WorkspaceID, raw); err != nil {
		return fmt.Errorf("store: saving workspace config %s: %w", cfg.WorkspaceID, err)
	}
	return nil
}

// LoadConversationState returns the current persisted dialogue state
// for (workspaceID, conversationID), or a fresh state if none exists
// yet: a conversation's first turn has nothing to load.
func (s *PostgresStore) LoadConversationState(ctx context.Context, workspaceID, conversationID string) (dialogue.DialogueState, error) {
	const q = `SELECT state_json FROM conversation_state WHERE workspace_id = $1 AND conversation_id = $2`

	var raw []byte
	err := s.db.QueryRowContext(ctx, q, workspaceID, conversationID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return dialogue.NewDialogueState(), nil
	}
	if err != nil {
		return dialogue.DialogueState{}, fmt.Errorf("store: loading conversation state %s/%s: %w", workspaceID, conversationID, err)
	}

	var state dialogue.DialogueState
	if err := json.Unmarshal(raw, &state); err != nil {
		return dialogue.DialogueState{}, fmt.Errorf("store: decoding conversation state %s/%s: %w", workspaceID, conversationID, err)
	}
	return state, nil
}

// OutboxEvent is one side-effect event to append alongside a turn
// commit, per SPEC_FULL.md §4.5: written in the same transaction as the
// state-history row so a downstream delivery worker never observes a
// committed turn without its side effects, or vice versa.
type OutboxEvent struct {
	Kind    string
	Payload map[string]interface{}
}

// CommitTurn atomically replaces a conversation's current state,
// appends a state-history row recording the transition, and writes any
// outbox events produced by the turn, per spec.md §6's "atomically
// commit a state patch + append a history entry" and SPEC_FULL.md
// §4.5's two-phase-within-one-transaction outbox write. All writes
// happen inside one transaction so a crash partway through never
// leaves current state, history, and the outbox inconsistent with
// each other.
func (s *PostgresStore) CommitTurn(ctx context.Context, workspaceID, conversationID, event string, prior, next dialogue.DialogueState, events ...OutboxEvent) error {
	priorJSON, err := json.Marshal(prior)
	if err != nil {
		return fmt.Errorf("store: encoding prior state: %w", err)
	}
	nextJSON, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("store: encoding next state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: beginning commit transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const upsert = `
INSERT INTO conversation_state (workspace_id, conversation_id, state_json, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (workspace_id, conversation_id) DO UPDATE SET state_json = EXCLUDED.state_json, updated_at = now()`
	if _, err := tx.ExecContext(ctx, upsert, workspaceID, conversationID, nextJSON); err != nil {
		return fmt.Errorf("store: upserting conversation state: %w", err)
	}

	const history = `
INSERT INTO state_history (id, workspace_id, conversation_id, event, prior_state_json, next_state_json, created_at)
VALUES ($1, $2, $3, $4, $5, $6, now())`
	if _, err := tx.ExecContext(ctx, history, uuid.NewString(), workspaceID, conversationID, event, priorJSON, nextJSON); err != nil {
		return fmt.Errorf("store: appending state history: %w", err)
	}

	const outbox = `
INSERT INTO outbox_events (id, workspace_id, conversation_id, kind, payload_json, created_at)
VALUES ($1, $2, $3, $4, $5, now())`
	for _, evt := range events {
		raw, err := json.Marshal(evt.Payload)
		if err != nil {
			return fmt.Errorf("store: encoding outbox payload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, outbox, uuid.NewString(), workspaceID, conversationID, evt.Kind, raw); err != nil {
			return fmt.Errorf("store: appending outbox event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: committing turn: %w", err)
	}
	return nil
}

// RecordActionExecution inserts the result of one tool invocation keyed
// by (workspace_id, idempotency_key). The unique constraint on that pair
// makes this safe to call on every attempt, including retries after a
// crash: inserted reports false (not an error) when the key was already
// recorded, so the caller can treat the existing row as the replayed
// result rather than executing the tool again.
func (s *PostgresStore) RecordActionExecution(ctx context.Context, workspaceID, idempotencyKey, toolName string, obs dialogue.ToolObservation) (inserted bool, err error) {
	raw, err := json.Marshal(obs)
	if err != nil {
		return false, fmt.Errorf("store: encoding action result: %w", err)
	}

	const q = `
INSERT INTO action_executions (workspace_id, idempotency_key, tool_name, result_json, created_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (workspace_id, idempotency_key) DO NOTHING`

	res, err := s.db.ExecContext(ctx, q, workspaceID, idempotencyKey, toolName, raw)
	if err != nil {
		return false, fmt.Errorf("store: recording action execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: reading rows affected: %w", err)
	}
	return n > 0, nil
}

// LoadActionExecution returns the previously recorded observation for
// (workspaceID, idempotencyKey), if one exists, implementing the
// replay half of spec.md §8's idempotent-replay property.
func (s *PostgresStore) LoadActionExecution(ctx context.Context, workspaceID, idempotencyKey string) (dialogue.ToolObservation, bool, error) {
	const q = `SELECT result_json FROM action_executions WHERE workspace_id = $1 AND idempotency_key = $2`

	var raw []byte
	err := s.db.QueryRowContext(ctx, q, workspaceID, idempotencyKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return dialogue.ToolObservation{}, false, nil
	}
	if err != nil {
		return dialogue.ToolObservation{}, false, fmt.Errorf("store: loading action execution: %w", err)
	}

	var obs dialogue.ToolObservation
	if err := json.Unmarshal(raw, &obs); err != nil {
		return dialogue.ToolObservation{}, false, fmt.Errorf("store: decoding action execution: %w", err)
	}
	return obs, true, nil
}

// AppendOutboxEvent records one side-effect event for an out-of-scope
// downstream delivery worker to poll, per spec.md §6's "outbox of
// side-effect events for downstream delivery".
func (s *PostgresStore) AppendOutboxEvent(ctx context.Context, workspaceID, conversationID, kind string, payload map[string]interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: encoding outbox payload: %w", err)
	}

	const q = `
INSERT INTO outbox_events (id, workspace_id, conversation_id, kind, payload_json, created_at)
VALUES ($1, $2, $3, $4, $5, now())`
	if _, err := s.db.ExecContext(ctx, q, uuid.NewString(), workspaceID, conversationID, kind, raw); err != nil {
		return fmt.Errorf("store: appending outbox event: %w", err)
	}
	return nil
}
