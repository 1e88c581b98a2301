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
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore persists resource snapshots and run history in SQLite. It
// implements engine.StateStore. Every snapshot write commits in its own
// transaction and bumps the snapshot serial, so a halted apply leaves state
// matching exactly what was applied.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
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

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Load retrieves the snapshot for a resource, or nil when none exists.
func (s *SQLiteStore) Load(ctx context.Context, resourceID string) (*engine.Snapshot, error) {
	query := `
		SELECT resource_id, attributes, depends_on, serial, updated_at
		FROM snapshots
		WHERE resource_id = ?
	`

	var (
		snap       engine.Snapshot
		attrsJSON  []byte
		dependsRaw []byte
	)
	err := s.db.QueryRowContext(ctx, query, resourceID).Scan(
		&snap.ResourceID,
		&attrsJSON,
		&dependsRaw,
		&snap.Serial,
		&snap.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	if err := json.Unmarshal(attrsJSON, &snap.Attributes); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot attributes: %w", err)
	}
	if len(dependsRaw) > 0 {
		if err := json.Unmarshal(dependsRaw, &snap.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot dependencies: %w", err)
		}
	}
	return &snap, nil
}

// Save commits a snapshot in a single transaction, bumping its serial.
func (s *SQLiteStore) Save(ctx context.Context, snap *engine.Snapshot) error {
	attrsJSON, err := json.Marshal(snap.Attributes)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot attributes: %w", err)
	}
	dependsJSON, err := json.Marshal(snap.DependsOn)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot dependencies: %w", err)
	}

	updatedAt := snap.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO snapshots (resource_id, attributes, depends_on, serial, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(resource_id) DO UPDATE SET
			attributes = excluded.attributes,
			depends_on = excluded.depends_on,
			serial = snapshots.serial + 1,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, snap.ResourceID, attrsJSON, dependsJSON, updatedAt); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Delete removes the snapshot for a resource. Deleting a missing snapshot is
// not an error.
func (s *SQLiteStore) Delete(ctx context.Context, resourceID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE resource_id = ?`, resourceID); err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	return nil
}

// List returns every stored snapshot ordered by resource ID.
func (s *SQLiteStore) List(ctx context.Context) ([]*engine.Snapshot, error) {
	query := `
		SELECT resource_id, attributes, depends_on, serial, updated_at
		FROM snapshots
		ORDER BY resource_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	snaps := []*engine.Snapshot{}
	for rows.Next() {
		var (
			snap       engine.Snapshot
			attrsJSON  []byte
			dependsRaw []byte
		)
		if err := rows.Scan(&snap.ResourceID, &attrsJSON, &dependsRaw, &snap.Serial, &snap.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		if err := json.Unmarshal(attrsJSON, &snap.Attributes); err != nil {
			return nil, fmt.Errorf("failed to decode snapshot attributes: %w", err)
		}
		if len(dependsRaw) > 0 {
			if err := json.Unmarshal(dependsRaw, &snap.DependsOn); err != nil {
				return nil, fmt.Errorf("failed to decode snapshot dependencies: %w", err)
			}
		}
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshots: %w", err)
	}
	return snaps, nil
}

// CreateRun records the start of an apply run.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, plan_id, status, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PlanID,
		run.Status,
		run.Error,
		run.StartedAt,
		run.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// FinishRun records the final status of a run.
func (s *SQLiteStore) FinishRun(ctx context.Context, id, status string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?
		WHERE id = ?
	`

	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, query, status, errMsg, now, id)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run not found: %s", id)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, plan_id, status, error, started_at, completed_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.PlanID,
		&run.Status,
		&run.Error,
		&run.StartedAt,
		&run.CompletedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns lists runs newest first with pagination.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, plan_id, status, error, started_at, completed_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		if err := rows.Scan(&run.ID, &run.PlanID, &run.Status, &run.Error, &run.StartedAt, &run.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

// RecordOperation appends one executed operation to a run's history.
func (s *SQLiteStore) RecordOperation(ctx context.Context, op *OperationRecord) error {
	query := `
		INSERT INTO run_operations (run_id, resource_id, action, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		op.RunID,
		op.ResourceID,
		op.Action,
		op.Error,
		op.StartedAt,
		op.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record operation: %w", err)
	}
	return nil
}

// Operations lists the executed operations of a run in execution order.
func (s *SQLiteStore) Operations(ctx context.Context, runID string) ([]*OperationRecord, error) {
	query := `
		SELECT run_id, resource_id, action, error, started_at, completed_at
		FROM run_operations
		WHERE run_id = ?
		ORDER BY started_at, resource_id
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	ops := []*OperationRecord{}
	for rows.Next() {
		op := &OperationRecord{}
		if err := rows.Scan(&op.RunID, &op.ResourceID, &op.Action, &op.Error, &op.StartedAt, &op.CompletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate operations: %w", err)
	}
	return ops, nil
}
