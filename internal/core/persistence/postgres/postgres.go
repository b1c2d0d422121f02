// Package postgres implements executor.SnapshotSink for shared, multi-instance deployments
// (§4.4 domain-stack wiring), grounded on internal/db.OpenPostgres: the same upsert-by-task_id
// shape as the sqlite adapter, using Postgres's native ON CONFLICT instead of SQLite's.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_snapshots (
	task_id    TEXT PRIMARY KEY,
	body       JSONB NOT NULL,
	status     TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Sink is a SnapshotSink backed by a shared PostgreSQL database, safe for multiple daemon
// instances to write to concurrently.
type Sink struct {
	db *sqlx.DB
}

// Open connects to dsn with a connection pool sized by maxConns/minConns and ensures schema.
func Open(dsn string, maxConns, minConns int) (*Sink, error) {
	if maxConns <= 0 {
		maxConns = 25
	}
	if minConns <= 0 {
		minConns = 5
	}

	sqlDB, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(minConns)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres database: %w", err)
	}

	db := sqlx.NewDb(sqlDB, "pgx")
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize postgres schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// Save upserts snap keyed by task_id.
func (s *Sink) Save(ctx context.Context, snap *task.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_snapshots (task_id, body, status, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (task_id) DO UPDATE SET body = EXCLUDED.body, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at
	`, snap.TaskID, string(body), string(snap.Status), snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot for taskID, or (nil, sql.ErrNoRows) if none exists.
func (s *Sink) Load(ctx context.Context, taskID string) (*task.Snapshot, error) {
	var body string
	if err := s.db.GetContext(ctx, &body, `SELECT body FROM task_snapshots WHERE task_id = $1`, taskID); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	var snap task.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// LoadLatestIncomplete returns the most recently updated snapshot whose status is not
// "completed" (§4.5 resume_task with no task_id given), or (nil, sql.ErrNoRows) if none exists.
func (s *Sink) LoadLatestIncomplete(ctx context.Context) (*task.Snapshot, error) {
	var body string
	err := s.db.GetContext(ctx, &body, `
		SELECT body FROM task_snapshots
		WHERE status != $1
		ORDER BY updated_at DESC
		LIMIT 1
	`, string(task.TaskStatusCompleted))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("load latest incomplete snapshot: %w", err)
	}
	var snap task.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Close closes the underlying database handle.
func (s *Sink) Close() error {
	return s.db.Close()
}
