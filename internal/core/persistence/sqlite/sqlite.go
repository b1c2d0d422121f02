// Package sqlite implements executor.SnapshotSink for single-node embedded deployments
// (§4.4 domain-stack wiring), grounded on the teacher's sqlite store packages: one table,
// last-writer-wins upsert keyed by task_id.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/AriseOS/ami-desktop-sub002/internal/core/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS task_snapshots (
	task_id    TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	status     TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// Sink is a SnapshotSink backed by a single SQLite file, opened with a single writer
// connection to avoid SQLITE_BUSY on concurrent executors sharing one daemon process.
type Sink struct {
	db *sqlx.DB
}

// Open opens (creating if needed) the SQLite database at path and ensures its schema.
func Open(path string) (*Sink, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("prepare sqlite directory: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return &Sink{db: db}, nil
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

// Save upserts snap keyed by task_id, replacing any prior snapshot wholesale (§6 "append and
// replace").
func (s *Sink) Save(ctx context.Context, snap *task.Snapshot) error {
	body, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_snapshots (task_id, body, status, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET body = excluded.body, status = excluded.status, updated_at = excluded.updated_at
	`, snap.TaskID, string(body), string(snap.Status), snap.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted snapshot for taskID, or (nil, sql.ErrNoRows) if none exists.
func (s *Sink) Load(ctx context.Context, taskID string) (*task.Snapshot, error) {
	var body string
	if err := s.db.GetContext(ctx, &body, `SELECT body FROM task_snapshots WHERE task_id = ?`, taskID); err != nil {
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
		WHERE status != ?
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
