package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/deep-research/internal/graph"
	"github.com/ashureev/deep-research/internal/shared"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	now     func() time.Time
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db, now: time.Now}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS research_runs (
		run_id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		last_node TEXT NOT NULL DEFAULT '',
		next_node TEXT NOT NULL DEFAULT '',
		step INTEGER NOT NULL DEFAULT 0,
		error TEXT NOT NULL DEFAULT '',
		schema_version INTEGER NOT NULL,
		state_json TEXT NOT NULL,
		metadata_json TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_research_runs_owner ON research_runs(owner_id, updated_at);
	CREATE INDEX IF NOT EXISTS idx_research_runs_updated ON research_runs(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const selectRun = `
	SELECT run_id, status, last_node, next_node, step, error,
	       schema_version, state_json, metadata_json, created_at, updated_at
	FROM research_runs`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var status, stateJSON string
	var metadataJSON sql.NullString
	var createdAt, updatedAt int64

	if err := row.Scan(
		&run.RunID, &status, &run.LastNode, &run.Next, &run.Step, &run.Error,
		&run.SchemaVersion, &stateJSON, &metadataJSON, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	run.Status = graph.Status(status)
	if err := json.Unmarshal([]byte(stateJSON), &run.State); err != nil {
		return nil, fmt.Errorf("decode state for run %s: %w", run.RunID, err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for run %s: %w", run.RunID, err)
		}
	}
	run.CreatedAt = time.UnixMilli(createdAt)
	run.UpdatedAt = time.UnixMilli(updatedAt)
	return &run, nil
}

// Load retrieves a run by its ID.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx, selectRun+` WHERE run_id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, graph.ErrUnknownRun
	}
	if err != nil {
		return nil, fmt.Errorf("scan run row: %w", err)
	}
	return run, nil
}

// Save creates or updates a run checkpoint.
func (s *SQLiteStore) Save(ctx context.Context, run *Run) error {
	stateJSON, err := json.Marshal(run.State)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	var metadataJSON any
	if len(run.Metadata) > 0 {
		data, err := json.Marshal(run.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	createdAt, updatedAt := run.CreatedAt, run.UpdatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}

	query := `
	INSERT INTO research_runs (
		run_id, owner_id, status, last_node, next_node, step, error,
		schema_version, state_json, metadata_json, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		owner_id = excluded.owner_id,
		status = excluded.status,
		last_node = excluded.last_node,
		next_node = excluded.next_node,
		step = excluded.step,
		error = excluded.error,
		schema_version = excluded.schema_version,
		state_json = excluded.state_json,
		metadata_json = excluded.metadata_json,
		updated_at = excluded.updated_at`

	return s.withBusyRetry(ctx, "save run", run.RunID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			run.RunID, run.Metadata[graph.MetaOwner], string(run.Status), run.LastNode, run.Next,
			run.Step, run.Error, run.SchemaVersion, string(stateJSON), metadataJSON,
			createdAt.UnixMilli(), updatedAt.UnixMilli(),
		)
		return err
	})
}

// List returns runs for an owner, newest first. An empty owner lists all runs.
func (s *SQLiteStore) List(ctx context.Context, ownerID string) ([]*Run, error) {
	query := selectRun
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY updated_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close run rows", "error", closeErr)
		}
	}()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// Delete removes a run.
func (s *SQLiteStore) Delete(ctx context.Context, runID string) error {
	return s.withBusyRetry(ctx, "delete run", runID, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM research_runs WHERE run_id = ?`, runID)
		return err
	})
}

// CleanupExpired removes finished runs older than ttl.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	threshold := s.now().Add(-ttl).UnixMilli()
	var deleted int64
	err := s.withBusyRetry(ctx, "cleanup expired runs", "", func() error {
		result, err := s.db.ExecContext(ctx,
			`DELETE FROM research_runs WHERE updated_at < ? AND status != ?`,
			threshold, string(graph.StatusRunning))
		if err != nil {
			return err
		}
		deleted, err = result.RowsAffected()
		return err
	})
	return deleted, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// withBusyRetry runs a write with exponential backoff on SQLITE_BUSY.
func (s *SQLiteStore) withBusyRetry(ctx context.Context, op, runID string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		s.writeMu.Lock()
		err = fn()
		s.writeMu.Unlock()
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("SQLite busy, retrying", "op", op, "run_id", runID, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

var _ Repository = (*SQLiteStore)(nil)

