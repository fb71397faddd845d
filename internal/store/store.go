// Package store persists the coordinator's snapshot audit trail: one row
// per (command_id, client_id) pair recording the terminal status of that
// node's snapshot attempt, grounded on original_source/recovery/database.py's
// SnapshotDB but backed by Postgres instead of SQLite (§4.4's coordinator
// audit index).
package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshot_results (
	id SERIAL PRIMARY KEY,
	command_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	snapshot_handle TEXT,
	status TEXT NOT NULL,
	error TEXT,
	created_ts TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(command_id, client_id)
);
CREATE INDEX IF NOT EXISTS idx_snapshot_results_command ON snapshot_results(command_id);
`

// Result is one node's terminal snapshot status for a command.
type Result struct {
	CommandID      string
	ClientID       string
	Status         string
	SnapshotHandle string
	Error          string
}

// Store wraps the Postgres-backed audit index.
type Store struct {
	db *sql.DB
}

// Open connects to dsn and ensures the schema exists.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create snapshot_results schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertResult records or overwrites the (command_id, client_id) row.
func (s *Store) UpsertResult(ctx context.Context, r Result) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshot_results (command_id, client_id, snapshot_handle, status, error)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (command_id, client_id) DO UPDATE SET
			snapshot_handle = excluded.snapshot_handle,
			status = excluded.status,
			error = excluded.error,
			created_ts = now()
	`, r.CommandID, r.ClientID, r.SnapshotHandle, r.Status, r.Error)
	if err != nil {
		return fmt.Errorf("upsert snapshot result %s/%s: %w", r.CommandID, r.ClientID, err)
	}
	return nil
}

// ResultsForCommand returns every node's recorded result for a command,
// keyed by client_id.
func (s *Store) ResultsForCommand(ctx context.Context, commandID string) (map[string]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT client_id, snapshot_handle, status, error
		FROM snapshot_results WHERE command_id = $1
	`, commandID)
	if err != nil {
		return nil, fmt.Errorf("query snapshot results for %s: %w", commandID, err)
	}
	defer rows.Close()

	out := make(map[string]Result)
	for rows.Next() {
		var r Result
		var handle, errText sql.NullString
		if err := rows.Scan(&r.ClientID, &handle, &r.Status, &errText); err != nil {
			return nil, fmt.Errorf("scan snapshot result row: %w", err)
		}
		r.CommandID = commandID
		r.SnapshotHandle = handle.String
		r.Error = errText.String
		out[r.ClientID] = r
	}
	return out, rows.Err()
}
