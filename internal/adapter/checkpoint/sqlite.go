// Package checkpoint persists agent registrations so a restarted
// scheduler can rehydrate its directory.
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"fleetcore/internal/domain"
)

// SQLiteStore implements directory.Checkpointer using SQLite.
// Capabilities are stored as JSON blobs keyed by agent id; the row set
// is small and the access pattern is point writes, so no further
// normalization is worth it.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and
// runs the schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			agent_id     TEXT PRIMARY KEY,
			capabilities TEXT NOT NULL,
			updated_at   TEXT NOT NULL
		)
	`)
	return err
}

// SaveAgent upserts the agent's capabilities.
func (s *SQLiteStore) SaveAgent(ctx context.Context, caps domain.AgentCapabilities) error {
	data, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, capabilities, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET capabilities = excluded.capabilities, updated_at = excluded.updated_at`,
		caps.AgentID, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// DeleteAgent removes the agent's row. Deleting an unknown agent is
// not an error.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM agents WHERE agent_id = ?", agentID)
	return err
}

// LoadAll returns every checkpointed registration, oldest first.
// Rows with unreadable capabilities are skipped rather than failing
// the whole rehydration.
func (s *SQLiteStore) LoadAll(ctx context.Context) ([]domain.AgentCapabilities, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT capabilities FROM agents ORDER BY updated_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []domain.AgentCapabilities
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var caps domain.AgentCapabilities
		if err := json.Unmarshal([]byte(raw), &caps); err != nil {
			continue
		}
		all = append(all, caps)
	}
	return all, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
