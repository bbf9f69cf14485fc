package db

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// migration is one forward-only schema step. Each runs in its own transaction
// and is recorded in the migrations table; a step is never re-applied.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				context_id TEXT NOT NULL DEFAULT '',
				status_state TEXT NOT NULL DEFAULT 'submitted',
				status_timestamp TEXT DEFAULT '',
				status_message_json TEXT DEFAULT '',
				artifacts_json TEXT DEFAULT '',
				history_json TEXT DEFAULT '',
				metadata_json TEXT DEFAULT '',
				client_name TEXT,
				updated_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_context_id ON tasks(context_id)`,
		},
	},
	{
		version: 2,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				session_id TEXT PRIMARY KEY,
				agent_name TEXT NOT NULL,
				client_name TEXT NOT NULL DEFAULT '',
				context_id TEXT NOT NULL UNIQUE,
				task_id TEXT UNIQUE,
				created_at INTEGER NOT NULL,
				last_accessed_at INTEGER NOT NULL,
				total_cost_usd REAL NOT NULL DEFAULT 0,
				message_count INTEGER NOT NULL DEFAULT 0,
				process_alive INTEGER NOT NULL DEFAULT 0,
				last_pid INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_client_name ON sessions(client_name)`,
		},
	},
	{
		version: 3,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS budget_records (
				date TEXT NOT NULL,
				client_name TEXT NOT NULL,
				spent_usd REAL NOT NULL DEFAULT 0,
				PRIMARY KEY (date, client_name)
			)`,
		},
	},
	{
		version: 4,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS revoked_tokens (
				jti TEXT PRIMARY KEY,
				revoked_at TIMESTAMP NOT NULL
			)`,
		},
	},
}

// Migrate applies pending migrations in version order, each inside a single
// transaction together with its ledger row.
func Migrate(writer *sqlx.DB) error {
	if _, err := writer.Exec(`CREATE TABLE IF NOT EXISTS migrations (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	applied := map[int]bool{}
	var versions []int
	if err := writer.Select(&versions, `SELECT version FROM migrations`); err != nil {
		return fmt.Errorf("failed to read migrations ledger: %w", err)
	}
	for _, v := range versions {
		applied[v] = true
	}

	for _, m := range migrations {
		if applied[m.version] {
			continue
		}
		tx, err := writer.Beginx()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", m.version, err)
		}
		for _, stmt := range m.stmts {
			if _, err := tx.Exec(stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d failed: %w", m.version, err)
			}
		}
		if _, err := tx.Exec(
			`INSERT INTO migrations (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.version, err)
		}
	}
	return nil
}
