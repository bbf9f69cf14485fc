// Package statefile imports the legacy JSON state file (pre-SQLite layout)
// into the relational store. The import runs once: the file is renamed with a
// .migrated suffix afterwards, so a second startup is a no-op.
package statefile

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/common/sqlite"
	"github.com/agentrelay/agentrelay/internal/db"
)

type legacyState struct {
	Tasks    []legacyTask                  `json:"tasks"`
	Sessions []legacySession               `json:"sessions"`
	Budget   map[string]map[string]float64 `json:"budget"` // date → client → usd
	Revoked  []string                      `json:"revoked_tokens"`
}

type legacyTask struct {
	ID         string `json:"id"`
	ContextID  string `json:"context_id"`
	State      string `json:"state"`
	ClientName string `json:"client_name"`
}

type legacySession struct {
	SessionID      string  `json:"session_id"`
	AgentName      string  `json:"agent_name"`
	ClientName     string  `json:"client_name"`
	ContextID      string  `json:"context_id"`
	TaskID         string  `json:"task_id"`
	CreatedAt      int64   `json:"created_at"`
	LastAccessedAt int64   `json:"last_accessed_at"`
	TotalCostUSD   float64 `json:"total_cost_usd"`
	MessageCount   int     `json:"message_count"`
	LastPID        int     `json:"last_pid"`
}

// Migrate imports path into the database inside a single transaction and
// renames the file to path+".migrated". A missing file is not an error.
func Migrate(database *db.DB, path string, log *logger.Logger) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read legacy state file: %w", err)
	}

	var state legacyState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("failed to parse legacy state file: %w", err)
	}

	tx, err := database.Writer.Beginx()
	if err != nil {
		return fmt.Errorf("failed to begin legacy import: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	for _, t := range state.Tasks {
		if t.ID == "" {
			continue
		}
		st := t.State
		if st == "" {
			st = "submitted"
		}
		var owner any
		if t.ClientName != "" {
			owner = t.ClientName
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO tasks (id, context_id, status_state,
				status_timestamp, client_name, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.ContextID, st, now.Format(time.RFC3339), owner, now); err != nil {
			return fmt.Errorf("failed to import legacy task %s: %w", t.ID, err)
		}
	}

	for _, sess := range state.Sessions {
		if sess.SessionID == "" || sess.ContextID == "" {
			continue
		}
		var taskID any
		if sess.TaskID != "" {
			taskID = sess.TaskID
		}
		if _, err := tx.Exec(`
			INSERT OR IGNORE INTO sessions (session_id, agent_name, client_name,
				context_id, task_id, created_at, last_accessed_at,
				total_cost_usd, message_count, process_alive, last_pid)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.SessionID, sess.AgentName, sess.ClientName, sess.ContextID,
			taskID, sess.CreatedAt, sess.LastAccessedAt, sess.TotalCostUSD,
			sess.MessageCount, sqlite.BoolToInt(false), sess.LastPID); err != nil {
			return fmt.Errorf("failed to import legacy session %s: %w", sess.SessionID, err)
		}
	}

	for date, clients := range state.Budget {
		for client, usd := range clients {
			if _, err := tx.Exec(`
				INSERT INTO budget_records (date, client_name, spent_usd)
				VALUES (?, ?, ?)
				ON CONFLICT(date, client_name) DO NOTHING`,
				date, client, usd); err != nil {
				return fmt.Errorf("failed to import legacy budget row: %w", err)
			}
		}
	}

	for _, jti := range state.Revoked {
		if _, err := tx.Exec(
			`INSERT OR IGNORE INTO revoked_tokens (jti, revoked_at) VALUES (?, ?)`,
			jti, now); err != nil {
			return fmt.Errorf("failed to import legacy revocation: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit legacy import: %w", err)
	}

	migrated := path + ".migrated"
	if err := os.Rename(path, migrated); err != nil {
		return fmt.Errorf("failed to rename migrated state file: %w", err)
	}
	log.Info("legacy state file migrated",
		zap.String("from", path),
		zap.String("to", migrated),
		zap.Int("tasks", len(state.Tasks)),
		zap.Int("sessions", len(state.Sessions)))
	return nil
}
