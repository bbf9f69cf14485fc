// Package tasks persists A2A task records with per-tenant ownership.
package tasks

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/a2a"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
)

// ErrNotFound is returned for missing tasks and for tasks the caller does not
// own. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("task not found")

// Caller identifies the requesting tenant. A nil *Caller is the trusted
// internal path (server-initiated operations such as shutdown).
type Caller struct {
	ClientName string
	Admin      bool // shared-secret tier
}

// restartingText is written to in-flight tasks during graceful shutdown.
const restartingText = "server restarting, reconnect with the same context to retrieve results"

// Store persists tasks in SQLite. Complex fields are JSON blobs inside a
// relational outer schema.
type Store struct {
	db     *db.DB
	logger *logger.Logger
}

// NewStore creates a task store on the shared database.
func NewStore(database *db.DB, log *logger.Logger) *Store {
	return &Store{
		db:     database,
		logger: log.WithFields(zap.String("component", "task-store")),
	}
}

type taskRow struct {
	ID                string         `db:"id"`
	ContextID         string         `db:"context_id"`
	StatusState       string         `db:"status_state"`
	StatusTimestamp   string         `db:"status_timestamp"`
	StatusMessageJSON string         `db:"status_message_json"`
	ArtifactsJSON     string         `db:"artifacts_json"`
	HistoryJSON       string         `db:"history_json"`
	MetadataJSON      string         `db:"metadata_json"`
	ClientName        sql.NullString `db:"client_name"`
	UpdatedAt         time.Time      `db:"updated_at"`
}

// Save upserts the task. On INSERT the caller's client identity is stamped as
// the owner (NULL for internal calls); on UPDATE the stored owner is kept
// even if the caller differs.
func (s *Store) Save(task *a2a.Task, caller *Caller) error {
	statusMsg, err := marshalOrEmpty(task.Status.Message)
	if err != nil {
		return fmt.Errorf("failed to serialize status message: %w", err)
	}
	artifacts, err := marshalOrEmpty(task.Artifacts)
	if err != nil {
		return fmt.Errorf("failed to serialize artifacts: %w", err)
	}
	history, err := marshalOrEmpty(task.History)
	if err != nil {
		return fmt.Errorf("failed to serialize history: %w", err)
	}
	metadata, err := marshalOrEmpty(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to serialize metadata: %w", err)
	}

	owner := sql.NullString{}
	if caller != nil && caller.ClientName != "" {
		owner = sql.NullString{String: caller.ClientName, Valid: true}
	}

	_, err = s.db.Writer.Exec(`
		INSERT INTO tasks (id, context_id, status_state, status_timestamp,
			status_message_json, artifacts_json, history_json, metadata_json,
			client_name, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			context_id = excluded.context_id,
			status_state = excluded.status_state,
			status_timestamp = excluded.status_timestamp,
			status_message_json = excluded.status_message_json,
			artifacts_json = excluded.artifacts_json,
			history_json = excluded.history_json,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at`,
		task.ID, task.ContextID, string(task.Status.State), task.Status.Timestamp,
		statusMsg, artifacts, history, metadata,
		owner, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// Load returns the task by id, subject to the ownership policy: internal
// callers and the shared-secret tier see everything, tenants see their own
// tasks and legacy unowned rows, everyone else gets ErrNotFound.
func (s *Store) Load(taskID string, caller *Caller) (*a2a.Task, error) {
	var row taskRow
	err := s.db.Reader.Get(&row, `SELECT * FROM tasks WHERE id = ?`, taskID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load task: %w", err)
	}

	if !allowed(&row, caller) {
		return nil, ErrNotFound
	}
	return rowToTask(&row)
}

// Owner returns the stored owning client of a task ("" when unowned).
func (s *Store) Owner(taskID string) (string, error) {
	var owner sql.NullString
	err := s.db.Reader.Get(&owner, `SELECT client_name FROM tasks WHERE id = ?`, taskID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return owner.String, nil
}

// MarkRestarting rewrites an in-flight task's status message for graceful
// shutdown; the state stays working.
func (s *Store) MarkRestarting(taskID string) error {
	task, err := s.Load(taskID, nil)
	if err != nil {
		return err
	}
	if task.Status.State != a2a.TaskStateWorking {
		return nil
	}
	task.Status.Message = a2a.NewAgentMessage(restartingText, task.ContextID, task.ID, nil)
	task.Status.Timestamp = time.Now().UTC().Format(time.RFC3339)
	return s.Save(task, nil)
}

func allowed(row *taskRow, caller *Caller) bool {
	if caller == nil {
		return true // trusted internal path
	}
	if caller.Admin {
		return true
	}
	if !row.ClientName.Valid {
		return true // legacy/internal row
	}
	return caller.ClientName == row.ClientName.String
}

func rowToTask(row *taskRow) (*a2a.Task, error) {
	task := &a2a.Task{
		ID:        row.ID,
		ContextID: row.ContextID,
		Status: a2a.TaskStatus{
			State:     a2a.TaskState(row.StatusState),
			Timestamp: row.StatusTimestamp,
		},
		Kind: "task",
	}
	if row.StatusMessageJSON != "" {
		var msg a2a.Message
		if err := json.Unmarshal([]byte(row.StatusMessageJSON), &msg); err != nil {
			return nil, fmt.Errorf("corrupt status message for task %s: %w", row.ID, err)
		}
		task.Status.Message = &msg
	}
	if row.ArtifactsJSON != "" {
		if err := json.Unmarshal([]byte(row.ArtifactsJSON), &task.Artifacts); err != nil {
			return nil, fmt.Errorf("corrupt artifacts for task %s: %w", row.ID, err)
		}
	}
	if row.HistoryJSON != "" {
		if err := json.Unmarshal([]byte(row.HistoryJSON), &task.History); err != nil {
			return nil, fmt.Errorf("corrupt history for task %s: %w", row.ID, err)
		}
	}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &task.Metadata); err != nil {
			return nil, fmt.Errorf("corrupt metadata for task %s: %w", row.ID, err)
		}
	}
	return task, nil
}

// marshalOrEmpty serializes v to JSON, mapping nil to the empty string so the
// column stays cheap to scan.
func marshalOrEmpty(v any) (string, error) {
	switch val := v.(type) {
	case *a2a.Message:
		if val == nil {
			return "", nil
		}
	case []a2a.Artifact:
		if val == nil {
			return "", nil
		}
	case []a2a.Message:
		if val == nil {
			return "", nil
		}
	case map[string]any:
		if val == nil {
			return "", nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
