package statefile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
)

const legacyJSON = `{
	"tasks": [
		{"id": "t1", "context_id": "ctx-1", "state": "completed", "client_name": "alice"},
		{"id": "t2", "context_id": "ctx-2"}
	],
	"sessions": [
		{"session_id": "s1", "agent_name": "general", "client_name": "alice",
		 "context_id": "ctx-1", "task_id": "t1", "created_at": 1000,
		 "last_accessed_at": 2000, "total_cost_usd": 0.5, "message_count": 3,
		 "last_pid": 4242}
	],
	"budget": {"2026-08-01": {"alice": 0.75}},
	"revoked_tokens": ["jti-old"]
}`

func TestLegacyMigrationIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(statePath, []byte(legacyJSON), 0o644))

	database, err := db.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	require.NoError(t, Migrate(database, statePath, log))

	// The file was renamed, so a second startup is a no-op.
	_, err = os.Stat(statePath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(statePath + ".migrated")
	assert.NoError(t, err)
	require.NoError(t, Migrate(database, statePath, log))

	var taskCount int
	require.NoError(t, database.Reader.Get(&taskCount, `SELECT COUNT(*) FROM tasks`))
	assert.Equal(t, 2, taskCount)

	var owner *string
	require.NoError(t, database.Reader.Get(&owner, `SELECT client_name FROM tasks WHERE id = 't1'`))
	require.NotNil(t, owner)
	assert.Equal(t, "alice", *owner)
	require.NoError(t, database.Reader.Get(&owner, `SELECT client_name FROM tasks WHERE id = 't2'`))
	assert.Nil(t, owner)

	var alive int
	require.NoError(t, database.Reader.Get(&alive, `SELECT process_alive FROM sessions WHERE session_id = 's1'`))
	assert.Zero(t, alive, "imported sessions must not be marked alive")

	var pid int
	require.NoError(t, database.Reader.Get(&pid, `SELECT last_pid FROM sessions WHERE session_id = 's1'`))
	assert.Equal(t, 4242, pid)

	var spent float64
	require.NoError(t, database.Reader.Get(&spent,
		`SELECT spent_usd FROM budget_records WHERE date = '2026-08-01' AND client_name = 'alice'`))
	assert.InDelta(t, 0.75, spent, 1e-9)

	var jti string
	require.NoError(t, database.Reader.Get(&jti, `SELECT jti FROM revoked_tokens`))
	assert.Equal(t, "jti-old", jti)
}

func TestMissingStateFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	database, err := db.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	require.NoError(t, Migrate(database, filepath.Join(dir, "state.json"), log))
}
