package revocation

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
)

func TestRevocationSurvivesRestart(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	s1, err := NewStore(database, log)
	require.NoError(t, err)

	require.NoError(t, s1.Revoke("jti-1"))
	require.NoError(t, s1.Revoke("jti-1")) // idempotent
	assert.True(t, s1.IsRevoked("jti-1"))
	assert.False(t, s1.IsRevoked("jti-2"))

	// A fresh store hydrates the cache from the durable set.
	s2, err := NewStore(database, log)
	require.NoError(t, err)
	assert.True(t, s2.IsRevoked("jti-1"))

	entries, err := s2.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "jti-1", entries[0].JTI)
}
