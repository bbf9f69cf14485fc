// Package revocation maintains the permanent set of revoked token ids with a
// durable backing table and an in-memory read cache.
package revocation

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
)

// Entry is one revoked token id.
type Entry struct {
	JTI       string    `db:"jti" json:"jti"`
	RevokedAt time.Time `db:"revoked_at" json:"revoked_at"`
}

// Store is the revocation set. Reads hit the cache; writes go to SQLite and
// the cache under a mutex. The cache is hydrated from the table at startup.
type Store struct {
	mu    sync.RWMutex
	cache map[string]struct{}

	db     *db.DB
	logger *logger.Logger
}

// NewStore opens the revocation set and hydrates the cache.
func NewStore(database *db.DB, log *logger.Logger) (*Store, error) {
	s := &Store{
		cache:  make(map[string]struct{}),
		db:     database,
		logger: log.WithFields(zap.String("component", "revocation-store")),
	}

	var jtis []string
	if err := database.Writer.Select(&jtis, `SELECT jti FROM revoked_tokens`); err != nil {
		return nil, fmt.Errorf("failed to load revoked tokens: %w", err)
	}
	for _, jti := range jtis {
		s.cache[jti] = struct{}{}
	}
	s.logger.Info("revocation cache hydrated", zap.Int("count", len(jtis)))
	return s, nil
}

// Revoke permanently adds a token id to the set. Idempotent.
func (s *Store) Revoke(jti string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Writer.Exec(
		`INSERT OR IGNORE INTO revoked_tokens (jti, revoked_at) VALUES (?, ?)`,
		jti, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	s.cache[jti] = struct{}{}
	return nil
}

// IsRevoked checks the in-memory cache.
func (s *Store) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cache[jti]
	return ok
}

// List returns all revoked entries from the durable store.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry
	if err := s.db.Reader.Select(&entries,
		`SELECT jti, revoked_at FROM revoked_tokens ORDER BY revoked_at DESC`); err != nil {
		return nil, fmt.Errorf("failed to list revoked tokens: %w", err)
	}
	return entries, nil
}
