// Package sessions tracks worker-session metadata: durable rows for restart
// recovery plus in-memory indices for the hot path.
package sessions

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/common/sqlite"
	"github.com/agentrelay/agentrelay/internal/db"
)

// ErrNotFound is returned when no session matches the lookup.
var ErrNotFound = errors.New("session not found")

// Metadata is one worker session's bookkeeping record. Timestamps are
// milliseconds since epoch.
type Metadata struct {
	SessionID      string  `db:"session_id" json:"session_id"`
	AgentName      string  `db:"agent_name" json:"agent_name"`
	ClientName     string  `db:"client_name" json:"client_name"`
	ContextID      string  `db:"context_id" json:"context_id"`
	TaskID         string  `db:"task_id" json:"task_id"`
	CreatedAt      int64   `db:"created_at" json:"created_at"`
	LastAccessedAt int64   `db:"last_accessed_at" json:"last_accessed_at"`
	TotalCostUSD   float64 `db:"total_cost_usd" json:"total_cost_usd"`
	MessageCount   int     `db:"message_count" json:"message_count"`
	ProcessAlive   bool    `db:"process_alive" json:"process_alive"`
	LastPID        int     `db:"last_pid" json:"last_pid"`
}

// Options bounds the session population.
type Options struct {
	MaxPerClient  int
	MaxIdle       time.Duration
	MaxLifetime   time.Duration
	SweepInterval time.Duration
}

// EvictionCallback is invoked with the contextId of a session removed by
// capacity eviction or the sweeper, so the pool can destroy the worker.
type EvictionCallback func(contextID string)

// Store is the dual-store session index: SQLite is authoritative, four
// in-memory maps serve lookups. The maps are updated atomically as a unit.
type Store struct {
	mu        sync.Mutex
	bySession map[string]*Metadata
	byContext map[string]*Metadata
	byTask    map[string]*Metadata
	byClient  map[string]map[string]*Metadata // client → contextId → metadata

	db      *db.DB
	opts    Options
	onEvict EvictionCallback
	logger  *logger.Logger
}

// NewStore opens the session index, loading all durable rows with
// processAlive forced to false: processes never survive a restart.
func NewStore(database *db.DB, opts Options, log *logger.Logger) (*Store, error) {
	s := &Store{
		bySession: make(map[string]*Metadata),
		byContext: make(map[string]*Metadata),
		byTask:    make(map[string]*Metadata),
		byClient:  make(map[string]map[string]*Metadata),
		db:        database,
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "session-store")),
	}

	if _, err := database.Writer.Exec(`UPDATE sessions SET process_alive = 0`); err != nil {
		return nil, fmt.Errorf("failed to reset process liveness: %w", err)
	}

	var rows []Metadata
	if err := database.Writer.Select(&rows, `
		SELECT session_id, agent_name, client_name, context_id,
			COALESCE(task_id, '') AS task_id, created_at, last_accessed_at,
			total_cost_usd, message_count, process_alive, last_pid
		FROM sessions`); err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}
	for i := range rows {
		s.indexLocked(&rows[i])
	}
	s.logger.Info("session index loaded", zap.Int("count", len(rows)))
	return s, nil
}

// SetEvictionCallback installs the worker-destroy hook. Must be called before
// traffic starts; the pool is constructed after the store.
func (s *Store) SetEvictionCallback(cb EvictionCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvict = cb
}

// Create inserts a new session. If the owning client is at its cap, the
// oldest session by last access is evicted first.
func (s *Store) Create(meta *Metadata) error {
	var evictContext string

	s.mu.Lock()
	if s.opts.MaxPerClient > 0 {
		if owned := s.byClient[meta.ClientName]; len(owned) >= s.opts.MaxPerClient {
			oldest := oldestByAccess(owned)
			if oldest != nil {
				evictContext = oldest.ContextID
				s.removeLocked(oldest)
			}
		}
	}
	cb := s.onEvict
	s.mu.Unlock()

	if evictContext != "" {
		s.logger.Info("evicting session for per-client capacity",
			zap.String("client", meta.ClientName),
			zap.String("context_id", evictContext))
		if err := s.deleteRow(evictContext); err != nil {
			return err
		}
		if cb != nil {
			cb(evictContext)
		}
	}

	_, err := s.db.Writer.Exec(`
		INSERT INTO sessions (session_id, agent_name, client_name, context_id,
			task_id, created_at, last_accessed_at, total_cost_usd,
			message_count, process_alive, last_pid)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.SessionID, meta.AgentName, meta.ClientName, meta.ContextID,
		nullIfEmpty(meta.TaskID), meta.CreatedAt, meta.LastAccessedAt,
		meta.TotalCostUSD, meta.MessageCount,
		sqlite.BoolToInt(meta.ProcessAlive), meta.LastPID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert session: %w", err)
	}

	s.mu.Lock()
	s.indexLocked(meta)
	s.mu.Unlock()
	return nil
}

// Get returns the session by worker-assigned id, touching last access.
func (s *Store) Get(sessionID string) (*Metadata, bool) {
	return s.lookup(func() *Metadata { return s.bySession[sessionID] })
}

// GetByContextID returns the session bound to a context, touching last access.
func (s *Store) GetByContextID(contextID string) (*Metadata, bool) {
	return s.lookup(func() *Metadata { return s.byContext[contextID] })
}

// GetByTaskID returns the session created for a task, touching last access.
func (s *Store) GetByTaskID(taskID string) (*Metadata, bool) {
	return s.lookup(func() *Metadata { return s.byTask[taskID] })
}

func (s *Store) lookup(find func() *Metadata) (*Metadata, bool) {
	s.mu.Lock()
	meta := find()
	if meta == nil {
		s.mu.Unlock()
		return nil, false
	}
	meta.LastAccessedAt = time.Now().UnixMilli()
	cp := *meta
	s.mu.Unlock()

	s.touch(cp.ContextID, cp.LastAccessedAt)
	return &cp, true
}

// ListForClient returns the sessions owned by a client.
func (s *Store) ListForClient(client string) []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	owned := s.byClient[client]
	out := make([]Metadata, 0, len(owned))
	for _, m := range owned {
		out = append(out, *m)
	}
	return out
}

// ListAll returns every indexed session.
func (s *Store) ListAll() []Metadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Metadata, 0, len(s.byContext))
	for _, m := range s.byContext {
		out = append(out, *m)
	}
	return out
}

// Count returns the number of indexed sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byContext)
}

// Delete removes a session by worker-assigned id.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	meta := s.bySession[sessionID]
	if meta != nil {
		s.removeLocked(meta)
	}
	s.mu.Unlock()

	if meta == nil {
		return ErrNotFound
	}
	return s.deleteRow(meta.ContextID)
}

// DeleteByContextID removes a session by context.
func (s *Store) DeleteByContextID(contextID string) error {
	s.mu.Lock()
	meta := s.byContext[contextID]
	if meta != nil {
		s.removeLocked(meta)
	}
	s.mu.Unlock()

	if meta == nil {
		return ErrNotFound
	}
	return s.deleteRow(contextID)
}

// Update accrues cost and message count for a session and refreshes the
// liveness flag and PID.
func (s *Store) Update(contextID string, cost float64, pid int, alive bool) error {
	now := time.Now().UnixMilli()

	s.mu.Lock()
	if meta := s.byContext[contextID]; meta != nil {
		meta.TotalCostUSD += cost
		meta.MessageCount++
		meta.LastAccessedAt = now
		meta.ProcessAlive = alive
		meta.LastPID = pid
	}
	s.mu.Unlock()

	_, err := s.db.Writer.Exec(`
		UPDATE sessions SET
			total_cost_usd = total_cost_usd + ?,
			message_count = message_count + 1,
			last_accessed_at = ?,
			process_alive = ?,
			last_pid = ?
		WHERE context_id = ?`,
		cost, now, sqlite.BoolToInt(alive), pid, contextID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// SavePid records the worker PID for a context.
func (s *Store) SavePid(contextID string, pid int, alive bool) error {
	s.mu.Lock()
	if meta := s.byContext[contextID]; meta != nil {
		meta.LastPID = pid
		meta.ProcessAlive = alive
	}
	s.mu.Unlock()

	_, err := s.db.Writer.Exec(
		`UPDATE sessions SET last_pid = ?, process_alive = ? WHERE context_id = ?`,
		pid, sqlite.BoolToInt(alive), contextID)
	return err
}

// MarkProcessDead clears the liveness flag for a context.
func (s *Store) MarkProcessDead(contextID string) error {
	return s.setAlive(contextID, false)
}

func (s *Store) setAlive(contextID string, alive bool) error {
	s.mu.Lock()
	if meta := s.byContext[contextID]; meta != nil {
		meta.ProcessAlive = alive
	}
	s.mu.Unlock()

	_, err := s.db.Writer.Exec(
		`UPDATE sessions SET process_alive = ? WHERE context_id = ?`,
		sqlite.BoolToInt(alive), contextID)
	return err
}

// GetLastPid reads the recorded PID from the durable store; it stays
// available even when the in-memory row is gone.
func (s *Store) GetLastPid(contextID string) (int, bool) {
	var pid int
	err := s.db.Reader.Get(&pid,
		`SELECT last_pid FROM sessions WHERE context_id = ?`, contextID)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		s.logger.Warn("failed to read last pid", zap.Error(err))
		return 0, false
	}
	return pid, pid > 0
}

// LastPidByTaskID reads the recorded PID for a task from the durable store.
func (s *Store) LastPidByTaskID(taskID string) (int, bool) {
	var pid int
	err := s.db.Reader.Get(&pid,
		`SELECT last_pid FROM sessions WHERE task_id = ?`, taskID)
	if err == sql.ErrNoRows {
		return 0, false
	}
	if err != nil {
		s.logger.Warn("failed to read last pid by task", zap.Error(err))
		return 0, false
	}
	return pid, pid > 0
}

// MarkAllProcessesDead clears every liveness flag (graceful shutdown).
func (s *Store) MarkAllProcessesDead() error {
	s.mu.Lock()
	for _, m := range s.byContext {
		m.ProcessAlive = false
	}
	s.mu.Unlock()

	_, err := s.db.Writer.Exec(`UPDATE sessions SET process_alive = 0`)
	return err
}

// StartSweeper runs the idle/lifetime eviction loop until ctx is cancelled.
func (s *Store) StartSweeper(ctx context.Context) {
	interval := s.opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep()
			}
		}
	}()
}

// sweep removes sessions past their idle or lifetime thresholds.
func (s *Store) sweep() {
	now := time.Now().UnixMilli()
	var expired []string

	s.mu.Lock()
	cb := s.onEvict
	for _, m := range s.byContext {
		tooOld := s.opts.MaxLifetime > 0 && now-m.CreatedAt > s.opts.MaxLifetime.Milliseconds()
		tooIdle := s.opts.MaxIdle > 0 && now-m.LastAccessedAt > s.opts.MaxIdle.Milliseconds()
		if tooOld || tooIdle {
			expired = append(expired, m.ContextID)
		}
	}
	for _, contextID := range expired {
		if m := s.byContext[contextID]; m != nil {
			s.removeLocked(m)
		}
	}
	s.mu.Unlock()

	for _, contextID := range expired {
		s.logger.Info("sweeping expired session", zap.String("context_id", contextID))
		if err := s.deleteRow(contextID); err != nil {
			s.logger.Warn("failed to delete swept session", zap.Error(err))
		}
		if cb != nil {
			cb(contextID)
		}
	}
}

// indexLocked inserts meta into all four indices. Caller holds the mutex.
func (s *Store) indexLocked(meta *Metadata) {
	s.bySession[meta.SessionID] = meta
	s.byContext[meta.ContextID] = meta
	if meta.TaskID != "" {
		s.byTask[meta.TaskID] = meta
	}
	owned := s.byClient[meta.ClientName]
	if owned == nil {
		owned = make(map[string]*Metadata)
		s.byClient[meta.ClientName] = owned
	}
	owned[meta.ContextID] = meta
}

// removeLocked drops meta from all four indices. Caller holds the mutex.
func (s *Store) removeLocked(meta *Metadata) {
	delete(s.bySession, meta.SessionID)
	delete(s.byContext, meta.ContextID)
	if meta.TaskID != "" {
		delete(s.byTask, meta.TaskID)
	}
	if owned := s.byClient[meta.ClientName]; owned != nil {
		delete(owned, meta.ContextID)
		if len(owned) == 0 {
			delete(s.byClient, meta.ClientName)
		}
	}
}

func (s *Store) deleteRow(contextID string) error {
	_, err := s.db.Writer.Exec(`DELETE FROM sessions WHERE context_id = ?`, contextID)
	if err != nil {
		return fmt.Errorf("failed to delete session row: %w", err)
	}
	return nil
}

func (s *Store) touch(contextID string, at int64) {
	_, err := s.db.Writer.Exec(
		`UPDATE sessions SET last_accessed_at = ? WHERE context_id = ?`, at, contextID)
	if err != nil {
		s.logger.Warn("failed to touch session", zap.Error(err))
	}
}

func oldestByAccess(owned map[string]*Metadata) *Metadata {
	var oldest *Metadata
	for _, m := range owned {
		if oldest == nil || m.LastAccessedAt < oldest.LastAccessedAt {
			oldest = m
		}
	}
	return oldest
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}
