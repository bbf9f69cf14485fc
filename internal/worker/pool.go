package worker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events/bus"
)

// PidLookup resolves the last known worker PID for a task. Implemented by the
// session store; kept narrow so the pool owns no store dependency.
type PidLookup interface {
	LastPidByTaskID(taskID string) (int, bool)
}

// TaskReleaser updates in-flight tasks during graceful shutdown.
type TaskReleaser interface {
	MarkRestarting(taskID string) error
}

// PoolOptions is the configuration snapshot the pool operates with.
type PoolOptions struct {
	MaxConcurrent  int
	RequestTimeout time.Duration
	Binary         string
	DefaultWorkDir string
	NestedGuardEnv string
	BufferMaxBytes int
	KillGrace      time.Duration
}

// Pool owns every live worker session and binds conversation contexts to
// them: one live session per contextId, capacity enforcement, death cleanup,
// cancellation routing, and graceful release.
type Pool struct {
	mu           sync.Mutex
	sessions     map[string]*Session // contextId → session
	taskContexts map[string]string   // taskId → contextId

	opts   PoolOptions
	events bus.EventBus
	logger *logger.Logger
}

// NewPool creates an empty session pool. events may be nil.
func NewPool(opts PoolOptions, events bus.EventBus, log *logger.Logger) *Pool {
	return &Pool{
		sessions:     make(map[string]*Session),
		taskContexts: make(map[string]string),
		opts:         opts,
		events:       events,
		logger:       log.WithFields(zap.String("component", "session-pool")),
	}
}

// SendMessage routes one message to the session bound to contextID, creating
// the session if needed. Dead sessions are forgotten and replaced. Fails with
// ErrCapacity when a new session is needed but the pool is full.
func (p *Pool) SendMessage(agent config.AgentDefinition, content any, contextID, taskID, resumeSessionID string) (*Result, *Session, error) {
	p.mu.Lock()

	s := p.sessions[contextID]
	if s != nil && !s.Alive() {
		delete(p.sessions, contextID)
		s = nil
	}

	if s == nil {
		if len(p.sessions) >= p.opts.MaxConcurrent {
			p.mu.Unlock()
			return nil, nil, ErrCapacity
		}
		created, err := New(Options{
			Binary:          p.opts.Binary,
			Agent:           agent,
			DefaultWorkDir:  p.opts.DefaultWorkDir,
			ResumeSessionID: resumeSessionID,
			NestedGuardEnv:  p.opts.NestedGuardEnv,
			BufferMaxBytes:  p.opts.BufferMaxBytes,
			KillGrace:       p.opts.KillGrace,
			ContextID:       contextID,
			OnDeath:         func(ctxID string) { p.forget(ctxID) },
		}, p.logger)
		if err != nil {
			p.mu.Unlock()
			return nil, nil, err
		}
		s = created
		p.sessions[contextID] = s
		p.publish(bus.SubjectSessionCreated, map[string]any{
			"context_id": contextID,
			"agent":      agent.Name,
			"pid":        s.PID(),
		})
	}

	if taskID != "" {
		p.taskContexts[taskID] = contextID
	}
	p.mu.Unlock()

	result, err := s.SendMessage(content, p.opts.RequestTimeout)
	return result, s, err
}

// SessionFor returns the live session for a context, if any.
func (p *Pool) SessionFor(contextID string) (*Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[contextID]
	return s, ok
}

// ActiveSessions returns the number of live sessions in the pool.
func (p *Pool) ActiveSessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// DestroySession terminates the session bound to contextID, if any.
func (p *Pool) DestroySession(contextID string) bool {
	p.mu.Lock()
	s, ok := p.sessions[contextID]
	delete(p.sessions, contextID)
	p.mu.Unlock()

	if !ok {
		return false
	}
	s.Destroy()
	return true
}

// KillAll destroys every session and clears all indices.
func (p *Pool) KillAll() {
	p.mu.Lock()
	victims := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		victims = append(victims, s)
	}
	p.sessions = make(map[string]*Session)
	p.taskContexts = make(map[string]string)
	p.mu.Unlock()

	for _, s := range victims {
		s.Destroy()
	}
}

// CancelByTaskID terminates the worker serving taskID. A live session is
// destroyed directly; otherwise the durable PID record is consulted so
// orphans from a previous server run can be reached.
func (p *Pool) CancelByTaskID(taskID string, pids PidLookup) bool {
	p.mu.Lock()
	contextID, ok := p.taskContexts[taskID]
	var s *Session
	if ok {
		s = p.sessions[contextID]
		if s != nil {
			delete(p.sessions, contextID)
		}
	}
	p.mu.Unlock()

	if s != nil && s.Alive() {
		p.logger.Info("cancelling live session", zap.String("task_id", taskID))
		s.Destroy()
		return true
	}

	if pids == nil {
		return false
	}
	pid, found := pids.LastPidByTaskID(taskID)
	if !found || !ProcessAlive(pid) {
		return false
	}
	p.logger.Info("terminating orphaned worker",
		zap.String("task_id", taskID),
		zap.Int("pid", pid))
	TerminatePID(pid, p.opts.KillGrace)
	return true
}

// ReleaseAll implements graceful shutdown: in-flight tasks are marked as
// restarting, every session is released (not killed), and the pool indices
// are cleared. The orphaned workers keep running.
func (p *Pool) ReleaseAll(tasks TaskReleaser) {
	p.mu.Lock()
	taskContexts := p.taskContexts
	sessions := p.sessions
	p.sessions = make(map[string]*Session)
	p.taskContexts = make(map[string]string)
	p.mu.Unlock()

	if tasks != nil {
		for taskID, contextID := range taskContexts {
			s := sessions[contextID]
			if s == nil || !s.Alive() {
				continue
			}
			if err := tasks.MarkRestarting(taskID); err != nil {
				p.logger.Warn("failed to mark task restarting",
					zap.String("task_id", taskID),
					zap.Error(err))
			}
		}
	}

	for contextID, s := range sessions {
		s.Release()
		p.logger.Info("released session", zap.String("context_id", contextID))
	}
}

// forget removes a dead session's indices. Installed as the death callback;
// carries only the contextId so sessions hold no pool back-reference.
func (p *Pool) forget(contextID string) {
	p.mu.Lock()
	s, ok := p.sessions[contextID]
	if ok && !s.Alive() {
		delete(p.sessions, contextID)
	}
	for taskID, ctxID := range p.taskContexts {
		if ctxID == contextID {
			delete(p.taskContexts, taskID)
		}
	}
	p.mu.Unlock()

	if ok {
		p.publish(bus.SubjectSessionDied, map[string]any{"context_id": contextID})
	}
}

func (p *Pool) publish(subject string, data map[string]any) {
	if p.events == nil {
		return
	}
	_ = p.events.Publish(context.Background(), subject, bus.NewEvent(subject, "session-pool", data))
}
