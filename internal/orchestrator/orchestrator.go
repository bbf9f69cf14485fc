// Package orchestrator runs the per-request pipeline: agent resolution, scope
// and budget enforcement, orphan detection, worker dispatch, and durable
// bookkeeping.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/a2a"
	"github.com/agentrelay/agentrelay/internal/auth"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/events/bus"
	"github.com/agentrelay/agentrelay/internal/store/budget"
	"github.com/agentrelay/agentrelay/internal/store/sessions"
	"github.com/agentrelay/agentrelay/internal/store/tasks"
	"github.com/agentrelay/agentrelay/internal/worker"
)

// stderrTailBytes caps the stderr tail logged on worker failures.
const stderrTailBytes = 500

// Orchestrator glues the request pipeline together.
type Orchestrator struct {
	cfg      *config.Config
	tasks    *tasks.Store
	sessions *sessions.Store
	budget   *budget.Tracker
	pool     *worker.Pool
	events   bus.EventBus
	tracer   trace.Tracer
	logger   *logger.Logger
}

// New builds the orchestrator.
func New(cfg *config.Config, taskStore *tasks.Store, sessionStore *sessions.Store,
	tracker *budget.Tracker, pool *worker.Pool, events bus.EventBus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		tasks:    taskStore,
		sessions: sessionStore,
		budget:   tracker,
		pool:     pool,
		events:   events,
		tracer:   otel.Tracer("agentrelay/orchestrator"),
		logger:   log.WithFields(zap.String("component", "orchestrator")),
	}
}

// caller maps the auth context onto the task store's tenancy view.
func caller(ac *auth.Context) *tasks.Caller {
	if ac == nil {
		return nil
	}
	return &tasks.Caller{ClientName: ac.ClientName, Admin: ac.Admin()}
}

// SendMessage runs the message pipeline and returns the agent's reply.
// Protocol-level failures (capacity, busy, timeout, budget, agent errors)
// come back as reply messages, not errors; only ErrScopeDenied and internal
// failures are returned as errors.
func (o *Orchestrator) SendMessage(ctx context.Context, ac *auth.Context, params *a2a.MessageSendParams) (*a2a.Message, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.SendMessage")
	defer span.End()

	msg := &params.Message

	// Content conversion happens before anything durable: an empty message
	// must not create task state.
	content, err := convertParts(msg.Parts)
	if err != nil {
		if errors.Is(err, ErrEmptyMessage) {
			return o.reply(msg, replyEmpty), nil
		}
		return nil, err
	}

	agent, replyText := o.resolveAgent(msg)
	if replyText != "" {
		return o.reply(msg, replyText), nil
	}
	span.SetAttributes(attribute.String("agent", agent.Name))

	if !ac.HasScope(agent.RequiredScopes) {
		return nil, fmt.Errorf("%w: agent %q requires scopes %v", ErrScopeDenied, agent.Name, agent.RequiredScopes)
	}

	contextID := msg.ContextID
	if contextID == "" {
		contextID = uuid.New().String()
	}
	taskID := msg.TaskID
	if taskID == "" {
		taskID = uuid.New().String()
	}
	log := o.logger.WithContextID(contextID).WithClient(ac.ClientName)

	if exhausted, err := o.budget.Check(ac.ClientName, ac.BudgetDailyUSD); err != nil {
		return nil, err
	} else if exhausted != "" {
		log.Warn("budget check failed", zap.String("reason", exhausted))
		return o.replyWith(msg, contextID, taskID, exhausted, nil), nil
	}

	// A contextId is permanently bound to the agent it was first created
	// with; rebinding would allow a scope bypass.
	existing, hasExisting := o.sessions.GetByContextID(contextID)
	if hasExisting && existing.AgentName != agent.Name {
		return o.replyWith(msg, contextID, taskID, fmt.Sprintf(
			"context %s is bound to agent %q and cannot be redirected to agent %q",
			contextID, existing.AgentName, agent.Name), nil), nil
	}
	// A pooled session may predate its durable row (first message still in
	// flight); it pins the agent just the same.
	if pooled, ok := o.pool.SessionFor(contextID); ok && pooled.AgentName() != agent.Name {
		return o.replyWith(msg, contextID, taskID, fmt.Sprintf(
			"context %s is bound to agent %q and cannot be redirected to agent %q",
			contextID, pooled.AgentName(), agent.Name), nil), nil
	}

	// Live-orphan check: a previous server run may have released a worker
	// that is still running. Never spawn a second worker for its context.
	if hasExisting && !existing.ProcessAlive {
		if _, pooled := o.pool.SessionFor(contextID); !pooled {
			if pid, ok := o.sessions.GetLastPid(contextID); ok && worker.ProcessAlive(pid) {
				log.Info("previous worker still running", zap.Int("pid", pid))
				return o.replyWith(msg, contextID, taskID, fmt.Sprintf(
					"a previous worker for this context is still running (pid %d); cancel the task or wait for it to finish before sending new messages",
					pid), map[string]any{"orphan_pid": pid}), nil
			}
		}
	}

	task := a2a.NewTask(taskID, contextID)
	task.History = append(task.History, *msg)
	task.WithStatus(a2a.TaskStateWorking, nil)
	if err := o.tasks.Save(task, caller(ac)); err != nil {
		return nil, err
	}

	resumeSessionID := ""
	if hasExisting {
		resumeSessionID = existing.SessionID
	}

	_, dispatchSpan := o.tracer.Start(ctx, "worker.dispatch")
	result, sess, err := o.pool.SendMessage(*agent, content, contextID, taskID, resumeSessionID)
	dispatchSpan.End()

	if err != nil {
		return o.failureReply(msg, task, sess, ac, err)
	}

	reply := o.successReply(msg, agent, contextID, taskID, result)

	if err := o.recordSuccess(ac, agent, existing, hasExisting, contextID, taskID, sess, result); err != nil {
		log.Error("failed to record session state", zap.Error(err))
	}

	task.WithStatus(a2a.TaskStateCompleted, reply)
	if err := o.tasks.Save(task, caller(ac)); err != nil {
		log.Error("failed to persist completed task", zap.Error(err))
	}
	o.publishTask(task)

	return reply, nil
}

// resolveAgent picks the target agent from message metadata, defaulting to
// the first enabled agent. Returns a user-visible reply text on failure.
func (o *Orchestrator) resolveAgent(msg *a2a.Message) (*config.AgentDefinition, string) {
	name := msg.MetaString(a2a.MetadataAgent)
	if name == "" {
		agent, ok := o.cfg.FirstEnabledAgent()
		if !ok {
			return nil, "no agents are enabled on this server"
		}
		return agent, ""
	}
	agent, ok := o.cfg.AgentByName(name)
	if !ok {
		return nil, fmt.Sprintf("unknown agent %q", name)
	}
	if !agent.Enabled {
		return nil, fmt.Sprintf("agent %q is disabled", name)
	}
	return agent, ""
}

// failureReply maps a dispatch error onto the protocol taxonomy, persists the
// failed task state, and returns the user-visible reply.
func (o *Orchestrator) failureReply(msg *a2a.Message, task *a2a.Task, sess *worker.Session, ac *auth.Context, err error) (*a2a.Message, error) {
	var text string
	switch {
	case errors.Is(err, worker.ErrCapacity):
		text = replyCapacity
	case errors.Is(err, worker.ErrSessionBusy):
		text = replySessionBusy
	case errors.Is(err, worker.ErrTimeout):
		text = fmt.Sprintf("request timed out after %ds; the worker is still processing — retry with the same context to retrieve the result",
			int(o.cfg.Sessions.RequestTimeoutDuration().Seconds()))
	case errors.Is(err, worker.ErrSessionReleased), errors.Is(err, worker.ErrSessionDead):
		text = replyWorkerFail
	case errors.Is(err, worker.ErrBufferOverflow),
		errors.Is(err, worker.ErrSpawnFailed),
		errors.Is(err, worker.ErrWorkerExited):
		text = replyWorkerFail
	default:
		text = replyWorkerFail
	}

	log := o.logger.WithContextID(task.ContextID)
	if sess != nil {
		if tail := sess.StderrTail(stderrTailBytes); tail != "" {
			log = log.WithFields(zap.String("stderr_tail", tail))
		}
	}
	log.Warn("worker dispatch failed", zap.Error(err))

	reply := o.replyWith(msg, task.ContextID, task.ID, text, nil)

	// Timeouts and busy sessions leave the task in flight; terminal worker
	// failures mark it failed.
	if !errors.Is(err, worker.ErrTimeout) && !errors.Is(err, worker.ErrSessionBusy) {
		task.WithStatus(a2a.TaskStateFailed, reply)
		if saveErr := o.tasks.Save(task, caller(ac)); saveErr != nil {
			log.Error("failed to persist failed task", zap.Error(saveErr))
		}
		o.publishTask(task)
	}
	return reply, nil
}

// successReply builds the agent message with the metadata envelope.
func (o *Orchestrator) successReply(msg *a2a.Message, agent *config.AgentDefinition, contextID, taskID string, result *worker.Result) *a2a.Message {
	claude := map[string]any{
		"agent":           agent.Name,
		"session_id":      result.SessionID,
		"cost_usd":        result.TotalCostUSD,
		"duration_ms":     result.DurationMS,
		"duration_api_ms": result.DurationAPIMS,
		"model_used":      result.Model,
		"num_turns":       result.NumTurns,
		"usage": map[string]any{
			"input_tokens":                result.Usage.InputTokens,
			"output_tokens":               result.Usage.OutputTokens,
			"cache_creation_input_tokens": result.Usage.CacheCreationInputTokens,
			"cache_read_input_tokens":     result.Usage.CacheReadInputTokens,
		},
		"permission_denials": result.PermissionDenials,
		"context":            contextID,
	}
	if len(result.PermissionDenials) > 0 {
		claude["error_type"] = "permission_denied"
	}
	return a2a.NewAgentMessage(result.Text, contextID, taskID, map[string]any{"claude": claude})
}

// recordSuccess upserts the session metadata and accrues the budget ledger.
func (o *Orchestrator) recordSuccess(ac *auth.Context, agent *config.AgentDefinition,
	existing *sessions.Metadata, hasExisting bool, contextID, taskID string,
	sess *worker.Session, result *worker.Result) error {

	pid := 0
	if sess != nil {
		pid = sess.PID()
	}

	if hasExisting {
		if err := o.sessions.Update(contextID, result.TotalCostUSD, pid, true); err != nil {
			return err
		}
	} else {
		now := time.Now().UnixMilli()
		if err := o.sessions.Create(&sessions.Metadata{
			SessionID:      result.SessionID,
			AgentName:      agent.Name,
			ClientName:     ac.ClientName,
			ContextID:      contextID,
			TaskID:         taskID,
			CreatedAt:      now,
			LastAccessedAt: now,
			TotalCostUSD:   result.TotalCostUSD,
			MessageCount:   1,
			ProcessAlive:   true,
			LastPID:        pid,
		}); err != nil {
			return err
		}
	}

	if err := o.budget.RecordCost(ac.ClientName, result.TotalCostUSD); err != nil {
		return err
	}
	if o.events != nil {
		_ = o.events.Publish(context.Background(), bus.SubjectBudgetRecorded,
			bus.NewEvent(bus.SubjectBudgetRecorded, "orchestrator", map[string]any{
				"client":   ac.ClientName,
				"cost_usd": result.TotalCostUSD,
			}))
	}
	return nil
}

// GetTask loads a task under the ownership policy.
func (o *Orchestrator) GetTask(taskID string, ac *auth.Context) (*a2a.Task, error) {
	return o.tasks.Load(taskID, caller(ac))
}

// CancelTask terminates the worker serving a task (live or orphaned) and
// marks the task canceled. The caller must be able to see the task.
func (o *Orchestrator) CancelTask(taskID string, ac *auth.Context) (*a2a.Task, error) {
	task, err := o.tasks.Load(taskID, caller(ac))
	if err != nil {
		return nil, err
	}

	canceled := o.pool.CancelByTaskID(taskID, o.sessions)
	o.logger.Info("task cancel requested",
		zap.String("task_id", taskID),
		zap.Bool("worker_terminated", canceled))

	task.WithStatus(a2a.TaskStateCanceled, nil)
	if err := o.tasks.Save(task, caller(ac)); err != nil {
		return nil, err
	}
	o.publishTask(task)
	return task, nil
}

// DestroySession force-terminates a session by its worker-assigned id
// (admin surface).
func (o *Orchestrator) DestroySession(sessionID string) error {
	meta, ok := o.sessions.Get(sessionID)
	if !ok {
		return sessions.ErrNotFound
	}
	o.pool.DestroySession(meta.ContextID)
	return o.sessions.Delete(sessionID)
}

// reply builds a plain agent reply preserving the caller's context/task ids.
func (o *Orchestrator) reply(msg *a2a.Message, text string) *a2a.Message {
	return a2a.NewAgentMessage(text, msg.ContextID, msg.TaskID, nil)
}

// replyWith builds an agent reply with explicit ids and optional metadata.
func (o *Orchestrator) replyWith(_ *a2a.Message, contextID, taskID, text string, metadata map[string]any) *a2a.Message {
	return a2a.NewAgentMessage(text, contextID, taskID, metadata)
}

func (o *Orchestrator) publishTask(task *a2a.Task) {
	if o.events == nil {
		return
	}
	_ = o.events.Publish(context.Background(), bus.SubjectTaskUpdated,
		bus.NewEvent(bus.SubjectTaskUpdated, "orchestrator", map[string]any{
			"task_id": task.ID,
			"state":   string(task.Status.State),
		}))
}
