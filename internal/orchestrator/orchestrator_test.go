package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrelay/agentrelay/internal/a2a"
	"github.com/agentrelay/agentrelay/internal/auth"
	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
	"github.com/agentrelay/agentrelay/internal/db"
	"github.com/agentrelay/agentrelay/internal/store/budget"
	"github.com/agentrelay/agentrelay/internal/store/sessions"
	"github.com/agentrelay/agentrelay/internal/store/tasks"
	"github.com/agentrelay/agentrelay/internal/worker"
)

// writeFakeWorker writes an executable script speaking the NDJSON protocol:
// init after the first stdin line, then one result per line.
func writeFakeWorker(t *testing.T) string {
	t.Helper()
	script := `#!/bin/sh
sent_init=""
while IFS= read -r line; do
  if [ -z "$sent_init" ]; then
    echo '{"type":"system","subtype":"init","session_id":"sess-e2e","model":"model-e2e"}'
    sent_init=1
  fi
  echo '{"type":"result","result":"the answer is 4","session_id":"sess-e2e","total_cost_usd":0.02,"duration_ms":7,"duration_api_ms":4,"num_turns":1,"usage":{"input_tokens":12,"output_tokens":6}}'
done
`
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type fixture struct {
	orch     *Orchestrator
	pool     *worker.Pool
	tasks    *tasks.Store
	sessions *sessions.Store
	tracker  *budget.Tracker
	cfg      *config.Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})

	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	cfg := &config.Config{
		Agents: []config.AgentDefinition{
			{Name: "general", Description: "general assistant", Enabled: true},
			{Name: "code", Description: "code assistant", Enabled: true, RequiredScopes: []string{"code"}},
			{Name: "off", Enabled: false},
		},
	}
	cfg.Budget.DefaultClientDailyLimitUSD = 1.0
	cfg.Budget.GlobalDailyLimitUSD = 100.0
	cfg.Sessions.MaxConcurrent = 4
	cfg.Sessions.MaxPerClient = 4
	cfg.Sessions.RequestTimeout = 5

	taskStore := tasks.NewStore(database, log)
	sessionStore, err := sessions.NewStore(database, sessions.Options{MaxPerClient: 4}, log)
	require.NoError(t, err)
	tracker := budget.NewTracker(database, budget.Caps{
		DefaultClientDailyUSD: cfg.Budget.DefaultClientDailyLimitUSD,
		GlobalDailyUSD:        cfg.Budget.GlobalDailyLimitUSD,
	}, log)

	pool := worker.NewPool(worker.PoolOptions{
		MaxConcurrent:  cfg.Sessions.MaxConcurrent,
		RequestTimeout: cfg.Sessions.RequestTimeoutDuration(),
		Binary:         writeFakeWorker(t),
		DefaultWorkDir: t.TempDir(),
		BufferMaxBytes: 1 << 20,
		KillGrace:      time.Second,
	}, nil, log)
	t.Cleanup(pool.KillAll)
	sessionStore.SetEvictionCallback(func(contextID string) { pool.DestroySession(contextID) })

	return &fixture{
		orch:     New(cfg, taskStore, sessionStore, tracker, pool, nil, log),
		pool:     pool,
		tasks:    taskStore,
		sessions: sessionStore,
		tracker:  tracker,
		cfg:      cfg,
	}
}

func masterCtx() *auth.Context {
	return &auth.Context{Kind: auth.KindSharedSecret, ClientName: "master", Scopes: []string{"*"}}
}

func clientCtx(name string, scopes ...string) *auth.Context {
	return &auth.Context{Kind: auth.KindAccessToken, ClientName: name, Scopes: scopes}
}

func sendParams(text, contextID, taskID string, metadata map[string]any) *a2a.MessageSendParams {
	return &a2a.MessageSendParams{
		Message: a2a.Message{
			MessageID: "msg-1",
			Role:      "user",
			Parts:     []a2a.Part{{Kind: "text", Text: text}},
			ContextID: contextID,
			TaskID:    taskID,
			Metadata:  metadata,
		},
		Configuration: &a2a.SendConfiguration{Blocking: true},
	}
}

func claudeMeta(t *testing.T, reply *a2a.Message) map[string]any {
	t.Helper()
	envelope, ok := reply.Metadata["claude"].(map[string]any)
	require.True(t, ok, "reply should carry the claude metadata envelope")
	return envelope
}

func TestFreshConversation(t *testing.T) {
	f := newFixture(t)

	reply, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("What is 2+2?", "", "", nil))
	require.NoError(t, err)

	require.Len(t, reply.Parts, 1)
	assert.Equal(t, "the answer is 4", reply.Parts[0].Text)
	assert.Equal(t, "agent", reply.Role)
	assert.NotEmpty(t, reply.ContextID)
	assert.NotEmpty(t, reply.TaskID)

	envelope := claudeMeta(t, reply)
	assert.Equal(t, "sess-e2e", envelope["session_id"])
	assert.Equal(t, "general", envelope["agent"])
	assert.GreaterOrEqual(t, envelope["cost_usd"].(float64), 0.0)
	assert.Equal(t, "model-e2e", envelope["model_used"])

	// Session row exists and is live.
	meta, ok := f.sessions.GetByContextID(reply.ContextID)
	require.True(t, ok)
	assert.True(t, meta.ProcessAlive)
	assert.Equal(t, "sess-e2e", meta.SessionID)
	assert.Equal(t, 1, meta.MessageCount)

	// Task row carries the owner and the completed state.
	owner, err := f.tasks.Owner(reply.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "master", owner)

	task, err := f.tasks.Load(reply.TaskID, nil)
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCompleted, task.Status.State)

	// The ledger accrued the cost.
	spent, err := f.tracker.SpentToday("master")
	require.NoError(t, err)
	assert.InDelta(t, 0.02, spent, 1e-9)
}

func TestSessionContinuity(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("first", "", "", nil))
	require.NoError(t, err)

	second, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("second", first.ContextID, "", nil))
	require.NoError(t, err)

	assert.Equal(t, first.ContextID, second.ContextID)
	assert.Equal(t, 1, f.pool.ActiveSessions(), "no second worker should be spawned")

	meta, ok := f.sessions.GetByContextID(first.ContextID)
	require.True(t, ok)
	assert.Equal(t, 2, meta.MessageCount)
	assert.InDelta(t, 0.04, meta.TotalCostUSD, 1e-9)
}

func TestAgentMismatch(t *testing.T) {
	f := newFixture(t)

	first, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("first", "", "", map[string]any{"agent": "general"}))
	require.NoError(t, err)
	before := f.pool.ActiveSessions()

	reply, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("second", first.ContextID, "", map[string]any{"agent": "code"}))
	require.NoError(t, err)

	assert.Contains(t, reply.Parts[0].Text, "bound to agent")
	assert.Equal(t, before, f.pool.ActiveSessions(), "no worker may be dispatched on mismatch")
}

func TestBudgetExhaustion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.tracker.RecordCost("alice", 0.6))
	require.NoError(t, f.tracker.RecordCost("alice", 0.6))

	reply, err := f.orch.SendMessage(context.Background(), clientCtx("alice", "*"),
		sendParams("hello", "", "", nil))
	require.NoError(t, err)

	assert.Contains(t, reply.Parts[0].Text, "exhausted")
	assert.Equal(t, 0, f.pool.ActiveSessions(), "no worker may be spawned when over budget")
}

func TestScopeDenied(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.SendMessage(context.Background(), clientCtx("alice", "general"),
		sendParams("hi", "", "", map[string]any{"agent": "code"}))
	assert.ErrorIs(t, err, ErrScopeDenied)
}

func TestUnknownAndDisabledAgent(t *testing.T) {
	f := newFixture(t)

	reply, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("hi", "", "", map[string]any{"agent": "nope"}))
	require.NoError(t, err)
	assert.Contains(t, reply.Parts[0].Text, "unknown agent")

	reply, err = f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("hi", "", "", map[string]any{"agent": "off"}))
	require.NoError(t, err)
	assert.Contains(t, reply.Parts[0].Text, "disabled")
}

func TestEmptyMessage(t *testing.T) {
	f := newFixture(t)

	reply, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("   ", "", "", nil))
	require.NoError(t, err)
	assert.Equal(t, replyEmpty, reply.Parts[0].Text)
}

func TestCrossTenantIsolation(t *testing.T) {
	f := newFixture(t)

	reply, err := f.orch.SendMessage(context.Background(), clientCtx("alice", "*"),
		sendParams("alice's task", "", "", nil))
	require.NoError(t, err)

	_, err = f.orch.GetTask(reply.TaskID, clientCtx("bob", "*"))
	assert.ErrorIs(t, err, tasks.ErrNotFound)

	task, err := f.orch.GetTask(reply.TaskID, masterCtx())
	require.NoError(t, err)
	assert.Equal(t, reply.TaskID, task.ID)
}

func TestOrphanDetection(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UnixMilli()

	// A session row from a previous run: process not alive in-pool, but the
	// recorded PID (our own) is alive at the OS level.
	require.NoError(t, f.sessions.Create(&sessions.Metadata{
		SessionID:      "sess-old",
		AgentName:      "general",
		ClientName:     "master",
		ContextID:      "ctx-orphan",
		TaskID:         "task-orphan",
		CreatedAt:      now,
		LastAccessedAt: now,
		ProcessAlive:   false,
		LastPID:        os.Getpid(),
	}))

	reply, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("hello again", "ctx-orphan", "", nil))
	require.NoError(t, err)

	assert.Contains(t, reply.Parts[0].Text, "still running")
	assert.Equal(t, os.Getpid(), reply.Metadata["orphan_pid"])
	assert.Equal(t, 0, f.pool.ActiveSessions(), "no worker may be spawned over a live orphan")
}

func TestDeadOrphanProceeds(t *testing.T) {
	f := newFixture(t)
	now := time.Now().UnixMilli()

	// A PID that is certainly dead: a child we already reaped.
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	deadPID := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	require.NoError(t, f.sessions.Create(&sessions.Metadata{
		SessionID:      "sess-old",
		AgentName:      "general",
		ClientName:     "master",
		ContextID:      "ctx-dead",
		CreatedAt:      now,
		LastAccessedAt: now,
		ProcessAlive:   false,
		LastPID:        deadPID,
	}))

	reply, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("hello again", "ctx-dead", "", nil))
	require.NoError(t, err)

	assert.Equal(t, "the answer is 4", reply.Parts[0].Text)
	assert.Equal(t, 1, f.pool.ActiveSessions(), "a fresh worker should replace the dead orphan")
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)

	reply, err := f.orch.SendMessage(context.Background(), masterCtx(),
		sendParams("long running", "", "", nil))
	require.NoError(t, err)

	task, err := f.orch.CancelTask(reply.TaskID, masterCtx())
	require.NoError(t, err)
	assert.Equal(t, a2a.TaskStateCanceled, task.Status.State)
}
