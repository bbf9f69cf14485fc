package worker

import (
	"errors"
	"testing"
	"time"

	"github.com/agentrelay/agentrelay/internal/common/config"
)

func newTestPool(t *testing.T, binary string, maxConcurrent int) *Pool {
	t.Helper()
	p := NewPool(PoolOptions{
		MaxConcurrent:  maxConcurrent,
		RequestTimeout: 5 * time.Second,
		Binary:         binary,
		DefaultWorkDir: t.TempDir(),
		NestedGuardEnv: "CLAUDECODE",
		BufferMaxBytes: 1 << 20,
		KillGrace:      time.Second,
	}, nil, newTestLogger(t))
	t.Cleanup(p.KillAll)
	return p
}

var testAgent = config.AgentDefinition{Name: "general", Enabled: true}

func TestPoolReusesSessionPerContext(t *testing.T) {
	p := newTestPool(t, writeFakeWorker(t, ""), 4)

	res1, sess1, err := p.SendMessage(testAgent, "one", "ctx-a", "task-1", "")
	if err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	if res1.SessionID == "" {
		t.Fatalf("expected worker session id")
	}

	_, sess2, err := p.SendMessage(testAgent, "two", "ctx-a", "task-1", "")
	if err != nil {
		t.Fatalf("second send failed: %v", err)
	}
	if sess1 != sess2 {
		t.Fatalf("expected the same session to be reused for a context")
	}
	if got := p.ActiveSessions(); got != 1 {
		t.Fatalf("expected 1 active session, got %d", got)
	}
}

func TestPoolCapacity(t *testing.T) {
	p := newTestPool(t, writeFakeWorker(t, ""), 1)

	if _, _, err := p.SendMessage(testAgent, "one", "ctx-a", "", ""); err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	_, _, err := p.SendMessage(testAgent, "two", "ctx-b", "", "")
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}
	// The existing context still works at capacity.
	if _, _, err := p.SendMessage(testAgent, "three", "ctx-a", "", ""); err != nil {
		t.Fatalf("send on existing context failed: %v", err)
	}
}

func TestPoolRecreatesDeadSession(t *testing.T) {
	p := newTestPool(t, writeFakeWorker(t, ""), 4)

	_, sess1, err := p.SendMessage(testAgent, "one", "ctx-a", "", "")
	if err != nil {
		t.Fatalf("first send failed: %v", err)
	}
	sess1.Destroy()

	// Destroy runs the death callback, which removes the session; poll briefly
	// as a guard.
	deadline := time.Now().Add(2 * time.Second)
	for p.ActiveSessions() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	_, sess2, err := p.SendMessage(testAgent, "two", "ctx-a", "", "")
	if err != nil {
		t.Fatalf("send after death failed: %v", err)
	}
	if sess1 == sess2 {
		t.Fatalf("expected a fresh session after death")
	}
}

func TestPoolDestroySession(t *testing.T) {
	p := newTestPool(t, writeFakeWorker(t, ""), 4)

	_, _, err := p.SendMessage(testAgent, "one", "ctx-a", "", "")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !p.DestroySession("ctx-a") {
		t.Fatalf("expected destroy to find the session")
	}
	if p.DestroySession("ctx-a") {
		t.Fatalf("second destroy should be a no-op")
	}
}

type fakePidLookup struct {
	pid int
	ok  bool
}

func (f *fakePidLookup) LastPidByTaskID(string) (int, bool) { return f.pid, f.ok }

func TestCancelByTaskIDLiveSession(t *testing.T) {
	p := newTestPool(t, writeFakeWorker(t, ""), 4)

	_, sess, err := p.SendMessage(testAgent, "one", "ctx-a", "task-1", "")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if !p.CancelByTaskID("task-1", &fakePidLookup{}) {
		t.Fatalf("expected cancel to reach the live session")
	}
	if sess.State() != StateDead {
		t.Fatalf("expected session dead after cancel")
	}
}

func TestCancelByTaskIDUnknown(t *testing.T) {
	p := newTestPool(t, writeFakeWorker(t, ""), 4)
	if p.CancelByTaskID("task-x", &fakePidLookup{pid: -1, ok: false}) {
		t.Fatalf("expected cancel of unknown task to report false")
	}
}

type fakeReleaser struct {
	marked []string
}

func (f *fakeReleaser) MarkRestarting(taskID string) error {
	f.marked = append(f.marked, taskID)
	return nil
}

func TestReleaseAllMarksTasksAndEmptiesPool(t *testing.T) {
	p := newTestPool(t, writeFakeWorker(t, ""), 4)

	_, sess, err := p.SendMessage(testAgent, "one", "ctx-a", "task-1", "")
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}

	rel := &fakeReleaser{}
	p.ReleaseAll(rel)

	if len(rel.marked) != 1 || rel.marked[0] != "task-1" {
		t.Fatalf("expected task-1 marked restarting, got %v", rel.marked)
	}
	if got := p.ActiveSessions(); got != 0 {
		t.Fatalf("expected empty pool after release, got %d", got)
	}
	if sess.State() != StateDead {
		t.Fatalf("released session should be locally dead")
	}
}
