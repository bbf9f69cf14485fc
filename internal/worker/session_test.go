package worker

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

// writeFakeWorker writes an executable shell script that ignores its argv and
// speaks the NDJSON protocol: an init frame after the first stdin line, then
// one result frame per line. body replaces the per-line response when set.
func writeFakeWorker(t *testing.T, body string) string {
	t.Helper()
	if body == "" {
		body = `echo '{"type":"result","result":"echo reply","session_id":"sess-fake","total_cost_usd":0.01,"duration_ms":5,"duration_api_ms":3,"num_turns":1,"usage":{"input_tokens":10,"output_tokens":5,"cache_creation_input_tokens":1,"cache_read_input_tokens":2}}'`
	}
	script := `#!/bin/sh
sent_init=""
while IFS= read -r line; do
  if [ -z "$sent_init" ]; then
    echo '{"type":"system","subtype":"init","session_id":"sess-fake","model":"model-fake"}'
    sent_init=1
  fi
  ` + body + `
done
`
	path := filepath.Join(t.TempDir(), "fake-worker.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("failed to write fake worker: %v", err)
	}
	return path
}

func newTestSession(t *testing.T, binary string, bufferMax int) *Session {
	t.Helper()
	s, err := New(Options{
		Binary:         binary,
		Agent:          config.AgentDefinition{Name: "general", Enabled: true},
		DefaultWorkDir: t.TempDir(),
		BufferMaxBytes: bufferMax,
		KillGrace:      time.Second,
		ContextID:      "ctx-test",
	}, newTestLogger(t))
	if err != nil {
		t.Fatalf("failed to spawn session: %v", err)
	}
	t.Cleanup(s.Destroy)
	return s
}

func TestSendMessageRoundTrip(t *testing.T) {
	s := newTestSession(t, writeFakeWorker(t, ""), 1<<20)

	if got := s.State(); got != StateInitializing {
		t.Fatalf("expected initializing state before first send, got %s", got)
	}

	res, err := s.SendMessage("hello", 5*time.Second)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if res.Text != "echo reply" {
		t.Errorf("unexpected result text %q", res.Text)
	}
	if res.SessionID != "sess-fake" {
		t.Errorf("expected worker-assigned session id, got %q", res.SessionID)
	}
	if res.Model != "model-fake" {
		t.Errorf("expected model from init frame, got %q", res.Model)
	}
	if res.TotalCostUSD != 0.01 {
		t.Errorf("unexpected cost %v", res.TotalCostUSD)
	}
	if res.Usage.InputTokens != 10 || res.Usage.CacheReadInputTokens != 2 {
		t.Errorf("unexpected usage %+v", res.Usage)
	}
	if got := s.State(); got != StateIdle {
		t.Errorf("expected idle after result, got %s", got)
	}
	if s.SessionID() != "sess-fake" {
		t.Errorf("session id not recorded")
	}
}

func TestSendMessageBusy(t *testing.T) {
	// The worker sleeps before responding so the first send stays pending.
	s := newTestSession(t, writeFakeWorker(t, `sleep 1; echo '{"type":"result","result":"slow"}'`), 1<<20)

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage("first", 5*time.Second)
		done <- err
	}()

	// Wait for the first send to register.
	deadline := time.Now().Add(2 * time.Second)
	for s.State() == StateInitializing && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	if _, err := s.SendMessage("second", time.Second); !errors.Is(err, ErrSessionBusy) {
		t.Fatalf("expected ErrSessionBusy, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first send failed: %v", err)
	}
}

func TestTimeoutLeavesSessionAlive(t *testing.T) {
	s := newTestSession(t, writeFakeWorker(t, `sleep 1; echo '{"type":"result","result":"late"}'`), 1<<20)

	_, err := s.SendMessage("will time out", 100*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if got := s.State(); got == StateDead {
		t.Fatalf("timeout must not kill the session")
	}

	// The late result arrives and is silently consumed; the next send gets a
	// fresh result.
	time.Sleep(1200 * time.Millisecond)
	if got := s.State(); got != StateIdle {
		t.Fatalf("expected idle after late result, got %s", got)
	}

	res, err := s.SendMessage("second", 5*time.Second)
	if err != nil {
		t.Fatalf("send after timeout failed: %v", err)
	}
	if res.Text != "late" {
		t.Errorf("unexpected result text %q", res.Text)
	}
}

func TestSendOnDeadSession(t *testing.T) {
	s := newTestSession(t, writeFakeWorker(t, ""), 1<<20)
	s.Destroy()

	if _, err := s.SendMessage("hello", time.Second); !errors.Is(err, ErrSessionDead) {
		t.Fatalf("expected ErrSessionDead, got %v", err)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	s := newTestSession(t, writeFakeWorker(t, ""), 1<<20)
	s.Destroy()
	s.Destroy()
	if got := s.State(); got != StateDead {
		t.Fatalf("expected dead, got %s", got)
	}
}

func TestReleaseIdempotentAndRejectsPending(t *testing.T) {
	s := newTestSession(t, writeFakeWorker(t, `sleep 5; echo '{"type":"result","result":"never"}'`), 1<<20)

	died := make(chan string, 1)
	s.mu.Lock()
	s.onDeath = func(ctxID string) { died <- ctxID }
	s.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := s.SendMessage("pending", 30*time.Second)
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)

	s.Release()
	s.Release()

	if err := <-done; !errors.Is(err, ErrSessionReleased) {
		t.Fatalf("expected ErrSessionReleased for pending send, got %v", err)
	}
	if got := s.State(); got != StateDead {
		t.Fatalf("expected dead after release, got %s", got)
	}
	select {
	case <-died:
		t.Fatalf("release must not fire the death callback")
	case <-time.After(200 * time.Millisecond):
	}
	// The orphan keeps running until cleanup kills it via t.Cleanup.
	if !ProcessAlive(s.PID()) {
		t.Fatalf("released worker should still be running")
	}
}

func TestBufferOverflowDestroysSession(t *testing.T) {
	// Emit a line far larger than the 1 KiB cap.
	body := `head -c 8192 /dev/zero | tr '\0' 'x'; echo`
	s := newTestSession(t, writeFakeWorker(t, body), 1024)

	_, err := s.SendMessage("overflow me", 5*time.Second)
	if !errors.Is(err, ErrBufferOverflow) {
		t.Fatalf("expected ErrBufferOverflow, got %v", err)
	}
	if got := s.State(); got != StateDead {
		t.Fatalf("expected dead after overflow, got %s", got)
	}
}

func TestUnparseableLinesAreDiscarded(t *testing.T) {
	body := `echo 'this is not json'; echo '{"type":"result","result":"after garbage"}'`
	s := newTestSession(t, writeFakeWorker(t, body), 1<<20)

	res, err := s.SendMessage("hello", 5*time.Second)
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if res.Text != "after garbage" {
		t.Errorf("unexpected result text %q", res.Text)
	}
}

func TestProcessAliveForOwnPid(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Fatalf("own pid should be alive")
	}
	if ProcessAlive(0) {
		t.Fatalf("pid 0 should not be treated as alive")
	}
}
