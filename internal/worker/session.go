package worker

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentrelay/agentrelay/internal/common/config"
	"github.com/agentrelay/agentrelay/internal/common/logger"
)

// State is the session lifecycle state.
type State string

const (
	StateInitializing State = "initializing"
	StateIdle         State = "idle"
	StateProcessing   State = "processing"
	StateDead         State = "dead"
)

// stderrTailLines is the number of recent stderr lines kept for error context.
const stderrTailLines = 20

// Options configures a new worker session.
type Options struct {
	Binary          string
	Agent           config.AgentDefinition
	DefaultWorkDir  string
	ResumeSessionID string
	NestedGuardEnv  string
	BufferMaxBytes  int
	KillGrace       time.Duration
	ContextID       string

	// OnDeath is invoked exactly once when the process dies or the session is
	// destroyed, carrying only the contextId. Release clears it first.
	OnDeath func(contextID string)
}

type sendOutcome struct {
	result *Result
	err    error
}

// pendingSend is the single-slot mailbox for the in-flight message.
type pendingSend struct {
	ch    chan sendOutcome
	timer *time.Timer
}

// Session wraps one long-lived worker subprocess speaking NDJSON on
// stdin/stdout. At most one message is pending at a time; state transitions
// are monotonic except idle⇄processing.
type Session struct {
	mu        sync.Mutex
	state     State
	contextID string
	agentName string

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
	pid    int

	sessionID string
	model     string

	pending  *pendingSend
	onDeath  func(string)
	released bool

	stderrTail []string

	bufferMax int
	killGrace time.Duration
	logger    *logger.Logger
}

// New spawns the worker subprocess for the given agent definition. The
// process is detached into its own process group and started with the
// protocol flags for NDJSON input and output.
func New(opts Options, log *logger.Logger) (*Session, error) {
	args := buildArgs(opts)

	cmd := exec.Command(opts.Binary, args...)
	cmd.Dir = opts.Agent.WorkDir
	if cmd.Dir == "" {
		cmd.Dir = opts.DefaultWorkDir
	}
	cmd.Env = buildEnv(opts.NestedGuardEnv)
	// NOTE: deliberately not exec.CommandContext — no request context may
	// ever kill the worker process.
	setProcGroup(cmd)

	s := &Session{
		state:     StateInitializing,
		contextID: opts.ContextID,
		agentName: opts.Agent.Name,
		cmd:       cmd,
		onDeath:   opts.OnDeath,
		bufferMax: opts.BufferMaxBytes,
		killGrace: opts.KillGrace,
		logger: log.WithFields(
			zap.String("component", "worker-session"),
			zap.String("agent", opts.Agent.Name),
			zap.String("context_id", opts.ContextID)),
	}

	var err error
	if s.stdin, err = cmd.StdinPipe(); err != nil {
		return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawnFailed, err)
	}
	if s.stdout, err = cmd.StdoutPipe(); err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrSpawnFailed, err)
	}
	if s.stderr, err = cmd.StderrPipe(); err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrSpawnFailed, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}
	s.pid = cmd.Process.Pid

	s.logger.Info("worker process started",
		zap.Int("pid", s.pid),
		zap.String("workdir", cmd.Dir),
		zap.Strings("args", args))

	go s.readLoop()
	go s.readStderr()
	go s.waitForExit()

	return s, nil
}

// buildArgs derives the worker command line from the agent definition plus
// the protocol-mode flags.
func buildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	a := opts.Agent
	if a.Model != "" {
		args = append(args, "--model", a.Model)
	}
	if a.SettingsFile != "" {
		args = append(args, "--settings", a.SettingsFile)
	}
	if a.PermissionMode != "" {
		args = append(args, "--permission-mode", a.PermissionMode)
	}
	if len(a.AllowedTools) > 0 {
		args = append(args, "--allowed-tools", strings.Join(a.AllowedTools, ","))
	}
	if a.MaxCostUSD > 0 {
		args = append(args, "--max-cost-usd", fmt.Sprintf("%g", a.MaxCostUSD))
	}
	if a.SystemPromptSuffix != "" {
		args = append(args, "--append-system-prompt", a.SystemPromptSuffix)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// buildEnv returns the process environment with the nested-invocation guard
// variable removed so the worker accepts being driven by another tool.
func buildEnv(guard string) []string {
	env := os.Environ()
	if guard == "" {
		return env
	}
	prefix := guard + "="
	out := env[:0]
	for _, e := range env {
		if !strings.HasPrefix(e, prefix) {
			out = append(out, e)
		}
	}
	return out
}

// State returns the current session state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Alive reports whether the session can still accept messages.
func (s *Session) Alive() bool {
	return s.State() != StateDead
}

// SessionID returns the worker-assigned session identifier (set on init).
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Model returns the most recent model identifier reported by the worker.
func (s *Session) Model() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model
}

// PID returns the worker process id.
func (s *Session) PID() int {
	return s.pid
}

// AgentName returns the agent this session was created with.
func (s *Session) AgentName() string {
	return s.agentName
}

// ContextID returns the conversation context this session is bound to.
func (s *Session) ContextID() string {
	return s.contextID
}

// StderrTail returns the captured stderr tail, truncated to maxBytes.
func (s *Session) StderrTail(maxBytes int) string {
	s.mu.Lock()
	tail := strings.Join(s.stderrTail, "\n")
	s.mu.Unlock()
	if maxBytes > 0 && len(tail) > maxBytes {
		tail = tail[len(tail)-maxBytes:]
	}
	return tail
}

// SendMessage writes one user message as a single NDJSON line and waits for
// the worker's result frame. Content is a string or a []ContentBlock slice.
//
// A send may be issued while the session is still initializing: the worker
// only emits its init line after receiving stdin, so the init and result
// frames arrive in sequence on the same stream.
//
// On timeout the session returns to idle and the process is NOT killed; a
// late result is silently consumed so the next send succeeds.
func (s *Session) SendMessage(content any, timeout time.Duration) (*Result, error) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return nil, ErrSessionDead
	}
	if s.pending != nil {
		s.mu.Unlock()
		return nil, ErrSessionBusy
	}

	line, err := json.Marshal(userFrame{
		Type:    frameTypeUser,
		Message: userMessageBody{Role: "user", Content: content},
	})
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to marshal user message: %w", err)
	}

	p := &pendingSend{ch: make(chan sendOutcome, 1)}
	p.timer = time.AfterFunc(timeout, func() { s.onSendTimeout(p) })
	s.pending = p
	if s.state == StateIdle {
		s.state = StateProcessing
	}
	stdin := s.stdin
	s.mu.Unlock()

	line = append(line, '\n')
	if _, err := stdin.Write(line); err != nil {
		s.clearPending(p)
		s.markDead(fmt.Errorf("%w: stdin write: %v", ErrWorkerExited, err))
		return nil, fmt.Errorf("%w: stdin write: %v", ErrWorkerExited, err)
	}

	outcome := <-p.ch
	return outcome.result, outcome.err
}

// onSendTimeout fires the per-message deadline: the pending future is
// rejected and the session returns to idle. The process keeps running.
func (s *Session) onSendTimeout(p *pendingSend) {
	s.mu.Lock()
	if s.pending != p {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	if s.state == StateProcessing {
		s.state = StateIdle
	}
	s.mu.Unlock()

	s.logger.Warn("worker reply timed out, session stays alive")
	p.ch <- sendOutcome{err: ErrTimeout}
}

// clearPending detaches p if it is still the in-flight send.
func (s *Session) clearPending(p *pendingSend) {
	s.mu.Lock()
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
}

// readLoop accumulates stdout into lines and dispatches each frame. A line
// that is not valid JSON is logged and discarded. If the buffer exceeds the
// configured cap without a newline the session is destroyed.
func (s *Session) readLoop() {
	scanner := bufio.NewScanner(s.stdout)
	// The effective cap is the larger of the initial capacity and the max, so
	// the initial buffer must not exceed the configured limit.
	scanner.Buffer(make([]byte, 0, min(64*1024, s.bufferMax)), s.bufferMax)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			s.logger.Warn("discarding unparseable worker line",
				zap.Error(err),
				zap.Int("len", len(line)))
			continue
		}
		s.handleFrame(&f)
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.logger.Error("stdout line buffer overflow, destroying session")
			s.failAndKill(ErrBufferOverflow)
			return
		}
		s.logger.Debug("stdout read loop ended", zap.Error(err))
	}
	// EOF: the process closed stdout (normally because it exited).
	s.markDead(ErrWorkerExited)
}

// handleFrame dispatches one parsed NDJSON frame by type.
func (s *Session) handleFrame(f *Frame) {
	switch f.Type {
	case frameTypeSystem:
		if f.Subtype != subtypeInit {
			return
		}
		s.mu.Lock()
		if f.SessionID != "" {
			s.sessionID = f.SessionID
		}
		if f.Model != "" {
			s.model = f.Model
		}
		if s.state == StateInitializing {
			if s.pending != nil {
				s.state = StateProcessing
			} else {
				s.state = StateIdle
			}
		}
		s.mu.Unlock()
		s.logger.Info("worker session initialized",
			zap.String("session_id", f.SessionID),
			zap.String("model", f.Model))

	case frameTypeResult:
		s.handleResult(f)

	case frameTypeAssistant, frameTypeUser, frameTypeRateLimit, frameTypeStream:
		// Intermediate stream traffic; only the result frame matters here.

	default:
		// Parse-permissive: unknown frame types are ignored.
		s.logger.Debug("ignoring unknown frame type", zap.String("type", f.Type))
	}
}

func (s *Session) handleResult(f *Frame) {
	s.mu.Lock()
	if f.SessionID != "" {
		s.sessionID = f.SessionID
	}
	res := &Result{
		Text:              f.ResultText(),
		SessionID:         s.sessionID,
		Model:             s.model,
		IsError:           f.IsError,
		DurationMS:        f.DurationMS,
		DurationAPIMS:     f.DurationAPIMS,
		NumTurns:          f.NumTurns,
		TotalCostUSD:      f.TotalCostUSD,
		PermissionDenials: f.PermissionDenials,
	}
	if f.Usage != nil {
		res.Usage = *f.Usage
	}
	p := s.pending
	s.pending = nil
	if s.state == StateProcessing || s.state == StateInitializing {
		s.state = StateIdle
	}
	s.mu.Unlock()

	if p == nil {
		// Late result after a timeout: consume silently, keep the session usable.
		s.logger.Debug("discarding late result frame")
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- sendOutcome{result: res}
}

// readStderr keeps a small ring of recent stderr lines for diagnostics.
func (s *Session) readStderr() {
	scanner := bufio.NewScanner(s.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		s.mu.Lock()
		if len(s.stderrTail) >= stderrTailLines {
			s.stderrTail = s.stderrTail[1:]
		}
		s.stderrTail = append(s.stderrTail, line)
		s.mu.Unlock()
	}
}

// waitForExit reaps the child. Released sessions are not reaped: the orphan
// keeps running and the blocked Wait dies with the server process.
func (s *Session) waitForExit() {
	err := s.cmd.Wait()

	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released {
		return
	}

	if err != nil {
		s.logger.Warn("worker process exited",
			zap.Error(err),
			zap.Strings("stderr_tail", s.tailCopy()))
	} else {
		s.logger.Info("worker process exited cleanly")
	}
	s.markDead(ErrWorkerExited)
}

func (s *Session) tailCopy() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.stderrTail))
	copy(out, s.stderrTail)
	return out
}

// markDead moves the session to the dead state exactly once, rejecting any
// pending future with cause and firing the death callback.
func (s *Session) markDead(cause error) {
	s.mu.Lock()
	if s.state == StateDead {
		s.mu.Unlock()
		return
	}
	s.state = StateDead
	p := s.pending
	s.pending = nil
	cb := s.onDeath
	s.onDeath = nil
	s.mu.Unlock()

	if p != nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- sendOutcome{err: cause}
	}
	if cb != nil {
		cb(s.contextID)
	}
}

// Destroy terminates the worker: the session goes dead, pending futures are
// rejected, and the process group gets SIGTERM with a SIGKILL escalation
// after the grace period. Idempotent.
func (s *Session) Destroy() {
	s.mu.Lock()
	alreadyDead := s.state == StateDead
	pid := s.pid
	s.mu.Unlock()

	s.markDead(ErrSessionDead)

	if alreadyDead || pid <= 0 {
		return
	}
	if err := terminateProcessGroup(pid); err != nil {
		s.logger.Debug("failed to signal process group", zap.Error(err))
	}
	grace := s.killGrace
	go func() {
		time.Sleep(grace)
		if ProcessAlive(pid) {
			s.logger.Warn("worker did not exit after grace period, killing", zap.Int("pid", pid))
			_ = killProcessGroup(pid)
		}
	}()
}

// Release detaches from the worker without killing it: pending futures are
// rejected with ErrSessionReleased, the death callback is cleared, stdin is
// closed to deliver EOF, and the stream readers are torn down. The worker
// continues to run as an orphan. Idempotent.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released || s.state == StateDead {
		s.released = true
		s.mu.Unlock()
		return
	}
	s.released = true
	s.state = StateDead
	p := s.pending
	s.pending = nil
	s.onDeath = nil
	stdin, stdout, stderr := s.stdin, s.stdout, s.stderr
	s.mu.Unlock()

	if p != nil {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.ch <- sendOutcome{err: ErrSessionReleased}
	}

	_ = stdin.Close()
	_ = stdout.Close()
	_ = stderr.Close()

	s.logger.Info("worker session released, process orphaned", zap.Int("pid", s.pid))
}

// failAndKill rejects the pending future with cause and destroys the process.
// Used for the buffer-overflow path where the stream is unrecoverable.
func (s *Session) failAndKill(cause error) {
	s.mu.Lock()
	pid := s.pid
	s.mu.Unlock()

	s.markDead(cause)

	if pid > 0 {
		_ = terminateProcessGroup(pid)
		grace := s.killGrace
		go func() {
			time.Sleep(grace)
			if ProcessAlive(pid) {
				_ = killProcessGroup(pid)
			}
		}()
	}
}
