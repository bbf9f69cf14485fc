package worker

import "errors"

// Sentinel errors for the session protocol. These are normal protocol
// outcomes; the orchestrator maps them to user-visible reply messages.
var (
	// ErrSessionDead is returned when a send is attempted on a dead session.
	ErrSessionDead = errors.New("session is dead")

	// ErrSessionBusy is returned when the session already has a pending message.
	ErrSessionBusy = errors.New("session is processing another message")

	// ErrSessionReleased rejects pending sends when a session is released at
	// shutdown; the worker process itself keeps running.
	ErrSessionReleased = errors.New("session released")

	// ErrTimeout is returned when the worker does not reply within the
	// per-message deadline. The worker process is left running.
	ErrTimeout = errors.New("worker reply timed out")

	// ErrBufferOverflow destroys a session whose stdout exceeded the line
	// buffer cap without a newline.
	ErrBufferOverflow = errors.New("stdout buffer overflow")

	// ErrSpawnFailed is returned when the worker binary cannot be started.
	ErrSpawnFailed = errors.New("failed to spawn worker")

	// ErrWorkerExited is returned when the worker process dies while a
	// message is pending.
	ErrWorkerExited = errors.New("worker process exited")

	// ErrCapacity is returned by the pool when no session slot is available.
	ErrCapacity = errors.New("session pool at capacity")
)
