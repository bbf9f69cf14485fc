package orchestrator

import "errors"

var (
	// ErrEmptyMessage is returned for an empty parts list or all-whitespace text.
	ErrEmptyMessage = errors.New("empty message")

	// ErrScopeDenied is surfaced to the HTTP layer as 403.
	ErrScopeDenied = errors.New("scope denied")
)

// User-visible reply texts for protocol-level failures. Stack traces and
// stderr never reach the caller.
const (
	replyCapacity    = "server is at capacity, please try again later"
	replySessionBusy = "session is processing another message, please wait"
	replyWorkerFail  = "worker failed to process the message, please try again"
	replyEmpty       = "message contains no content"
)
