// Package a2a defines the agent-to-agent wire protocol: task and message
// shapes, JSON-RPC envelopes, and the discovery document.
package a2a

import (
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle state of an A2A task.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateFailed        TaskState = "failed"
)

// Part is one element of a message. Kind selects the populated fields.
type Part struct {
	Kind string `json:"kind"` // "text", "file", "data"

	// For text parts
	Text string `json:"text,omitempty"`

	// For file parts
	File *FilePart `json:"file,omitempty"`

	// For data parts
	Data any `json:"data,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// FilePart carries file content inline (base64) or by reference (URI).
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    string `json:"bytes,omitempty"` // base64
	URI      string `json:"uri,omitempty"`
}

// Message is a single user or agent message.
type Message struct {
	MessageID string         `json:"messageId"`
	Role      string         `json:"role"` // "user" or "agent"
	Parts     []Part         `json:"parts"`
	ContextID string         `json:"contextId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// NewAgentMessage builds an agent-role message with a single text part.
func NewAgentMessage(text, contextID, taskID string, metadata map[string]any) *Message {
	return &Message{
		MessageID: uuid.New().String(),
		Role:      "agent",
		Parts:     []Part{{Kind: "text", Text: text}},
		ContextID: contextID,
		TaskID:    taskID,
		Metadata:  metadata,
	}
}

// TaskStatus is the current state of a task plus an optional agent message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Artifact is a named output produced by the agent for a task.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// Task is the durable A2A task record.
type Task struct {
	ID        string         `json:"id"`
	ContextID string         `json:"contextId"`
	Status    TaskStatus     `json:"status"`
	Artifacts []Artifact     `json:"artifacts,omitempty"`
	History   []Message      `json:"history,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Kind      string         `json:"kind,omitempty"`
}

// NewTask creates a task in the submitted state.
func NewTask(id, contextID string) *Task {
	return &Task{
		ID:        id,
		ContextID: contextID,
		Status: TaskStatus{
			State:     TaskStateSubmitted,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
		Kind: "task",
	}
}

// WithStatus returns the task with its status replaced and timestamp refreshed.
func (t *Task) WithStatus(state TaskState, msg *Message) *Task {
	t.Status = TaskStatus{
		State:     state,
		Message:   msg,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	return t
}

// MessageSendParams are the params of the message/send method.
type MessageSendParams struct {
	Message       Message            `json:"message"`
	Configuration *SendConfiguration `json:"configuration,omitempty"`
}

// SendConfiguration carries per-call options. Only blocking mode is supported.
type SendConfiguration struct {
	Blocking bool `json:"blocking,omitempty"`
}

// TaskQueryParams are the params of tasks/get and tasks/cancel.
type TaskQueryParams struct {
	ID string `json:"id"`
}

// Metadata keys recognized on inbound messages.
const (
	MetadataAgent      = "agent"
	MetadataClientName = "clientName"
)

// MetaString reads a string value from message metadata.
func (m *Message) MetaString(key string) string {
	if m.Metadata == nil {
		return ""
	}
	if v, ok := m.Metadata[key].(string); ok {
		return v
	}
	return ""
}
