// Package worker wraps the worker CLI subprocess and its NDJSON stream-json
// protocol: one long-lived process per conversation context, one pending
// message at a time.
package worker

import "encoding/json"

// Message types on the worker's stdout stream.
const (
	frameTypeSystem    = "system"
	frameTypeAssistant = "assistant"
	frameTypeUser      = "user"
	frameTypeResult    = "result"
	frameTypeRateLimit = "rate_limit_event"
	frameTypeStream    = "stream_event"

	subtypeInit = "init"
)

// Frame is one NDJSON line from the worker. The schema is parse-permissive:
// unknown fields are ignored, missing fields zero-valued.
type Frame struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	// For system/init frames
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`

	// For result frames. Result is a string for normal replies but may be an
	// object on some error shapes, so it is decoded lazily.
	Result            json.RawMessage    `json:"result,omitempty"`
	IsError           bool               `json:"is_error,omitempty"`
	DurationMS        int64              `json:"duration_ms,omitempty"`
	DurationAPIMS     int64              `json:"duration_api_ms,omitempty"`
	NumTurns          int                `json:"num_turns,omitempty"`
	TotalCostUSD      float64            `json:"total_cost_usd,omitempty"`
	Usage             *Usage             `json:"usage,omitempty"`
	PermissionDenials []PermissionDenial `json:"permission_denials,omitempty"`
}

// ResultText returns the result field as plain text. A bare JSON string is
// unwrapped; anything else is returned verbatim.
func (f *Frame) ResultText() string {
	if len(f.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Result, &s); err == nil {
		return s
	}
	return string(f.Result)
}

// Usage is the token-usage quadruple reported on result frames.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens,omitempty"`
}

// PermissionDenial records one tool use the worker was not permitted to run.
type PermissionDenial struct {
	ToolName  string         `json:"tool_name"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`
}

// Result is the response tuple captured from the worker's result frame.
type Result struct {
	Text              string
	SessionID         string
	Model             string
	IsError           bool
	DurationMS        int64
	DurationAPIMS     int64
	NumTurns          int
	TotalCostUSD      float64
	Usage             Usage
	PermissionDenials []PermissionDenial
}

// ContentBlock is one multimodal element of an outbound user message.
type ContentBlock struct {
	Type string `json:"type"` // "text", "image", "document"

	// For text blocks
	Text string `json:"text,omitempty"`

	// For image and document blocks
	Source *BlockSource `json:"source,omitempty"`
}

// BlockSource carries base64 content for image and document blocks.
type BlockSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// ImageBlock builds a base64 image content block.
func ImageBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: "image", Source: &BlockSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// DocumentBlock builds a base64 document content block.
func DocumentBlock(mediaType, data string) ContentBlock {
	return ContentBlock{Type: "document", Source: &BlockSource{Type: "base64", MediaType: mediaType, Data: data}}
}

// userFrame is the single NDJSON line written per message:
// {"type":"user","message":{"role":"user","content":<string-or-blocks>}}
type userFrame struct {
	Type    string          `json:"type"`
	Message userMessageBody `json:"message"`
}

type userMessageBody struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []ContentBlock
}
