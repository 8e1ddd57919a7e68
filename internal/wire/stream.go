package wire

import (
	"encoding/json"
	"fmt"
)

// Streaming event names, in the order a well-formed stream emits them.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"
	EventPing              = "ping"
	EventError             = "error"
)

// Delta type discriminators inside content_block_delta.
const (
	DeltaTypeText      = "text_delta"
	DeltaTypeInputJSON = "input_json_delta"
	DeltaTypeThinking  = "thinking_delta"
)

// MessageStart is the envelope opening a stream.
type MessageStart struct {
	Type    string       `json:"type"`
	Message StartMessage `json:"message"`
}

// StartMessage mirrors Response with empty content and nil stop reason.
type StartMessage struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ContentBlockStart opens block index.
type ContentBlockStart struct {
	Type         string       `json:"type"`
	Index        int          `json:"index"`
	ContentBlock ContentBlock `json:"content_block"`
}

// ContentBlockDelta appends to an open block.
type ContentBlockDelta struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta Delta  `json:"delta"`
}

// Delta is the per-chunk payload; exactly one of the value fields is set,
// keyed by Type.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
}

// ContentBlockStop closes block index.
type ContentBlockStop struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
}

// MessageDelta carries the trailing stop reason and final usage.
type MessageDelta struct {
	Type  string           `json:"type"`
	Delta MessageDeltaBody `json:"delta"`
	Usage *Usage           `json:"usage,omitempty"`
}

type MessageDeltaBody struct {
	StopReason   *string `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
}

// MessageStop terminates the stream.
type MessageStop struct {
	Type string `json:"type"`
}

// ErrorEvent is the synthetic event emitted when an upstream dies mid-stream.
type ErrorEvent struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// EncodeSSE renders one event in SSE framing: the event name line, the JSON
// data line, and the blank separator.
func EncodeSSE(event string, payload any) []byte {
	data, err := json.Marshal(payload)
	if err != nil {
		return []byte("event: error\ndata: {\"type\":\"error\",\"error\":{\"type\":\"api_error\",\"message\":\"event encoding failed\"}}\n\n")
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))
}

// StrPtr returns a pointer to s; streaming payloads use nullable strings.
func StrPtr(s string) *string { return &s }
