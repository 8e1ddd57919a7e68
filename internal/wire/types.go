// Package wire holds the typed representation of the Anthropic Messages API:
// requests, responses and streaming events. Content blocks are an open tagged
// union; block types we do not know about keep their raw JSON so that
// passthrough providers receive them byte-identical.
package wire

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	BlockTypeText       = "text"
	BlockTypeImage      = "image"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeThinking   = "thinking"

	StopReasonEndTurn      = "end_turn"
	StopReasonMaxTokens    = "max_tokens"
	StopReasonStopSequence = "stop_sequence"
	StopReasonToolUse      = "tool_use"
)

// Request is the inbound /v1/messages body. Unknown top-level fields are not
// retained here; passthrough providers work from the raw body instead.
type Request struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	MaxTokens     int             `json:"max_tokens"`
	System        *SystemPrompt   `json:"system,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    json.RawMessage `json:"tool_choice,omitempty"`
	Thinking      *Thinking       `json:"thinking,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// Validate rejects bodies the upstream would reject anyway, so routing never
// sees them.
func (r *Request) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be a positive integer")
	}
	return nil
}

// Thinking carries the extended-thinking switch.
type Thinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

func (t *Thinking) Enabled() bool { return t != nil && t.Type == "enabled" }

// Tool is a tool declaration. Server tools (web_search and friends) carry a
// type instead of an input schema.
type Tool struct {
	Type        string          `json:"type,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is the string-or-blocks union used by message content.
type MessageContent struct {
	// Text is set when the wire value was a plain string.
	Text string
	// Blocks is set when the wire value was an array.
	Blocks []ContentBlock

	isText bool
}

func TextContent(s string) MessageContent {
	return MessageContent{Text: s, isText: true}
}

func BlocksContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

func (c MessageContent) IsText() bool { return c.isText }

// PlainText concatenates all text content, whichever form it arrived in.
func (c MessageContent) PlainText() string {
	if c.isText {
		return c.Text
	}
	var sb strings.Builder
	for _, b := range c.Blocks {
		if b.Type == BlockTypeText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String()
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		c.isText = true
		c.Blocks = nil
		return json.Unmarshal(data, &c.Text)
	}
	c.isText = false
	c.Text = ""
	return json.Unmarshal(data, &c.Blocks)
}

// SystemPrompt is the string-or-blocks union used by the system field.
type SystemPrompt struct {
	Text   string
	Blocks []SystemBlock

	isText bool
}

func SystemText(s string) *SystemPrompt {
	return &SystemPrompt{Text: s, isText: true}
}

func SystemBlocks(blocks ...SystemBlock) *SystemPrompt {
	return &SystemPrompt{Blocks: blocks}
}

func (s *SystemPrompt) IsText() bool { return s != nil && s.isText }

// PlainText joins every system block with newlines.
func (s *SystemPrompt) PlainText() string {
	if s == nil {
		return ""
	}
	if s.isText {
		return s.Text
	}
	parts := make([]string, 0, len(s.Blocks))
	for _, b := range s.Blocks {
		parts = append(parts, b.Text)
	}
	return strings.Join(parts, "\n")
}

func (s SystemPrompt) MarshalJSON() ([]byte, error) {
	if s.isText {
		return json.Marshal(s.Text)
	}
	return json.Marshal(s.Blocks)
}

func (s *SystemPrompt) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "\"") {
		s.isText = true
		s.Blocks = nil
		return json.Unmarshal(data, &s.Text)
	}
	s.isText = false
	s.Text = ""
	return json.Unmarshal(data, &s.Blocks)
}

// SystemBlock is one block of a structured system prompt. CacheControl is kept
// raw so it survives round-trips untouched.
type SystemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ImageSource describes an image block's payload.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// ContentBlock is the open tagged union of message content. Known types get
// structured fields; anything else keeps its raw JSON and is re-emitted
// verbatim.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text         string          `json:"text,omitempty"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   *MessageContent `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	raw json.RawMessage
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockTypeText, Text: text}
}

func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	return ContentBlock{Type: BlockTypeToolUse, ID: id, Name: name, Input: input}
}

func ThinkingBlock(thinking, signature string) ContentBlock {
	return ContentBlock{Type: BlockTypeThinking, Thinking: thinking, Signature: signature}
}

func (b *ContentBlock) known() bool {
	switch b.Type {
	case BlockTypeText, BlockTypeImage, BlockTypeToolUse, BlockTypeToolResult, BlockTypeThinking:
		return true
	}
	return false
}

func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	type alias ContentBlock
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*b = ContentBlock(a)
	if !b.known() {
		b.raw = append(json.RawMessage(nil), data...)
	}
	return nil
}

func (b ContentBlock) MarshalJSON() ([]byte, error) {
	if !b.known() && b.raw != nil {
		return b.raw, nil
	}
	// Per-type marshalling keeps each variant's wire shape tight; text blocks
	// must always carry "text", even when empty.
	switch b.Type {
	case BlockTypeText:
		return json.Marshal(struct {
			Type         string          `json:"type"`
			Text         string          `json:"text"`
			CacheControl json.RawMessage `json:"cache_control,omitempty"`
		}{b.Type, b.Text, b.CacheControl})
	case BlockTypeImage:
		return json.Marshal(struct {
			Type   string       `json:"type"`
			Source *ImageSource `json:"source"`
		}{b.Type, b.Source})
	case BlockTypeToolUse:
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case BlockTypeToolResult:
		return json.Marshal(struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   *MessageContent `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.Content, b.IsError})
	case BlockTypeThinking:
		return json.Marshal(struct {
			Type      string `json:"type"`
			Thinking  string `json:"thinking"`
			Signature string `json:"signature,omitempty"`
		}{b.Type, b.Thinking, b.Signature})
	}
	type alias ContentBlock
	return json.Marshal(alias(b))
}

// Usage is the token accounting attached to responses and message deltas.
type Usage struct {
	InputTokens              int  `json:"input_tokens"`
	OutputTokens             int  `json:"output_tokens"`
	CacheCreationInputTokens *int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     *int `json:"cache_read_input_tokens,omitempty"`
}

// Response is a non-streaming /v1/messages result.
type Response struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   *string        `json:"stop_reason"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ErrorBody is the Anthropic error envelope.
type ErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// CountTokensRequest is the /v1/messages/count_tokens body.
type CountTokensRequest struct {
	Model    string        `json:"model"`
	Messages []Message     `json:"messages"`
	System   *SystemPrompt `json:"system,omitempty"`
	Tools    []Tool        `json:"tools,omitempty"`
}

// CountTokensResponse carries the single counter the endpoint returns.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}
