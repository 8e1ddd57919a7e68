package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

const openaiBaseURL = "https://api.openai.com/v1"

// Known OpenAI-compatible endpoints keyed by provider type.
var openAIBaseURLs = map[string]string{
	"openai":     openaiBaseURL,
	"openrouter": "https://openrouter.ai/api/v1",
	"deepinfra":  "https://api.deepinfra.com/v1/openai",
	"groq":       "https://api.groq.com/openai/v1",
	"together":   "https://api.together.xyz/v1",
	"fireworks":  "https://api.fireworks.ai/inference/v1",
	"cerebras":   "https://api.cerebras.ai/v1",
	"moonshot":   "https://api.moonshot.cn/v1",
}

// OpenAIProvider speaks the chat-completions dialect and translates both
// directions, including SSE transcoding back into Anthropic events.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		if known, ok := openAIBaseURLs[cfg.Type]; ok {
			baseURL = known
		} else {
			baseURL = openaiBaseURL
		}
	}
	return &OpenAIProvider{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		headers: cfg.ExtraHeaders,
		client:  newHTTPClient(),
		logger:  logger,
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) SupportsModel(string) bool { return true }

// openaiRequest is the outbound chat-completions body.
type openaiRequest struct {
	Model       string          `json:"model"`
	Messages    []openaiMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Tools       []openaiTool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	Index    *int           `json:"index,omitempty"`
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type,omitempty"`
	Function openaiFunction `json:"function"`
}

type openaiFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type openaiTool struct {
	Type     string            `json:"type"`
	Function openaiFunctionDef `json:"function"`
}

type openaiFunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *openaiUsage   `json:"usage,omitempty"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiChoice struct {
	Message      *openaiMessageOut `json:"message,omitempty"`
	Delta        *openaiMessageOut `json:"delta,omitempty"`
	FinishReason *string           `json:"finish_reason,omitempty"`
}

type openaiMessageOut struct {
	Role      string           `json:"role,omitempty"`
	Content   *string          `json:"content,omitempty"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens        int `json:"prompt_tokens"`
	CompletionTokens    int `json:"completion_tokens"`
	PromptTokensDetails *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

type openaiError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// translateRequest flattens an Anthropic request into chat-completions form.
// Thinking blocks and cache_control have no representation and are dropped.
func (p *OpenAIProvider) translateRequest(req *wire.Request, model string, stream bool) (*openaiRequest, error) {
	out := &openaiRequest{
		Model:       model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      stream,
	}

	if system := req.System.PlainText(); system != "" {
		out.Messages = append(out.Messages, openaiMessage{Role: "system", Content: system})
	}

	for _, msg := range req.Messages {
		translated, err := translateMessage(msg)
		if err != nil {
			return nil, err
		}
		out.Messages = append(out.Messages, translated...)
	}

	for _, tool := range req.Tools {
		if tool.Name == "" {
			// Server tools (web_search etc.) have no function equivalent.
			continue
		}
		out.Tools = append(out.Tools, openaiTool{
			Type: "function",
			Function: openaiFunctionDef{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}
	if len(out.Tools) > 0 {
		out.ToolChoice = translateToolChoice(req.ToolChoice)
	}
	return out, nil
}

// translateToolChoice maps {auto, any, tool} onto the OpenAI equivalents.
func translateToolChoice(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		return "auto"
	case "any":
		return "required"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	}
	return nil
}

// translateMessage expands one Anthropic message into one or more OpenAI
// entries: tool results become role=tool messages, tool_use blocks become
// assistant tool_calls.
func translateMessage(msg wire.Message) ([]openaiMessage, error) {
	if msg.Content.IsText() {
		return []openaiMessage{{Role: msg.Role, Content: msg.Content.Text}}, nil
	}

	var (
		parts       []openaiContentPart
		toolCalls   []openaiToolCall
		toolResults []openaiMessage
	)

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case wire.BlockTypeText:
			parts = append(parts, openaiContentPart{Type: "text", Text: block.Text})
		case wire.BlockTypeImage:
			url := imageURL(block.Source)
			if url == "" {
				continue
			}
			parts = append(parts, openaiContentPart{Type: "image_url", ImageURL: &openaiImageURL{URL: url}})
		case wire.BlockTypeToolUse:
			args := "{}"
			if len(block.Input) > 0 {
				args = string(block.Input)
			}
			toolCalls = append(toolCalls, openaiToolCall{
				ID:       toOpenAIToolID(block.ID),
				Type:     "function",
				Function: openaiFunction{Name: block.Name, Arguments: args},
			})
		case wire.BlockTypeToolResult:
			var content string
			if block.Content != nil {
				content = block.Content.PlainText()
			}
			toolResults = append(toolResults, openaiMessage{
				Role:       "tool",
				ToolCallID: toOpenAIToolID(block.ToolUseID),
				Content:    content,
			})
		case wire.BlockTypeThinking:
			// No chat-completions representation.
		}
	}

	var out []openaiMessage
	if len(parts) > 0 || len(toolCalls) > 0 {
		m := openaiMessage{Role: msg.Role, ToolCalls: toolCalls}
		switch {
		case len(parts) == 1 && parts[0].Type == "text":
			m.Content = parts[0].Text
		case len(parts) > 0:
			m.Content = parts
		}
		out = append(out, m)
	}
	return append(out, toolResults...), nil
}

func imageURL(source *wire.ImageSource) string {
	if source == nil {
		return ""
	}
	if source.Type == "base64" {
		mediaType := source.MediaType
		if mediaType == "" {
			mediaType = "image/png"
		}
		return fmt.Sprintf("data:%s;base64,%s", mediaType, source.Data)
	}
	return source.URL
}

// Tool-call IDs pass through verbatim so a tool_use block and its later
// tool_result keep matching across providers. Only a missing ID is invented.
func toOpenAIToolID(id string) string { return id }

func toAnthropicToolID(id string) string {
	if id == "" {
		return "toolu_" + uuid.NewString()
	}
	return id
}

// translateStopReason maps finish_reason onto Anthropic stop reasons.
func translateStopReason(reason string) string {
	switch reason {
	case "length":
		return wire.StopReasonMaxTokens
	case "tool_calls", "function_call":
		return wire.StopReasonToolUse
	case "stop", "content_filter", "":
		return wire.StopReasonEndTurn
	}
	return wire.StopReasonEndTurn
}

func translateUsage(u *openaiUsage) wire.Usage {
	if u == nil {
		return wire.Usage{}
	}
	usage := wire.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens}
	if u.PromptTokensDetails != nil && u.PromptTokensDetails.CachedTokens > 0 {
		cached := u.PromptTokensDetails.CachedTokens
		usage.CacheReadInputTokens = &cached
	}
	return usage
}

// translateResponse converts a non-streaming chat-completions result. Text
// comes first, then one tool_use block per tool call in order.
func translateResponse(resp *openaiResponse, model string) (*wire.Response, error) {
	if len(resp.Choices) == 0 {
		return nil, apperr.New(apperr.ProtocolError, "upstream response has no choices")
	}
	choice := resp.Choices[0]
	msg := choice.Message
	if msg == nil {
		msg = choice.Delta
	}
	if msg == nil {
		return nil, apperr.New(apperr.ProtocolError, "upstream choice has no message")
	}

	var content []wire.ContentBlock
	if msg.Content != nil && *msg.Content != "" {
		content = append(content, wire.TextBlock(*msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if !json.Valid(input) || len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		content = append(content, wire.ToolUseBlock(toAnthropicToolID(tc.ID), tc.Function.Name, input))
	}
	if len(content) == 0 {
		content = append(content, wire.TextBlock(""))
	}

	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	stopReason := wire.StopReasonEndTurn
	if choice.FinishReason != nil {
		stopReason = translateStopReason(*choice.FinishReason)
	}
	return &wire.Response{
		ID:         id,
		Type:       "message",
		Role:       wire.RoleAssistant,
		Model:      model,
		Content:    content,
		StopReason: wire.StrPtr(stopReason),
		Usage:      translateUsage(resp.Usage),
	}, nil
}

func (p *OpenAIProvider) do(ctx context.Context, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "marshal upstream body")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	httpReq.Header.Set("Accept-Encoding", "gzip, br")
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, p.name+" request failed")
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := readBody(resp)
		resp.Body.Close()
		return nil, apperr.FromUpstream(p.name, resp.StatusCode, respBody)
	}
	return resp, nil
}

func (p *OpenAIProvider) Send(ctx context.Context, req *Request) (*wire.Response, error) {
	upstream, err := p.translateRequest(req.Wire, req.UpstreamModel, false)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "translate request")
	}
	resp, err := p.do(ctx, upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "read upstream response")
	}
	var parsed openaiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.ProtocolError, err, "parse upstream response")
	}
	if parsed.Error != nil {
		return nil, apperr.New(apperr.ProviderRejected, "%s: %s", p.name, parsed.Error.Message)
	}
	return translateResponse(&parsed, req.UpstreamModel)
}

func (p *OpenAIProvider) SendStream(ctx context.Context, req *Request) (EventStream, error) {
	upstream, err := p.translateRequest(req.Wire, req.UpstreamModel, true)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "translate request")
	}
	resp, err := p.do(ctx, upstream)
	if err != nil {
		return nil, err
	}
	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "decompress upstream stream")
	}
	return &openaiStream{
		reader: newSSEReader(reader),
		closer: reader,
		state:  NewStreamState(),
		model:  req.UpstreamModel,
	}, nil
}

func (p *OpenAIProvider) CountTokens(_ context.Context, req *wire.CountTokensRequest) (*wire.CountTokensResponse, error) {
	return EstimateTokens(req)
}

// openaiStream transcodes chat-completions SSE chunks into Anthropic events.
type openaiStream struct {
	reader *sseReader
	closer interface{ Close() error }
	state  *StreamState
	model  string
	done   bool
}

func (s *openaiStream) Next() ([]byte, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		ev, err := s.reader.next()
		if err != nil {
			s.done = true
			if s.state.MessageStartSent && !s.state.FinishSent {
				// Upstream ended without a finish_reason; close out cleanly.
				return TranslateFinish(s.state, wire.StopReasonEndTurn, nil), nil
			}
			return nil, err
		}
		if ev.data == "[DONE]" {
			s.done = true
			if s.state.MessageStartSent && !s.state.FinishSent {
				return TranslateFinish(s.state, wire.StopReasonEndTurn, nil), nil
			}
			return nil, io.EOF
		}
		events, err := TranslateOpenAIChunk([]byte(ev.data), s.state, s.model)
		if err != nil {
			s.done = true
			return nil, apperr.Wrap(apperr.ProtocolError, err, "translate stream chunk")
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

func (s *openaiStream) Close() error { return s.closer.Close() }

// TranslateOpenAIChunk advances the state machine with one upstream chunk and
// returns the Anthropic SSE bytes it produces. Exported for direct testing.
func TranslateOpenAIChunk(data []byte, state *StreamState, model string) ([]byte, error) {
	var chunk openaiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("parse upstream chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", chunk.Error.Message)
	}

	var out bytes.Buffer

	if state.MessageID == "" && chunk.ID != "" {
		state.MessageID = chunk.ID
	}
	if state.Model == "" {
		state.Model = lo.CoalesceOrEmpty(chunk.Model, model)
	}

	if len(chunk.Choices) == 0 {
		// Usage-only trailer chunks arrive after the last choice.
		return nil, nil
	}
	choice := chunk.Choices[0]

	if !state.MessageStartSent {
		out.Write(messageStartEvent(state, translateUsage(chunk.Usage)))
		state.MessageStartSent = true
	}

	if delta := choice.Delta; delta != nil {
		if len(delta.ToolCalls) > 0 {
			for _, tc := range delta.ToolCalls {
				out.Write(toolCallEvents(state, tc))
			}
		} else if delta.Content != nil && *delta.Content != "" {
			out.Write(textDeltaEvents(state, *delta.Content))
		}
	}

	if choice.FinishReason != nil && !state.FinishSent {
		var usage *wire.Usage
		if chunk.Usage != nil {
			u := translateUsage(chunk.Usage)
			usage = &u
		}
		out.Write(TranslateFinish(state, translateStopReason(*choice.FinishReason), usage))
	}

	return out.Bytes(), nil
}

func messageStartEvent(state *StreamState, usage wire.Usage) []byte {
	id := state.MessageID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return wire.EncodeSSE(wire.EventMessageStart, wire.MessageStart{
		Type: wire.EventMessageStart,
		Message: wire.StartMessage{
			ID:      id,
			Type:    "message",
			Role:    wire.RoleAssistant,
			Model:   state.Model,
			Content: []wire.ContentBlock{},
			Usage:   usage,
		},
	})
}

func textDeltaEvents(state *StreamState, text string) []byte {
	var out bytes.Buffer
	idx := state.textBlockIndex()
	block := state.Blocks[idx]
	if !block.StartSent {
		out.Write(wire.EncodeSSE(wire.EventContentBlockStart, wire.ContentBlockStart{
			Type:         wire.EventContentBlockStart,
			Index:        idx,
			ContentBlock: wire.TextBlock(""),
		}))
		block.StartSent = true
	}
	out.Write(wire.EncodeSSE(wire.EventContentBlockDelta, wire.ContentBlockDelta{
		Type:  wire.EventContentBlockDelta,
		Index: idx,
		Delta: wire.Delta{Type: wire.DeltaTypeText, Text: text},
	}))
	return out.Bytes()
}

func toolCallEvents(state *StreamState, tc openaiToolCall) []byte {
	var out bytes.Buffer

	upstreamIdx := 0
	if tc.Index != nil {
		upstreamIdx = *tc.Index
	}
	idx := state.toolBlockIndex(upstreamIdx)
	block := state.Blocks[idx]

	if tc.ID != "" {
		block.ToolCallID = tc.ID
	}
	if tc.Function.Name != "" {
		block.ToolName = tc.Function.Name
	}

	if !block.StartSent && block.ToolCallID != "" && block.ToolName != "" {
		out.Write(wire.EncodeSSE(wire.EventContentBlockStart, wire.ContentBlockStart{
			Type:         wire.EventContentBlockStart,
			Index:        idx,
			ContentBlock: wire.ToolUseBlock(toAnthropicToolID(block.ToolCallID), block.ToolName, nil),
		}))
		block.StartSent = true
	}

	if args := tc.Function.Arguments; args != "" && block.StartSent {
		// Providers usually send incremental fragments; some resend the full
		// string, in which case only the new suffix is emitted.
		delta := args
		if strings.HasPrefix(args, block.Arguments) && len(args) > len(block.Arguments) {
			delta = args[len(block.Arguments):]
			block.Arguments = args
		} else {
			block.Arguments += args
		}
		out.Write(wire.EncodeSSE(wire.EventContentBlockDelta, wire.ContentBlockDelta{
			Type:  wire.EventContentBlockDelta,
			Index: idx,
			Delta: wire.Delta{Type: wire.DeltaTypeInputJSON, PartialJSON: delta},
		}))
	}

	return out.Bytes()
}

// TranslateFinish closes every open block in index order, emits the
// message_delta with the mapped stop reason, and terminates the stream.
func TranslateFinish(state *StreamState, stopReason string, usage *wire.Usage) []byte {
	var out bytes.Buffer
	for _, idx := range state.openIndexes() {
		out.Write(wire.EncodeSSE(wire.EventContentBlockStop, wire.ContentBlockStop{
			Type:  wire.EventContentBlockStop,
			Index: idx,
		}))
		state.Blocks[idx].StopSent = true
	}
	out.Write(wire.EncodeSSE(wire.EventMessageDelta, wire.MessageDelta{
		Type:  wire.EventMessageDelta,
		Delta: wire.MessageDeltaBody{StopReason: wire.StrPtr(stopReason)},
		Usage: usage,
	}))
	out.Write(wire.EncodeSSE(wire.EventMessageStop, wire.MessageStop{Type: wire.EventMessageStop}))
	state.FinishSent = true
	return out.Bytes()
}
