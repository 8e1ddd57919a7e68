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

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiProvider maps the Messages API onto Google's generateContent surface.
type GeminiProvider struct {
	name    string
	baseURL string
	apiKey  string
	headers map[string]string
	client  *http.Client
	logger  *slog.Logger
}

func NewGeminiProvider(cfg config.ProviderConfig, logger *slog.Logger) *GeminiProvider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = geminiBaseURL
	}
	return &GeminiProvider{
		name:    cfg.Name,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  cfg.APIKey,
		headers: cfg.ExtraHeaders,
		client:  newHTTPClient(),
		logger:  logger,
	}
}

func (p *GeminiProvider) Name() string { return p.name }

func (p *GeminiProvider) SupportsModel(string) bool { return true }

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	Tools             []geminiToolDecls       `json:"tools,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text             string             `json:"text,omitempty"`
	InlineData       *geminiInlineData  `json:"inline_data,omitempty"`
	FunctionCall     *geminiFnCall      `json:"functionCall,omitempty"`
	FunctionResponse *geminiFnResponse  `json:"functionResponse,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type geminiFnCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiFnResponse struct {
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

type geminiToolDecls struct {
	FunctionDeclarations []geminiFnDecl `json:"functionDeclarations"`
}

type geminiFnDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type geminiGenerationConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate    `json:"candidates,omitempty"`
	UsageMetadata *geminiUsageMetadata `json:"usageMetadata,omitempty"`
	ResponseID    string               `json:"responseId,omitempty"`
	ModelVersion  string               `json:"modelVersion,omitempty"`
	Error         *geminiErrorBody     `json:"error,omitempty"`
}

type geminiCandidate struct {
	Content      *geminiContent `json:"content,omitempty"`
	FinishReason string         `json:"finishReason,omitempty"`
}

type geminiUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount,omitempty"`
	CandidatesTokenCount int `json:"candidatesTokenCount,omitempty"`
}

type geminiErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

// translateRequest maps messages onto contents with user/model roles; tool
// results become functionResponse parts. Thinking blocks and cache_control
// have no representation and are dropped.
func (p *GeminiProvider) translateRequest(req *wire.Request) (*geminiRequest, error) {
	out := &geminiRequest{
		GenerationConfig: &geminiGenerationConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
			TopP:            req.TopP,
			TopK:            req.TopK,
			StopSequences:   req.StopSequences,
		},
	}

	if system := req.System.PlainText(); system != "" {
		out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: system}}}
	}

	// Tool names are needed to label functionResponse parts.
	toolNameByID := map[string]string{}
	for _, msg := range req.Messages {
		if msg.Content.IsText() {
			continue
		}
		for _, b := range msg.Content.Blocks {
			if b.Type == wire.BlockTypeToolUse {
				toolNameByID[b.ID] = b.Name
			}
		}
	}

	for _, msg := range req.Messages {
		role := "user"
		if msg.Role == wire.RoleAssistant {
			role = "model"
		}

		var parts []geminiPart
		if msg.Content.IsText() {
			if msg.Content.Text != "" {
				parts = append(parts, geminiPart{Text: msg.Content.Text})
			}
		} else {
			for _, block := range msg.Content.Blocks {
				switch block.Type {
				case wire.BlockTypeText:
					parts = append(parts, geminiPart{Text: block.Text})
				case wire.BlockTypeImage:
					if block.Source != nil && block.Source.Type == "base64" {
						parts = append(parts, geminiPart{InlineData: &geminiInlineData{
							MimeType: block.Source.MediaType,
							Data:     block.Source.Data,
						}})
					}
				case wire.BlockTypeToolUse:
					parts = append(parts, geminiPart{FunctionCall: &geminiFnCall{
						Name: block.Name,
						Args: block.Input,
					}})
				case wire.BlockTypeToolResult:
					var content string
					if block.Content != nil {
						content = block.Content.PlainText()
					}
					parts = append(parts, geminiPart{FunctionResponse: &geminiFnResponse{
						Name:     toolNameByID[block.ToolUseID],
						Response: map[string]any{"result": content},
					}})
				case wire.BlockTypeThinking:
					// No representation.
				}
			}
		}
		if len(parts) == 0 {
			continue
		}
		out.Contents = append(out.Contents, geminiContent{Role: role, Parts: parts})
	}

	var decls []geminiFnDecl
	for _, tool := range req.Tools {
		if tool.Name == "" {
			continue
		}
		decls = append(decls, geminiFnDecl{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.InputSchema,
		})
	}
	if len(decls) > 0 {
		out.Tools = []geminiToolDecls{{FunctionDeclarations: decls}}
	}
	return out, nil
}

func translateGeminiStopReason(reason string) string {
	switch reason {
	case "MAX_TOKENS":
		return wire.StopReasonMaxTokens
	case "STOP", "SAFETY", "":
		return wire.StopReasonEndTurn
	}
	return wire.StopReasonEndTurn
}

// translateGeminiContent unflattens candidate parts back into Anthropic
// content blocks.
func translateGeminiContent(content *geminiContent) []wire.ContentBlock {
	if content == nil {
		return []wire.ContentBlock{wire.TextBlock("")}
	}
	var blocks []wire.ContentBlock
	for _, part := range content.Parts {
		switch {
		case part.FunctionCall != nil:
			blocks = append(blocks, wire.ToolUseBlock(
				"toolu_"+uuid.NewString(),
				part.FunctionCall.Name,
				part.FunctionCall.Args,
			))
		case part.Text != "":
			blocks = append(blocks, wire.TextBlock(part.Text))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, wire.TextBlock(""))
	}
	return blocks
}

func (p *GeminiProvider) endpoint(model, method string) string {
	return fmt.Sprintf("%s/models/%s:%s", p.baseURL, model, method)
}

func (p *GeminiProvider) do(ctx context.Context, url string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "marshal upstream body")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", p.apiKey)
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

func (p *GeminiProvider) Send(ctx context.Context, req *Request) (*wire.Response, error) {
	upstream, err := p.translateRequest(req.Wire)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "translate request")
	}
	resp, err := p.do(ctx, p.endpoint(req.UpstreamModel, "generateContent"), upstream)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := readBody(resp)
	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "read upstream response")
	}
	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, apperr.Wrap(apperr.ProtocolError, err, "parse upstream response")
	}
	if parsed.Error != nil {
		return nil, apperr.FromUpstream(p.name, parsed.Error.Code, respBody)
	}
	if len(parsed.Candidates) == 0 {
		return nil, apperr.New(apperr.ProtocolError, "upstream response has no candidates")
	}

	candidate := parsed.Candidates[0]
	id := parsed.ResponseID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	out := &wire.Response{
		ID:         id,
		Type:       "message",
		Role:       wire.RoleAssistant,
		Model:      req.UpstreamModel,
		Content:    translateGeminiContent(candidate.Content),
		StopReason: wire.StrPtr(translateGeminiStopReason(candidate.FinishReason)),
	}
	if parsed.UsageMetadata != nil {
		out.Usage = wire.Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out, nil
}

func (p *GeminiProvider) SendStream(ctx context.Context, req *Request) (EventStream, error) {
	upstream, err := p.translateRequest(req.Wire)
	if err != nil {
		return nil, apperr.Wrap(apperr.InvalidRequest, err, "translate request")
	}
	resp, err := p.do(ctx, p.endpoint(req.UpstreamModel, "streamGenerateContent")+"?alt=sse", upstream)
	if err != nil {
		return nil, err
	}
	reader, err := decompressReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, apperr.Wrap(apperr.ProviderTransient, err, "decompress upstream stream")
	}
	return &geminiStream{
		reader: newSSEReader(reader),
		closer: reader,
		state:  NewStreamState(),
		model:  req.UpstreamModel,
	}, nil
}

func (p *GeminiProvider) CountTokens(_ context.Context, req *wire.CountTokensRequest) (*wire.CountTokensResponse, error) {
	return EstimateTokens(req)
}

// geminiStream transcodes streamGenerateContent SSE chunks into Anthropic
// events using the same state machine as the OpenAI family.
type geminiStream struct {
	reader *sseReader
	closer interface{ Close() error }
	state  *StreamState
	model  string
	done   bool
}

func (s *geminiStream) Next() ([]byte, error) {
	for {
		if s.done {
			return nil, io.EOF
		}
		ev, err := s.reader.next()
		if err != nil {
			s.done = true
			if s.state.MessageStartSent && !s.state.FinishSent {
				return TranslateFinish(s.state, wire.StopReasonEndTurn, nil), nil
			}
			return nil, err
		}
		events, err := TranslateGeminiChunk([]byte(ev.data), s.state, s.model)
		if err != nil {
			s.done = true
			return nil, apperr.Wrap(apperr.ProtocolError, err, "translate stream chunk")
		}
		if len(events) > 0 {
			return events, nil
		}
	}
}

func (s *geminiStream) Close() error { return s.closer.Close() }

// TranslateGeminiChunk advances the state machine with one upstream chunk.
// Exported for direct testing.
func TranslateGeminiChunk(data []byte, state *StreamState, model string) ([]byte, error) {
	var chunk geminiResponse
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("parse upstream chunk: %w", err)
	}
	if chunk.Error != nil {
		return nil, fmt.Errorf("upstream error: %s", chunk.Error.Message)
	}

	var out bytes.Buffer

	if state.MessageID == "" && chunk.ResponseID != "" {
		state.MessageID = chunk.ResponseID
	}
	if state.Model == "" {
		state.Model = model
	}

	var usage wire.Usage
	if chunk.UsageMetadata != nil {
		usage = wire.Usage{
			InputTokens:  chunk.UsageMetadata.PromptTokenCount,
			OutputTokens: chunk.UsageMetadata.CandidatesTokenCount,
		}
	}

	if !state.MessageStartSent {
		out.Write(messageStartEvent(state, usage))
		state.MessageStartSent = true
	}

	if len(chunk.Candidates) == 0 {
		if out.Len() == 0 {
			return nil, nil
		}
		return out.Bytes(), nil
	}
	candidate := chunk.Candidates[0]

	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				out.Write(geminiFunctionCallEvents(state, part.FunctionCall))
			case part.Text != "":
				out.Write(textDeltaEvents(state, part.Text))
			}
		}
	}

	if candidate.FinishReason != "" && !state.FinishSent {
		var finalUsage *wire.Usage
		if chunk.UsageMetadata != nil {
			finalUsage = &usage
		}
		out.Write(TranslateFinish(state, translateGeminiStopReason(candidate.FinishReason), finalUsage))
	}

	return out.Bytes(), nil
}

// geminiFunctionCallEvents emits a whole tool_use block: Gemini sends
// complete function calls, not argument fragments.
func geminiFunctionCallEvents(state *StreamState, call *geminiFnCall) []byte {
	var out bytes.Buffer

	idx := state.nextIndex
	state.nextIndex++
	block := state.block(idx, wire.BlockTypeToolUse)
	block.ToolName = call.Name
	block.ToolCallID = "toolu_" + uuid.NewString()

	out.Write(wire.EncodeSSE(wire.EventContentBlockStart, wire.ContentBlockStart{
		Type:         wire.EventContentBlockStart,
		Index:        idx,
		ContentBlock: wire.ToolUseBlock(block.ToolCallID, block.ToolName, nil),
	}))
	block.StartSent = true

	args := string(call.Args)
	if args == "" {
		args = "{}"
	}
	out.Write(wire.EncodeSSE(wire.EventContentBlockDelta, wire.ContentBlockDelta{
		Type:  wire.EventContentBlockDelta,
		Index: idx,
		Delta: wire.Delta{Type: wire.DeltaTypeInputJSON, PartialJSON: args},
	}))
	block.Arguments = args

	out.Write(wire.EncodeSSE(wire.EventContentBlockStop, wire.ContentBlockStop{
		Type:  wire.EventContentBlockStop,
		Index: idx,
	}))
	block.StopSent = true

	return out.Bytes()
}
