package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/providers"
	"github.com/elidickinson/claude-code-mux/internal/state"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

// ChatCompletionsHandler accepts the OpenAI chat-completions request shape on
// /v1/chat/completions and re-emits it through the Anthropic pipeline. The
// primary surface is /v1/messages; this endpoint is non-streaming only.
type ChatCompletionsHandler struct {
	cell   *state.Cell
	logger *slog.Logger
}

func NewChatCompletionsHandler(cell *state.Cell, logger *slog.Logger) *ChatCompletionsHandler {
	return &ChatCompletionsHandler{cell: cell, logger: logger}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (h *ChatCompletionsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "read request body: %v", err))
		return
	}

	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "invalid request format: %v", err))
		return
	}
	if req.Stream {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest,
			"streaming is not supported on /v1/chat/completions, use /v1/messages"))
		return
	}

	anthropic, err := chatToAnthropic(&req)
	if err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "%v", err))
		return
	}

	snap := h.cell.Load()
	decision, err := snap.Router.Route(anthropic)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}
	targets, err := snap.Mappings.Resolve(decision.Model)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	for _, target := range targets {
		provider, ok := snap.Registry.Get(target.Provider)
		if !ok {
			continue
		}
		resp, err := provider.Send(r.Context(), &providers.Request{
			Wire:          anthropic,
			UpstreamModel: target.Model,
			Mutated:       true,
		})
		if err != nil {
			var ae *apperr.Error
			if errors.As(err, &ae) && !ae.Retryable() {
				apperr.WriteJSON(w, ae)
				return
			}
			h.logger.Warn("provider failed, trying next fallback",
				"provider", target.Provider, "error", err)
			continue
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(anthropicToChat(resp, req.Model))
		return
	}

	apperr.WriteJSON(w, apperr.New(apperr.AllProvidersFailed,
		"all providers failed for model %q", decision.Model))
}

// chatToAnthropic inverts the main translation for the inbound direction.
func chatToAnthropic(req *chatRequest) (*wire.Request, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("messages must not be empty")
	}
	out := &wire.Request{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = 4096
	}
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if out.System == nil {
				out.System = wire.SystemText(msg.Content)
			} else {
				out.System = wire.SystemText(out.System.PlainText() + "\n" + msg.Content)
			}
			continue
		}
		role := wire.RoleUser
		if msg.Role == wire.RoleAssistant {
			role = wire.RoleAssistant
		}
		out.Messages = append(out.Messages, wire.Message{
			Role:    role,
			Content: wire.TextContent(msg.Content),
		})
	}
	if len(out.Messages) == 0 {
		return nil, fmt.Errorf("messages must contain at least one user or assistant entry")
	}
	return out, nil
}

func anthropicToChat(resp *wire.Response, model string) *chatResponse {
	var text string
	for _, b := range resp.Content {
		if b.Type == wire.BlockTypeText {
			text += b.Text
		}
	}

	finish := "stop"
	if resp.StopReason != nil {
		switch *resp.StopReason {
		case wire.StopReasonMaxTokens:
			finish = "length"
		case wire.StopReasonToolUse:
			finish = "tool_calls"
		}
	}

	return &chatResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: wire.RoleAssistant, Content: text},
			FinishReason: finish,
		}},
		Usage: chatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}
