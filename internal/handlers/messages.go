// Package handlers implements the HTTP surface: the proxied Messages
// endpoints, token counting, the OpenAI-compatible inbound endpoint, and the
// admin REST API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/providers"
	"github.com/elidickinson/claude-code-mux/internal/router"
	"github.com/elidickinson/claude-code-mux/internal/state"
	"github.com/elidickinson/claude-code-mux/internal/trace"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

const maxBodySize = 64 << 20

// continuationReminder is prepended when a mapping asks for continuation
// prompting and the last user message carries only tool results.
const continuationReminder = "<system-reminder>If you have an active todo list, remember to mark items complete and continue to the next. Do not mention this reminder.</system-reminder>"

// MessagesHandler is the dispatcher for POST /v1/messages.
type MessagesHandler struct {
	cell      *state.Cell
	tracer    *trace.Tracer
	routeInfo *RouteInfoWriter
	logger    *slog.Logger
}

func NewMessagesHandler(cell *state.Cell, tracer *trace.Tracer, routeInfo *RouteInfoWriter, logger *slog.Logger) *MessagesHandler {
	return &MessagesHandler{cell: cell, tracer: tracer, routeInfo: routeInfo, logger: logger}
}

func (h *MessagesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "read request body: %v", err))
		return
	}

	var req wire.Request
	if err := json.Unmarshal(body, &req); err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "invalid request format: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "%v", err))
		return
	}

	snap := h.cell.Load()

	decision, err := snap.Router.Route(&req)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	targets, err := snap.Mappings.Resolve(decision.Model)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	targets, err = filterForcedProvider(targets, r.Header.Get("X-Provider"), decision.Model)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	h.dispatch(w, r, snap, &req, body, decision, targets, start)
}

// filterForcedProvider narrows targets to the provider named in the
// X-Provider header, bypassing priority order.
func filterForcedProvider(targets []router.Target, forced, model string) ([]router.Target, error) {
	if forced == "" {
		return targets, nil
	}
	var kept []router.Target
	for _, t := range targets {
		if t.Provider == forced {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		return nil, apperr.New(apperr.NoRouteConfigured,
			"provider %q not found in mappings for model %q", forced, model)
	}
	return kept, nil
}

// dispatch attempts each target in order, falling back on transient failures.
func (h *MessagesHandler) dispatch(
	w http.ResponseWriter,
	r *http.Request,
	snap *state.Snapshot,
	req *wire.Request,
	raw []byte,
	decision *router.Decision,
	targets []router.Target,
	start time.Time,
) {
	traceID := h.tracer.NewTraceID()
	var attempts []string

	for i, target := range targets {
		provider, ok := snap.Registry.Get(target.Provider)
		if !ok {
			attempts = append(attempts, fmt.Sprintf("%s: not available", target.Provider))
			h.logger.Warn("provider not in registry, trying next",
				"provider", target.Provider, "model", decision.Model)
			continue
		}

		preq := h.buildProviderRequest(r, req, raw, decision, target)

		h.logger.Info("dispatching request",
			"route", string(decision.Kind),
			"model", decision.OriginalModel,
			"provider", target.Provider,
			"upstream_model", target.Model,
			"stream", req.Stream,
			"attempt", fmt.Sprintf("%d/%d", i+1, len(targets)),
		)
		h.tracer.Request(traceID, target.Provider, string(decision.Kind), target.Model, req.Stream, req)

		var err error
		if req.Stream {
			var done bool
			done, err = h.streamAttempt(w, r, provider, preq)
			if done {
				h.routeInfo.Write(target.Model, target.Provider, string(decision.Kind))
				return
			}
		} else {
			var resp *wire.Response
			resp, err = provider.Send(r.Context(), preq)
			if err == nil {
				resp.Model = decision.OriginalModel
				h.writeResponse(w, resp, target, traceID, start)
				h.routeInfo.Write(target.Model, target.Provider, string(decision.Kind))
				return
			}
		}

		h.tracer.Error(traceID, target.Provider, err)
		var ae *apperr.Error
		if errors.As(err, &ae) && !ae.Retryable() {
			// User-attributable upstream rejections must not hide behind
			// further fallbacks.
			apperr.WriteJSON(w, ae)
			return
		}
		attempts = append(attempts, fmt.Sprintf("%s: %v", target.Provider, err))
		h.logger.Warn("provider failed, trying next fallback",
			"provider", target.Provider, "error", err)
	}

	apperr.WriteJSON(w, &apperr.Error{
		Kind:    apperr.AllProvidersFailed,
		Message: fmt.Sprintf("all %d providers failed for model %q: %s", len(targets), decision.Model, strings.Join(attempts, "; ")),
	})
}

func (h *MessagesHandler) buildProviderRequest(
	r *http.Request,
	req *wire.Request,
	raw []byte,
	decision *router.Decision,
	target router.Target,
) *providers.Request {
	preq := &providers.Request{
		Wire:          req,
		Raw:           raw,
		UpstreamModel: target.Model,
		Mutated:       decision.Mutated,
		Beta:          r.Header.Get("anthropic-beta"),
	}
	if target.InjectContinuationPrompt && decision.Kind != router.KindBackground {
		if injected, ok := injectContinuation(req); ok {
			preq.Wire = injected
			preq.Mutated = true
		}
	}
	return preq
}

// injectContinuation prepends the reminder to the last user message when it
// has tool results but no text. The request is copied so other fallback
// attempts see the original.
func injectContinuation(req *wire.Request) (*wire.Request, bool) {
	if len(req.Messages) == 0 {
		return nil, false
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != wire.RoleUser || last.Content.IsText() {
		return nil, false
	}

	hasToolResult := false
	hasText := false
	for _, b := range last.Content.Blocks {
		switch b.Type {
		case wire.BlockTypeToolResult:
			hasToolResult = true
		case wire.BlockTypeText:
			if strings.TrimSpace(b.Text) != "" {
				hasText = true
			}
		}
	}
	if !hasToolResult || hasText {
		return nil, false
	}

	clone := *req
	clone.Messages = make([]wire.Message, len(req.Messages))
	copy(clone.Messages, req.Messages)

	blocks := make([]wire.ContentBlock, 0, len(last.Content.Blocks)+1)
	blocks = append(blocks, wire.TextBlock(continuationReminder))
	blocks = append(blocks, last.Content.Blocks...)
	clone.Messages[len(clone.Messages)-1] = wire.Message{
		Role:    wire.RoleUser,
		Content: wire.BlocksContent(blocks...),
	}
	return &clone, true
}

func (h *MessagesHandler) writeResponse(w http.ResponseWriter, resp *wire.Response, target router.Target, traceID string, start time.Time) {
	latency := time.Since(start)
	h.tracer.Response(traceID, target.Provider, latency, resp)
	h.logger.Info("request succeeded",
		"provider", target.Provider,
		"upstream_model", target.Model,
		"latency_ms", latency.Milliseconds(),
		"output_tokens", resp.Usage.OutputTokens,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

// streamAttempt runs one streaming attempt. It returns done=true when bytes
// were written to the client: from then on fallback is impossible and any
// upstream failure terminates the response with a synthetic error event.
func (h *MessagesHandler) streamAttempt(w http.ResponseWriter, r *http.Request, provider providers.Provider, preq *providers.Request) (done bool, err error) {
	stream, err := provider.SendStream(r.Context(), preq)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	// Hold back the first chunk until it is known good so a dead upstream can
	// still fall back to the next provider.
	first, err := stream.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = apperr.New(apperr.ProviderTransient, "%s produced an empty stream", provider.Name())
		}
		return false, err
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	write := func(chunk []byte) bool {
		if _, werr := w.Write(chunk); werr != nil {
			return false
		}
		if flusher != nil {
			flusher.Flush()
		}
		return true
	}

	if !write(first) {
		return true, nil
	}

	for {
		chunk, nerr := stream.Next()
		if len(chunk) > 0 && !write(chunk) {
			return true, nil
		}
		if nerr != nil {
			if !errors.Is(nerr, io.EOF) {
				h.logger.Error("stream failed after first byte, closing connection", "provider", provider.Name(), "error", nerr)
				write(wire.EncodeSSE(wire.EventError, wire.ErrorEvent{
					Type:  wire.EventError,
					Error: wire.ErrorDetail{Type: "api_error", Message: "upstream stream failed"},
				}))
			}
			return true, nil
		}
	}
}
