package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/state"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

// CountTokensHandler serves POST /v1/messages/count_tokens. It routes like a
// normal request so the count comes from the provider that would serve it,
// and never streams.
type CountTokensHandler struct {
	cell   *state.Cell
	logger *slog.Logger
}

func NewCountTokensHandler(cell *state.Cell, logger *slog.Logger) *CountTokensHandler {
	return &CountTokensHandler{cell: cell, logger: logger}
}

func (h *CountTokensHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "read request body: %v", err))
		return
	}

	var req wire.CountTokensRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "invalid count_tokens request: %v", err))
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		apperr.WriteJSON(w, apperr.New(apperr.InvalidRequest, "model and messages are required"))
		return
	}

	snap := h.cell.Load()

	// Routing needs a full request shape; max_tokens is a dummy.
	routing := wire.Request{
		Model:     req.Model,
		Messages:  req.Messages,
		MaxTokens: 1024,
		System:    req.System,
		Tools:     req.Tools,
	}
	decision, err := snap.Router.Route(&routing)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	targets, err := snap.Mappings.Resolve(decision.Model)
	if err != nil {
		apperr.WriteJSON(w, err)
		return
	}

	var lastErr error
	for _, target := range targets {
		provider, ok := snap.Registry.Get(target.Provider)
		if !ok {
			continue
		}
		scoped := req
		scoped.Model = target.Model
		resp, err := provider.CountTokens(r.Context(), &scoped)
		if err != nil {
			lastErr = err
			h.logger.Debug("count_tokens failed, trying next mapping",
				"provider", target.Provider, "error", err)
			continue
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
		return
	}

	if lastErr == nil {
		lastErr = apperr.New(apperr.AllProvidersFailed, "no provider available to count tokens for %q", decision.Model)
	}
	apperr.WriteJSON(w, lastErr)
}
