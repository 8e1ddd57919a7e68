package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/providers"
	"github.com/elidickinson/claude-code-mux/internal/router"
	"github.com/elidickinson/claude-code-mux/internal/state"
)

func TestChatCompletions_RoundTrip(t *testing.T) {
	upstream := httptest.NewServer(anthropicOK(nil))
	defer upstream.Close()

	cfg := &config.Config{
		Router: config.RouterConfig{Default: "m"},
		Providers: []config.ProviderConfig{
			{Name: "prov", Type: "anthropic_compatible", APIKey: "k", BaseURL: upstream.URL},
		},
		Models: []config.Model{
			{Name: "m", Mappings: []config.Mapping{{Priority: 1, Provider: "prov", Model: "claude-sonnet-4-5"}}},
		},
	}
	logger := discardLogger()
	cell := state.NewCell(&state.Snapshot{
		Config:   cfg,
		Router:   router.New(cfg.Router, cfg.Models, logger),
		Mappings: router.NewMappings(cfg.Models),
		Registry: providers.Build(cfg.Providers, nil, logger),
	})
	h := NewChatCompletionsHandler(cell, logger)

	body := `{"model":"gpt-5","messages":[
		{"role":"system","content":"be nice"},
		{"role":"user","content":"hello"}
	]}`
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp chatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "chat.completion", resp.Object)
	assert.Equal(t, "gpt-5", resp.Model, "client sees its requested model")
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "hello from upstream", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
	assert.Equal(t, 8, resp.Usage.TotalTokens)
}

func TestChatCompletions_StreamingRejected(t *testing.T) {
	logger := discardLogger()
	cell := state.NewCell(&state.Snapshot{
		Config:   &config.Config{Router: config.RouterConfig{Default: "m"}},
		Router:   router.New(config.RouterConfig{Default: "m"}, nil, logger),
		Mappings: router.NewMappings(nil),
		Registry: providers.Build(nil, nil, logger),
	})
	h := NewChatCompletionsHandler(cell, logger)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat/completions",
		strings.NewReader(`{"model":"m","stream":true,"messages":[{"role":"user","content":"x"}]}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatToAnthropic(t *testing.T) {
	req := &chatRequest{
		Model: "m",
		Messages: []chatMessage{
			{Role: "system", Content: "a"},
			{Role: "system", Content: "b"},
			{Role: "user", Content: "question"},
		},
	}
	out, err := chatToAnthropic(req)
	require.NoError(t, err)
	assert.Equal(t, "a\nb", out.System.PlainText())
	require.Len(t, out.Messages, 1)
	assert.Equal(t, 4096, out.MaxTokens, "default applied")

	_, err = chatToAnthropic(&chatRequest{Model: "m"})
	assert.Error(t, err)
}
