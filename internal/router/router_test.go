package router

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

func testRouterConfig() config.RouterConfig {
	return config.RouterConfig{
		Default:    "default.model",
		Think:      "think.model",
		Background: "background.model",
		WebSearch:  "websearch.model",
	}
}

func simpleRequest(text string) *wire.Request {
	return &wire.Request{
		Model:     "claude-opus-4",
		MaxTokens: 1024,
		Messages: []wire.Message{
			{Role: wire.RoleUser, Content: wire.TextContent(text)},
		},
	}
}

func TestRoute_Think(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("explain quantum computing")
	req.Thinking = &wire.Thinking{Type: "enabled", BudgetTokens: 8192}

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindThink, decision.Kind)
	assert.Equal(t, "think.model", decision.Model)
	assert.Equal(t, "think.model", req.Model, "model field must be rewritten")
	assert.Equal(t, "claude-opus-4", decision.OriginalModel)
}

func TestRoute_ThinkDisabledFallsThrough(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("x")
	req.Model = "gpt-5"
	req.Thinking = &wire.Thinking{Type: "disabled"}

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindDefault, decision.Kind)
}

func TestRoute_BackgroundDefaultRegex(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("quick task")
	req.Model = "claude-3-5-haiku-20241022"

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindBackground, decision.Kind)
	assert.Equal(t, "background.model", decision.Model)
}

func TestRoute_BackgroundCustomRegex(t *testing.T) {
	cfg := testRouterConfig()
	pattern := "(?i)mini$"
	cfg.BackgroundRegex = &pattern
	r := New(cfg, nil, nil)

	req := simpleRequest("x")
	req.Model = "gpt-5-mini"

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindBackground, decision.Kind)
}

func TestRoute_WebSearchByToolType(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("what's new today")
	req.Tools = []wire.Tool{{Type: "web_search_2025_04", Name: "web_search"}}

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindWebSearch, decision.Kind)
	assert.Equal(t, "websearch.model", decision.Model)
}

func TestRoute_WebSearchBeatsThink(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("search and explain")
	req.Thinking = &wire.Thinking{Type: "enabled", BudgetTokens: 8192}
	req.Tools = []wire.Tool{{Type: "web_search_2025_04"}}

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindWebSearch, decision.Kind)
}

func TestRoute_WebSearchBeatsSubagent(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("x")
	req.System = wire.SystemText("You are helpful. <CCM-SUBAGENT-MODEL>foo</CCM-SUBAGENT-MODEL>")
	req.Tools = []wire.Tool{{Name: "web_search"}}

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindWebSearch, decision.Kind)
}

func TestRoute_SubagentMarkerStringSystem(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("x")
	req.System = wire.SystemText("You are helpful. <CCM-SUBAGENT-MODEL>gpt-5.1</CCM-SUBAGENT-MODEL>")

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindSubagent, decision.Kind)
	assert.Equal(t, "gpt-5.1", decision.Model)
	assert.True(t, decision.Mutated)
	assert.Equal(t, "You are helpful. ", req.System.Text, "marker must be stripped")
}

func TestRoute_SubagentMarkerBlockSystem(t *testing.T) {
	models := []config.Model{{Name: "GLM-4.6"}}
	r := New(testRouterConfig(), models, nil)

	req := simpleRequest("x")
	req.System = wire.SystemBlocks(
		wire.SystemBlock{Type: "text", Text: "base prompt"},
		wire.SystemBlock{Type: "text", Text: "agent prompt <CCM-SUBAGENT-MODEL>glm-4.6</CCM-SUBAGENT-MODEL> tail"},
	)

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindSubagent, decision.Kind)
	// Marker value resolves to the configured model's casing.
	assert.Equal(t, "GLM-4.6", decision.Model)
	assert.Equal(t, "agent prompt  tail", req.System.Blocks[1].Text)
}

func TestRoute_SubagentBeatsThink(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("x")
	req.System = wire.SystemText("<CCM-SUBAGENT-MODEL>special</CCM-SUBAGENT-MODEL>")
	req.Thinking = &wire.Thinking{Type: "enabled"}

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindSubagent, decision.Kind)
	assert.Equal(t, "special", decision.Model)
}

func TestRoute_AutoMapPassthrough(t *testing.T) {
	cfg := testRouterConfig()
	pattern := "^claude-"
	cfg.AutoMapRegex = &pattern
	r := New(cfg, nil, nil)

	req := simpleRequest("x")
	req.Model = "claude-opus-4"

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindPassthrough, decision.Kind)
	assert.Equal(t, "claude-opus-4", decision.Model)
	assert.Equal(t, "claude-opus-4", req.Model, "passthrough must not rewrite")
}

func TestRoute_AutoMapEmptyStringSelectsDefaultPattern(t *testing.T) {
	cfg := testRouterConfig()
	empty := ""
	cfg.AutoMapRegex = &empty
	r := New(cfg, nil, nil)

	req := simpleRequest("x")
	req.Model = "claude-sonnet-4"

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindPassthrough, decision.Kind)
}

func TestRoute_NoAutoMapWhenUnset(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("x")
	req.Model = "glm-4.6"

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindDefault, decision.Kind)
	assert.Equal(t, "default.model", decision.Model)
}

func TestRoute_DefaultUnsetFails(t *testing.T) {
	cfg := config.RouterConfig{}
	cfg.Default = ""
	r := New(cfg, nil, nil)

	req := simpleRequest("x")
	req.Model = "whatever"

	_, err := r.Route(req)
	require.Error(t, err)
	assert.Equal(t, apperr.NoRouteConfigured, apperr.KindOf(err))
}

func TestRoute_PromptRuleStatic(t *testing.T) {
	cfg := testRouterConfig()
	cfg.Rules = []config.PromptRule{
		{Pattern: `\[fast\]`, Model: "fast.model", StripMatch: true},
	}
	r := New(cfg, nil, nil)

	req := simpleRequest("[fast] sort this array")
	req.Model = "gpt-5"
	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindPromptRule, decision.Kind)
	assert.Equal(t, "fast.model", decision.Model)
	assert.Equal(t, "[fast]", decision.MatchedPrompt)
	assert.True(t, decision.Mutated)
	assert.Equal(t, " sort this array", req.Messages[0].Content.Text)
}

func TestRoute_PromptRuleDynamicCapture(t *testing.T) {
	cfg := testRouterConfig()
	cfg.Rules = []config.PromptRule{
		{Pattern: `(?i)CCM-MODEL:([a-zA-Z0-9._-]+)`, Model: "$1", StripMatch: true},
	}
	r := New(cfg, nil, nil)

	req := simpleRequest("CCM-MODEL:deepseek-v3 write a function")
	req.Model = "gpt-5"
	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, "deepseek-v3", decision.Model)
	assert.NotContains(t, req.Messages[0].Content.Text, "CCM-MODEL")
}

func TestRoute_PromptRuleNoStrip(t *testing.T) {
	cfg := testRouterConfig()
	cfg.Rules = []config.PromptRule{
		{Pattern: `\[keep\]`, Model: "fast.model"},
	}
	r := New(cfg, nil, nil)

	req := simpleRequest("[keep] do it")
	req.Model = "gpt-5"
	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.False(t, decision.Mutated)
	assert.Contains(t, req.Messages[0].Content.Text, "[keep]")
}

func TestRoute_InvalidRulePatternSkipped(t *testing.T) {
	cfg := testRouterConfig()
	cfg.Rules = []config.PromptRule{
		{Pattern: `([`, Model: "broken"},
	}
	r := New(cfg, nil, nil)

	req := simpleRequest("x")
	req.Model = "gpt-5"
	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindDefault, decision.Kind)
}

func TestRoute_MalformedToolsCascadeToDefault(t *testing.T) {
	r := New(testRouterConfig(), nil, nil)

	req := simpleRequest("x")
	req.Model = "gpt-5"
	req.Tools = []wire.Tool{{Description: "no name or type", InputSchema: json.RawMessage(`{}`)}}

	decision, err := r.Route(req)
	require.NoError(t, err)
	assert.Equal(t, KindDefault, decision.Kind)
}

func TestMappings_PriorityOrder(t *testing.T) {
	m := NewMappings([]config.Model{
		{
			Name: "glm-4.6",
			Mappings: []config.Mapping{
				{Priority: 2, Provider: "X", Model: "glm-x"},
				{Priority: 1, Provider: "Y", Model: "glm-y"},
			},
		},
	})

	targets, err := m.Resolve("glm-4.6")
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "Y", targets[0].Provider, "lowest priority value goes first")
	assert.Equal(t, "X", targets[1].Provider)
}

func TestMappings_CaseInsensitive(t *testing.T) {
	m := NewMappings([]config.Model{
		{Name: "GLM-4.6", Mappings: []config.Mapping{{Priority: 1, Provider: "zai", Model: "glm-4.6"}}},
	})
	_, err := m.Resolve("glm-4.6")
	assert.NoError(t, err)
}

func TestMappings_UnknownModel(t *testing.T) {
	m := NewMappings(nil)
	_, err := m.Resolve("missing")
	require.Error(t, err)
	assert.Equal(t, apperr.UnknownModel, apperr.KindOf(err))
}

func TestMappings_EmptyMappings(t *testing.T) {
	m := NewMappings([]config.Model{{Name: "empty"}})
	_, err := m.Resolve("empty")
	require.Error(t, err)
	assert.Equal(t, apperr.NoProvidersForModel, apperr.KindOf(err))
}
