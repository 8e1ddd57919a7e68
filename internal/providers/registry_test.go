package providers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elidickinson/claude-code-mux/internal/config"
)

func TestRegistry_BuildAllFamilies(t *testing.T) {
	r := Build([]config.ProviderConfig{
		{Name: "anthropic", Type: "anthropic", APIKey: "k1"},
		{Name: "openrouter", Type: "openrouter", APIKey: "k2"},
		{Name: "gemini", Type: "gemini", APIKey: "k3"},
		{Name: "zai", Type: "zai", APIKey: "k4"},
	}, nil, nil)

	assert.Equal(t, []string{"anthropic", "gemini", "openrouter", "zai"}, r.Names())
	assert.Empty(t, r.Skipped)

	p, ok := r.Get("openrouter")
	require.True(t, ok)
	assert.IsType(t, &OpenAIProvider{}, p)

	p, ok = r.Get("zai")
	require.True(t, ok)
	assert.IsType(t, &AnthropicProvider{}, p)
}

func TestRegistry_MissingAPIKeyOmitsProvider(t *testing.T) {
	r := Build([]config.ProviderConfig{
		{Name: "broken", Type: "openai"},
		{Name: "good", Type: "openai", APIKey: "k"},
	}, nil, nil)

	_, ok := r.Get("broken")
	assert.False(t, ok, "misconfigured provider is omitted, not fatal")
	assert.Contains(t, r.Skipped, "broken")

	_, ok = r.Get("good")
	assert.True(t, ok)
}

func TestRegistry_OAuthProviderNeedsNoKey(t *testing.T) {
	r := Build([]config.ProviderConfig{
		{Name: "claude-max", Type: "anthropic", AuthMode: config.AuthModeOAuth},
	}, nil, nil)

	_, ok := r.Get("claude-max")
	assert.True(t, ok)
}

func TestRegistry_UnknownTypeSkipped(t *testing.T) {
	r := Build([]config.ProviderConfig{
		{Name: "weird", Type: "carrier-pigeon", APIKey: "k"},
	}, nil, nil)

	_, ok := r.Get("weird")
	assert.False(t, ok)
	assert.Contains(t, r.Skipped["weird"], "unknown provider type")
}

func TestRegistry_AnthropicCompatibleRequiresBaseURL(t *testing.T) {
	r := Build([]config.ProviderConfig{
		{Name: "custom", Type: "anthropic_compatible", APIKey: "k"},
		{Name: "custom2", Type: "anthropic_compatible", APIKey: "k", BaseURL: "https://example.test/anthropic"},
	}, nil, nil)

	_, ok := r.Get("custom")
	assert.False(t, ok)
	_, ok = r.Get("custom2")
	assert.True(t, ok)
}
