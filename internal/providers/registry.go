package providers

import (
	"log/slog"
	"sort"

	"github.com/elidickinson/claude-code-mux/internal/auth"
	"github.com/elidickinson/claude-code-mux/internal/config"
)

// Anthropic-compatible provider types that differ only in their default base
// URL.
var anthropicCompatibleBaseURLs = map[string]string{
	"anthropic_compatible": "",
	"zai":                  "https://api.z.ai/api/anthropic",
	"minimax":              "https://api.minimax.io/anthropic",
	"kimi-coding":          "https://api.kimi.com/coding",
}

// Registry owns the live adapter instances for one configuration snapshot.
// It is immutable after Build.
type Registry struct {
	providers map[string]Provider
	// Skipped records providers omitted at build time and why.
	Skipped map[string]string
}

// Build constructs adapters from provider configs. A provider with an invalid
// configuration is omitted (and recorded) rather than failing the snapshot;
// later lookups answer ProviderNotAvailable through the dispatcher.
func Build(configs []config.ProviderConfig, refresher *auth.Refresher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		providers: make(map[string]Provider, len(configs)),
		Skipped:   make(map[string]string),
	}

	for _, cfg := range configs {
		if cfg.AuthMode != config.AuthModeOAuth && cfg.APIKey == "" {
			r.Skipped[cfg.Name] = "missing api_key"
			logger.Warn("skipping provider", "provider", cfg.Name, "reason", "missing api_key")
			continue
		}

		var p Provider
		switch cfg.Type {
		case "anthropic":
			p = NewAnthropicProvider(cfg, refresher, logger)
		case "openai", "openrouter", "deepinfra", "groq", "together", "fireworks", "cerebras", "moonshot":
			p = NewOpenAIProvider(cfg, logger)
		case "gemini":
			p = NewGeminiProvider(cfg, logger)
		default:
			if base, ok := anthropicCompatibleBaseURLs[cfg.Type]; ok {
				if cfg.BaseURL == "" {
					cfg.BaseURL = base
				}
				if cfg.BaseURL == "" {
					r.Skipped[cfg.Name] = "anthropic_compatible requires base_url"
					logger.Warn("skipping provider", "provider", cfg.Name, "reason", "missing base_url")
					continue
				}
				p = NewAnthropicProvider(cfg, refresher, logger)
			} else {
				r.Skipped[cfg.Name] = "unknown provider type " + cfg.Type
				logger.Warn("skipping provider", "provider", cfg.Name, "type", cfg.Type, "reason", "unknown type")
				continue
			}
		}
		r.providers[cfg.Name] = p
	}
	return r
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Names lists registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
