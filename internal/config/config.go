// Package config loads and persists the TOML configuration file. Loaded
// values are immutable; a reload builds a fresh Config rather than mutating a
// live one.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 13456
	DefaultConfigFilename = "config.toml"

	// DefaultBackgroundRegex matches the Haiku family the client uses for
	// background tasks.
	DefaultBackgroundRegex = "(?i)claude.*haiku"
	// DefaultAutoMapRegex is used when auto_map_regex is present but empty.
	DefaultAutoMapRegex = "^claude-"
)

// Provider auth modes.
const (
	AuthModeAPIKey = "api_key"
	AuthModeOAuth  = "oauth"
	AuthModeBearer = "bearer"
)

type ServerConfig struct {
	Host      string `toml:"host"`
	Port      int    `toml:"port"`
	TraceFile string `toml:"trace_file,omitempty"`
}

// PromptRule routes by regex match on the last user message. Model may
// reference capture groups ($1, ${name}).
type PromptRule struct {
	Pattern    string `toml:"pattern"`
	Model      string `toml:"model"`
	StripMatch bool   `toml:"strip_match,omitempty"`
}

type RouterConfig struct {
	Default         string       `toml:"default"`
	Think           string       `toml:"think,omitempty"`
	Background      string       `toml:"background,omitempty"`
	WebSearch       string       `toml:"websearch,omitempty"`
	Subagent        string       `toml:"subagent,omitempty"`
	BackgroundRegex *string      `toml:"background_regex,omitempty"`
	AutoMapRegex    *string      `toml:"auto_map_regex,omitempty"`
	Rules           []PromptRule `toml:"rules,omitempty"`
}

type ProviderConfig struct {
	Name         string            `toml:"name"`
	Type         string            `toml:"type"`
	APIKey       string            `toml:"api_key,omitempty"`
	BaseURL      string            `toml:"base_url,omitempty"`
	AuthMode     string            `toml:"auth_mode,omitempty"`
	ExtraHeaders map[string]string `toml:"extra_headers,omitempty"`
}

// Mapping is one (provider, upstream model) pair of a logical model.
type Mapping struct {
	Priority                 int    `toml:"priority"`
	Provider                 string `toml:"provider"`
	Model                    string `toml:"model"`
	InjectContinuationPrompt bool   `toml:"inject_continuation_prompt,omitempty"`
}

// Model binds a logical model name to its ordered provider mappings.
type Model struct {
	Name     string    `toml:"name"`
	Mappings []Mapping `toml:"mappings"`
}

type Config struct {
	Server    ServerConfig     `toml:"server"`
	Router    RouterConfig     `toml:"router"`
	Providers []ProviderConfig `toml:"providers"`
	Models    []Model          `toml:"models"`
}

var envRefPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ExpandEnv resolves ${VAR} references. The second return is false when a
// referenced variable is not set.
func ExpandEnv(s string) (string, bool) {
	ok := true
	out := envRefPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := match[2 : len(match)-1]
		value, found := os.LookupEnv(name)
		if !found {
			ok = false
			return match
		}
		return value
	})
	return out, ok
}

// Manager owns the on-disk configuration file.
type Manager struct {
	path string
}

func NewManager(baseDir string) *Manager {
	return &Manager{path: filepath.Join(baseDir, DefaultConfigFilename)}
}

func NewManagerWithPath(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Load reads and decodes the config file, applies defaults and expands
// environment references in provider API keys. A provider whose env
// reference is missing is dropped from the result; the caller decides
// whether that is worth surfacing.
func (m *Manager) Load() (*Config, []string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes TOML bytes into a validated Config. The second return lists
// providers that were dropped and why.
func Parse(data []byte) (*Config, []string, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Router.Default == "" {
		return nil, nil, fmt.Errorf("router.default is required")
	}

	var dropped []string
	kept := cfg.Providers[:0]
	for _, p := range cfg.Providers {
		if p.Name == "" || p.Type == "" {
			dropped = append(dropped, fmt.Sprintf("provider %q: name and type are required", p.Name))
			continue
		}
		if p.AuthMode == "" {
			p.AuthMode = AuthModeAPIKey
		}
		key, ok := ExpandEnv(p.APIKey)
		if !ok {
			dropped = append(dropped, fmt.Sprintf("provider %q: unresolved env reference in api_key", p.Name))
			continue
		}
		p.APIKey = key
		if url, ok := ExpandEnv(p.BaseURL); ok {
			p.BaseURL = url
		}
		kept = append(kept, p)
	}
	cfg.Providers = kept

	for _, model := range cfg.Models {
		if model.Name == "" {
			return nil, nil, fmt.Errorf("models entry without a name")
		}
	}

	return &cfg, dropped, nil
}

// Save writes raw config bytes atomically: parse-check, write temp, rename.
func (m *Manager) Save(data []byte) error {
	if _, _, err := Parse(data); err != nil {
		return err
	}
	return atomicWrite(m.path, data, 0o644)
}

// SaveConfig serializes and atomically writes a Config value.
func (m *Manager) SaveConfig(cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return atomicWrite(m.path, data, 0o644)
}

func atomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// Sample is the config written by `ccm config init`.
func Sample() *Config {
	bg := DefaultBackgroundRegex
	return &Config{
		Server: ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Router: RouterConfig{
			Default:         "claude-sonnet",
			Background:      "claude-haiku",
			Think:           "claude-sonnet",
			BackgroundRegex: &bg,
		},
		Providers: []ProviderConfig{
			{
				Name:     "anthropic",
				Type:     "anthropic",
				APIKey:   "${ANTHROPIC_API_KEY}",
				AuthMode: AuthModeAPIKey,
			},
		},
		Models: []Model{
			{
				Name: "claude-sonnet",
				Mappings: []Mapping{
					{Priority: 1, Provider: "anthropic", Model: "claude-sonnet-4-5"},
				},
			},
			{
				Name: "claude-haiku",
				Mappings: []Mapping{
					{Priority: 1, Provider: "anthropic", Model: "claude-haiku-4-5"},
				},
			},
		},
	}
}
