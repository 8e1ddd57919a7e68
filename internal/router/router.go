// Package router classifies inbound requests into route categories and
// resolves logical models to provider mappings. Routing is pure with respect
// to its compiled configuration and performs no I/O.
package router

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/samber/lo"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/wire"
)

// Kind is the route category a request classified into.
type Kind string

const (
	KindDefault     Kind = "default"
	KindThink       Kind = "think"
	KindBackground  Kind = "background"
	KindWebSearch   Kind = "web-search"
	KindSubagent    Kind = "subagent"
	KindPromptRule  Kind = "prompt-rule"
	KindPassthrough Kind = "passthrough"
)

// subagentMarker matches the in-prompt routing override sentinel.
var subagentMarker = regexp.MustCompile(`<CCM-SUBAGENT-MODEL>(.*?)</CCM-SUBAGENT-MODEL>`)

// captureRef detects $1 / $name / ${1} / ${name} references in a rule's
// model template.
var captureRef = regexp.MustCompile(`\$(?:\d+|[a-zA-Z_]\w*|\{[^}]+\})`)

// Decision is the outcome of classification. Model is the logical model the
// dispatcher resolves; OriginalModel is what the client asked for.
type Decision struct {
	Model         string
	Kind          Kind
	OriginalModel string
	// MatchedPrompt holds the matched phrase for prompt-rule routes.
	MatchedPrompt string
	// Mutated is set when routing edited the request (marker or rule
	// stripping); passthrough senders must then re-serialize those fields.
	Mutated bool
}

type compiledRule struct {
	re         *regexp.Regexp
	model      string
	stripMatch bool
	dynamic    bool
}

// Router evaluates the classification rules against a request.
type Router struct {
	cfg             config.RouterConfig
	modelNames      []string
	autoMapRegex    *regexp.Regexp
	backgroundRegex *regexp.Regexp
	rules           []compiledRule
	logger          *slog.Logger
}

// New compiles the router configuration. Invalid regexes fall back to the
// documented defaults (background) or are skipped (rules) rather than failing
// the whole snapshot.
func New(cfg config.RouterConfig, models []config.Model, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		cfg:        cfg,
		modelNames: lo.Map(models, func(m config.Model, _ int) string { return m.Name }),
		logger:     logger,
	}

	r.backgroundRegex = compileOrDefault(cfg.BackgroundRegex, config.DefaultBackgroundRegex, "background_regex", logger)
	if cfg.AutoMapRegex != nil {
		r.autoMapRegex = compileOrDefault(cfg.AutoMapRegex, config.DefaultAutoMapRegex, "auto_map_regex", logger)
	}

	for _, rule := range cfg.Rules {
		re, err := regexp.Compile(rule.Pattern)
		if err != nil {
			logger.Warn("skipping invalid prompt rule", "pattern", rule.Pattern, "error", err)
			continue
		}
		r.rules = append(r.rules, compiledRule{
			re:         re,
			model:      rule.Model,
			stripMatch: rule.StripMatch,
			dynamic:    strings.Contains(rule.Model, "$") && captureRef.MatchString(rule.Model),
		})
	}
	return r
}

// compileOrDefault compiles pattern; an empty string selects def, an invalid
// pattern logs and falls back to def. A nil pattern also selects def.
func compileOrDefault(pattern *string, def, name string, logger *slog.Logger) *regexp.Regexp {
	p := def
	if pattern != nil && *pattern != "" {
		p = *pattern
	}
	re, err := regexp.Compile(p)
	if err != nil {
		logger.Warn("invalid pattern, using default", "field", name, "pattern", p, "error", err)
		re = regexp.MustCompile(def)
	}
	return re
}

// Route classifies the request and rewrites its model field to the logical
// model unless the category is passthrough. Category priority: WebSearch,
// Subagent, Think, Background, then prompt rules, then Default. Exactly one
// category wins.
func (r *Router) Route(req *wire.Request) (*Decision, error) {
	original := req.Model

	if r.autoMapRegex != nil && r.autoMapRegex.MatchString(req.Model) {
		return &Decision{Model: req.Model, Kind: KindPassthrough, OriginalModel: original}, nil
	}

	if hasWebSearchTool(req.Tools) {
		return r.decide(req, KindWebSearch, r.cfg.WebSearch, original, "", false)
	}

	if model, ok := r.extractSubagentModel(req); ok {
		name := r.resolveSubagentName(model)
		req.Model = name
		return &Decision{
			Model:         name,
			Kind:          KindSubagent,
			OriginalModel: original,
			Mutated:       true,
		}, nil
	}

	if req.Thinking.Enabled() {
		return r.decide(req, KindThink, r.cfg.Think, original, "", false)
	}

	if r.cfg.Background != "" && r.backgroundRegex.MatchString(original) {
		return r.decide(req, KindBackground, r.cfg.Background, original, "", false)
	}

	if model, matched, mutated, ok := r.matchPromptRule(req); ok {
		return r.decide(req, KindPromptRule, model, original, matched, mutated)
	}

	return r.decide(req, KindDefault, r.cfg.Default, original, "", false)
}

func (r *Router) decide(req *wire.Request, kind Kind, model, original, matched string, mutated bool) (*Decision, error) {
	if model == "" {
		return nil, apperr.New(apperr.NoRouteConfigured, "no %s model configured", kind)
	}
	req.Model = model
	return &Decision{
		Model:         model,
		Kind:          kind,
		OriginalModel: original,
		MatchedPrompt: matched,
		Mutated:       mutated,
	}, nil
}

// hasWebSearchTool reports whether tools contains a server web-search tool,
// matched by type prefix or by name.
func hasWebSearchTool(tools []wire.Tool) bool {
	return lo.SomeBy(tools, func(t wire.Tool) bool {
		return strings.HasPrefix(t.Type, "web_search") || t.Name == "web_search"
	})
}

// extractSubagentModel scans the whole system prompt for the subagent marker,
// returns its value and removes the marker from the outgoing prompt.
func (r *Router) extractSubagentModel(req *wire.Request) (string, bool) {
	if req.System == nil {
		return "", false
	}

	if req.System.IsText() {
		m := subagentMarker.FindStringSubmatch(req.System.Text)
		if m == nil {
			return "", false
		}
		req.System.Text = subagentMarker.ReplaceAllString(req.System.Text, "")
		return m[1], true
	}

	for i := range req.System.Blocks {
		block := &req.System.Blocks[i]
		m := subagentMarker.FindStringSubmatch(block.Text)
		if m == nil {
			continue
		}
		block.Text = subagentMarker.ReplaceAllString(block.Text, "")
		return m[1], true
	}
	return "", false
}

// resolveSubagentName prefers a configured logical model matching the marker
// value case-insensitively. An empty marker value selects the subagent slot
// when one is configured; otherwise the marker value is used as-is.
func (r *Router) resolveSubagentName(name string) string {
	if configured, ok := lo.Find(r.modelNames, func(n string) bool {
		return strings.EqualFold(n, name)
	}); ok {
		return configured
	}
	if r.cfg.Subagent != "" && name == "" {
		return r.cfg.Subagent
	}
	return name
}

// matchPromptRule checks each rule, in order, against the last user message.
func (r *Router) matchPromptRule(req *wire.Request) (model, matched string, mutated, ok bool) {
	if len(r.rules) == 0 {
		return "", "", false, false
	}

	idx := lastUserMessage(req.Messages)
	if idx < 0 {
		return "", "", false, false
	}
	text := req.Messages[idx].Content.PlainText()
	if text == "" {
		return "", "", false, false
	}

	for _, rule := range r.rules {
		loc := rule.re.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		matched = text[loc[0]:loc[1]]

		model = rule.model
		if rule.dynamic {
			model = string(rule.re.Expand(nil, []byte(rule.model), []byte(text), loc))
		}

		if rule.stripMatch {
			stripRuleMatch(&req.Messages[idx], rule.re)
			mutated = true
		}
		return model, matched, mutated, true
	}
	return "", "", false, false
}

func lastUserMessage(messages []wire.Message) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == wire.RoleUser {
			return i
		}
	}
	return -1
}

func stripRuleMatch(msg *wire.Message, re *regexp.Regexp) {
	if msg.Content.IsText() {
		msg.Content = wire.TextContent(re.ReplaceAllString(msg.Content.Text, ""))
		return
	}
	for i := range msg.Content.Blocks {
		b := &msg.Content.Blocks[i]
		if b.Type == wire.BlockTypeText {
			b.Text = re.ReplaceAllString(b.Text, "")
		}
	}
}

// String implements fmt.Stringer for log lines like "think:claude-sonnet".
func (d *Decision) String() string {
	return fmt.Sprintf("%s:%s", d.Kind, d.Model)
}
