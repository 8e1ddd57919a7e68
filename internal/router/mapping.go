package router

import (
	"sort"
	"strings"

	"github.com/elidickinson/claude-code-mux/internal/apperr"
	"github.com/elidickinson/claude-code-mux/internal/config"
)

// Target is one concrete (provider, upstream model) pair a logical model
// resolves to.
type Target struct {
	Provider                 string
	Model                    string
	Priority                 int
	InjectContinuationPrompt bool
}

// Mappings resolves logical model names to ordered provider targets. Lookup
// is case-insensitive; the returned order is ascending priority.
type Mappings struct {
	byName map[string][]Target
}

// NewMappings indexes the [[models]] config entries.
func NewMappings(models []config.Model) *Mappings {
	m := &Mappings{byName: make(map[string][]Target, len(models))}
	for _, model := range models {
		targets := make([]Target, 0, len(model.Mappings))
		for _, mapping := range model.Mappings {
			targets = append(targets, Target{
				Provider:                 mapping.Provider,
				Model:                    mapping.Model,
				Priority:                 mapping.Priority,
				InjectContinuationPrompt: mapping.InjectContinuationPrompt,
			})
		}
		sort.SliceStable(targets, func(i, j int) bool {
			return targets[i].Priority < targets[j].Priority
		})
		m.byName[strings.ToLower(model.Name)] = targets
	}
	return m
}

// Resolve returns the ordered targets for a logical model.
func (m *Mappings) Resolve(logical string) ([]Target, error) {
	targets, ok := m.byName[strings.ToLower(logical)]
	if !ok {
		return nil, apperr.New(apperr.UnknownModel, "no model mapping for %q", logical)
	}
	if len(targets) == 0 {
		return nil, apperr.New(apperr.NoProvidersForModel, "model %q has no provider mappings", logical)
	}
	return targets, nil
}

// Has reports whether a logical model is configured.
func (m *Mappings) Has(logical string) bool {
	_, ok := m.byName[strings.ToLower(logical)]
	return ok
}

// Names lists the configured logical model names.
func (m *Mappings) Names() []string {
	names := make([]string, 0, len(m.byName))
	for name := range m.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
