package handlers

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// recentWindow bounds the routing history kept for the statusline script.
const recentWindow = 20

// RouteInfoWriter records the last routing decision to a JSON file the
// statusline script reads. Failures are debug-logged and never affect the
// request.
type RouteInfoWriter struct {
	mu     sync.Mutex
	path   string
	recent []string
	logger *slog.Logger
}

func NewRouteInfoWriter(baseDir string, logger *slog.Logger) *RouteInfoWriter {
	w := &RouteInfoWriter{
		path:   filepath.Join(baseDir, "last_routing.json"),
		logger: logger,
	}
	// Seed the history from the previous process, if any.
	if data, err := os.ReadFile(w.path); err == nil {
		var prev struct {
			Recent []string `json:"recent"`
		}
		if json.Unmarshal(data, &prev) == nil {
			w.recent = prev.Recent
		}
	}
	return w
}

// Write records model@provider plus the route kind.
func (w *RouteInfoWriter) Write(model, provider, routeKind string) {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := model + "@" + provider
	w.recent = append([]string{entry}, w.recent...)
	if len(w.recent) > recentWindow {
		w.recent = w.recent[:recentWindow]
	}

	data, err := json.Marshal(map[string]any{
		"model":      model,
		"provider":   provider,
		"route_type": routeKind,
		"timestamp":  time.Now().Format("15:04:05"),
		"recent":     w.recent,
	})
	if err != nil {
		return
	}
	if err := os.WriteFile(w.path, data, 0o644); err != nil {
		w.logger.Debug("failed to write routing info", "error", err)
	}
}
