package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/pelletier/go-toml/v2"

	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/state"
)

// AdminHandler serves the config REST API. Writes only touch the on-disk
// file; the live snapshot changes when /api/reload runs.
type AdminHandler struct {
	cell     *state.Cell
	mgr      *config.Manager
	reloader *state.Reloader
	logger   *slog.Logger
}

func NewAdminHandler(cell *state.Cell, mgr *config.Manager, reloader *state.Reloader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{cell: cell, mgr: mgr, reloader: reloader, logger: logger}
}

// GetConfig returns the live snapshot's configuration as JSON.
func (h *AdminHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	snap := h.cell.Load()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap.Config)
}

// UpdateConfig overwrites the on-disk config. The body may be TOML (stored
// verbatim) or JSON (converted). Invalid configs are rejected with 400 and
// the file is left untouched.
func (h *AdminHandler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeAdminError(w, http.StatusBadRequest, "read body: "+err.Error())
		return
	}

	if r.Header.Get("Content-Type") == "application/json" {
		var cfg config.Config
		if err := json.Unmarshal(body, &cfg); err != nil {
			writeAdminError(w, http.StatusBadRequest, "parse config: "+err.Error())
			return
		}
		if body, err = toml.Marshal(cfg); err != nil {
			writeAdminError(w, http.StatusBadRequest, "convert config: "+err.Error())
			return
		}
	}

	if err := h.mgr.Save(body); err != nil {
		writeAdminError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.Info("configuration file updated", "path", h.mgr.Path())
	w.WriteHeader(http.StatusNoContent)
}

// Reload rebuilds the snapshot from the on-disk config. On failure the old
// snapshot stays live.
func (h *AdminHandler) Reload(w http.ResponseWriter, _ *http.Request) {
	snap, err := h.reloader.Reload()
	if err != nil {
		writeAdminError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    "ok",
		"providers": snap.Registry.Names(),
		"models":    snap.Mappings.Names(),
		"dropped":   snap.Dropped,
	})
}

func writeAdminError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
