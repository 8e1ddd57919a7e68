package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/state"
)

const adminTestConfig = `
[router]
default = "model-a"

[[providers]]
name = "anthropic"
type = "anthropic"
api_key = "sk-test"

[[models]]
name = "model-a"

[[models.mappings]]
priority = 1
provider = "anthropic"
model = "claude-sonnet-4-5"
`

func newAdminHandler(t *testing.T) (*AdminHandler, *state.Cell, *config.Manager) {
	t.Helper()
	dir := t.TempDir()
	mgr := config.NewManager(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFilename), []byte(adminTestConfig), 0o644))

	logger := discardLogger()
	snap, err := state.BuildSnapshot(mgr, nil, logger)
	require.NoError(t, err)
	cell := state.NewCell(snap)
	reloader := state.NewReloader(cell, mgr, nil, logger)
	return NewAdminHandler(cell, mgr, reloader, logger), cell, mgr
}

func TestAdmin_GetConfig(t *testing.T) {
	h, _, _ := newAdminHandler(t)

	rec := httptest.NewRecorder()
	h.GetConfig(rec, httptest.NewRequest(http.MethodGet, "/api/config", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var cfg config.Config
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cfg))
	assert.Equal(t, "model-a", cfg.Router.Default)
}

func TestAdmin_UpdateConfigDoesNotTouchSnapshot(t *testing.T) {
	h, cell, mgr := newAdminHandler(t)

	updated := strings.Replace(adminTestConfig, `default = "model-a"`, `default = "model-b"`, 1)
	updated = strings.Replace(updated, `name = "model-a"`, `name = "model-b"`, 1)

	rec := httptest.NewRecorder()
	h.UpdateConfig(rec, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(updated)))
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	// The file changed, the live snapshot did not.
	cfg, _, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, "model-b", cfg.Router.Default)
	assert.Equal(t, "model-a", cell.Load().Config.Router.Default)
}

func TestAdmin_UpdateConfigRejectsInvalid(t *testing.T) {
	h, _, mgr := newAdminHandler(t)

	rec := httptest.NewRecorder()
	h.UpdateConfig(rec, httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader("not [ toml")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	cfg, _, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, "model-a", cfg.Router.Default, "invalid write left the file untouched")
}

func TestAdmin_ReloadSwapsSnapshot(t *testing.T) {
	h, cell, mgr := newAdminHandler(t)

	updated := strings.ReplaceAll(adminTestConfig, "model-a", "model-b")
	require.NoError(t, mgr.Save([]byte(updated)))

	rec := httptest.NewRecorder()
	h.Reload(rec, httptest.NewRequest(http.MethodPost, "/api/reload", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, "model-b", cell.Load().Config.Router.Default)
	assert.True(t, cell.Load().Mappings.Has("model-b"))
}

func TestAdmin_ReloadFailureKeepsSnapshot(t *testing.T) {
	h, cell, mgr := newAdminHandler(t)

	require.NoError(t, os.WriteFile(mgr.Path(), []byte("[[broken"), 0o644))

	rec := httptest.NewRecorder()
	h.Reload(rec, httptest.NewRequest(http.MethodPost, "/api/reload", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "model-a", cell.Load().Config.Router.Default)
}
