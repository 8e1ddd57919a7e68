package state

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elidickinson/claude-code-mux/internal/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeConfig(t *testing.T, dir, routerDefault string) *config.Manager {
	t.Helper()
	mgr := config.NewManager(dir)
	body := `
[router]
default = "` + routerDefault + `"

[[providers]]
name = "anthropic"
type = "anthropic"
api_key = "sk-test"

[[models]]
name = "` + routerDefault + `"

[[models.mappings]]
priority = 1
provider = "anthropic"
model = "claude-sonnet-4-5"
`
	require.NoError(t, os.MkdirAll(dir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.DefaultConfigFilename), []byte(body), 0o644))
	return mgr
}

func TestBuildSnapshot(t *testing.T) {
	mgr := writeConfig(t, t.TempDir(), "model-a")

	snap, err := BuildSnapshot(mgr, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"anthropic"}, snap.Registry.Names())
	assert.True(t, snap.Mappings.Has("model-a"))
	assert.NotNil(t, snap.Router)
}

func TestCell_InFlightRequestsKeepOldSnapshot(t *testing.T) {
	dir := t.TempDir()
	mgr := writeConfig(t, dir, "model-a")

	snapA, err := BuildSnapshot(mgr, nil, nil)
	require.NoError(t, err)
	cell := NewCell(snapA)

	held := cell.Load()

	writeConfig(t, dir, "model-b")
	reloader := NewReloader(cell, mgr, nil, discardLogger())
	snapB, err := reloader.Reload()
	require.NoError(t, err)

	// The held snapshot still resolves the old model; new loads see the new
	// one. Router and mappings always come from the same generation.
	assert.True(t, held.Mappings.Has("model-a"))
	assert.False(t, held.Mappings.Has("model-b"))
	assert.Same(t, snapA, held)

	current := cell.Load()
	assert.Same(t, snapB, current)
	assert.True(t, current.Mappings.Has("model-b"))
	assert.False(t, current.Mappings.Has("model-a"))
}

func TestReloader_FailedBuildKeepsOldSnapshot(t *testing.T) {
	dir := t.TempDir()
	mgr := writeConfig(t, dir, "model-a")

	snapA, err := BuildSnapshot(mgr, nil, nil)
	require.NoError(t, err)
	cell := NewCell(snapA)
	reloader := NewReloader(cell, mgr, nil, discardLogger())

	// Break the on-disk config.
	require.NoError(t, os.WriteFile(mgr.Path(), []byte("[[broken"), 0o644))

	_, err = reloader.Reload()
	require.Error(t, err)
	assert.Same(t, snapA, cell.Load(), "failed build never swaps")
}

func TestReloader_ConcurrentReloadsSerialize(t *testing.T) {
	dir := t.TempDir()
	mgr := writeConfig(t, dir, "model-a")

	snap, err := BuildSnapshot(mgr, nil, nil)
	require.NoError(t, err)
	cell := NewCell(snap)
	reloader := NewReloader(cell, mgr, nil, discardLogger())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := reloader.Reload()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.True(t, cell.Load().Mappings.Has("model-a"))
}
