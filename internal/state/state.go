// Package state holds the reloadable snapshot cell: an atomically swappable
// bundle of configuration, router, model mappings and provider registry.
// Reads clone a pointer under a briefly-held lock; in-flight requests keep
// using the snapshot they started with across reloads.
package state

import (
	"log/slog"
	"sync"

	"github.com/elidickinson/claude-code-mux/internal/auth"
	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/providers"
	"github.com/elidickinson/claude-code-mux/internal/router"
)

// Snapshot is one immutable generation of reloadable state.
type Snapshot struct {
	Config   *config.Config
	Router   *router.Router
	Mappings *router.Mappings
	Registry *providers.Registry
	// Dropped lists providers removed during config parsing (bad env refs).
	Dropped []string
}

// Cell is the holder. The zero value is unusable; construct with NewCell.
type Cell struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewCell(snap *Snapshot) *Cell {
	return &Cell{snap: snap}
}

// Load returns the current snapshot. The lock is held only for the pointer
// copy; callers never block a concurrent swap.
func (c *Cell) Load() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snap
}

// Store swaps in a fully-built snapshot.
func (c *Cell) Store(snap *Snapshot) {
	c.mu.Lock()
	c.snap = snap
	c.mu.Unlock()
}

// BuildSnapshot constructs a snapshot from the on-disk config. Everything is
// built before the caller swaps, so a failed build leaves the old snapshot
// untouched.
func BuildSnapshot(mgr *config.Manager, refresher *auth.Refresher, logger *slog.Logger) (*Snapshot, error) {
	cfg, dropped, err := mgr.Load()
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Config:   cfg,
		Router:   router.New(cfg.Router, cfg.Models, logger),
		Mappings: router.NewMappings(cfg.Models),
		Registry: providers.Build(cfg.Providers, refresher, logger),
		Dropped:  dropped,
	}, nil
}

// Reloader serializes snapshot rebuilds. Concurrent reload requests queue;
// each produces a complete snapshot, last writer wins.
type Reloader struct {
	mu        sync.Mutex
	cell      *Cell
	mgr       *config.Manager
	refresher *auth.Refresher
	logger    *slog.Logger
}

func NewReloader(cell *Cell, mgr *config.Manager, refresher *auth.Refresher, logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{cell: cell, mgr: mgr, refresher: refresher, logger: logger}
}

// Reload rebuilds from disk and swaps on success. On failure the previous
// snapshot remains live and the error is returned to the caller.
func (r *Reloader) Reload() (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, err := BuildSnapshot(r.mgr, r.refresher, r.logger)
	if err != nil {
		r.logger.Error("config reload failed, keeping previous snapshot", "error", err)
		return nil, err
	}
	r.cell.Store(snap)
	r.logger.Info("configuration reloaded",
		"providers", len(snap.Registry.Names()),
		"models", len(snap.Mappings.Names()),
	)
	return snap, nil
}
