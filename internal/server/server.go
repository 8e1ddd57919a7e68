// Package server wires the HTTP surface together: routes, middleware, the
// snapshot cell, and the config-file watcher that drives automatic reloads.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"

	"github.com/elidickinson/claude-code-mux/internal/auth"
	"github.com/elidickinson/claude-code-mux/internal/config"
	"github.com/elidickinson/claude-code-mux/internal/handlers"
	"github.com/elidickinson/claude-code-mux/internal/middleware"
	"github.com/elidickinson/claude-code-mux/internal/state"
	"github.com/elidickinson/claude-code-mux/internal/trace"
)

// Server owns the HTTP listener and the reload machinery. The listener
// address and the token store identity are fixed for the process lifetime;
// everything else swaps via the snapshot cell.
type Server struct {
	cfgMgr   *config.Manager
	cell     *state.Cell
	reloader *state.Reloader
	tracer   *trace.Tracer
	baseDir  string
	logger   *slog.Logger
	httpSrv  *http.Server
}

// New builds the initial snapshot and the server around it.
func New(cfgMgr *config.Manager, baseDir string, logger *slog.Logger) (*Server, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	tokenPath := filepath.Join(baseDir, "oauth_tokens.json")
	store, err := auth.NewStore(tokenPath)
	if err != nil {
		return nil, fmt.Errorf("init token store: %w", err)
	}
	if providers := store.Providers(); len(providers) > 0 {
		logger.Info("loaded OAuth tokens", "providers", providers)
	}
	refresher := auth.NewRefresher(store, nil)

	snap, err := state.BuildSnapshot(cfgMgr, refresher, logger)
	if err != nil {
		return nil, err
	}
	for _, msg := range snap.Dropped {
		logger.Warn("provider dropped from configuration", "reason", msg)
	}
	logger.Info("snapshot built",
		"providers", snap.Registry.Names(),
		"models", snap.Mappings.Names(),
	)

	cell := state.NewCell(snap)
	return &Server{
		cfgMgr:   cfgMgr,
		cell:     cell,
		reloader: state.NewReloader(cell, cfgMgr, refresher, logger),
		tracer:   trace.New(snap.Config.Server.TraceFile, logger),
		baseDir:  baseDir,
		logger:   logger,
	}, nil
}

// Cell exposes the snapshot cell, used by tests.
func (s *Server) Cell() *state.Cell { return s.cell }

func (s *Server) routes() http.Handler {
	r := mux.NewRouter()

	routeInfo := handlers.NewRouteInfoWriter(s.baseDir, s.logger)
	messages := handlers.NewMessagesHandler(s.cell, s.tracer, routeInfo, s.logger)
	countTokens := handlers.NewCountTokensHandler(s.cell, s.logger)
	chat := handlers.NewChatCompletionsHandler(s.cell, s.logger)
	admin := handlers.NewAdminHandler(s.cell, s.cfgMgr, s.reloader, s.logger)

	r.Handle("/v1/messages", messages).Methods(http.MethodPost)
	r.Handle("/v1/messages/count_tokens", countTokens).Methods(http.MethodPost)
	r.Handle("/v1/chat/completions", chat).Methods(http.MethodPost)

	r.HandleFunc("/api/config", admin.GetConfig).Methods(http.MethodGet)
	r.HandleFunc("/api/config", admin.UpdateConfig).Methods(http.MethodPost)
	r.HandleFunc("/api/reload", admin.Reload).Methods(http.MethodPost)

	r.Handle("/health", handlers.NewHealthHandler()).Methods(http.MethodGet)

	chain := middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.Logging(s.logger),
	)
	return chain(r)
}

// Run serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Run() error {
	snap := s.cell.Load()
	addr := fmt.Sprintf("%s:%d", snap.Config.Server.Host, snap.Config.Server.Port)

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.routes(),
		// No write timeout: streaming responses stay open for minutes.
		ReadHeaderTimeout: 30 * time.Second,
	}

	stopWatch := s.watchConfig()
	defer stopWatch()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "address", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-quit:
	}

	s.logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.tracer.Close()
	return nil
}

// Stop shuts the listener down from another goroutine.
func (s *Server) Stop() error {
	if s.httpSrv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}

// watchConfig reloads the snapshot when the config file changes on disk.
// Editors write via rename, so the watch covers the directory; events are
// debounced because a single save can produce several of them.
func (s *Server) watchConfig() (stop func()) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.logger.Warn("config watch disabled", "error", err)
		return func() {}
	}
	dir := filepath.Dir(s.cfgMgr.Path())
	if err := watcher.Add(dir); err != nil {
		s.logger.Warn("config watch disabled", "dir", dir, "error", err)
		watcher.Close()
		return func() {}
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		reload := func() {
			if _, err := s.reloader.Reload(); err != nil {
				s.logger.Error("automatic reload failed", "error", err)
			}
		}
		for {
			select {
			case <-done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.cfgMgr.Path()) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, reload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watch error", "error", err)
			}
		}
	}()

	return func() {
		close(done)
		watcher.Close()
	}
}
