// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/folio/internal/api"
	"github.com/starford/folio/internal/events"
	"github.com/starford/folio/internal/index"
	"github.com/starford/folio/internal/mcpserver"
	"github.com/starford/folio/internal/models"
	"github.com/starford/folio/internal/workspace"
)

const eventBuffer = 64

func newApplication(opts []Option) (*application, *slog.Logger, error) {
	app := &application{logOutput: os.Stdout, version: "dev"}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, nil, fmt.Errorf("config is required")
	}

	// Initialize structured JSON logger.
	logger := slog.New(slog.NewJSONHandler(app.logOutput, &slog.HandlerOptions{
		Level: app.config.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return app, logger, nil
}

func (a *application) workspaceOptions(logger *slog.Logger) workspace.Options {
	cfg := a.config
	return workspace.Options{
		ID:              cfg.Workspace.ID,
		VaultPath:       cfg.Vault.Path,
		DBPath:          cfg.SQLite.Path,
		BatchSize:       cfg.Index.BatchSize,
		MaxReportErrors: cfg.Index.MaxReportErrors,
		RebuildOnOpen:   cfg.Index.RebuildOnOpen,
		Generator:       a.generator,
		Logger:          logger,
	}
}

// openWorkspace creates the vault directory if needed and opens the
// configured workspace through reg.
func (a *application) openWorkspace(ctx context.Context, reg *workspace.Registry, logger *slog.Logger, policy string) (*workspace.Workspace, error) {
	if err := os.MkdirAll(a.config.Vault.Path, 0o755); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	opts := a.workspaceOptions(logger)
	if policy != "" {
		opts.RebuildOnOpen = policy
	}
	ws, err := reg.Get(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if rep := ws.OpenReport(); rep != nil {
		logger.Info("Index rebuilt on open",
			slog.String("run_id", rep.RunID),
			slog.Bool("skipped", rep.Skipped),
			slog.Int("documents", rep.DocumentsIndexed),
			slog.Int("errors", rep.ErrorCount))
	}
	return ws, nil
}

// NewHandler builds the HTTP handler: health probes plus the REST API
// mounted under /api.
func NewHandler(cfg *Config, ws *workspace.Workspace, bus *events.Bus) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := ws.Ready(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unavailable"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/api", api.NewRouter(ws, cfg.Auth.AuthEnabled(), cfg.Auth.Token, bus))
	return r
}

// Run serves the REST API and, when configured, watches the vault.
func Run(ctx context.Context, opts ...Option) error {
	app, logger, err := newApplication(opts)
	if err != nil {
		return err
	}
	cfg := app.config

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.App.HTTP.Address()),
		slog.String("vault_path", cfg.Vault.Path),
		slog.String("sqlite_path", cfg.SQLite.Path),
		slog.String("rebuild_on_open", cfg.Index.RebuildOnOpen),
		slog.Bool("watch", cfg.Index.Watch),
		slog.String("log_level", cfg.App.LogLevel.String()))

	bus := events.NewBus(eventBuffer)
	defer bus.Close()
	reg := workspace.NewRegistry(bus, logger)
	defer reg.Close()

	ws, err := app.openWorkspace(ctx, reg, logger, "")
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.App.HTTP.Address(),
		Handler:           NewHandler(cfg, ws, bus),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Server starting...", slog.String("http_address", cfg.App.HTTP.Address()))

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Index.Watch {
		g.Go(func() error {
			if err := ws.Watch(gCtx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("watcher: %w", err)
			}
			return nil
		})
	}

	// Start HTTP server.
	g.Go(func() error {
		logger.Info("Starting HTTP server", slog.String("address", cfg.App.HTTP.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}

		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
		}
		// Stop the watcher with the server.
		return errShutdown
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errShutdown) {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Server stopped successfully")
	return nil
}

var errShutdown = errors.New("shutdown")

// Rebuild opens the workspace without rebuilding on open, then runs one
// rebuild and returns its report. A rebuild of an index migrated since its
// last completed rebuild is always forced.
func Rebuild(ctx context.Context, force bool, opts ...Option) (*models.RebuildReport, error) {
	app, logger, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	bus := events.NewBus(eventBuffer)
	defer bus.Close()
	reg := workspace.NewRegistry(bus, logger)
	defer reg.Close()

	ws, err := app.openWorkspace(ctx, reg, logger, workspace.RebuildNever)
	if err != nil {
		return nil, err
	}
	pending, err := ws.Indexer().DB().RebuildPending(ctx)
	if err != nil {
		return nil, err
	}
	return ws.RebuildIndex(ctx, force || pending)
}

// MigrationResult describes what Migrate did.
type MigrationResult struct {
	Applied        []string `json:"applied"`
	Version        string   `json:"version"`
	RebuildPending bool     `json:"rebuild_pending"`
}

// Migrate opens the index, which applies pending migrations, and reports
// the versions applied along the way. It does not touch the vault; the
// next rebuild, or the next open under the auto policy, is forced while
// RebuildPending is set.
func Migrate(ctx context.Context, opts ...Option) (*MigrationResult, error) {
	app, logger, err := newApplication(opts)
	if err != nil {
		return nil, err
	}
	db, err := index.Open(ctx, app.config.SQLite.Path, index.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer db.Close()

	version, err := db.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	pending, err := db.RebuildPending(ctx)
	if err != nil {
		return nil, err
	}
	applied := db.Migrated()
	if applied == nil {
		applied = []string{}
	}
	return &MigrationResult{Applied: applied, Version: version, RebuildPending: pending}, nil
}

// ServeMCP serves the workspace over MCP on stdin/stdout until the client
// disconnects. Logs go to the configured log output, never stdout.
func ServeMCP(ctx context.Context, opts ...Option) error {
	opts = append([]Option{WithLogOutput(os.Stderr)}, opts...)
	app, logger, err := newApplication(opts)
	if err != nil {
		return err
	}
	bus := events.NewBus(eventBuffer)
	defer bus.Close()
	reg := workspace.NewRegistry(bus, logger)
	defer reg.Close()

	ws, err := app.openWorkspace(ctx, reg, logger, "")
	if err != nil {
		return err
	}

	watchCtx, stop := context.WithCancel(ctx)
	var g errgroup.Group
	if app.config.Index.Watch {
		g.Go(func() error {
			if err := ws.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("watcher stopped", slog.String("error", err.Error()))
			}
			return nil
		})
	}
	err = mcpserver.New(ws, app.version).ServeStdio()
	stop()
	return errors.Join(err, g.Wait())
}
