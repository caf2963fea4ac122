// Package app wires configuration into a running council: storage, the
// model gateway, the fan-out executor and the orchestrator.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/rand/council/internal/budget"
	"github.com/rand/council/internal/config"
	"github.com/rand/council/internal/fanout"
	"github.com/rand/council/internal/gateway"
	"github.com/rand/council/internal/pipeline"
	"github.com/rand/council/internal/server"
	"github.com/rand/council/internal/store"
)

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	// Factory replaces the fantasy-backed provider factory.
	Factory gateway.Factory

	// Store replaces the configured store. The app does not close it.
	Store store.Store

	Logger *slog.Logger
}

// App holds the long lived services of one process.
type App struct {
	Store        store.Store
	Gateway      *gateway.Gateway
	Orchestrator *pipeline.Orchestrator

	config       *config.Config
	logger       *slog.Logger
	cleanupFuncs []func() error
}

// New builds every service from cfg.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{config: cfg, logger: logger}

	st := opts.Store
	if st == nil {
		if err := os.MkdirAll(cfg.Options.DataDirectory, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
		var err error
		st, err = store.Open(cfg.Storage, cfg.Options.DataDirectory)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		app.cleanupFuncs = append(app.cleanupFuncs, st.Close)
	}
	app.Store = st

	gwOpts, fantasyOpts := cfg.GatewayOptions()
	gwOpts.Factory = opts.Factory
	if gwOpts.Factory == nil {
		gwOpts.Factory = gateway.NewFantasyFactory(fantasyOpts)
	}
	gwOpts.Logger = logger
	gwOpts.Budget = budget.NewTracker(cfg.Gateway.Budget)
	gwOpts.Budget.SetLimitCallback(func(v budget.Violation) {
		logger.Warn("Token budget", "metric", v.Metric, "percent", v.Percent, "hard", v.Hard, "message", v.Message)
	})
	app.Gateway = gateway.New(gwOpts)

	orch, err := pipeline.New(cfg.Roster(), app.Gateway, st, pipeline.Options{
		Executor: fanout.NewExecutor(app.Gateway, cfg.Fanout),
		Logger:   logger,
	})
	if err != nil {
		app.Shutdown()
		return nil, fmt.Errorf("create orchestrator: %w", err)
	}
	app.Orchestrator = orch

	logger.Debug("Council initialized",
		"members", len(cfg.Council.Members),
		"storage", cfg.Storage.Backend,
		"data_dir", cfg.Options.DataDirectory)
	return app, nil
}

// Config returns the configuration the app was built from.
func (app *App) Config() *config.Config {
	return app.config
}

// Server returns an HTTP server over the app's services.
func (app *App) Server() (*server.Server, error) {
	return server.New(server.Options{
		Orchestrator: app.Orchestrator,
		Store:        app.Store,
		Breakers:     app.Gateway.Breakers(),
		Budget:       app.Gateway.Budget(),
		Config:       app.config.Server,
		Logger:       app.logger,
	})
}

// Shutdown releases resources in reverse order of acquisition.
func (app *App) Shutdown() error {
	var errs []error
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		if err := app.cleanupFuncs[i](); err != nil {
			errs = append(errs, err)
		}
	}
	app.cleanupFuncs = nil
	return errors.Join(errs...)
}
