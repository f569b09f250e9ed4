// Package app is the composition root: it wires config, directory
// clients, providers, the catalog sink, the event bus, the scheduler
// and the admin API together. Bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"

	"keysync.io/keysync/internal/api/handlers"
	"keysync.io/keysync/internal/catalog"
	"keysync.io/keysync/internal/config"
	"keysync.io/keysync/internal/directory"
	"keysync.io/keysync/internal/directory/keycloak"
	"keysync.io/keysync/internal/engine"
	"keysync.io/keysync/internal/events"
	"keysync.io/keysync/internal/infrastructure"
	"keysync.io/keysync/internal/jobs"
	"keysync.io/keysync/internal/pkg/logger"
)

// Application holds the composed application dependencies.
type Application struct {
	Config    *config.Config
	Router    *gin.Engine
	Providers []*engine.Provider
	Store     *catalog.MemoryStore
	Bus       *events.Bus
	DB        *infrastructure.DatabaseClients

	runner   engine.TaskRunner
	interval *jobs.IntervalRunner // nil when River schedules
}

// Bootstrap initializes all dependencies with manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	store := catalog.NewMemoryStore()
	bus := events.NewBus()

	providers, err := engine.FromConfig(cfg, newDirectoryClient, store, logger.L())
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}
	for _, p := range providers {
		p.Connect(store)
		if err := p.Subscribe(ctx, bus); err != nil {
			return nil, fmt.Errorf("subscribe provider %q: %w", p.ID(), err)
		}
	}

	app := &Application{
		Config:    cfg,
		Providers: providers,
		Store:     store,
		Bus:       bus,
	}

	if cfg.Database.Enabled() {
		if err := app.initQueue(ctx, cfg); err != nil {
			return nil, err
		}
	} else {
		interval := jobs.NewIntervalRunner(cfg.Sync.Interval, logger.L())
		app.runner = interval
		app.interval = interval
	}

	server := handlers.NewServer(handlers.ServerDeps{
		Providers: providers,
		Bus:       bus,
		Pool:      app.pool(),
	})
	app.Router = server.Router()
	return app, nil
}

func (a *Application) initQueue(ctx context.Context, cfg *config.Config) error {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("migrate queue schema: %w", err)
	}

	registry := jobs.NewTaskRegistry()
	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewOrgSyncWorker(registry))
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		db.Close()
		return fmt.Errorf("init river client: %w", err)
	}

	a.DB = db
	a.runner = jobs.NewRiverRunner(db.RiverClient, registry, cfg.Sync.Interval)
	return nil
}

func (a *Application) pool() *pgxpool.Pool {
	if a.DB == nil {
		return nil
	}
	return a.DB.Pool
}

func newDirectoryClient(cfg config.ProviderConfig) directory.Client {
	return keycloak.New(cfg.BaseURL, cfg.LoginRealm)
}
