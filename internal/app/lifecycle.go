package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"keysync.io/keysync/internal/pkg/logger"
)

// Start schedules every provider's periodic full sync and, in queue
// mode, starts the River client.
func (a *Application) Start(ctx context.Context) error {
	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
		logger.Info("river client started")
	}
	for _, p := range a.Providers {
		if err := p.Schedule(ctx, a.runner); err != nil {
			return fmt.Errorf("schedule provider %q: %w", p.ID(), err)
		}
	}
	return nil
}

// Shutdown gracefully shuts down all application components. The
// context passed to Start must be cancelled first so interval tasks
// stop ticking.
func (a *Application) Shutdown() {
	shutdownCtx := context.Background()

	if a.DB != nil && a.DB.RiverClient != nil {
		if err := a.DB.RiverClient.Stop(shutdownCtx); err != nil {
			logger.Error("failed to stop river client", zap.Error(err))
		}
		logger.Info("river client stopped")
	}
	if a.interval != nil {
		a.interval.Wait()
	}
	for _, p := range a.Providers {
		p.Close()
	}
	if a.DB != nil {
		a.DB.Close()
	}
}
