package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"keysync.io/keysync/internal/engine"
)

// IntervalRunner runs each registered task on a plain ticker. It is
// the queue-free fallback used when no database is configured.
type IntervalRunner struct {
	interval time.Duration
	log      *zap.Logger
	wg       sync.WaitGroup
}

// NewIntervalRunner creates a ticker-based task runner.
func NewIntervalRunner(interval time.Duration, log *zap.Logger) *IntervalRunner {
	return &IntervalRunner{interval: interval, log: log}
}

// Run starts the task in its own goroutine: once immediately, then on
// every tick until the context is cancelled.
func (r *IntervalRunner) Run(ctx context.Context, task engine.Task) error {
	if r.interval <= 0 {
		return fmt.Errorf("sync interval must be positive, got %s", r.interval)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.log.Info("scheduled periodic task",
			zap.String("task_id", task.ID),
			zap.Duration("interval", r.interval),
		)
		task.Fn(ctx)

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				task.Fn(ctx)
			}
		}
	}()
	return nil
}

// Wait blocks until every task goroutine has exited. Call after
// cancelling the context passed to Run.
func (r *IntervalRunner) Wait() {
	r.wg.Wait()
}
