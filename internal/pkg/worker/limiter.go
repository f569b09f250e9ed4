// Package worker provides the bounded fetch scheduler.
//
// All paginated and recursive directory calls go through a Limiter, so
// directory load stays bounded regardless of dataset size. Naked
// goroutines are forbidden in this codebase; concurrency goes through
// here with context propagation.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"keysync.io/keysync/internal/pkg/logger"
)

// DefaultWidth is the default concurrency width for directory fetches.
const DefaultWidth = 20

// Task is a context-aware unit of work.
type Task func(ctx context.Context)

// Limiter is a fixed-width concurrency gate backed by an ants pool.
// Submission blocks when the pool is saturated, so at most Width tasks
// run at once.
type Limiter struct {
	pool *ants.Pool
	name string
}

// NewLimiter creates a limiter of the given width. Non-positive width
// falls back to DefaultWidth.
func NewLimiter(name string, width int) (*Limiter, error) {
	if width <= 0 {
		width = DefaultWidth
	}

	panicHandler := func(p interface{}) {
		logger.Error("fetch task panic recovered",
			zap.String("limiter", name),
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	pool, err := ants.NewPool(width,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &Limiter{pool: pool, name: name}, nil
}

// Width returns the configured concurrency width.
func (l *Limiter) Width() int {
	return l.pool.Cap()
}

// Running returns the number of tasks currently in flight.
func (l *Limiter) Running() int {
	return l.pool.Running()
}

// Release shuts the limiter down, waiting briefly for running tasks.
func (l *Limiter) Release() {
	const shutdownTimeout = 30 * time.Second
	if err := l.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("limiter shutdown timeout",
			zap.String("limiter", l.name),
			zap.Error(err),
		)
	}
}

// Group tracks a batch of tasks submitted through one limiter. Tasks may
// complete in any order; callers merge results only after Wait returns.
type Group struct {
	limiter *Limiter
	wg      sync.WaitGroup
}

// NewGroup starts an empty task group on this limiter.
func (l *Limiter) NewGroup() *Group {
	return &Group{limiter: l}
}

// Go schedules a task under the group. It blocks while the limiter is
// saturated. If ctx is already cancelled the task is not submitted.
func (g *Group) Go(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	g.wg.Add(1)
	err := g.limiter.pool.Submit(func() {
		defer g.wg.Done()
		// May have been cancelled while queued.
		select {
		case <-ctx.Done():
			logger.Debug("fetch task skipped: context cancelled",
				zap.String("limiter", g.limiter.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if err != nil {
		g.wg.Done()
		return err
	}
	return nil
}

// Wait blocks until every task scheduled through the group has finished.
func (g *Group) Wait() {
	g.wg.Wait()
}
