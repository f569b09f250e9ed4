package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"keysync.io/keysync/internal/pkg/logger"
)

// Gate runs at most one task at a time and rejects submissions while
// one is in flight. Operator-triggered work goes through a gate so
// repeated triggers coalesce instead of stacking up.
type Gate struct {
	pool *ants.Pool
	name string
}

// NewGate creates a one-slot gate.
func NewGate(name string) (*Gate, error) {
	panicHandler := func(p interface{}) {
		logger.Error("gated task panic recovered",
			zap.String("gate", name),
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	pool, err := ants.NewPool(1,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(true),
	)
	if err != nil {
		return nil, err
	}
	return &Gate{pool: pool, name: name}, nil
}

// Try submits the task unless one is already running. It reports
// whether the task was accepted.
func (g *Gate) Try(ctx context.Context, task Task) bool {
	err := g.pool.Submit(func() {
		task(ctx)
	})
	if err != nil {
		if !errors.Is(err, ants.ErrPoolOverload) {
			logger.Warn("gate submit failed",
				zap.String("gate", g.name),
				zap.Error(err),
			)
		}
		return false
	}
	return true
}

// Release shuts the gate down, waiting briefly for a running task.
func (g *Gate) Release() {
	const shutdownTimeout = 30 * time.Second
	if err := g.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("gate shutdown timeout",
			zap.String("gate", g.name),
			zap.Error(err),
		)
	}
}
