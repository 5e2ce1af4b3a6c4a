// Package worker provides the bounded goroutine pools that run delivery
// attempts and other background work.
//
// Background work goes through a pool rather than bare goroutines so that
// concurrency stays bounded and shutdown can wait for in-flight tasks.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"cardpilot.io/notifier/internal/pkg/logger"
)

// ErrPoolClosed is returned when submitting to a closed pool.
var ErrPoolClosed = errors.New("worker pool is closed")

// Pool names accepted by SubmitDetached.
const (
	PoolDispatch = "dispatch"
	PoolGeneral  = "general"
)

// Task is a context-aware task function.
type Task func(ctx context.Context)

// Pool wraps ants.Pool with context-aware submission.
type Pool struct {
	pool *ants.Pool
	name string
}

// Pools is the worker pool collection.
//
// Dispatch runs channel adapter calls for claimed queue entries. Its size
// bounds the number of leases a process works on at once. General runs
// everything else (inbox replay, cross-instance fan-out, ledger hooks).
type Pools struct {
	Dispatch *Pool
	General  *Pool

	serviceCtx    context.Context
	serviceCancel context.CancelFunc
}

// PoolConfig contains worker pool sizes.
type PoolConfig struct {
	DispatchPoolSize int
	GeneralPoolSize  int
}

// DefaultPoolConfig returns default configuration.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		DispatchPoolSize: 32,
		GeneralPoolSize:  100,
	}
}

// NewPools creates the worker pool collection.
func NewPools(ctx context.Context, cfg PoolConfig) (*Pools, error) {
	serviceCtx, serviceCancel := context.WithCancel(ctx)

	panicHandler := func(p interface{}) {
		logger.Error("Worker panic recovered",
			zap.Any("panic", p),
			zap.Stack("stack"),
		)
	}

	dispatchAnts, err := ants.NewPool(cfg.DispatchPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(30*time.Second),
	)
	if err != nil {
		serviceCancel()
		return nil, err
	}

	generalAnts, err := ants.NewPool(cfg.GeneralPoolSize,
		ants.WithPanicHandler(panicHandler),
		ants.WithNonblocking(false),
		ants.WithExpiryDuration(10*time.Second),
	)
	if err != nil {
		dispatchAnts.Release()
		serviceCancel()
		return nil, err
	}

	return &Pools{
		Dispatch:      &Pool{pool: dispatchAnts, name: PoolDispatch},
		General:       &Pool{pool: generalAnts, name: PoolGeneral},
		serviceCtx:    serviceCtx,
		serviceCancel: serviceCancel,
	}, nil
}

// Submit submits a context-aware task. It blocks while the pool is
// saturated, which is how the dispatcher applies backpressure to polling.
// If ctx is already cancelled, returns ctx.Err() without submitting.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	err := p.pool.Submit(func() {
		select {
		case <-ctx.Done():
			logger.Debug("Task skipped: context cancelled",
				zap.String("pool", p.name),
				zap.Error(ctx.Err()),
			)
			return
		default:
		}
		task(ctx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Name returns the pool name.
func (p *Pool) Name() string {
	return p.name
}

// SubmitDetached submits a background task bound to the service lifecycle
// context instead of a request context.
func (p *Pools) SubmitDetached(poolName string, task Task) error {
	pool := p.General
	if poolName == PoolDispatch {
		pool = p.Dispatch
	}

	err := pool.pool.Submit(func() {
		select {
		case <-p.serviceCtx.Done():
			logger.Debug("Detached task skipped: service shutting down",
				zap.String("pool", pool.name),
			)
			return
		default:
		}
		task(p.serviceCtx)
	})
	if errors.Is(err, ants.ErrPoolClosed) {
		return ErrPoolClosed
	}
	return err
}

// Shutdown cancels the service context, then waits up to 30s per pool for
// running tasks.
func (p *Pools) Shutdown() {
	p.serviceCancel()

	const shutdownTimeout = 30 * time.Second
	if err := p.Dispatch.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("Dispatch pool shutdown timeout", zap.Error(err))
	}
	if err := p.General.pool.ReleaseTimeout(shutdownTimeout); err != nil {
		logger.Warn("General pool shutdown timeout", zap.Error(err))
	}
}

// Metrics returns pool metrics for the readiness endpoint.
func (p *Pools) Metrics() map[string]interface{} {
	return map[string]interface{}{
		PoolDispatch: poolStats(p.Dispatch),
		PoolGeneral:  poolStats(p.General),
	}
}

func poolStats(p *Pool) map[string]int {
	return map[string]int{
		"running": p.pool.Running(),
		"free":    p.pool.Free(),
		"cap":     p.pool.Cap(),
	}
}
