// Package workers holds the periodic reconciliation tasks that converge the
// engine's persisted beliefs with the broker's truth: stale and orphaned
// order cleanup, stuck-sell recovery, state/position consistency checks, and
// cycle bootstrapping for newly enabled assets.
package workers

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openquant/dcaengine/internal/domain"
	"github.com/openquant/dcaengine/internal/engine"
	"github.com/openquant/dcaengine/internal/storage"
)

// Defaults, overridable through Config.
const (
	defaultOrderCleanerInterval = 60 * time.Second
	defaultConsistencyInterval  = 5 * time.Minute
	defaultBootstrapInterval    = 15 * time.Minute
	defaultStaleOrderThreshold  = 5 * time.Minute
	defaultStuckSellTimeout     = 75 * time.Second
)

// Store is the slice of the cycle store the workers need.
type Store interface {
	ListEnabledAssets(ctx context.Context) ([]domain.Asset, error)
	GetAssetByID(ctx context.Context, id int64) (domain.Asset, error)
	GetActiveCycle(ctx context.Context, assetID int64) (domain.Cycle, error)
	ListCyclesByStatus(ctx context.Context, statuses ...domain.CycleStatus) ([]domain.Cycle, error)
	ListWatchingCyclesWithQuantity(ctx context.Context) ([]domain.Cycle, error)
	ActiveOrderIDs(ctx context.Context) (map[string]struct{}, error)
	CreateInitialCycle(ctx context.Context, assetID int64) (domain.Cycle, error)
	UpdateCycle(ctx context.Context, cycleID int64, patch storage.CyclePatch) (domain.Cycle, error)
	CompleteAndRollover(ctx context.Context, cycleID int64, terminal domain.CycleStatus, patch storage.CyclePatch, now time.Time) (domain.Cycle, error)
}

// Broker is the slice of the broker adapter the workers need.
type Broker interface {
	GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderSnapshot, error)
	GetOpenOrders(ctx context.Context, symbols []string) ([]domain.OrderSnapshot, error)
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
}

// Config tunes intervals and thresholds.
type Config struct {
	OrderCleanerInterval time.Duration
	ConsistencyInterval  time.Duration
	BootstrapInterval    time.Duration
	StaleOrderThreshold  time.Duration
	StuckSellTimeout     time.Duration
	DryRun               bool
}

func (c *Config) applyDefaults() {
	if c.OrderCleanerInterval <= 0 {
		c.OrderCleanerInterval = defaultOrderCleanerInterval
	}
	if c.ConsistencyInterval <= 0 {
		c.ConsistencyInterval = defaultConsistencyInterval
	}
	if c.BootstrapInterval <= 0 {
		c.BootstrapInterval = defaultBootstrapInterval
	}
	if c.StaleOrderThreshold <= 0 {
		c.StaleOrderThreshold = defaultStaleOrderThreshold
	}
	if c.StuckSellTimeout <= 0 {
		c.StuckSellTimeout = defaultStuckSellTimeout
	}
}

// Runner schedules the workers, each on its own ticker with an iteration
// deadline equal to its period. A worker failure never blocks the others.
type Runner struct {
	log    *zap.Logger
	store  Store
	broker Broker
	locks  *engine.LockTable
	cfg    Config
	now    func() time.Time
}

// NewRunner wires the workers against the shared lock table.
func NewRunner(log *zap.Logger, store Store, brk Broker, locks *engine.LockTable, cfg Config) *Runner {
	cfg.applyDefaults()
	return &Runner{
		log:    log.Named("workers"),
		store:  store,
		broker: brk,
		locks:  locks,
		cfg:    cfg,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Run starts every worker and blocks until ctx is canceled. The bootstrap
// worker runs once immediately so newly enabled assets are picked up at
// startup.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return r.loop(ctx, "order-cleaner", r.cfg.OrderCleanerInterval, false, r.cleanOrders)
	})
	g.Go(func() error {
		return r.loop(ctx, "stuck-sells", r.cfg.OrderCleanerInterval, false, r.recoverStuckSells)
	})
	g.Go(func() error {
		return r.loop(ctx, "consistency", r.cfg.ConsistencyInterval, false, r.checkConsistency)
	})
	g.Go(func() error {
		return r.loop(ctx, "bootstrap", r.cfg.BootstrapInterval, true, r.bootstrapCycles)
	})

	return g.Wait()
}

// loop runs one worker on its ticker, recovering panics and bounding each
// iteration by the period.
func (r *Runner) loop(ctx context.Context, name string, interval time.Duration, immediate bool, fn func(ctx context.Context) error) error {
	log := r.log.With(zap.String("worker", name))

	iterate := func() {
		iterCtx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("worker panicked", zap.Any("panic", rec))
			}
		}()
		if err := fn(iterCtx); err != nil && ctx.Err() == nil {
			log.Error("worker iteration failed", zap.Error(err))
		}
	}

	if immediate {
		iterate()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			iterate()
		}
	}
}

// withAssetLock runs fn holding the asset's lock; the wait is bounded by ctx.
func (r *Runner) withAssetLock(ctx context.Context, assetID int64, fn func() error) error {
	if err := r.locks.Acquire(ctx, assetID); err != nil {
		return errors.Wrapf(err, "failed to acquire lock for asset %d", assetID)
	}
	defer r.locks.Release(assetID)
	return fn()
}

func (r *Runner) enabledSymbols(ctx context.Context) ([]string, error) {
	assets, err := r.store.ListEnabledAssets(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
	}
	return symbols, nil
}

func (r *Runner) cancel(ctx context.Context, log *zap.Logger, symbol, orderID, reason string) {
	if r.cfg.DryRun {
		log.Info("dry run: would cancel order",
			zap.String("symbol", symbol),
			zap.String("order_id", orderID),
			zap.String("reason", reason))
		return
	}
	if err := r.broker.CancelOrder(ctx, symbol, orderID); err != nil {
		log.Warn("cancel request failed",
			zap.String("symbol", symbol),
			zap.String("order_id", orderID),
			zap.Error(err))
		return
	}
	log.Info("cancel requested",
		zap.String("symbol", symbol),
		zap.String("order_id", orderID),
		zap.String("reason", reason))
}
