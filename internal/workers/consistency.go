package workers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/openquant/dcaengine/internal/broker"
	"github.com/openquant/dcaengine/internal/domain"
	"github.com/openquant/dcaengine/internal/storage"
)

// checkConsistency runs both reconciliation sweeps: order-state cycles whose
// broker order is gone or terminal revert to watching, and watching cycles
// that claim a position the broker does not hold are abandoned as error
// cycles with a fresh start.
func (r *Runner) checkConsistency(ctx context.Context) error {
	if err := r.sweepOrderStateCycles(ctx); err != nil {
		return err
	}
	return r.sweepPositionlessCycles(ctx)
}

func (r *Runner) sweepOrderStateCycles(ctx context.Context) error {
	log := r.log.With(zap.String("worker", "consistency"))

	cycles, err := r.store.ListCyclesByStatus(ctx, domain.CycleBuying, domain.CycleSelling)
	if err != nil {
		return errors.Wrap(err, "failed to list order-state cycles")
	}

	for _, cycle := range cycles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cycle.LatestOrderID == "" {
			continue
		}

		asset, err := r.store.GetAssetByID(ctx, cycle.AssetID)
		if err != nil {
			log.Warn("failed to load asset", zap.Int64("cycle_id", cycle.ID), zap.Error(err))
			continue
		}

		order, err := r.broker.GetOrder(ctx, asset.Symbol, cycle.LatestOrderID)
		orderGone := errors.Is(err, broker.ErrOrderNotFound)
		if err != nil && !orderGone {
			log.Warn("failed to verify order", zap.Int64("cycle_id", cycle.ID), zap.Error(err))
			continue
		}
		if !orderGone && !order.Status.Terminal() {
			continue
		}

		// the referenced order cannot fill anymore; the cycle must not wait on it
		err = r.withAssetLock(ctx, cycle.AssetID, func() error {
			current, err := r.store.GetActiveCycle(ctx, cycle.AssetID)
			if err != nil || current.ID != cycle.ID || current.LatestOrderID != cycle.LatestOrderID {
				// the runtime already moved the cycle on
				return nil
			}
			if r.cfg.DryRun {
				log.Info("dry run: would revert cycle to watching", zap.Int64("cycle_id", cycle.ID))
				return nil
			}
			status := domain.CycleWatching
			_, err = r.store.UpdateCycle(ctx, cycle.ID, storage.CyclePatch{
				Status:           &status,
				ClearLatestOrder: true,
			})
			return err
		})
		if err != nil {
			log.Warn("failed to revert cycle", zap.Int64("cycle_id", cycle.ID), zap.Error(err))
			continue
		}

		log.Warn("cycle referenced a dead order, reverted to watching",
			zap.Int64("cycle_id", cycle.ID),
			zap.String("symbol", asset.Symbol),
			zap.String("order_id", cycle.LatestOrderID),
			zap.Bool("order_missing", orderGone))
	}
	return nil
}

func (r *Runner) sweepPositionlessCycles(ctx context.Context) error {
	log := r.log.With(zap.String("worker", "consistency"))

	cycles, err := r.store.ListWatchingCyclesWithQuantity(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list watching cycles with quantity")
	}

	for _, cycle := range cycles {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		asset, err := r.store.GetAssetByID(ctx, cycle.AssetID)
		if err != nil {
			log.Warn("failed to load asset", zap.Int64("cycle_id", cycle.ID), zap.Error(err))
			continue
		}

		pos, err := r.broker.GetPosition(ctx, asset.Symbol)
		if err != nil {
			log.Warn("failed to fetch position", zap.String("symbol", asset.Symbol), zap.Error(err))
			continue
		}
		if pos.Held() {
			continue
		}

		err = r.withAssetLock(ctx, cycle.AssetID, func() error {
			current, err := r.store.GetActiveCycle(ctx, cycle.AssetID)
			if err != nil || current.ID != cycle.ID ||
				current.Status != domain.CycleWatching || !current.HasPosition() {
				return nil
			}
			if r.cfg.DryRun {
				log.Info("dry run: would mark cycle as error", zap.Int64("cycle_id", cycle.ID))
				return nil
			}
			_, err = r.store.CompleteAndRollover(ctx, cycle.ID, domain.CycleError, storage.CyclePatch{}, r.now())
			return err
		})
		if err != nil {
			log.Warn("failed to abandon positionless cycle", zap.Int64("cycle_id", cycle.ID), zap.Error(err))
			continue
		}

		log.Error("cycle claims a position the broker does not hold, marked as error",
			zap.Int64("cycle_id", cycle.ID),
			zap.String("symbol", asset.Symbol),
			zap.String("claimed_quantity", cycle.Quantity.String()))
	}
	return nil
}
