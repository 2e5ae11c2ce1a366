package workers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/openquant/dcaengine/internal/broker"
	"github.com/openquant/dcaengine/internal/domain"
)

// recoverStuckSells requests cancellation for market sells that have been
// open past the stuck timeout while the broker still reports them active.
// The cancel event then drives the position resync in the runtime.
func (r *Runner) recoverStuckSells(ctx context.Context) error {
	log := r.log.With(zap.String("worker", "stuck-sells"))

	cycles, err := r.store.ListCyclesByStatus(ctx, domain.CycleSelling)
	if err != nil {
		return errors.Wrap(err, "failed to list selling cycles")
	}

	now := r.now()
	for _, cycle := range cycles {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if cycle.LatestOrderID == "" || cycle.LatestOrderCreatedAt == nil {
			continue
		}
		if now.Sub(*cycle.LatestOrderCreatedAt) < r.cfg.StuckSellTimeout {
			continue
		}

		asset, err := r.store.GetAssetByID(ctx, cycle.AssetID)
		if err != nil {
			log.Warn("failed to load asset for stuck sell", zap.Int64("cycle_id", cycle.ID), zap.Error(err))
			continue
		}

		order, err := r.broker.GetOrder(ctx, asset.Symbol, cycle.LatestOrderID)
		if err != nil {
			if errors.Is(err, broker.ErrOrderNotFound) {
				// consistency checker owns this divergence
				log.Warn("stuck sell references an unknown order",
					zap.Int64("cycle_id", cycle.ID),
					zap.String("order_id", cycle.LatestOrderID))
				continue
			}
			log.Warn("failed to verify stuck sell order", zap.Int64("cycle_id", cycle.ID), zap.Error(err))
			continue
		}

		if !order.Status.Active() {
			// terminal already; the trade-update handler will catch up
			continue
		}

		log.Info("stuck sell order found",
			zap.Int64("cycle_id", cycle.ID),
			zap.String("symbol", asset.Symbol),
			zap.String("order_id", cycle.LatestOrderID),
			zap.Duration("age", now.Sub(*cycle.LatestOrderCreatedAt)))
		r.cancel(ctx, log, asset.Symbol, cycle.LatestOrderID, "stuck sell")
	}
	return nil
}
