package workers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/openquant/dcaengine/internal/domain"
)

// cleanOrders sweeps the broker's open orders once: stale limit buys are
// canceled after the staleness threshold, and so is any open order past the
// threshold that no active cycle references. State changes happen when the
// resulting cancel events arrive, not here.
func (r *Runner) cleanOrders(ctx context.Context) error {
	log := r.log.With(zap.String("worker", "order-cleaner"))

	symbols, err := r.enabledSymbols(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list enabled symbols")
	}
	if len(symbols) == 0 {
		return nil
	}

	open, err := r.broker.GetOpenOrders(ctx, symbols)
	if err != nil {
		return errors.Wrap(err, "failed to list open orders")
	}
	if len(open) == 0 {
		return nil
	}

	tracked, err := r.store.ActiveOrderIDs(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list tracked order ids")
	}

	now := r.now()
	for _, order := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		age := now.Sub(order.CreatedAt)
		if age < r.cfg.StaleOrderThreshold {
			continue
		}

		_, isTracked := tracked[order.ID]
		switch {
		case order.Side == domain.SideBuy && order.Type == domain.OrderTypeLimit:
			log.Info("stale buy order found",
				zap.String("symbol", order.Symbol),
				zap.String("order_id", order.ID),
				zap.Duration("age", age),
				zap.Bool("tracked", isTracked))
			r.cancel(ctx, log, order.Symbol, order.ID, "stale buy")
		case !isTracked:
			log.Info("orphaned order found",
				zap.String("symbol", order.Symbol),
				zap.String("order_id", order.ID),
				zap.String("side", string(order.Side)),
				zap.Duration("age", age))
			r.cancel(ctx, log, order.Symbol, order.ID, "orphan")
		}
	}
	return nil
}
