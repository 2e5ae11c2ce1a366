package engine

import (
	"context"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openquant/dcaengine/internal/domain"
	"github.com/openquant/dcaengine/internal/storage"
)

// consumeTradeEvents drains the account-wide trade-update queue serially.
// Events are never dropped; each one waits for its asset's lock.
func (e *Engine) consumeTradeEvents(ctx context.Context, ch <-chan domain.TradeEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-ch:
			opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tradeUpdateLockWindow)
			e.handleTradeEvent(opCtx, ev)
			cancel()
		}
	}
}

func (e *Engine) handleTradeEvent(ctx context.Context, ev domain.TradeEvent) {
	log := e.log.With(
		zap.String("event", string(ev.Kind)),
		zap.String("order_id", ev.Order.ID),
		zap.String("symbol", ev.Order.Symbol))

	switch ev.Kind {
	case domain.TradeEventNew:
		log.Debug("order acknowledged")
		return
	case domain.TradeEventPartialFill:
		// partial fills are informational; state changes on the terminal event
		log.Info("partial fill",
			zap.String("filled_qty", ev.Order.FilledQty.String()))
		return
	}

	if e.journal.Seen(ev.Order.ID, ev.Kind) {
		log.Debug("duplicate trade event, ignoring")
		return
	}

	cycle, err := e.store.GetCycleByOrderID(ctx, ev.Order.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// orphan event: an order no active cycle references
			log.Warn("trade event for untracked order, ignoring")
			return
		}
		log.Error("failed to locate cycle for trade event", zap.Error(err))
		return
	}

	lockCtx, cancel := context.WithTimeout(ctx, tradeUpdateLockWindow)
	defer cancel()
	if err := e.locks.Acquire(lockCtx, cycle.AssetID); err != nil {
		log.Error("failed to acquire asset lock for trade event", zap.Error(err))
		return
	}
	defer e.locks.Release(cycle.AssetID)

	// reload under the lock: the quote path may have advanced the cycle
	cycle, err = e.store.GetCycleByOrderID(ctx, ev.Order.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			log.Warn("cycle released the order before the event was applied")
			return
		}
		log.Error("failed to reload cycle for trade event", zap.Error(err))
		return
	}

	var handled bool
	switch {
	case ev.Kind == domain.TradeEventFill && ev.Order.Side == domain.SideBuy:
		handled = e.applyBuyFill(ctx, log, cycle, ev.Order)
	case ev.Kind == domain.TradeEventFill && ev.Order.Side == domain.SideSell:
		handled = e.applySellFill(ctx, log, cycle, ev.Order)
	case ev.Order.Side == domain.SideBuy:
		handled = e.applyBuyCancellation(ctx, log, cycle, ev.Order, ev.Kind)
	default:
		handled = e.applySellCancellation(ctx, log, cycle, ev.Order, ev.Kind)
	}

	if handled {
		if err := e.journal.MarkProcessed(ev.Order.ID, ev.Kind); err != nil {
			log.Error("failed to journal processed event", zap.Error(err))
		}
	}
}

// applyBuyFill folds the fill into the cycle's weighted average and returns
// the cycle to watching.
func (e *Engine) applyBuyFill(ctx context.Context, log *zap.Logger, cycle domain.Cycle, order domain.OrderSnapshot) bool {
	if order.FilledQty.LessThanOrEqual(decimal.Zero) || order.FilledAvgPrice.LessThanOrEqual(decimal.Zero) {
		log.Error("buy fill with invalid execution data",
			zap.String("filled_qty", order.FilledQty.String()),
			zap.String("filled_avg_price", order.FilledAvgPrice.String()))
		return false
	}

	fill := cycle.ApplyBuyFill(order.FilledQty, order.FilledAvgPrice)

	status := domain.CycleWatching
	patch := storage.CyclePatch{
		Status:               &status,
		Quantity:             &fill.Quantity,
		AveragePurchasePrice: &fill.AveragePurchasePrice,
		LastOrderFillPrice:   &fill.LastOrderFillPrice,
		ClearLatestOrder:     true,
	}
	if fill.IsSafety {
		patch.SafetyOrders = &fill.SafetyOrders
	}

	if _, err := e.store.UpdateCycle(ctx, cycle.ID, patch); err != nil {
		log.Error("failed to apply buy fill", zap.Error(err))
		return false
	}

	if fill.IsSafety {
		log.Info("safety order filled",
			zap.Int64("cycle_id", cycle.ID),
			zap.Int("safety_orders", fill.SafetyOrders),
			zap.String("quantity", fill.Quantity.String()),
			zap.String("avg_purchase_price", fill.AveragePurchasePrice.String()),
			zap.String("fill_price", fill.LastOrderFillPrice.String()))
	} else {
		log.Info("cycle started with base order fill",
			zap.Int64("cycle_id", cycle.ID),
			zap.String("quantity", fill.Quantity.String()),
			zap.String("fill_price", fill.LastOrderFillPrice.String()))
	}
	return true
}

// applySellFill completes the cycle and rolls a fresh watching cycle in the
// same transaction; the completed cycle keeps the sell price that the
// cooldown and early-restart gates read, and the asset records it as its
// last sell price.
func (e *Engine) applySellFill(ctx context.Context, log *zap.Logger, cycle domain.Cycle, order domain.OrderSnapshot) bool {
	sellPrice := order.FilledAvgPrice
	if sellPrice.LessThanOrEqual(decimal.Zero) {
		// zero-quantity or malformed fill: do not roll the cycle over
		log.Error("sell fill without a fill price, skipping rollover")
		return false
	}

	now := e.now()
	successor, err := e.store.CompleteAndRollover(ctx, cycle.ID, domain.CycleComplete, storage.CyclePatch{
		SellPrice: &sellPrice,
	}, now)
	if err != nil {
		log.Error("failed to roll cycle over after sell fill", zap.Error(err))
		return false
	}

	if err := e.store.SetAssetLastSellPrice(ctx, cycle.AssetID, sellPrice); err != nil {
		log.Error("failed to record last sell price", zap.Error(err))
	}

	profitPerUnit := sellPrice.Sub(cycle.AveragePurchasePrice)
	log.Info("cycle completed",
		zap.Int64("cycle_id", cycle.ID),
		zap.Int64("next_cycle_id", successor.ID),
		zap.String("sell_price", sellPrice.String()),
		zap.String("avg_purchase_price", cycle.AveragePurchasePrice.String()),
		zap.String("profit", profitPerUnit.Mul(cycle.Quantity).String()),
		zap.String("profit_percent", domain.PercentageDiff(sellPrice, cycle.AveragePurchasePrice).String()))
	return true
}

// applyBuyCancellation returns a buying cycle to watching; the funds never
// moved.
func (e *Engine) applyBuyCancellation(ctx context.Context, log *zap.Logger, cycle domain.Cycle, order domain.OrderSnapshot, kind domain.TradeEventKind) bool {
	if cycle.Status != domain.CycleBuying || cycle.LatestOrderID != order.ID {
		log.Info("buy cancellation for a cycle not in buying state, no action",
			zap.String("cycle_status", string(cycle.Status)))
		return true
	}

	status := domain.CycleWatching
	if _, err := e.store.UpdateCycle(ctx, cycle.ID, storage.CyclePatch{
		Status:           &status,
		ClearLatestOrder: true,
	}); err != nil {
		log.Error("failed to revert cycle after buy cancellation", zap.Error(err))
		return false
	}

	log.Info("buy order canceled, cycle back to watching",
		zap.Int64("cycle_id", cycle.ID),
		zap.String("reason", string(kind)))
	return true
}

// applySellCancellation reconciles a canceled sell against the broker's
// position: a held position returns the cycle to watching with the broker's
// quantity; a flat position means the sell actually filled, so the cycle
// rolls over.
func (e *Engine) applySellCancellation(ctx context.Context, log *zap.Logger, cycle domain.Cycle, order domain.OrderSnapshot, kind domain.TradeEventKind) bool {
	if cycle.Status != domain.CycleSelling || cycle.LatestOrderID != order.ID {
		log.Info("sell cancellation for a cycle not in selling state, no action",
			zap.String("cycle_status", string(cycle.Status)))
		return true
	}

	pos, err := e.broker.GetPosition(ctx, order.Symbol)
	if err != nil {
		log.Error("failed to fetch position after sell cancellation", zap.Error(err))
		return false
	}

	if pos.Held() {
		status := domain.CycleWatching
		if _, err := e.store.UpdateCycle(ctx, cycle.ID, storage.CyclePatch{
			Status:           &status,
			Quantity:         &pos.Qty,
			ClearLatestOrder: true,
		}); err != nil {
			log.Error("failed to resync cycle after sell cancellation", zap.Error(err))
			return false
		}
		log.Info("sell order canceled, position still held",
			zap.Int64("cycle_id", cycle.ID),
			zap.String("reason", string(kind)),
			zap.String("quantity", pos.Qty.String()))
		return true
	}

	// no position left: the sell filled despite the cancellation event
	patch := storage.CyclePatch{}
	if order.FilledAvgPrice.GreaterThan(decimal.Zero) {
		patch.SellPrice = &order.FilledAvgPrice
	}
	successor, err := e.store.CompleteAndRollover(ctx, cycle.ID, domain.CycleComplete, patch, e.now())
	if err != nil {
		log.Error("failed to roll cycle over after canceled-but-filled sell", zap.Error(err))
		return false
	}
	if order.FilledAvgPrice.GreaterThan(decimal.Zero) {
		if err := e.store.SetAssetLastSellPrice(ctx, cycle.AssetID, order.FilledAvgPrice); err != nil {
			log.Error("failed to record last sell price", zap.Error(err))
		}
	}
	log.Info("sell canceled with no position left, cycle completed",
		zap.Int64("cycle_id", cycle.ID),
		zap.Int64("next_cycle_id", successor.ID),
		zap.String("reason", string(kind)))
	return true
}
