// Package strategy holds the pure decision functions of the DCA engine.
// Every function maps (asset config, cycle snapshot, market quote) to an
// action intent or nil; no function reads the clock, the environment, or
// performs I/O.
package strategy

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/dcaengine/internal/domain"
)

// aggressiveLimitPercent is added to the ask when Options.AggressivePricing
// is set, so limit buys fill immediately against test fixtures.
var aggressiveLimitPercent = decimal.NewFromInt(5)

// Options tune decision behavior without breaking purity; they are fixed at
// engine construction.
type Options struct {
	// AggressivePricing prices limit buys 5% above the ask (testing mode).
	AggressivePricing bool
}

// Decide evaluates the rules in their fixed order for one quote and returns
// at most one intent. Base orders are only considered for an empty cycle;
// otherwise the safety rule runs before the take-profit rule so the engine
// never sells into a dip it should be buying.
func Decide(asset domain.Asset, cycle domain.Cycle, prior *domain.Cycle, quote domain.Quote, now time.Time, opts Options) domain.ActionIntent {
	if !asset.Enabled || !quote.Valid() {
		return nil
	}

	if cycle.Status == domain.CycleWatching && !cycle.HasPosition() {
		if buy := DecideBaseOrder(asset, cycle, prior, quote, now, opts); buy != nil {
			return *buy
		}
		return nil
	}

	if buy := DecideSafetyOrder(asset, cycle, quote, opts); buy != nil {
		return *buy
	}
	return DecideTakeProfit(asset, cycle, quote)
}

// DecideBaseOrder fires the first buy of a cycle. The cooldown gate passes
// when there is no prior terminal cycle, when the cooldown has elapsed since
// its completion, or when the ask has dropped far enough below its sell
// price to justify an early restart.
func DecideBaseOrder(asset domain.Asset, cycle domain.Cycle, prior *domain.Cycle, quote domain.Quote, now time.Time, opts Options) *domain.PlaceBuy {
	if !asset.Enabled || !quote.Valid() {
		return nil
	}
	if cycle.Status != domain.CycleWatching || cycle.HasPosition() {
		return nil
	}
	if !cooldownGatePasses(asset, prior, quote, now) {
		return nil
	}
	if asset.BaseOrderAmount.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	buy := newLimitBuy(domain.BuyKindBase, asset.Symbol, asset.BaseOrderAmount, quote.Ask, opts)
	return &buy
}

// DecideSafetyOrder fires an averaging-down buy when the ask has dropped the
// configured deviation from the last fill and the safety budget is not
// exhausted.
func DecideSafetyOrder(asset domain.Asset, cycle domain.Cycle, quote domain.Quote, opts Options) *domain.PlaceBuy {
	if !asset.Enabled || !quote.Valid() {
		return nil
	}
	if cycle.Status != domain.CycleWatching || !cycle.HasPosition() {
		return nil
	}
	if cycle.SafetyOrders >= asset.MaxSafetyOrders {
		return nil
	}
	if cycle.LastOrderFillPrice.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	trigger := domain.DecreaseByPercent(cycle.LastOrderFillPrice, asset.SafetyOrderDeviationPercent)
	if quote.Ask.GreaterThan(trigger) {
		return nil
	}

	buy := newLimitBuy(domain.BuyKindSafety, asset.Symbol, asset.SafetyOrderAmount, quote.Ask, opts)
	return &buy
}

// DecideTakeProfit fires the exit side: either a plain take-profit sell, or
// the trailing state machine (arm on the trigger, raise the peak, sell on
// the retracement).
func DecideTakeProfit(asset domain.Asset, cycle domain.Cycle, quote domain.Quote) domain.ActionIntent {
	if !asset.Enabled || !quote.Valid() {
		return nil
	}
	if cycle.Status != domain.CycleWatching && cycle.Status != domain.CycleTrailing {
		return nil
	}
	if !cycle.HasPosition() {
		return nil
	}
	if cycle.AveragePurchasePrice.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	if cycle.Quantity.LessThan(domain.MinPositionQty) {
		return nil
	}

	trigger := cycle.TakeProfitTrigger(asset)

	if !asset.TTPEnabled {
		if quote.Bid.GreaterThanOrEqual(trigger) {
			return domain.PlaceSell{
				Kind:     domain.SellKindTakeProfit,
				Symbol:   asset.Symbol,
				Quantity: cycle.Quantity,
			}
		}
		return nil
	}

	switch cycle.Status {
	case domain.CycleWatching:
		if quote.Bid.GreaterThanOrEqual(trigger) {
			return domain.EnterTrailing{NewPeak: quote.Bid}
		}
	case domain.CycleTrailing:
		peak := cycle.HighestTrailingPrice
		if quote.Bid.GreaterThan(peak) {
			return domain.UpdateTrailingPeak{NewPeak: quote.Bid}
		}
		sellTrigger := domain.DecreaseByPercent(peak, asset.TTPDeviationPercent)
		if quote.Bid.LessThanOrEqual(sellTrigger) {
			return domain.PlaceSell{
				Kind:     domain.SellKindTrailingTakeProfit,
				Symbol:   asset.Symbol,
				Quantity: cycle.Quantity,
			}
		}
	}
	return nil
}

func cooldownGatePasses(asset domain.Asset, prior *domain.Cycle, quote domain.Quote, now time.Time) bool {
	if prior == nil {
		return true
	}
	if prior.CompletedAt == nil || !now.Before(prior.CompletedAt.Add(asset.CooldownPeriod)) {
		return true
	}
	if prior.SellPrice.GreaterThan(decimal.Zero) {
		restart := domain.DecreaseByPercent(prior.SellPrice, asset.BuyOrderPriceDeviationPercent)
		if quote.Ask.LessThan(restart) {
			return true
		}
	}
	return false
}

func newLimitBuy(kind domain.BuyKind, symbol string, quoteAmount, ask decimal.Decimal, opts Options) domain.PlaceBuy {
	limit := ask
	if opts.AggressivePricing {
		limit = domain.IncreaseByPercent(ask, aggressiveLimitPercent)
	}
	return domain.PlaceBuy{
		Kind:        kind,
		Symbol:      symbol,
		LimitPrice:  limit,
		QuoteAmount: quoteAmount,
		Quantity:    quoteAmount.Div(ask),
	}
}
