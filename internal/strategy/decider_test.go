package strategy

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/openquant/dcaengine/internal/domain"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testAsset() domain.Asset {
	return domain.Asset{
		ID:                            1,
		Symbol:                        "BTC/USD",
		Enabled:                       true,
		BaseOrderAmount:               d("20"),
		SafetyOrderAmount:             d("40"),
		MaxSafetyOrders:               3,
		SafetyOrderDeviationPercent:   d("1.0"),
		TakeProfitPercent:             d("1.5"),
		CooldownPeriod:                10 * time.Minute,
		BuyOrderPriceDeviationPercent: d("2"),
	}
}

func watchingCycle() domain.Cycle {
	return domain.Cycle{ID: 10, AssetID: 1, Status: domain.CycleWatching}
}

func quote(bid, ask string) domain.Quote {
	return domain.Quote{
		Symbol:    "BTC/USD",
		Bid:       d(bid),
		Ask:       d(ask),
		Timestamp: time.Now().UTC(),
	}
}

func TestDecideBaseOrder_HappyPath(t *testing.T) {
	asset := testAsset()
	now := time.Now().UTC()

	buy := DecideBaseOrder(asset, watchingCycle(), nil, quote("49999", "50000"), now, Options{})

	require.NotNil(t, buy)
	require.Equal(t, domain.BuyKindBase, buy.Kind)
	require.Equal(t, "BTC/USD", buy.Symbol)
	require.True(t, buy.LimitPrice.Equal(d("50000")))
	require.True(t, buy.QuoteAmount.Equal(d("20")))
	require.True(t, buy.Quantity.Equal(d("0.0004")))
}

func TestDecideBaseOrder_SkipsWhenHoldingPosition(t *testing.T) {
	cycle := watchingCycle()
	cycle.Quantity = d("0.0004")

	require.Nil(t, DecideBaseOrder(testAsset(), cycle, nil, quote("49999", "50000"), time.Now().UTC(), Options{}))
}

func TestDecideBaseOrder_SkipsDisabledAsset(t *testing.T) {
	asset := testAsset()
	asset.Enabled = false

	require.Nil(t, DecideBaseOrder(asset, watchingCycle(), nil, quote("49999", "50000"), time.Now().UTC(), Options{}))
}

func TestDecideBaseOrder_CooldownBlocks(t *testing.T) {
	asset := testAsset()
	completed := time.Now().UTC().Add(-time.Minute)
	prior := &domain.Cycle{
		Status:      domain.CycleComplete,
		SellPrice:   d("50000"),
		CompletedAt: &completed,
	}

	// inside cooldown, no meaningful drop: 49500 >= 50000*0.98
	require.Nil(t, DecideBaseOrder(asset, watchingCycle(), prior, quote("49499", "49500"), time.Now().UTC(), Options{}))
}

func TestDecideBaseOrder_CooldownExpired(t *testing.T) {
	asset := testAsset()
	completed := time.Now().UTC().Add(-11 * time.Minute)
	prior := &domain.Cycle{
		Status:      domain.CycleComplete,
		SellPrice:   d("50000"),
		CompletedAt: &completed,
	}

	buy := DecideBaseOrder(asset, watchingCycle(), prior, quote("49999", "50000"), time.Now().UTC(), Options{})
	require.NotNil(t, buy)
}

func TestDecideBaseOrder_EarlyRestartPreemptsCooldown(t *testing.T) {
	asset := testAsset()
	asset.CooldownPeriod = 600 * time.Second
	completed := time.Now().UTC().Add(-60 * time.Second)
	prior := &domain.Cycle{
		Status:      domain.CycleComplete,
		SellPrice:   d("50000"),
		CompletedAt: &completed,
	}

	// 48999 < 50000 * 0.98 = 49000: the drop preempts the cooldown
	buy := DecideBaseOrder(asset, watchingCycle(), prior, quote("48998", "48999"), time.Now().UTC(), Options{})
	require.NotNil(t, buy)
	require.True(t, buy.LimitPrice.Equal(d("48999")))

	// exactly at the boundary the gate stays closed (strict less-than)
	require.Nil(t, DecideBaseOrder(asset, watchingCycle(), prior, quote("48999", "49000"), time.Now().UTC(), Options{}))
}

func TestDecideBaseOrder_AggressivePricing(t *testing.T) {
	buy := DecideBaseOrder(testAsset(), watchingCycle(), nil, quote("49999", "50000"), time.Now().UTC(), Options{AggressivePricing: true})

	require.NotNil(t, buy)
	require.True(t, buy.LimitPrice.Equal(d("52500")), "limit should be 5%% above ask, got %s", buy.LimitPrice)
	require.True(t, buy.Quantity.Equal(d("0.0004")), "quantity stays sized at the ask")
}

func TestDecideSafetyOrder_TriggersAtExactDeviation(t *testing.T) {
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = d("0.0004")
	cycle.AveragePurchasePrice = d("50000")
	cycle.LastOrderFillPrice = d("50000")

	// trigger = 50000 * 0.99 = 49500; equality fires
	buy := DecideSafetyOrder(asset, cycle, quote("49499", "49500"), Options{})
	require.NotNil(t, buy)
	require.Equal(t, domain.BuyKindSafety, buy.Kind)
	require.True(t, buy.LimitPrice.Equal(d("49500")))
	require.True(t, buy.QuoteAmount.Equal(d("40")))

	// one tick above the trigger does not
	require.Nil(t, DecideSafetyOrder(asset, cycle, quote("49500", "49501"), Options{}))
}

func TestDecideSafetyOrder_RespectsMaxSafetyOrders(t *testing.T) {
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = d("0.001")
	cycle.LastOrderFillPrice = d("50000")
	cycle.SafetyOrders = 3

	require.Nil(t, DecideSafetyOrder(asset, cycle, quote("40000", "40000"), Options{}))
}

func TestDecideSafetyOrder_NeedsFillPrice(t *testing.T) {
	cycle := watchingCycle()
	cycle.Quantity = d("0.001")

	require.Nil(t, DecideSafetyOrder(testAsset(), cycle, quote("40000", "40000"), Options{}))
}

func TestDecideTakeProfit_StandardSell(t *testing.T) {
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = d("0.001208")
	cycle.AveragePurchasePrice = d("49665")
	cycle.LastOrderFillPrice = d("49500")
	cycle.SafetyOrders = 3 // safety budget exhausted, only the exit applies

	// trigger = 49665 * 1.015 = 50409.975; bid 50410 fires
	intent := DecideTakeProfit(asset, cycle, quote("50410", "50411"))
	sell, ok := intent.(domain.PlaceSell)
	require.True(t, ok, "expected PlaceSell, got %T", intent)
	require.Equal(t, domain.SellKindTakeProfit, sell.Kind)
	require.True(t, sell.Quantity.Equal(d("0.001208")))

	require.Nil(t, DecideTakeProfit(asset, cycle, quote("50409", "50410")))
}

func TestDecideTakeProfit_TrailingLifecycle(t *testing.T) {
	asset := testAsset()
	asset.TTPEnabled = true
	asset.TTPDeviationPercent = d("0.5")
	asset.TakeProfitPercent = d("1.0")
	asset.MaxSafetyOrders = 0

	cycle := watchingCycle()
	cycle.Quantity = d("0.001")
	cycle.AveragePurchasePrice = d("50000")

	// crossing the trigger arms trailing instead of selling
	intent := DecideTakeProfit(asset, cycle, quote("50500", "50501"))
	enter, ok := intent.(domain.EnterTrailing)
	require.True(t, ok, "expected EnterTrailing, got %T", intent)
	require.True(t, enter.NewPeak.Equal(d("50500")))

	// a higher bid raises the peak
	cycle.Status = domain.CycleTrailing
	cycle.HighestTrailingPrice = d("50500")
	intent = DecideTakeProfit(asset, cycle, quote("50800", "50801"))
	update, ok := intent.(domain.UpdateTrailingPeak)
	require.True(t, ok, "expected UpdateTrailingPeak, got %T", intent)
	require.True(t, update.NewPeak.Equal(d("50800")))

	// retracement beyond the deviation sells: 50540 <= 50800*0.995 = 50546
	cycle.HighestTrailingPrice = d("50800")
	intent = DecideTakeProfit(asset, cycle, quote("50540", "50541"))
	sell, ok := intent.(domain.PlaceSell)
	require.True(t, ok, "expected PlaceSell, got %T", intent)
	require.Equal(t, domain.SellKindTrailingTakeProfit, sell.Kind)
	require.True(t, sell.Quantity.Equal(d("0.001")))

	// inside the deviation band nothing happens
	require.Nil(t, DecideTakeProfit(asset, cycle, quote("50547", "50548")))
}

func TestDecide_SafetyWinsOverTakeProfit(t *testing.T) {
	// a quote that satisfies both the safety drop and (stale) take-profit
	// math must produce the buy, never the sell
	asset := testAsset()
	cycle := watchingCycle()
	cycle.Quantity = d("0.001")
	cycle.AveragePurchasePrice = d("40000")
	cycle.LastOrderFillPrice = d("50000")

	intent := Decide(asset, cycle, nil, quote("49500", "49500"), time.Now().UTC(), Options{})
	buy, ok := intent.(domain.PlaceBuy)
	require.True(t, ok, "expected PlaceBuy, got %T", intent)
	require.Equal(t, domain.BuyKindSafety, buy.Kind)
}

func TestDecide_NoActionForOrderStateCycles(t *testing.T) {
	asset := testAsset()
	for _, status := range []domain.CycleStatus{domain.CycleBuying, domain.CycleSelling} {
		cycle := watchingCycle()
		cycle.Status = status
		cycle.Quantity = d("0.001")
		cycle.AveragePurchasePrice = d("1")
		cycle.LatestOrderID = "42"

		require.Nil(t, Decide(asset, cycle, nil, quote("50000", "50001"), time.Now().UTC(), Options{}),
			"no intent expected while %s", status)
	}
}

func TestDecide_InvalidQuoteIgnored(t *testing.T) {
	require.Nil(t, Decide(testAsset(), watchingCycle(), nil, domain.Quote{Symbol: "BTC/USD"}, time.Now().UTC(), Options{}))
}
