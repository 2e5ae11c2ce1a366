package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestApplyBuyFill_BaseOrder(t *testing.T) {
	cycle := Cycle{Status: CycleWatching}

	fill := cycle.ApplyBuyFill(d("0.0004"), d("50000"))

	require.False(t, fill.IsSafety)
	require.True(t, fill.Quantity.Equal(d("0.0004")))
	require.True(t, fill.AveragePurchasePrice.Equal(d("50000")))
	require.True(t, fill.LastOrderFillPrice.Equal(d("50000")))
	require.Equal(t, 0, fill.SafetyOrders)
}

func TestApplyBuyFill_SafetyOrderWeightedAverage(t *testing.T) {
	cycle := Cycle{
		Status:               CycleWatching,
		Quantity:             d("0.0004"),
		AveragePurchasePrice: d("50000"),
		LastOrderFillPrice:   d("50000"),
	}

	fill := cycle.ApplyBuyFill(d("0.000808"), d("49500"))

	require.True(t, fill.IsSafety)
	require.Equal(t, 1, fill.SafetyOrders)
	require.True(t, fill.Quantity.Equal(d("0.001208")))

	// (0.0004*50000 + 0.000808*49500) / 0.001208
	expected := d("0.0004").Mul(d("50000")).Add(d("0.000808").Mul(d("49500"))).Div(d("0.001208"))
	require.True(t, fill.AveragePurchasePrice.Equal(expected))
	require.True(t, fill.AveragePurchasePrice.Sub(d("49665.56")).Abs().LessThan(d("0.01")),
		"expected avg near 49665.56, got %s", fill.AveragePurchasePrice.String())
}

func TestApplyBuyFill_AverageMatchesFullRecalculation(t *testing.T) {
	fills := []struct{ qty, price string }{
		{"0.5", "100"},
		{"0.25", "90"},
		{"1", "80"},
		{"0.1", "120"},
	}

	cycle := Cycle{Status: CycleWatching}
	totalQty := decimal.Zero
	totalCost := decimal.Zero

	for _, f := range fills {
		fill := cycle.ApplyBuyFill(d(f.qty), d(f.price))
		cycle.Quantity = fill.Quantity
		cycle.AveragePurchasePrice = fill.AveragePurchasePrice
		cycle.SafetyOrders = fill.SafetyOrders
		cycle.LastOrderFillPrice = fill.LastOrderFillPrice

		totalQty = totalQty.Add(d(f.qty))
		totalCost = totalCost.Add(d(f.qty).Mul(d(f.price)))
	}

	require.Equal(t, len(fills)-1, cycle.SafetyOrders)
	require.True(t, cycle.Quantity.Equal(totalQty))

	expectedAvg := totalCost.Div(totalQty)
	require.True(t, cycle.AveragePurchasePrice.Sub(expectedAvg).Abs().LessThan(d("0.0000000001")),
		"incremental avg %s diverged from recalculated %s", cycle.AveragePurchasePrice, expectedAvg)
}

func TestCycleStatusTerminal(t *testing.T) {
	require.True(t, CycleComplete.Terminal())
	require.True(t, CycleError.Terminal())
	require.False(t, CycleWatching.Terminal())
	require.False(t, CycleBuying.Terminal())
	require.False(t, CycleSelling.Terminal())
	require.False(t, CycleTrailing.Terminal())
}

func TestTakeProfitTrigger(t *testing.T) {
	cycle := Cycle{AveragePurchasePrice: d("49665")}
	asset := Asset{TakeProfitPercent: d("1.5")}

	require.True(t, cycle.TakeProfitTrigger(asset).Equal(d("50409.975")))
}
