package storage

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

func ptr[T any](v T) *T { return &v }

func TestCyclePatch_BuyFillShape(t *testing.T) {
	current := domain.Cycle{
		ID:            1,
		Status:        domain.CycleBuying,
		LatestOrderID: "ord-1",
	}

	patch := CyclePatch{
		Status:               ptr(domain.CycleWatching),
		Quantity:             ptr(d("0.0004")),
		AveragePurchasePrice: ptr(d("50000")),
		LastOrderFillPrice:   ptr(d("50000")),
		ClearLatestOrder:     true,
	}

	updates, err := patch.validate(current)
	require.NoError(t, err)
	require.Equal(t, string(domain.CycleWatching), updates["status"])
	require.Nil(t, updates["latest_order_id"])
	require.Nil(t, updates["latest_order_created_at"])
	require.Contains(t, updates, "quantity")
}

func TestCyclePatch_OrderStateRequiresOrderRef(t *testing.T) {
	current := domain.Cycle{ID: 1, Status: domain.CycleWatching}

	_, err := CyclePatch{Status: ptr(domain.CycleBuying)}.validate(current)
	require.ErrorIs(t, err, ErrInvariantViolation)

	now := time.Now().UTC()
	_, err = CyclePatch{
		Status:               ptr(domain.CycleBuying),
		LatestOrderID:        ptr("ord-9"),
		LatestOrderCreatedAt: &now,
	}.validate(current)
	require.NoError(t, err)
}

func TestCyclePatch_WatchingMustNotKeepOrderRef(t *testing.T) {
	current := domain.Cycle{ID: 1, Status: domain.CycleBuying, LatestOrderID: "ord-1"}

	_, err := CyclePatch{Status: ptr(domain.CycleWatching)}.validate(current)
	require.ErrorIs(t, err, ErrInvariantViolation)

	_, err = CyclePatch{Status: ptr(domain.CycleWatching), ClearLatestOrder: true}.validate(current)
	require.NoError(t, err)
}

func TestCyclePatch_SafetyOrdersNeverDecrease(t *testing.T) {
	current := domain.Cycle{
		ID:                   1,
		Status:               domain.CycleWatching,
		Quantity:             d("1"),
		AveragePurchasePrice: d("10"),
		SafetyOrders:         2,
	}

	_, err := CyclePatch{SafetyOrders: ptr(1)}.validate(current)
	require.ErrorIs(t, err, ErrInvariantViolation)

	_, err = CyclePatch{SafetyOrders: ptr(3)}.validate(current)
	require.NoError(t, err)
}

func TestCyclePatch_RejectsNegativeQuantity(t *testing.T) {
	current := domain.Cycle{ID: 1, Status: domain.CycleWatching}

	_, err := CyclePatch{Quantity: ptr(d("-1"))}.validate(current)
	require.ErrorIs(t, err, ErrInvariantViolation)
}

func TestCyclePatch_TrailingNeedsPeak(t *testing.T) {
	current := domain.Cycle{
		ID:                   1,
		Status:               domain.CycleWatching,
		Quantity:             d("1"),
		AveragePurchasePrice: d("10"),
	}

	_, err := CyclePatch{Status: ptr(domain.CycleTrailing)}.validate(current)
	require.ErrorIs(t, err, ErrInvariantViolation)

	_, err = CyclePatch{
		Status:               ptr(domain.CycleTrailing),
		HighestTrailingPrice: ptr(d("11")),
	}.validate(current)
	require.NoError(t, err)
}

func TestCyclePatch_EmptyCycleCarriesNoAggregates(t *testing.T) {
	current := domain.Cycle{ID: 1, Status: domain.CycleWatching}

	_, err := CyclePatch{AveragePurchasePrice: ptr(d("50000"))}.validate(current)
	require.ErrorIs(t, err, ErrInvariantViolation)
}
