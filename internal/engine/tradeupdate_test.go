package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/openquant/dcaengine/internal/domain"
)

func buyFillEvent(orderID, qty, price string) domain.TradeEvent {
	return domain.TradeEvent{
		Kind: domain.TradeEventFill,
		Order: domain.OrderSnapshot{
			ID:             orderID,
			Symbol:         "BTC/USD",
			Side:           domain.SideBuy,
			Type:           domain.OrderTypeLimit,
			FilledQty:      d(qty),
			FilledAvgPrice: d(price),
			Status:         domain.OrderStatusFilled,
		},
	}
}

func sellFillEvent(orderID, qty, price string) domain.TradeEvent {
	return domain.TradeEvent{
		Kind: domain.TradeEventFill,
		Order: domain.OrderSnapshot{
			ID:             orderID,
			Symbol:         "BTC/USD",
			Side:           domain.SideSell,
			Type:           domain.OrderTypeMarket,
			FilledQty:      d(qty),
			FilledAvgPrice: d(price),
			Status:         domain.OrderStatusFilled,
		},
	}
}

func cancelEvent(orderID string, side domain.OrderSide) domain.TradeEvent {
	return domain.TradeEvent{
		Kind: domain.TradeEventCanceled,
		Order: domain.OrderSnapshot{
			ID:     orderID,
			Symbol: "BTC/USD",
			Side:   side,
			Status: domain.OrderStatusCanceled,
		},
	}
}

func TestHandleTradeEvent_BaseBuyFill(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleBuying,
		LatestOrderID:        "ord-1",
		LatestOrderCreatedAt: &now,
	})

	eng := newTestEngine(t, store, &fakeBroker{}, Options{})
	eng.handleTradeEvent(context.Background(), buyFillEvent("ord-1", "0.0004", "50000"))

	cycle := store.cycle(t, 10)
	require.Equal(t, domain.CycleWatching, cycle.Status)
	require.True(t, cycle.Quantity.Equal(d("0.0004")))
	require.True(t, cycle.AveragePurchasePrice.Equal(d("50000")))
	require.True(t, cycle.LastOrderFillPrice.Equal(d("50000")))
	require.Equal(t, 0, cycle.SafetyOrders)
	require.Empty(t, cycle.LatestOrderID)
	require.Nil(t, cycle.LatestOrderCreatedAt)
}

func TestHandleTradeEvent_SafetyBuyFillIncrementsCounter(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleBuying,
		Quantity:             d("0.0004"),
		AveragePurchasePrice: d("50000"),
		LastOrderFillPrice:   d("50000"),
		LatestOrderID:        "ord-2",
		LatestOrderCreatedAt: &now,
	})

	eng := newTestEngine(t, store, &fakeBroker{}, Options{})
	eng.handleTradeEvent(context.Background(), buyFillEvent("ord-2", "0.000808", "49500"))

	cycle := store.cycle(t, 10)
	require.Equal(t, domain.CycleWatching, cycle.Status)
	require.Equal(t, 1, cycle.SafetyOrders)
	require.True(t, cycle.Quantity.Equal(d("0.001208")))
	require.True(t, cycle.LastOrderFillPrice.Equal(d("49500")))
	require.True(t, cycle.AveragePurchasePrice.Sub(d("49665.56")).Abs().LessThan(d("0.01")))
}

func TestHandleTradeEvent_SellFillRollsOver(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleSelling,
		Quantity:             d("0.001208"),
		AveragePurchasePrice: d("49665"),
		LastOrderFillPrice:   d("49500"),
		SafetyOrders:         1,
		LatestOrderID:        "ord-3",
		LatestOrderCreatedAt: &now,
	})

	eng := newTestEngine(t, store, &fakeBroker{}, Options{})
	eng.handleTradeEvent(context.Background(), sellFillEvent("ord-3", "0.001208", "50450"))

	old := store.cycle(t, 10)
	require.Equal(t, domain.CycleComplete, old.Status)
	require.NotNil(t, old.CompletedAt)
	require.True(t, old.SellPrice.Equal(d("50450")))
	require.Empty(t, old.LatestOrderID)

	next := store.activeCycle(t, 1)
	require.NotEqual(t, old.ID, next.ID)
	require.Equal(t, domain.CycleWatching, next.Status)
	require.True(t, next.Quantity.IsZero())
	require.Equal(t, 0, next.SafetyOrders)

	asset, err := store.GetAssetByID(context.Background(), 1)
	require.NoError(t, err)
	require.True(t, asset.LastSellPrice.Equal(d("50450")))
}

func TestHandleTradeEvent_DuplicateFillIsNoOp(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleSelling,
		Quantity:             d("0.001"),
		AveragePurchasePrice: d("50000"),
		LastOrderFillPrice:   d("50000"),
		LatestOrderID:        "ord-4",
		LatestOrderCreatedAt: &now,
	})

	eng := newTestEngine(t, store, &fakeBroker{}, Options{})
	ev := sellFillEvent("ord-4", "0.001", "51000")
	eng.handleTradeEvent(context.Background(), ev)
	eng.handleTradeEvent(context.Background(), ev)

	var active, terminal int
	for id := range store.cycles {
		if store.cycle(t, id).Status.Terminal() {
			terminal++
		} else {
			active++
		}
	}
	require.Equal(t, 1, active, "duplicate fill must not create a second watching cycle")
	require.Equal(t, 1, terminal)
}

func TestHandleTradeEvent_OrphanEventMutatesNothing(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	store.addCycle(domain.Cycle{ID: 10, AssetID: 1, Status: domain.CycleWatching})

	eng := newTestEngine(t, store, &fakeBroker{}, Options{})
	eng.handleTradeEvent(context.Background(), buyFillEvent("unknown-order", "1", "100"))

	cycle := store.cycle(t, 10)
	require.Equal(t, domain.CycleWatching, cycle.Status)
	require.True(t, cycle.Quantity.IsZero())
	require.Equal(t, 0, store.updates, "orphan events must not touch any cycle")
}

func TestHandleTradeEvent_BuyCancellationRevertsToWatching(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleBuying,
		LatestOrderID:        "ord-5",
		LatestOrderCreatedAt: &now,
	})

	eng := newTestEngine(t, store, &fakeBroker{}, Options{})
	eng.handleTradeEvent(context.Background(), cancelEvent("ord-5", domain.SideBuy))

	cycle := store.cycle(t, 10)
	require.Equal(t, domain.CycleWatching, cycle.Status)
	require.Empty(t, cycle.LatestOrderID)
	require.Nil(t, cycle.LatestOrderCreatedAt)
}

func TestHandleTradeEvent_SellCancellationWithPositionResyncs(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleSelling,
		Quantity:             d("0.0012"),
		AveragePurchasePrice: d("49665"),
		LastOrderFillPrice:   d("49500"),
		LatestOrderID:        "ord-6",
		LatestOrderCreatedAt: &now,
	})

	brk := &fakeBroker{position: domain.Position{Symbol: "BTC/USD", Qty: d("0.001208")}}
	eng := newTestEngine(t, store, brk, Options{})
	eng.handleTradeEvent(context.Background(), cancelEvent("ord-6", domain.SideSell))

	cycle := store.cycle(t, 10)
	require.Equal(t, domain.CycleWatching, cycle.Status)
	require.True(t, cycle.Quantity.Equal(d("0.001208")), "quantity resyncs to the broker position")
	require.Empty(t, cycle.LatestOrderID)
	require.False(t, cycle.Status.Terminal(), "no rollover while the position is held")
}

func TestHandleTradeEvent_SellCancellationWithoutPositionRollsOver(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleSelling,
		Quantity:             d("0.001"),
		AveragePurchasePrice: d("50000"),
		LastOrderFillPrice:   d("50000"),
		LatestOrderID:        "ord-7",
		LatestOrderCreatedAt: &now,
	})

	ev := cancelEvent("ord-7", domain.SideSell)
	ev.Order.FilledQty = d("0.001")
	ev.Order.FilledAvgPrice = d("50600")

	brk := &fakeBroker{position: domain.Position{Symbol: "BTC/USD"}}
	eng := newTestEngine(t, store, brk, Options{})
	eng.handleTradeEvent(context.Background(), ev)

	old := store.cycle(t, 10)
	require.Equal(t, domain.CycleComplete, old.Status)
	require.True(t, old.SellPrice.Equal(d("50600")))

	next := store.activeCycle(t, 1)
	require.Equal(t, domain.CycleWatching, next.Status)
	require.True(t, next.Quantity.IsZero())
}

func TestHandleTradeEvent_PartialFillLeavesStateAlone(t *testing.T) {
	store := newFakeStore()
	store.addAsset(testAsset())
	now := time.Now().UTC()
	store.addCycle(domain.Cycle{
		ID:                   10,
		AssetID:              1,
		Status:               domain.CycleBuying,
		LatestOrderID:        "ord-8",
		LatestOrderCreatedAt: &now,
	})

	eng := newTestEngine(t, store, &fakeBroker{}, Options{})
	eng.handleTradeEvent(context.Background(), domain.TradeEvent{
		Kind: domain.TradeEventPartialFill,
		Order: domain.OrderSnapshot{
			ID:        "ord-8",
			Symbol:    "BTC/USD",
			Side:      domain.SideBuy,
			FilledQty: d("0.0001"),
			Status:    domain.OrderStatusPartiallyFilled,
		},
	})

	cycle := store.cycle(t, 10)
	require.Equal(t, domain.CycleBuying, cycle.Status)
	require.True(t, cycle.Quantity.IsZero())
	require.Equal(t, "ord-8", cycle.LatestOrderID)
}

func TestEventJournal_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()

	journal, err := OpenEventJournal(dir)
	require.NoError(t, err)
	require.False(t, journal.Seen("ord-1", domain.TradeEventFill))

	require.NoError(t, journal.MarkProcessed("ord-1", domain.TradeEventFill))
	require.True(t, journal.Seen("ord-1", domain.TradeEventFill))
	require.False(t, journal.Seen("ord-1", domain.TradeEventCanceled))
	require.NoError(t, journal.Close())

	reopened, err := OpenEventJournal(dir)
	require.NoError(t, err)
	defer reopened.Close()
	require.True(t, reopened.Seen("ord-1", domain.TradeEventFill))
	require.False(t, reopened.Seen("ord-2", domain.TradeEventFill))
}
