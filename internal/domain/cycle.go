package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// CycleStatus is the state of a DCA cycle.
type CycleStatus string

const (
	// CycleWatching: no order in flight; the decider may act on quotes.
	CycleWatching CycleStatus = "watching"
	// CycleBuying: a limit buy referenced by LatestOrderID is open.
	CycleBuying CycleStatus = "buying"
	// CycleSelling: a market sell referenced by LatestOrderID is open.
	CycleSelling CycleStatus = "selling"
	// CycleTrailing: take-profit threshold crossed, trailing a rising peak.
	CycleTrailing CycleStatus = "trailing"
	// CycleComplete: terminal, position sold.
	CycleComplete CycleStatus = "complete"
	// CycleError: terminal, abandoned after an unrecoverable inconsistency.
	CycleError CycleStatus = "error"
)

// Terminal reports whether the status is final. Terminal cycles are never
// mutated again.
func (s CycleStatus) Terminal() bool {
	return s == CycleComplete || s == CycleError
}

// Cycle is one end-to-end run of the DCA strategy for one asset: a base buy,
// optional safety buys, and a take-profit sell. Exactly one non-terminal
// cycle exists per enabled asset.
//
// Nullable columns are represented by zero values: an empty LatestOrderID
// means no order is in flight, a zero decimal means the price is unset, and
// a nil time pointer means the timestamp is unset.
type Cycle struct {
	ID      int64
	AssetID int64
	Status  CycleStatus

	Quantity             decimal.Decimal
	AveragePurchasePrice decimal.Decimal
	SafetyOrders         int

	LatestOrderID        string
	LatestOrderCreatedAt *time.Time

	LastOrderFillPrice   decimal.Decimal
	HighestTrailingPrice decimal.Decimal
	SellPrice            decimal.Decimal

	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasPosition reports whether the cycle holds any quantity.
func (c Cycle) HasPosition() bool {
	return c.Quantity.GreaterThan(decimal.Zero)
}

// BuyFill is the state delta produced by applying one buy fill to a cycle.
type BuyFill struct {
	Quantity             decimal.Decimal
	AveragePurchasePrice decimal.Decimal
	SafetyOrders         int
	LastOrderFillPrice   decimal.Decimal
	// IsSafety is true when the cycle already held quantity before the fill.
	IsSafety bool
}

// ApplyBuyFill folds a buy fill into the cycle's weighted average. The first
// fill of a cycle is the base order; every later fill is a safety order and
// increments the safety counter.
//
//	avg' = (q*avg + q_filled*p) / (q + q_filled)
func (c Cycle) ApplyBuyFill(filledQty, fillPrice decimal.Decimal) BuyFill {
	newQty := c.Quantity.Add(filledQty)

	var newAvg decimal.Decimal
	if c.Quantity.IsZero() {
		newAvg = fillPrice
	} else {
		totalCost := c.AveragePurchasePrice.Mul(c.Quantity).Add(fillPrice.Mul(filledQty))
		newAvg = totalCost.Div(newQty)
	}

	fill := BuyFill{
		Quantity:             newQty,
		AveragePurchasePrice: newAvg,
		SafetyOrders:         c.SafetyOrders,
		LastOrderFillPrice:   fillPrice,
		IsSafety:             c.HasPosition(),
	}
	if fill.IsSafety {
		fill.SafetyOrders++
	}
	return fill
}

// TakeProfitTrigger returns the price at which the take-profit rule arms:
// average purchase price raised by the asset's take-profit percent.
func (c Cycle) TakeProfitTrigger(asset Asset) decimal.Decimal {
	return IncreaseByPercent(c.AveragePurchasePrice, asset.TakeProfitPercent)
}
