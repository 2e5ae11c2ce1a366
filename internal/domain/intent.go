package domain

import "github.com/shopspring/decimal"

// BuyKind distinguishes the first buy of a cycle from averaging-down buys.
type BuyKind string

const (
	BuyKindBase   BuyKind = "base"
	BuyKindSafety BuyKind = "safety"
)

// SellKind distinguishes a plain take-profit from a trailing one.
type SellKind string

const (
	SellKindTakeProfit         SellKind = "take_profit"
	SellKindTrailingTakeProfit SellKind = "trailing_take_profit"
)

// ActionIntent is what the decider hands to the runtime. The decider never
// performs I/O; the runtime owns order submission and state persistence.
type ActionIntent interface {
	intent()
}

// PlaceBuy requests a limit buy sized in quote currency.
type PlaceBuy struct {
	Kind        BuyKind
	Symbol      string
	LimitPrice  decimal.Decimal
	QuoteAmount decimal.Decimal
	// Quantity is QuoteAmount converted at the limit price.
	Quantity decimal.Decimal
}

// PlaceSell requests a market sell of the whole cycle position.
type PlaceSell struct {
	Kind     SellKind
	Symbol   string
	Quantity decimal.Decimal
}

// EnterTrailing arms the trailing take-profit with an initial peak.
type EnterTrailing struct {
	NewPeak decimal.Decimal
}

// UpdateTrailingPeak raises the trailing peak.
type UpdateTrailingPeak struct {
	NewPeak decimal.Decimal
}

func (PlaceBuy) intent()           {}
func (PlaceSell) intent()          {}
func (EnterTrailing) intent()      {}
func (UpdateTrailingPeak) intent() {}
