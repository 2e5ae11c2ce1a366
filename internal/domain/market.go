package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one top-of-book update for a symbol.
type Quote struct {
	Symbol    string
	Bid       decimal.Decimal
	BidSize   decimal.Decimal
	Ask       decimal.Decimal
	AskSize   decimal.Decimal
	Timestamp time.Time
}

// Valid reports whether both sides of the book carry usable prices.
func (q Quote) Valid() bool {
	return q.Bid.GreaterThan(decimal.Zero) && q.Ask.GreaterThan(decimal.Zero)
}

// Position is the broker's view of a held quantity for one symbol.
type Position struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
}

// MinPositionQty is the smallest quantity the broker accepts in an order.
// Positions below it are treated as dust and ignored.
var MinPositionQty = decimal.RequireFromString("0.000000002")

// Held reports whether the position is large enough to trade.
func (p Position) Held() bool {
	return p.Qty.GreaterThanOrEqual(MinPositionQty)
}
