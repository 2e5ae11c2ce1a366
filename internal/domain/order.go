package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// OrderStatus is the broker-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPendingNew      OrderStatus = "pending_new"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
)

// Active reports whether the order can still fill.
func (s OrderStatus) Active() bool {
	switch s {
	case OrderStatusNew, OrderStatusAccepted, OrderStatusPendingNew, OrderStatusPartiallyFilled:
		return true
	}
	return false
}

// Terminal reports whether the broker will emit no further state for the order.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// OrderSnapshot is the normalized view of a broker order. Adapters map the
// venue payload into this shape at the boundary; nothing past the broker
// package sees venue types.
type OrderSnapshot struct {
	ID             string
	ClientOrderID  string
	Symbol         string
	Side           OrderSide
	Type           OrderType
	Qty            decimal.Decimal
	FilledQty      decimal.Decimal
	FilledAvgPrice decimal.Decimal
	LimitPrice     decimal.Decimal
	Status         OrderStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TradeEventKind is the closed set of order lifecycle events the runtime
// reacts to.
type TradeEventKind string

const (
	TradeEventNew         TradeEventKind = "new"
	TradeEventPartialFill TradeEventKind = "partial_fill"
	TradeEventFill        TradeEventKind = "fill"
	TradeEventCanceled    TradeEventKind = "canceled"
	TradeEventRejected    TradeEventKind = "rejected"
	TradeEventExpired     TradeEventKind = "expired"
)

// Terminal reports whether the event ends the order's lifecycle.
func (k TradeEventKind) Terminal() bool {
	switch k {
	case TradeEventFill, TradeEventCanceled, TradeEventRejected, TradeEventExpired:
		return true
	}
	return false
}

// TradeEvent is one order lifecycle notification from the broker.
type TradeEvent struct {
	Kind  TradeEventKind
	Order OrderSnapshot
}
