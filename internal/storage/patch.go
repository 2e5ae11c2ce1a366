package storage

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/openquant/dcaengine/internal/domain"
)

// CyclePatch is the whitelisted set of cycle fields a caller may change.
// Nil fields are left untouched. Clearing a nullable column is expressed
// with the dedicated Clear* flags so a zero value never silently nulls a
// column.
type CyclePatch struct {
	Status *domain.CycleStatus

	Quantity             *decimal.Decimal
	AveragePurchasePrice *decimal.Decimal
	SafetyOrders         *int

	LatestOrderID        *string
	LatestOrderCreatedAt *time.Time
	ClearLatestOrder     bool

	LastOrderFillPrice *decimal.Decimal

	HighestTrailingPrice      *decimal.Decimal
	ClearHighestTrailingPrice bool

	SellPrice *decimal.Decimal
}

// validate projects the patch onto the current cycle, checks the data-model
// invariants the patch can affect, and returns the column map to apply.
func (p CyclePatch) validate(current domain.Cycle) (map[string]any, error) {
	next := current
	updates := make(map[string]any)

	if p.Status != nil {
		next.Status = *p.Status
		updates["status"] = string(*p.Status)
	}
	if p.Quantity != nil {
		if p.Quantity.LessThan(decimal.Zero) {
			return nil, errors.Wrapf(ErrInvariantViolation, "negative quantity %s", p.Quantity.String())
		}
		next.Quantity = *p.Quantity
		updates["quantity"] = *p.Quantity
	}
	if p.AveragePurchasePrice != nil {
		if p.AveragePurchasePrice.LessThan(decimal.Zero) {
			return nil, errors.Wrapf(ErrInvariantViolation, "negative average purchase price %s", p.AveragePurchasePrice.String())
		}
		next.AveragePurchasePrice = *p.AveragePurchasePrice
		updates["average_purchase_price"] = *p.AveragePurchasePrice
	}
	if p.SafetyOrders != nil {
		if *p.SafetyOrders < current.SafetyOrders {
			return nil, errors.Wrapf(ErrInvariantViolation, "safety order count may not decrease (%d -> %d)", current.SafetyOrders, *p.SafetyOrders)
		}
		next.SafetyOrders = *p.SafetyOrders
		updates["safety_orders"] = *p.SafetyOrders
	}
	if p.ClearLatestOrder {
		next.LatestOrderID = ""
		next.LatestOrderCreatedAt = nil
		updates["latest_order_id"] = nil
		updates["latest_order_created_at"] = nil
	} else {
		if p.LatestOrderID != nil {
			next.LatestOrderID = *p.LatestOrderID
			updates["latest_order_id"] = *p.LatestOrderID
		}
		if p.LatestOrderCreatedAt != nil {
			t := p.LatestOrderCreatedAt.UTC()
			next.LatestOrderCreatedAt = &t
			updates["latest_order_created_at"] = t
		}
	}
	if p.LastOrderFillPrice != nil {
		next.LastOrderFillPrice = *p.LastOrderFillPrice
		updates["last_order_fill_price"] = *p.LastOrderFillPrice
	}
	if p.ClearHighestTrailingPrice {
		next.HighestTrailingPrice = decimal.Zero
		updates["highest_trailing_price"] = nil
	} else if p.HighestTrailingPrice != nil {
		next.HighestTrailingPrice = *p.HighestTrailingPrice
		updates["highest_trailing_price"] = *p.HighestTrailingPrice
	}
	if p.SellPrice != nil {
		next.SellPrice = *p.SellPrice
		updates["sell_price"] = *p.SellPrice
	}

	if err := checkTransition(next); err != nil {
		return nil, err
	}
	return updates, nil
}

// checkTransition enforces the invariants expressible on a single row:
// order-state statuses must reference an order, and an empty cycle must not
// carry position aggregates.
func checkTransition(c domain.Cycle) error {
	switch c.Status {
	case domain.CycleBuying, domain.CycleSelling:
		if c.LatestOrderID == "" {
			return errors.Wrapf(ErrInvariantViolation, "status %s requires an order reference", c.Status)
		}
	case domain.CycleWatching, domain.CycleTrailing:
		if c.LatestOrderID != "" {
			return errors.Wrapf(ErrInvariantViolation, "status %s must not reference an order", c.Status)
		}
	}
	if c.Status == domain.CycleTrailing && c.HighestTrailingPrice.LessThanOrEqual(decimal.Zero) {
		return errors.Wrap(ErrInvariantViolation, "trailing status requires a trailing peak")
	}
	if c.Quantity.IsZero() {
		if c.AveragePurchasePrice.GreaterThan(decimal.Zero) || c.SafetyOrders != 0 || c.LastOrderFillPrice.GreaterThan(decimal.Zero) {
			return errors.Wrap(ErrInvariantViolation, "empty cycle must not carry position aggregates")
		}
	}
	return nil
}
