package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Asset is the per-symbol trading configuration. Rows are administered
// externally; the engine treats everything except LastSellPrice as immutable
// for the lifetime of a session.
type Asset struct {
	ID      int64
	Symbol  string
	Enabled bool

	// Order sizing, in quote currency.
	BaseOrderAmount   decimal.Decimal
	SafetyOrderAmount decimal.Decimal

	MaxSafetyOrders             int
	SafetyOrderDeviationPercent decimal.Decimal
	TakeProfitPercent           decimal.Decimal

	TTPEnabled          bool
	TTPDeviationPercent decimal.Decimal

	CooldownPeriod time.Duration

	// Price drop from the prior cycle's sell price that preempts the cooldown.
	BuyOrderPriceDeviationPercent decimal.Decimal

	// Fill price of the most recent completed sell. Zero until the first
	// cycle completes.
	LastSellPrice decimal.Decimal

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the configuration constraints that every decision rule
// relies on.
func (a Asset) Validate() error {
	if a.Symbol == "" {
		return fmt.Errorf("asset %d has empty symbol", a.ID)
	}
	if a.BaseOrderAmount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("asset %s: base order amount must be positive, got %s", a.Symbol, a.BaseOrderAmount.String())
	}
	if a.SafetyOrderAmount.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("asset %s: safety order amount must be positive, got %s", a.Symbol, a.SafetyOrderAmount.String())
	}
	if a.MaxSafetyOrders < 0 {
		return fmt.Errorf("asset %s: max safety orders must be non-negative, got %d", a.Symbol, a.MaxSafetyOrders)
	}
	if a.SafetyOrderDeviationPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("asset %s: safety order deviation must be positive, got %s", a.Symbol, a.SafetyOrderDeviationPercent.String())
	}
	if a.TakeProfitPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("asset %s: take profit percent must be positive, got %s", a.Symbol, a.TakeProfitPercent.String())
	}
	if a.TTPEnabled && a.TTPDeviationPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("asset %s: ttp deviation must be positive when trailing is enabled, got %s", a.Symbol, a.TTPDeviationPercent.String())
	}
	if a.CooldownPeriod < 0 {
		return fmt.Errorf("asset %s: cooldown period must be non-negative, got %s", a.Symbol, a.CooldownPeriod)
	}
	if a.BuyOrderPriceDeviationPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("asset %s: buy order price deviation must be positive, got %s", a.Symbol, a.BuyOrderPriceDeviationPercent.String())
	}
	return nil
}
