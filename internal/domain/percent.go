package domain

import "github.com/shopspring/decimal"

var hundred = decimal.NewFromInt(100)

// IncreaseByPercent returns value raised by pct percent.
func IncreaseByPercent(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(1).Add(pct.Div(hundred)))
}

// DecreaseByPercent returns value lowered by pct percent.
func DecreaseByPercent(value, pct decimal.Decimal) decimal.Decimal {
	return value.Mul(decimal.NewFromInt(1).Sub(pct.Div(hundred)))
}

// PercentageDiff returns the percentage difference of current against
// reference. Zero reference yields zero.
func PercentageDiff(current, reference decimal.Decimal) decimal.Decimal {
	if reference.IsZero() {
		return decimal.Zero
	}
	return current.Sub(reference).Div(reference).Mul(hundred)
}
