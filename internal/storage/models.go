package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/openquant/dcaengine/internal/domain"
)

// Persistence records. Prices are stored with 10 fractional digits and
// quantities with 15; nullable columns use pointers so that GORM writes real
// NULLs.

type assetRecord struct {
	ID      int64  `gorm:"primaryKey;autoIncrement"`
	Symbol  string `gorm:"uniqueIndex;size:32;not null"`
	Enabled bool   `gorm:"not null;default:true"`

	BaseOrderAmount   decimal.Decimal `gorm:"type:numeric(32,10);not null"`
	SafetyOrderAmount decimal.Decimal `gorm:"type:numeric(32,10);not null"`

	MaxSafetyOrders             int             `gorm:"not null"`
	SafetyOrderDeviationPercent decimal.Decimal `gorm:"type:numeric(16,10);not null"`
	TakeProfitPercent           decimal.Decimal `gorm:"type:numeric(16,10);not null"`

	TTPEnabled          bool             `gorm:"column:ttp_enabled;not null;default:false"`
	TTPDeviationPercent *decimal.Decimal `gorm:"column:ttp_deviation_percent;type:numeric(16,10)"`

	CooldownPeriodSeconds int64 `gorm:"not null;default:0"`

	BuyOrderPriceDeviationPercent decimal.Decimal `gorm:"type:numeric(16,10);not null"`

	LastSellPrice *decimal.Decimal `gorm:"type:numeric(32,10)"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (assetRecord) TableName() string { return "dca_assets" }

type cycleRecord struct {
	ID      int64        `gorm:"primaryKey;autoIncrement"`
	AssetID int64        `gorm:"not null;index;uniqueIndex:idx_one_active_cycle,where:status NOT IN ('complete','error')"`
	Asset   *assetRecord `gorm:"foreignKey:AssetID;constraint:OnDelete:CASCADE"`
	Status  string       `gorm:"size:16;not null;index"`

	Quantity             decimal.Decimal `gorm:"type:numeric(40,15);not null"`
	AveragePurchasePrice decimal.Decimal `gorm:"type:numeric(32,10);not null"`
	SafetyOrders         int             `gorm:"not null"`

	LatestOrderID        *string `gorm:"size:64;index"`
	LatestOrderCreatedAt *time.Time

	LastOrderFillPrice   *decimal.Decimal `gorm:"type:numeric(32,10)"`
	HighestTrailingPrice *decimal.Decimal `gorm:"type:numeric(32,10)"`
	SellPrice            *decimal.Decimal `gorm:"type:numeric(32,10)"`

	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (cycleRecord) TableName() string { return "dca_cycles" }

func (r assetRecord) toDomain() domain.Asset {
	a := domain.Asset{
		ID:                            r.ID,
		Symbol:                        r.Symbol,
		Enabled:                       r.Enabled,
		BaseOrderAmount:               r.BaseOrderAmount,
		SafetyOrderAmount:             r.SafetyOrderAmount,
		MaxSafetyOrders:               r.MaxSafetyOrders,
		SafetyOrderDeviationPercent:   r.SafetyOrderDeviationPercent,
		TakeProfitPercent:             r.TakeProfitPercent,
		TTPEnabled:                    r.TTPEnabled,
		CooldownPeriod:                time.Duration(r.CooldownPeriodSeconds) * time.Second,
		BuyOrderPriceDeviationPercent: r.BuyOrderPriceDeviationPercent,
		CreatedAt:                     r.CreatedAt,
		UpdatedAt:                     r.UpdatedAt,
	}
	if r.TTPDeviationPercent != nil {
		a.TTPDeviationPercent = *r.TTPDeviationPercent
	}
	if r.LastSellPrice != nil {
		a.LastSellPrice = *r.LastSellPrice
	}
	return a
}

func (r cycleRecord) toDomain() domain.Cycle {
	c := domain.Cycle{
		ID:                   r.ID,
		AssetID:              r.AssetID,
		Status:               domain.CycleStatus(r.Status),
		Quantity:             r.Quantity,
		AveragePurchasePrice: r.AveragePurchasePrice,
		SafetyOrders:         r.SafetyOrders,
		LatestOrderCreatedAt: r.LatestOrderCreatedAt,
		CompletedAt:          r.CompletedAt,
		CreatedAt:            r.CreatedAt,
		UpdatedAt:            r.UpdatedAt,
	}
	if r.LatestOrderID != nil {
		c.LatestOrderID = *r.LatestOrderID
	}
	if r.LastOrderFillPrice != nil {
		c.LastOrderFillPrice = *r.LastOrderFillPrice
	}
	if r.HighestTrailingPrice != nil {
		c.HighestTrailingPrice = *r.HighestTrailingPrice
	}
	if r.SellPrice != nil {
		c.SellPrice = *r.SellPrice
	}
	return c
}
