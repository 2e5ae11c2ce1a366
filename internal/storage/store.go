// Package storage is the transactional Cycle Store: Postgres persistence of
// asset configuration, active cycles, and terminal cycle history. Every
// exported operation is a single transaction; the one-active-cycle invariant
// is enforced by a partial unique index so it holds under concurrent writers.
package storage

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/openquant/dcaengine/internal/domain"
)

// ErrInvariantViolation marks a write the store refused because it would
// break a data-model invariant.
var ErrInvariantViolation = errors.New("cycle store invariant violation")

// ErrNotFound is returned by point lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store is the GORM-backed cycle store.
type Store struct {
	db *gorm.DB
}

// Open connects to Postgres and configures a bounded connection pool.
func Open(dsn string, maxConns int) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres connection")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "failed to access sql pool")
	}
	if maxConns < 8 {
		maxConns = 8
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing gorm handle. Used by tests.
func NewWithDB(db *gorm.DB) *Store { return &Store{db: db} }

// Migrate bootstraps the two tables and their indexes.
func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&assetRecord{}, &cycleRecord{}); err != nil {
		return errors.Wrap(err, "failed to migrate dca tables")
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetAsset looks an asset up by symbol.
func (s *Store) GetAsset(ctx context.Context, symbol string) (domain.Asset, error) {
	var rec assetRecord
	err := s.db.WithContext(ctx).Where("symbol = ?", symbol).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Asset{}, errors.Wrapf(ErrNotFound, "asset %s", symbol)
	}
	if err != nil {
		return domain.Asset{}, errors.Wrapf(err, "failed to load asset %s", symbol)
	}
	return rec.toDomain(), nil
}

// GetAssetByID looks an asset up by primary key.
func (s *Store) GetAssetByID(ctx context.Context, id int64) (domain.Asset, error) {
	var rec assetRecord
	err := s.db.WithContext(ctx).First(&rec, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Asset{}, errors.Wrapf(ErrNotFound, "asset %d", id)
	}
	if err != nil {
		return domain.Asset{}, errors.Wrapf(err, "failed to load asset %d", id)
	}
	return rec.toDomain(), nil
}

// ListEnabledAssets returns every asset the engine should trade.
func (s *Store) ListEnabledAssets(ctx context.Context) ([]domain.Asset, error) {
	var recs []assetRecord
	if err := s.db.WithContext(ctx).Where("enabled = ?", true).Order("symbol").Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list enabled assets")
	}
	assets := make([]domain.Asset, 0, len(recs))
	for _, r := range recs {
		assets = append(assets, r.toDomain())
	}
	return assets, nil
}

// SetAssetLastSellPrice records the fill price of a completed sell on the
// asset row.
func (s *Store) SetAssetLastSellPrice(ctx context.Context, assetID int64, price decimal.Decimal) error {
	err := s.db.WithContext(ctx).Model(&assetRecord{}).Where("id = ?", assetID).
		Updates(map[string]any{"last_sell_price": price, "updated_at": time.Now().UTC()}).Error
	return errors.Wrapf(err, "failed to set last sell price for asset %d", assetID)
}

// GetActiveCycle returns the unique non-terminal cycle of an asset.
func (s *Store) GetActiveCycle(ctx context.Context, assetID int64) (domain.Cycle, error) {
	var rec cycleRecord
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND status NOT IN ?", assetID, terminalStatuses).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Cycle{}, errors.Wrapf(ErrNotFound, "active cycle for asset %d", assetID)
	}
	if err != nil {
		return domain.Cycle{}, errors.Wrapf(err, "failed to load active cycle for asset %d", assetID)
	}
	return rec.toDomain(), nil
}

// GetLatestTerminalCycle returns the most recently completed cycle of an
// asset, or ErrNotFound when the asset never finished one.
func (s *Store) GetLatestTerminalCycle(ctx context.Context, assetID int64) (domain.Cycle, error) {
	var rec cycleRecord
	err := s.db.WithContext(ctx).
		Where("asset_id = ? AND status IN ?", assetID, terminalStatuses).
		Order("completed_at DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Cycle{}, errors.Wrapf(ErrNotFound, "terminal cycle for asset %d", assetID)
	}
	if err != nil {
		return domain.Cycle{}, errors.Wrapf(err, "failed to load terminal cycle for asset %d", assetID)
	}
	return rec.toDomain(), nil
}

// GetCycleByOrderID locates the cycle referencing a broker order.
func (s *Store) GetCycleByOrderID(ctx context.Context, orderID string) (domain.Cycle, error) {
	var rec cycleRecord
	err := s.db.WithContext(ctx).Where("latest_order_id = ?", orderID).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Cycle{}, errors.Wrapf(ErrNotFound, "cycle with order %s", orderID)
	}
	if err != nil {
		return domain.Cycle{}, errors.Wrapf(err, "failed to load cycle by order %s", orderID)
	}
	return rec.toDomain(), nil
}

// ListCyclesByStatus returns every cycle currently in one of the given
// statuses.
func (s *Store) ListCyclesByStatus(ctx context.Context, statuses ...domain.CycleStatus) ([]domain.Cycle, error) {
	raw := make([]string, 0, len(statuses))
	for _, st := range statuses {
		raw = append(raw, string(st))
	}
	var recs []cycleRecord
	if err := s.db.WithContext(ctx).Where("status IN ?", raw).Order("asset_id, created_at").Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to list cycles by status")
	}
	return toCycles(recs), nil
}

// ListWatchingCyclesWithQuantity returns cycles that hold a position but have
// no order in flight; the consistency checker sweeps these against broker
// positions.
func (s *Store) ListWatchingCyclesWithQuantity(ctx context.Context) ([]domain.Cycle, error) {
	var recs []cycleRecord
	err := s.db.WithContext(ctx).
		Where("status = ? AND quantity > 0", string(domain.CycleWatching)).
		Order("asset_id, created_at").
		Find(&recs).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list watching cycles with quantity")
	}
	return toCycles(recs), nil
}

// ActiveOrderIDs returns the order ids referenced by cycles in buying or
// selling state. Anything open at the broker outside this set is an orphan.
func (s *Store) ActiveOrderIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&cycleRecord{}).
		Where("status IN ? AND latest_order_id IS NOT NULL", []string{string(domain.CycleBuying), string(domain.CycleSelling)}).
		Pluck("latest_order_id", &ids).Error
	if err != nil {
		return nil, errors.Wrap(err, "failed to list active order ids")
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// CreateInitialCycle inserts a zero-quantity watching cycle for an asset that
// has no active cycle. Idempotent: a concurrent or earlier creation is
// returned as-is.
func (s *Store) CreateInitialCycle(ctx context.Context, assetID int64) (domain.Cycle, error) {
	var out cycleRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing cycleRecord
		err := tx.Where("asset_id = ? AND status NOT IN ?", assetID, terminalStatuses).First(&existing).Error
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Wrapf(err, "failed to probe active cycle for asset %d", assetID)
		}

		rec := freshWatchingCycle(assetID)
		if err := tx.Create(&rec).Error; err != nil {
			if isUniqueViolation(err) {
				// a concurrent creator won the race; adopt its row
				if err := tx.Where("asset_id = ? AND status NOT IN ?", assetID, terminalStatuses).First(&out).Error; err != nil {
					return errors.Wrapf(err, "failed to adopt concurrently created cycle for asset %d", assetID)
				}
				return nil
			}
			return errors.Wrapf(err, "failed to create initial cycle for asset %d", assetID)
		}
		out = rec
		return nil
	})
	if err != nil {
		return domain.Cycle{}, err
	}
	return out.toDomain(), nil
}

// UpdateCycle applies a whitelisted patch to a non-terminal cycle and bumps
// updated_at. Terminal cycles are immutable; patches that would break an
// invariant are rejected with ErrInvariantViolation.
func (s *Store) UpdateCycle(ctx context.Context, cycleID int64, patch CyclePatch) (domain.Cycle, error) {
	var out cycleRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec cycleRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, cycleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrNotFound, "cycle %d", cycleID)
			}
			return errors.Wrapf(err, "failed to lock cycle %d", cycleID)
		}
		if domain.CycleStatus(rec.Status).Terminal() {
			return errors.Wrapf(ErrInvariantViolation, "cycle %d is terminal and immutable", cycleID)
		}

		updates, err := patch.validate(rec.toDomain())
		if err != nil {
			return err
		}
		updates["updated_at"] = time.Now().UTC()

		if err := tx.Model(&rec).Updates(updates).Error; err != nil {
			return errors.Wrapf(err, "failed to update cycle %d", cycleID)
		}
		if err := tx.First(&out, cycleID).Error; err != nil {
			return errors.Wrapf(err, "failed to reload cycle %d", cycleID)
		}
		return nil
	})
	if err != nil {
		return domain.Cycle{}, err
	}
	return out.toDomain(), nil
}

// CompleteAndRollover atomically marks a cycle terminal and inserts the next
// watching cycle for the same asset. Re-applying the rollover to an already
// terminal cycle is a no-op that returns the existing successor, which makes
// duplicate fill deliveries safe.
func (s *Store) CompleteAndRollover(ctx context.Context, cycleID int64, terminal domain.CycleStatus, patch CyclePatch, now time.Time) (domain.Cycle, error) {
	if !terminal.Terminal() {
		return domain.Cycle{}, errors.Wrapf(ErrInvariantViolation, "rollover requires a terminal status, got %s", terminal)
	}

	var successor cycleRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec cycleRecord
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&rec, cycleID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.Wrapf(ErrNotFound, "cycle %d", cycleID)
			}
			return errors.Wrapf(err, "failed to lock cycle %d", cycleID)
		}

		if domain.CycleStatus(rec.Status).Terminal() {
			if err := tx.Where("asset_id = ? AND status NOT IN ?", rec.AssetID, terminalStatuses).First(&successor).Error; err != nil {
				return errors.Wrapf(err, "terminal cycle %d has no successor", cycleID)
			}
			return nil
		}

		updates, err := patch.validate(rec.toDomain())
		if err != nil {
			return err
		}
		updates["status"] = string(terminal)
		updates["completed_at"] = now.UTC()
		updates["latest_order_id"] = nil
		updates["latest_order_created_at"] = nil
		updates["updated_at"] = now.UTC()
		if err := tx.Model(&rec).Updates(updates).Error; err != nil {
			return errors.Wrapf(err, "failed to terminate cycle %d", cycleID)
		}

		next := freshWatchingCycle(rec.AssetID)
		if err := tx.Create(&next).Error; err != nil {
			if isUniqueViolation(err) {
				return errors.Wrapf(ErrInvariantViolation, "another active cycle exists for asset %d", rec.AssetID)
			}
			return errors.Wrapf(err, "failed to create successor cycle for asset %d", rec.AssetID)
		}
		successor = next
		return nil
	})
	if err != nil {
		return domain.Cycle{}, err
	}
	return successor.toDomain(), nil
}

var terminalStatuses = []string{string(domain.CycleComplete), string(domain.CycleError)}

func freshWatchingCycle(assetID int64) cycleRecord {
	return cycleRecord{
		AssetID:              assetID,
		Status:               string(domain.CycleWatching),
		Quantity:             decimal.Zero,
		AveragePurchasePrice: decimal.Zero,
		SafetyOrders:         0,
	}
}

func toCycles(recs []cycleRecord) []domain.Cycle {
	cycles := make([]domain.Cycle, 0, len(recs))
	for _, r := range recs {
		cycles = append(cycles, r.toDomain())
	}
	return cycles
}

// isUniqueViolation matches Postgres unique-constraint failures (SQLSTATE
// 23505), which the store treats as a concurrent success signal.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return err != nil && strings.Contains(err.Error(), "23505")
}
