package workers

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/openquant/dcaengine/internal/storage"
)

// bootstrapCycles creates the initial watching cycle for every enabled asset
// that has no active cycle. Runs at startup and on its timer so assets added
// to the catalog are picked up without a restart.
func (r *Runner) bootstrapCycles(ctx context.Context) error {
	log := r.log.With(zap.String("worker", "bootstrap"))

	assets, err := r.store.ListEnabledAssets(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list enabled assets")
	}

	for _, asset := range assets {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if _, err := r.store.GetActiveCycle(ctx, asset.ID); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			log.Warn("failed to probe active cycle", zap.String("symbol", asset.Symbol), zap.Error(err))
			continue
		}

		if r.cfg.DryRun {
			log.Info("dry run: would create initial cycle", zap.String("symbol", asset.Symbol))
			continue
		}

		cycle, err := r.store.CreateInitialCycle(ctx, asset.ID)
		if err != nil {
			log.Warn("failed to create initial cycle", zap.String("symbol", asset.Symbol), zap.Error(err))
			continue
		}
		log.Info("initial cycle created",
			zap.String("symbol", asset.Symbol),
			zap.Int64("cycle_id", cycle.ID))
	}
	return nil
}
