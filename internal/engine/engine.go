// Package engine is the live runtime: it consumes the broker's quote and
// trade-update streams, feeds quotes through the pure decider, and applies
// the resulting intents against the broker and the cycle store. All work for
// one asset is serialized by a per-asset lock; quotes are coalesced, trade
// updates never dropped.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openquant/dcaengine/internal/broker"
	"github.com/openquant/dcaengine/internal/domain"
	"github.com/openquant/dcaengine/internal/storage"
	"github.com/openquant/dcaengine/internal/strategy"
)

const (
	defaultOrderCooldown  = 5 * time.Second
	defaultDrainTimeout   = 15 * time.Second
	tradeEventQueueSize   = 1024
	tradeUpdateLockWindow = 30 * time.Second
)

// Store is the slice of the cycle store the runtime needs.
type Store interface {
	ListEnabledAssets(ctx context.Context) ([]domain.Asset, error)
	GetAsset(ctx context.Context, symbol string) (domain.Asset, error)
	GetAssetByID(ctx context.Context, id int64) (domain.Asset, error)
	GetActiveCycle(ctx context.Context, assetID int64) (domain.Cycle, error)
	GetLatestTerminalCycle(ctx context.Context, assetID int64) (domain.Cycle, error)
	GetCycleByOrderID(ctx context.Context, orderID string) (domain.Cycle, error)
	UpdateCycle(ctx context.Context, cycleID int64, patch storage.CyclePatch) (domain.Cycle, error)
	CompleteAndRollover(ctx context.Context, cycleID int64, terminal domain.CycleStatus, patch storage.CyclePatch, now time.Time) (domain.Cycle, error)
	SetAssetLastSellPrice(ctx context.Context, assetID int64, price decimal.Decimal) error
}

// Options tune runtime behavior.
type Options struct {
	// Decider flags (testing-mode pricing).
	Decider strategy.Options
	// DryRun logs intents instead of submitting orders.
	DryRun bool
	// OrderCooldown suppresses a second submission for an asset inside the
	// window; quiets duplicate placement from a burst of identical quotes.
	OrderCooldown time.Duration
	// DrainTimeout bounds how long shutdown waits for in-flight work.
	DrainTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.OrderCooldown <= 0 {
		o.OrderCooldown = defaultOrderCooldown
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = defaultDrainTimeout
	}
}

// Engine wires the streams, the decider, the store, and the broker together.
type Engine struct {
	log     *zap.Logger
	store   Store
	broker  broker.Broker
	locks   *LockTable
	journal *EventJournal
	opts    Options

	// lastSubmission implements the per-asset order cooldown.
	submissionMu   sync.Mutex
	lastSubmission map[int64]time.Time

	now func() time.Time
}

// New builds a runtime. The lock table is shared with the reconciliation
// workers so nobody mutates a cycle concurrently.
func New(log *zap.Logger, store Store, brk broker.Broker, locks *LockTable, journal *EventJournal, opts Options) *Engine {
	opts.applyDefaults()
	return &Engine{
		log:            log.Named("engine"),
		store:          store,
		broker:         brk,
		locks:          locks,
		journal:        journal,
		opts:           opts,
		lastSubmission: make(map[int64]time.Time),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Run starts both stream consumers and the per-asset dispatchers, blocking
// until ctx is canceled. Worker panics are recovered and the runtime keeps
// going; the process dies only on context cancellation.
func (e *Engine) Run(ctx context.Context) error {
	assets, err := e.store.ListEnabledAssets(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list enabled assets")
	}
	if len(assets) == 0 {
		return errors.New("no enabled assets to trade")
	}

	symbols := make([]string, 0, len(assets))
	quoteCh := make(map[string]chan domain.Quote, len(assets))
	for _, a := range assets {
		symbols = append(symbols, a.Symbol)
		quoteCh[a.Symbol] = make(chan domain.Quote, 1)
	}

	tradeCh := make(chan domain.TradeEvent, tradeEventQueueSize)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return e.supervise(ctx, "quote-stream", func(ctx context.Context) error {
			return e.broker.SubscribeQuotes(ctx, symbols, func(q domain.Quote) {
				e.enqueueQuote(quoteCh, q)
			})
		})
	})

	g.Go(func() error {
		return e.supervise(ctx, "trade-stream", func(ctx context.Context) error {
			return e.broker.SubscribeTradeUpdates(ctx, func(ev domain.TradeEvent) {
				select {
				case tradeCh <- ev:
				case <-ctx.Done():
				}
			})
		})
	})

	g.Go(func() error {
		return e.supervise(ctx, "trade-consumer", func(ctx context.Context) error {
			return e.consumeTradeEvents(ctx, tradeCh)
		})
	})

	for _, asset := range assets {
		asset := asset
		ch := quoteCh[asset.Symbol]
		g.Go(func() error {
			return e.supervise(ctx, "quotes:"+asset.Symbol, func(ctx context.Context) error {
				return e.consumeQuotes(ctx, asset.Symbol, ch)
			})
		})
	}

	e.log.Info("runtime started", zap.Strings("symbols", symbols), zap.Bool("dry_run", e.opts.DryRun))
	return g.Wait()
}

// supervise restarts fn after a recovered panic; contract breaches inside a
// task must not take the process down.
func (e *Engine) supervise(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	for {
		err := e.runRecovered(ctx, name, fn)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			e.log.Error("task failed, restarting", zap.String("task", name), zap.Error(err))
		}
		if !sleepCtx(ctx, time.Second) {
			return ctx.Err()
		}
	}
}

func (e *Engine) runRecovered(ctx context.Context, name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task %s panicked: %v", name, r)
		}
	}()
	return fn(ctx)
}

// enqueueQuote keeps at most one pending quote per asset: a newer quote
// replaces the queued one, so while a decision is running only the most
// recent quote waits and the older ones are dropped.
func (e *Engine) enqueueQuote(quoteCh map[string]chan domain.Quote, q domain.Quote) {
	ch, ok := quoteCh[q.Symbol]
	if !ok {
		return
	}
	for {
		select {
		case ch <- q:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

func (e *Engine) consumeQuotes(ctx context.Context, symbol string, ch <-chan domain.Quote) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case quote := <-ch:
			// detach the operation from stream shutdown so in-flight work
			// drains instead of dying mid-transaction
			opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.opts.DrainTimeout)
			e.processQuote(opCtx, symbol, quote)
			cancel()
		}
	}
}

// processQuote runs one decision for one quote under the asset lock. If the
// lock is held (a trade update or worker owns the asset), the quote is
// dropped; the next one re-evaluates the same state.
func (e *Engine) processQuote(ctx context.Context, symbol string, quote domain.Quote) {
	asset, err := e.store.GetAsset(ctx, symbol)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.Error("failed to load asset", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	if !asset.Enabled {
		return
	}

	if !e.locks.TryAcquire(asset.ID) {
		return
	}
	defer e.locks.Release(asset.ID)

	cycle, err := e.store.GetActiveCycle(ctx, asset.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.log.Error("failed to load active cycle", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}

	var prior *domain.Cycle
	if cycle.Status == domain.CycleWatching && !cycle.HasPosition() {
		if terminal, err := e.store.GetLatestTerminalCycle(ctx, asset.ID); err == nil {
			prior = &terminal
		} else if !errors.Is(err, storage.ErrNotFound) {
			e.log.Error("failed to load prior terminal cycle", zap.String("symbol", symbol), zap.Error(err))
			return
		}
	}

	intent := strategy.Decide(asset, cycle, prior, quote, e.now(), e.opts.Decider)
	if intent == nil {
		return
	}
	e.applyIntent(ctx, asset, cycle, intent)
}

func (e *Engine) applyIntent(ctx context.Context, asset domain.Asset, cycle domain.Cycle, intent domain.ActionIntent) {
	log := e.log.With(zap.String("symbol", asset.Symbol), zap.Int64("cycle_id", cycle.ID))

	switch it := intent.(type) {
	case domain.PlaceBuy:
		e.submitBuy(ctx, log, asset, cycle, it)
	case domain.PlaceSell:
		e.submitSell(ctx, log, asset, cycle, it)
	case domain.EnterTrailing:
		status := domain.CycleTrailing
		_, err := e.store.UpdateCycle(ctx, cycle.ID, storage.CyclePatch{
			Status:               &status,
			HighestTrailingPrice: &it.NewPeak,
		})
		if err != nil {
			log.Error("failed to enter trailing", zap.Error(err))
			return
		}
		log.Info("trailing take-profit armed", zap.String("peak", it.NewPeak.String()))
	case domain.UpdateTrailingPeak:
		_, err := e.store.UpdateCycle(ctx, cycle.ID, storage.CyclePatch{
			HighestTrailingPrice: &it.NewPeak,
		})
		if err != nil {
			log.Error("failed to update trailing peak", zap.Error(err))
			return
		}
		log.Debug("trailing peak raised", zap.String("peak", it.NewPeak.String()))
	}
}

func (e *Engine) submitBuy(ctx context.Context, log *zap.Logger, asset domain.Asset, cycle domain.Cycle, buy domain.PlaceBuy) {
	if !e.submissionAllowed(asset.ID) {
		log.Debug("order cooldown active, skipping buy")
		return
	}
	if e.opts.DryRun {
		log.Info("dry run: would place limit buy",
			zap.String("kind", string(buy.Kind)),
			zap.String("limit_price", buy.LimitPrice.String()),
			zap.String("quote_amount", buy.QuoteAmount.String()))
		return
	}

	clientOrderID := uuid.NewString()
	snap, err := e.broker.PlaceLimitBuy(ctx, buy.Symbol, buy.Quantity, buy.LimitPrice, clientOrderID)
	if err != nil {
		log.Error("failed to place limit buy", zap.String("kind", string(buy.Kind)), zap.Error(err))
		return
	}
	e.recordSubmission(asset.ID)

	now := e.now()
	status := domain.CycleBuying
	_, err = e.store.UpdateCycle(ctx, cycle.ID, storage.CyclePatch{
		Status:               &status,
		LatestOrderID:        &snap.ID,
		LatestOrderCreatedAt: &now,
	})
	if err != nil {
		log.Error("failed to record buy order on cycle", zap.String("order_id", snap.ID), zap.Error(err))
		return
	}

	log.Info("limit buy placed",
		zap.String("kind", string(buy.Kind)),
		zap.String("order_id", snap.ID),
		zap.String("limit_price", buy.LimitPrice.String()),
		zap.String("quantity", buy.Quantity.String()))
}

func (e *Engine) submitSell(ctx context.Context, log *zap.Logger, asset domain.Asset, cycle domain.Cycle, sell domain.PlaceSell) {
	if !e.submissionAllowed(asset.ID) {
		log.Debug("order cooldown active, skipping sell")
		return
	}
	if e.opts.DryRun {
		log.Info("dry run: would place market sell",
			zap.String("kind", string(sell.Kind)),
			zap.String("quantity", sell.Quantity.String()))
		return
	}

	clientOrderID := uuid.NewString()
	snap, err := e.broker.PlaceMarketSell(ctx, sell.Symbol, sell.Quantity, clientOrderID)
	if err != nil {
		log.Error("failed to place market sell", zap.String("kind", string(sell.Kind)), zap.Error(err))
		return
	}
	e.recordSubmission(asset.ID)

	now := e.now()
	status := domain.CycleSelling
	_, err = e.store.UpdateCycle(ctx, cycle.ID, storage.CyclePatch{
		Status:               &status,
		LatestOrderID:        &snap.ID,
		LatestOrderCreatedAt: &now,
	})
	if err != nil {
		log.Error("failed to record sell order on cycle", zap.String("order_id", snap.ID), zap.Error(err))
		return
	}

	log.Info("market sell placed",
		zap.String("kind", string(sell.Kind)),
		zap.String("order_id", snap.ID),
		zap.String("quantity", sell.Quantity.String()))
}

func (e *Engine) submissionAllowed(assetID int64) bool {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	last, ok := e.lastSubmission[assetID]
	if !ok {
		return true
	}
	return e.now().Sub(last) >= e.opts.OrderCooldown
}

func (e *Engine) recordSubmission(assetID int64) {
	e.submissionMu.Lock()
	defer e.submissionMu.Unlock()
	e.lastSubmission[assetID] = e.now()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
