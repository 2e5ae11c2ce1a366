package broker

import (
	"context"
	"strconv"
	"sync"
	"time"

	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openquant/dcaengine/internal/domain"
	"github.com/openquant/dcaengine/pkg/retrier"
)

const (
	bybitCategorySpot  = "spot"
	bybitQuotePoll     = 1 * time.Second
	bybitOrderPoll     = 2 * time.Second
	bybitAccountType   = "UNIFIED"
	bybitTrackedExpiry = 24 * time.Hour
)

// Bybit adapts the V5 REST API to the Broker interface. The venue's private
// websocket is not used: quotes are polled from the ticker endpoint and
// trade updates are synthesized by polling the orders this adapter placed,
// the same check-until-executed loop the REST-only trading path uses.
//
// Venue errors are not classified: authentication, permission, and
// invalid-symbol failures are retried like transient ones until the retry
// budget is spent, and none of them is reported as ErrPermanent.
type Bybit struct {
	client  *bybit.Client
	log     *zap.Logger
	retry   *retrier.Retrier
	limiter *rate.Limiter

	mu      sync.Mutex
	tracked map[string]*trackedOrder
}

type trackedOrder struct {
	symbol    string
	lastState domain.OrderSnapshot
	seenNew   bool
	addedAt   time.Time
}

// NewBybit wraps an authenticated V5 client.
func NewBybit(client *bybit.Client, log *zap.Logger) *Bybit {
	return &Bybit{
		client: client,
		log:    log.Named("bybit"),
		retry: retrier.New(
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxInterval(5*time.Second),
			retrier.WithMaxRetries(3),
		),
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		tracked: make(map[string]*trackedOrder),
	}
}

func (b *Bybit) PlaceLimitBuy(ctx context.Context, symbol string, qty, limitPrice decimal.Decimal, clientOrderID string) (domain.OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, placeOrderTimeout)
	defer cancel()

	price := limitPrice.String()
	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.OrderSnapshot, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.OrderSnapshot{}, err
		}
		res, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
			Category:    bybitCategorySpot,
			Symbol:      bybit.SymbolV5(venueSymbol(symbol)),
			Side:        bybit.SideBuy,
			OrderType:   bybit.OrderTypeLimit,
			Qty:         qty.RoundFloor(6).String(),
			Price:       &price,
			OrderLinkID: &clientOrderID,
		})
		if err != nil {
			return domain.OrderSnapshot{}, errors.Wrapf(err, "failed to place limit buy for %s", symbol)
		}

		now := time.Now().UTC()
		snap := domain.OrderSnapshot{
			ID:            res.Result.OrderID,
			ClientOrderID: clientOrderID,
			Symbol:        symbol,
			Side:          domain.SideBuy,
			Type:          domain.OrderTypeLimit,
			Qty:           qty,
			LimitPrice:    limitPrice,
			Status:        domain.OrderStatusNew,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		b.track(snap)
		return snap, nil
	})
}

func (b *Bybit) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (domain.OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, placeOrderTimeout)
	defer cancel()

	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.OrderSnapshot, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.OrderSnapshot{}, err
		}
		res, err := b.client.V5().Order().CreateOrder(bybit.V5CreateOrderParam{
			Category:    bybitCategorySpot,
			Symbol:      bybit.SymbolV5(venueSymbol(symbol)),
			Side:        bybit.SideSell,
			OrderType:   bybit.OrderTypeMarket,
			Qty:         qty.RoundFloor(6).String(),
			OrderLinkID: &clientOrderID,
		})
		if err != nil {
			return domain.OrderSnapshot{}, errors.Wrapf(err, "failed to place market sell for %s", symbol)
		}

		now := time.Now().UTC()
		snap := domain.OrderSnapshot{
			ID:            res.Result.OrderID,
			ClientOrderID: clientOrderID,
			Symbol:        symbol,
			Side:          domain.SideSell,
			Type:          domain.OrderTypeMarket,
			Qty:           qty,
			Status:        domain.OrderStatusNew,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		b.track(snap)
		return snap, nil
	})
}

func (b *Bybit) CancelOrder(ctx context.Context, symbol, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelOrderTimeout)
	defer cancel()

	return b.retry.Do(ctx, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := b.client.V5().Order().CancelOrder(bybit.V5CancelOrderParam{
			Category: bybitCategorySpot,
			Symbol:   bybit.SymbolV5(venueSymbol(symbol)),
			OrderID:  &orderID,
		})
		return errors.Wrapf(err, "failed to cancel order %s", orderID)
	})
}

func (b *Bybit) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderSnapshot, error) {
	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.OrderSnapshot, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.OrderSnapshot{}, err
		}

		sym := bybit.SymbolV5(venueSymbol(symbol))
		open, err := b.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
			Category: bybitCategorySpot,
			Symbol:   &sym,
			OrderID:  &orderID,
		})
		if err != nil {
			return domain.OrderSnapshot{}, errors.Wrapf(err, "failed to query open order %s", orderID)
		}
		for _, item := range open.Result.List {
			return b.snapshotFromFields(symbol, item.OrderID, item.OrderLinkID, string(item.Side), string(item.OrderType),
				string(item.OrderStatus), item.Qty, item.CumExecQty, item.AvgPrice, item.Price, item.CreatedTime, item.UpdatedTime), nil
		}

		hist, err := b.client.V5().Order().GetHistoryOrders(bybit.V5GetHistoryOrdersParam{
			Category: bybitCategorySpot,
			Symbol:   &sym,
			OrderID:  &orderID,
		})
		if err != nil {
			return domain.OrderSnapshot{}, errors.Wrapf(err, "failed to query order history for %s", orderID)
		}
		for _, item := range hist.Result.List {
			return b.snapshotFromFields(symbol, item.OrderID, item.OrderLinkID, string(item.Side), string(item.OrderType),
				string(item.OrderStatus), item.Qty, item.CumExecQty, item.AvgPrice, item.Price, item.CreatedTime, item.UpdatedTime), nil
		}
		return domain.OrderSnapshot{}, retrier.Permanent(errors.Wrapf(ErrOrderNotFound, "order %s", orderID))
	})
}

func (b *Bybit) GetOpenOrders(ctx context.Context, symbols []string) ([]domain.OrderSnapshot, error) {
	var out []domain.OrderSnapshot
	for _, symbol := range symbols {
		sym := bybit.SymbolV5(venueSymbol(symbol))
		orders, err := retrier.DoWithData(b.retry, ctx, func(ctx context.Context) ([]domain.OrderSnapshot, error) {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			res, err := b.client.V5().Order().GetOpenOrders(bybit.V5GetOpenOrdersParam{
				Category: bybitCategorySpot,
				Symbol:   &sym,
			})
			if err != nil {
				return nil, errors.Wrapf(err, "failed to list open orders for %s", symbol)
			}
			var snaps []domain.OrderSnapshot
			for _, item := range res.Result.List {
				snaps = append(snaps, b.snapshotFromFields(symbol, item.OrderID, item.OrderLinkID, string(item.Side), string(item.OrderType),
					string(item.OrderStatus), item.Qty, item.CumExecQty, item.AvgPrice, item.Price, item.CreatedTime, item.UpdatedTime))
			}
			return snaps, nil
		})
		if err != nil {
			return nil, err
		}
		out = append(out, orders...)
	}
	return out, nil
}

// GetPosition reports the spot holding of the symbol's base coin.
func (b *Bybit) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, getPositionTimeout)
	defer cancel()

	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.Position, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.Position{}, err
		}
		res, err := b.client.V5().Account().GetWalletBalance(bybit.AccountTypeV5(bybitAccountType), nil)
		if err != nil {
			return domain.Position{}, errors.Wrap(err, "failed to get wallet balance")
		}

		base := baseCurrency(symbol)
		for _, account := range res.Result.List {
			for _, coin := range account.Coin {
				if string(coin.Coin) != base {
					continue
				}
				qty, err := decimal.NewFromString(coin.WalletBalance)
				if err != nil {
					return domain.Position{}, errors.Wrapf(err, "failed to parse wallet balance %q", coin.WalletBalance)
				}
				return domain.Position{Symbol: symbol, Qty: qty}, nil
			}
		}
		return domain.Position{Symbol: symbol}, nil
	})
}

// SubscribeQuotes polls the spot ticker endpoint for every symbol and emits a
// quote per poll.
func (b *Bybit) SubscribeQuotes(ctx context.Context, symbols []string, handler QuoteHandler) error {
	if len(symbols) == 0 {
		return errors.New("no symbols to subscribe")
	}

	ticker := time.NewTicker(bybitQuotePoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, symbol := range symbols {
				quote, err := b.pollQuote(ctx, symbol)
				if err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					b.log.Warn("ticker poll failed", zap.String("symbol", symbol), zap.Error(err))
					continue
				}
				if quote.Valid() {
					handler(quote)
				}
			}
		}
	}
}

func (b *Bybit) pollQuote(ctx context.Context, symbol string) (domain.Quote, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return domain.Quote{}, err
	}
	sym := bybit.SymbolV5(venueSymbol(symbol))
	res, err := b.client.V5().Market().GetTickers(bybit.V5GetTickersParam{
		Category: bybitCategorySpot,
		Symbol:   &sym,
	})
	if err != nil {
		return domain.Quote{}, errors.Wrapf(err, "failed to get tickers for %s", symbol)
	}
	if len(res.Result.Spot.List) == 0 {
		return domain.Quote{}, errors.Errorf("empty ticker response for %s", symbol)
	}

	item := res.Result.Spot.List[0]
	return domain.Quote{
		Symbol:    symbol,
		Bid:       parseDecimal(item.Bid1Price),
		BidSize:   parseDecimal(item.Bid1Size),
		Ask:       parseDecimal(item.Ask1Price),
		AskSize:   parseDecimal(item.Ask1Size),
		Timestamp: time.Now().UTC(),
	}, nil
}

// SubscribeTradeUpdates polls every tracked order and emits lifecycle events
// on observed state changes.
func (b *Bybit) SubscribeTradeUpdates(ctx context.Context, handler TradeEventHandler) error {
	ticker := time.NewTicker(bybitOrderPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			b.pollTrackedOrders(ctx, handler)
		}
	}
}

func (b *Bybit) pollTrackedOrders(ctx context.Context, handler TradeEventHandler) {
	for _, id := range b.trackedIDs() {
		b.mu.Lock()
		t, ok := b.tracked[id]
		b.mu.Unlock()
		if !ok {
			continue
		}

		snap, err := b.GetOrder(ctx, t.symbol, id)
		if err != nil {
			if errors.Is(err, ErrOrderNotFound) || time.Since(t.addedAt) > bybitTrackedExpiry {
				b.untrack(id)
			}
			if ctx.Err() == nil && !errors.Is(err, ErrOrderNotFound) {
				b.log.Warn("order poll failed", zap.String("order_id", id), zap.Error(err))
			}
			continue
		}

		for _, event := range diffOrderState(t, snap) {
			handler(event)
		}

		b.mu.Lock()
		t.lastState = snap
		t.seenNew = true
		b.mu.Unlock()

		if snap.Status.Terminal() {
			b.untrack(id)
		}
	}
}

// diffOrderState converts a state transition observed between polls into the
// lifecycle events a streaming venue would have pushed.
func diffOrderState(t *trackedOrder, snap domain.OrderSnapshot) []domain.TradeEvent {
	var events []domain.TradeEvent

	if !t.seenNew {
		events = append(events, domain.TradeEvent{Kind: domain.TradeEventNew, Order: snap})
	}

	switch snap.Status {
	case domain.OrderStatusFilled:
		events = append(events, domain.TradeEvent{Kind: domain.TradeEventFill, Order: snap})
	case domain.OrderStatusCanceled:
		events = append(events, domain.TradeEvent{Kind: domain.TradeEventCanceled, Order: snap})
	case domain.OrderStatusRejected:
		events = append(events, domain.TradeEvent{Kind: domain.TradeEventRejected, Order: snap})
	case domain.OrderStatusExpired:
		events = append(events, domain.TradeEvent{Kind: domain.TradeEventExpired, Order: snap})
	case domain.OrderStatusPartiallyFilled:
		if snap.FilledQty.GreaterThan(t.lastState.FilledQty) {
			events = append(events, domain.TradeEvent{Kind: domain.TradeEventPartialFill, Order: snap})
		}
	}
	return events
}

func (b *Bybit) track(snap domain.OrderSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracked[snap.ID] = &trackedOrder{
		symbol:    snap.Symbol,
		lastState: snap,
		addedAt:   time.Now().UTC(),
	}
}

func (b *Bybit) untrack(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tracked, id)
}

func (b *Bybit) trackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.tracked))
	for id := range b.tracked {
		ids = append(ids, id)
	}
	return ids
}

func (b *Bybit) snapshotFromFields(symbol, orderID, linkID, side, orderType, status, qty, cumExecQty, avgPrice, price, createdMs, updatedMs string) domain.OrderSnapshot {
	snap := domain.OrderSnapshot{
		ID:             orderID,
		ClientOrderID:  linkID,
		Symbol:         symbol,
		Side:           mapBybitSide(side),
		Type:           mapBybitType(orderType),
		Qty:            parseDecimal(qty),
		FilledQty:      parseDecimal(cumExecQty),
		FilledAvgPrice: parseDecimal(avgPrice),
		LimitPrice:     parseDecimal(price),
		Status:         mapBybitStatus(status),
		CreatedAt:      timeFromMillis(createdMs),
		UpdatedAt:      timeFromMillis(updatedMs),
	}
	return snap
}

func mapBybitSide(side string) domain.OrderSide {
	if side == "Sell" {
		return domain.SideSell
	}
	return domain.SideBuy
}

func mapBybitType(t string) domain.OrderType {
	if t == "Market" {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

func mapBybitStatus(status string) domain.OrderStatus {
	switch status {
	case "New", "Created":
		return domain.OrderStatusNew
	case "PartiallyFilled":
		return domain.OrderStatusPartiallyFilled
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "PartiallyFilledCanceled":
		return domain.OrderStatusCanceled
	case "Rejected":
		return domain.OrderStatusRejected
	case "Deactivated":
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusAccepted
	}
}

func timeFromMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
