package broker

import (
	"context"
	"math/rand"
	"strconv"
	"sync"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openquant/dcaengine/internal/domain"
)

const (
	streamBackoffBase     = 1 * time.Second
	streamBackoffCap      = 30 * time.Second
	listenKeyKeepalive    = 30 * time.Minute
	userDataEventExecRpt  = binance.UserDataEventTypeExecutionReport
	execTypeTrade         = "TRADE"
	execTypeCanceled      = "CANCELED"
	execTypeRejected      = "REJECTED"
	execTypeExpired       = "EXPIRED"
	statusFilled          = "FILLED"
	statusPartiallyFilled = "PARTIALLY_FILLED"
)

// symbolTable maps venue symbols back to catalog form ("BTCUSD" -> "BTC/USD").
type symbolTable struct {
	mu sync.RWMutex
	m  map[string]string
}

func (t *symbolTable) add(catalog string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m == nil {
		t.m = make(map[string]string)
	}
	t.m[venueSymbol(catalog)] = catalog
}

func (t *symbolTable) lookup(venue string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if catalog, ok := t.m[venue]; ok {
		return catalog
	}
	return venue
}

// SubscribeQuotes opens one book-ticker stream per symbol and pushes every
// update to the handler. Each stream reconnects independently with
// full-jitter backoff until ctx is canceled.
func (b *Binance) SubscribeQuotes(ctx context.Context, symbols []string, handler QuoteHandler) error {
	if len(symbols) == 0 {
		return errors.New("no symbols to subscribe")
	}

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		b.symbols.add(symbol)
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			b.runQuoteStream(ctx, symbol, handler)
		}(symbol)
	}
	wg.Wait()
	return ctx.Err()
}

func (b *Binance) runQuoteStream(ctx context.Context, symbol string, handler QuoteHandler) {
	backoff := streamBackoffBase
	for {
		if ctx.Err() != nil {
			return
		}

		wsHandler := func(event *binance.WsBookTickerEvent) {
			quote := domain.Quote{
				Symbol:    symbol,
				Bid:       parseDecimal(event.BestBidPrice),
				BidSize:   parseDecimal(event.BestBidQty),
				Ask:       parseDecimal(event.BestAskPrice),
				AskSize:   parseDecimal(event.BestAskQty),
				Timestamp: time.Now().UTC(),
			}
			if quote.Valid() {
				handler(quote)
			}
		}

		errC := make(chan error, 1)
		errHandler := func(err error) {
			select {
			case errC <- err:
			default:
			}
		}

		doneC, stopC, err := binance.WsBookTickerServe(venueSymbol(symbol), wsHandler, errHandler)
		if err != nil {
			b.log.Warn("quote stream connect failed",
				zap.String("symbol", symbol),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !sleepCtx(ctx, jitter(backoff)) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = streamBackoffBase
		b.log.Info("quote stream connected", zap.String("symbol", symbol))

		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return
		case err := <-errC:
			b.log.Warn("quote stream error, reconnecting", zap.String("symbol", symbol), zap.Error(err))
			close(stopC)
			<-doneC
		case <-doneC:
			b.log.Warn("quote stream closed, reconnecting", zap.String("symbol", symbol))
		}

		if !sleepCtx(ctx, jitter(backoff)) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

// SubscribeTradeUpdates streams the account's execution reports through the
// user-data stream, keeping the listen key alive and reconnecting with
// backoff until ctx is canceled.
func (b *Binance) SubscribeTradeUpdates(ctx context.Context, handler TradeEventHandler) error {
	backoff := streamBackoffBase
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
		if err != nil {
			b.log.Warn("failed to obtain listen key", zap.Duration("retry_in", backoff), zap.Error(err))
			if !sleepCtx(ctx, jitter(backoff)) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff)
			continue
		}

		err = b.runUserDataStream(ctx, listenKey, handler)
		if err != nil && ctx.Err() == nil {
			b.log.Warn("trade update stream error, reconnecting", zap.Error(err))
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepCtx(ctx, jitter(backoff)) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

func (b *Binance) runUserDataStream(ctx context.Context, listenKey string, handler TradeEventHandler) error {
	wsHandler := func(event *binance.WsUserDataEvent) {
		if event.Event != userDataEventExecRpt {
			return
		}
		if trade, ok := b.tradeEventFromUpdate(event.OrderUpdate); ok {
			handler(trade)
		}
	}

	errC := make(chan error, 1)
	errHandler := func(err error) {
		select {
		case errC <- err:
		default:
		}
	}

	doneC, stopC, err := binance.WsUserDataServe(listenKey, wsHandler, errHandler)
	if err != nil {
		return errors.Wrap(err, "failed to open user data stream")
	}
	b.log.Info("trade update stream connected")

	keepalive := time.NewTicker(listenKeyKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			close(stopC)
			<-doneC
			return ctx.Err()
		case err := <-errC:
			close(stopC)
			<-doneC
			return err
		case <-doneC:
			return errors.New("user data stream closed")
		case <-keepalive.C:
			if err := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); err != nil {
				b.log.Warn("listen key keepalive failed", zap.Error(err))
			}
		}
	}
}

func (b *Binance) tradeEventFromUpdate(u binance.WsOrderUpdate) (domain.TradeEvent, bool) {
	var kind domain.TradeEventKind
	switch u.ExecutionType {
	case "NEW":
		kind = domain.TradeEventNew
	case execTypeTrade:
		if u.Status == statusFilled {
			kind = domain.TradeEventFill
		} else {
			kind = domain.TradeEventPartialFill
		}
	case execTypeCanceled:
		kind = domain.TradeEventCanceled
	case execTypeRejected:
		kind = domain.TradeEventRejected
	case execTypeExpired:
		kind = domain.TradeEventExpired
	default:
		return domain.TradeEvent{}, false
	}

	snap := domain.OrderSnapshot{
		ID:            strconv.FormatInt(u.Id, 10),
		ClientOrderID: u.ClientOrderId,
		Symbol:        b.symbols.lookup(u.Symbol),
		Side:          mapBinanceSide(binance.SideType(u.Side)),
		Type:          mapBinanceType(binance.OrderType(u.Type)),
		Qty:           parseDecimal(u.Volume),
		FilledQty:     parseDecimal(u.FilledVolume),
		LimitPrice:    parseDecimal(u.Price),
		Status:        mapBinanceStatus(binance.OrderStatusType(u.Status)),
		CreatedAt:     time.UnixMilli(u.CreateTime).UTC(),
		UpdatedAt:     time.UnixMilli(u.TransactionTime).UTC(),
	}
	if filledQuote := parseDecimal(u.FilledQuoteVolume); snap.FilledQty.GreaterThan(decimal.Zero) && filledQuote.GreaterThan(decimal.Zero) {
		snap.FilledAvgPrice = filledQuote.Div(snap.FilledQty)
	}
	return domain.TradeEvent{Kind: kind, Order: snap}, true
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(rand.Float64() * float64(d))
}

func nextBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > streamBackoffCap {
		d = streamBackoffCap
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
