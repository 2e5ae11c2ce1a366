// Package broker is the narrow capability surface the engine needs from a
// trading venue. Adapters normalize venue payloads into domain types at this
// boundary; transient failures are retried with bounded backoff, and the
// failures an adapter recognizes as permanent surface immediately.
package broker

import (
	"context"
	"strings"
	"time"

	binance "github.com/adshao/go-binance/v2"
	bybit "github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/openquant/dcaengine/internal/domain"
)

// Deadlines for the REST calls, per operation.
const (
	placeOrderTimeout  = 10 * time.Second
	cancelOrderTimeout = 10 * time.Second
	getPositionTimeout = 5 * time.Second
)

// ErrPermanent marks authentication, permission, and invalid-symbol failures
// that retrying cannot fix.
var ErrPermanent = errors.New("permanent broker error")

// ErrOrderNotFound is returned when the venue no longer knows the order.
var ErrOrderNotFound = errors.New("order not found")

// QuoteHandler consumes normalized top-of-book updates.
type QuoteHandler func(domain.Quote)

// TradeEventHandler consumes normalized order lifecycle events.
type TradeEventHandler func(domain.TradeEvent)

// Broker is the engine's view of the venue.
type Broker interface {
	PlaceLimitBuy(ctx context.Context, symbol string, qty, limitPrice decimal.Decimal, clientOrderID string) (domain.OrderSnapshot, error)
	PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (domain.OrderSnapshot, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderSnapshot, error)
	GetOpenOrders(ctx context.Context, symbols []string) ([]domain.OrderSnapshot, error)
	GetPosition(ctx context.Context, symbol string) (domain.Position, error)

	// SubscribeQuotes streams quotes for the given symbols until ctx is
	// canceled, reconnecting with backoff on stream failures.
	SubscribeQuotes(ctx context.Context, symbols []string, handler QuoteHandler) error
	// SubscribeTradeUpdates streams account-wide order lifecycle events
	// until ctx is canceled.
	SubscribeTradeUpdates(ctx context.Context, handler TradeEventHandler) error
}

// New dispatches on the configured platform, the single point of truth for
// venue-specific construction.
func New(platform, apiKey, apiSecret string, log *zap.Logger) (Broker, error) {
	switch strings.ToLower(platform) {
	case "binance":
		return NewBinance(binance.NewClient(apiKey, apiSecret), log), nil
	case "bybit":
		return NewBybit(bybit.NewClient().WithAuth(apiKey, apiSecret), log), nil
	default:
		return nil, errors.Errorf("unsupported broker platform: %s", platform)
	}
}

// venueSymbol strips the slash from the catalog form: "BTC/USD" -> "BTCUSD".
func venueSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, "/", "")
}

// baseCurrency returns the asset side of a catalog symbol: "BTC/USD" -> "BTC".
func baseCurrency(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
