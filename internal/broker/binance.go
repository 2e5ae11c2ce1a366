package broker

import (
	"context"
	"strconv"
	"time"

	binance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openquant/dcaengine/internal/domain"
	"github.com/openquant/dcaengine/pkg/retrier"
)

// Binance error codes that retrying cannot fix.
const (
	binanceErrUnknownOrder  = -2013
	binanceErrRejectedOrder = -2010
	binanceErrBadAPIKey     = -2014
	binanceErrBadSignature  = -2015
	binanceErrUnauthorized  = -1002
	binanceErrBadSymbol     = -1121
)

// Binance adapts the spot REST and websocket APIs to the Broker interface.
type Binance struct {
	client  *binance.Client
	log     *zap.Logger
	retry   *retrier.Retrier
	limiter *rate.Limiter
	symbols symbolTable
}

// NewBinance wraps an authenticated spot client.
func NewBinance(client *binance.Client, log *zap.Logger) *Binance {
	// ping/pong so dead websockets are detected and the reconnect loop kicks in
	binance.WebsocketKeepalive = true
	return &Binance{
		client: client,
		log:    log.Named("binance"),
		retry: retrier.New(
			retrier.WithInitialInterval(500*time.Millisecond),
			retrier.WithMaxInterval(5*time.Second),
			retrier.WithMaxRetries(3),
		),
		// spot REST allows ~20 req/s per key; stay well under it
		limiter: rate.NewLimiter(rate.Limit(10), 10),
	}
}

func (b *Binance) PlaceLimitBuy(ctx context.Context, symbol string, qty, limitPrice decimal.Decimal, clientOrderID string) (domain.OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, placeOrderTimeout)
	defer cancel()

	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.OrderSnapshot, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.OrderSnapshot{}, err
		}
		res, err := b.client.NewCreateOrderService().
			Symbol(venueSymbol(symbol)).
			Side(binance.SideTypeBuy).
			Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Quantity(qty.RoundFloor(8).String()).
			Price(limitPrice.String()).
			NewClientOrderID(clientOrderID).
			Do(ctx)
		if err != nil {
			return domain.OrderSnapshot{}, classifyBinanceErr(errors.Wrapf(err, "failed to place limit buy for %s", symbol))
		}
		return orderFromCreateResponse(symbol, res), nil
	})
}

func (b *Binance) PlaceMarketSell(ctx context.Context, symbol string, qty decimal.Decimal, clientOrderID string) (domain.OrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, placeOrderTimeout)
	defer cancel()

	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.OrderSnapshot, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.OrderSnapshot{}, err
		}
		res, err := b.client.NewCreateOrderService().
			Symbol(venueSymbol(symbol)).
			Side(binance.SideTypeSell).
			Type(binance.OrderTypeMarket).
			Quantity(qty.RoundFloor(8).String()).
			NewClientOrderID(clientOrderID).
			Do(ctx)
		if err != nil {
			return domain.OrderSnapshot{}, classifyBinanceErr(errors.Wrapf(err, "failed to place market sell for %s", symbol))
		}
		return orderFromCreateResponse(symbol, res), nil
	})
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, orderID string) error {
	ctx, cancel := context.WithTimeout(ctx, cancelOrderTimeout)
	defer cancel()

	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return errors.Wrapf(ErrPermanent, "malformed binance order id %q", orderID)
	}

	return b.retry.Do(ctx, func(ctx context.Context) error {
		if err := b.limiter.Wait(ctx); err != nil {
			return err
		}
		_, err := b.client.NewCancelOrderService().
			Symbol(venueSymbol(symbol)).
			OrderID(id).
			Do(ctx)
		if err != nil {
			if apiCode(err) == binanceErrUnknownOrder {
				return retrier.Permanent(errors.Wrapf(ErrOrderNotFound, "order %s", orderID))
			}
			return classifyBinanceErr(errors.Wrapf(err, "failed to cancel order %s", orderID))
		}
		return nil
	})
}

func (b *Binance) GetOrder(ctx context.Context, symbol, orderID string) (domain.OrderSnapshot, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return domain.OrderSnapshot{}, errors.Wrapf(ErrPermanent, "malformed binance order id %q", orderID)
	}

	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.OrderSnapshot, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.OrderSnapshot{}, err
		}
		order, err := b.client.NewGetOrderService().
			Symbol(venueSymbol(symbol)).
			OrderID(id).
			Do(ctx)
		if err != nil {
			if apiCode(err) == binanceErrUnknownOrder {
				return domain.OrderSnapshot{}, retrier.Permanent(errors.Wrapf(ErrOrderNotFound, "order %s", orderID))
			}
			return domain.OrderSnapshot{}, classifyBinanceErr(errors.Wrapf(err, "failed to get order %s", orderID))
		}
		return orderFromBinance(symbol, order), nil
	})
}

func (b *Binance) GetOpenOrders(ctx context.Context, symbols []string) ([]domain.OrderSnapshot, error) {
	var out []domain.OrderSnapshot
	for _, symbol := range symbols {
		orders, err := retrier.DoWithData(b.retry, ctx, func(ctx context.Context) ([]*binance.Order, error) {
			if err := b.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			orders, err := b.client.NewListOpenOrdersService().Symbol(venueSymbol(symbol)).Do(ctx)
			return orders, classifyBinanceErr(errors.Wrapf(err, "failed to list open orders for %s", symbol))
		})
		if err != nil {
			return nil, err
		}
		for _, o := range orders {
			out = append(out, orderFromBinance(symbol, o))
		}
	}
	return out, nil
}

// GetPosition reports the spot holding of the symbol's base currency; spot
// accounts carry no entry price, so AvgEntryPrice stays zero.
func (b *Binance) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	ctx, cancel := context.WithTimeout(ctx, getPositionTimeout)
	defer cancel()

	return retrier.DoWithData(b.retry, ctx, func(ctx context.Context) (domain.Position, error) {
		if err := b.limiter.Wait(ctx); err != nil {
			return domain.Position{}, err
		}
		account, err := b.client.NewGetAccountService().Do(ctx)
		if err != nil {
			return domain.Position{}, classifyBinanceErr(errors.Wrap(err, "failed to get account balances"))
		}

		base := baseCurrency(symbol)
		for _, bal := range account.Balances {
			if bal.Asset != base {
				continue
			}
			free, err := decimal.NewFromString(bal.Free)
			if err != nil {
				return domain.Position{}, errors.Wrapf(err, "failed to parse free balance %q", bal.Free)
			}
			locked, err := decimal.NewFromString(bal.Locked)
			if err != nil {
				return domain.Position{}, errors.Wrapf(err, "failed to parse locked balance %q", bal.Locked)
			}
			return domain.Position{Symbol: symbol, Qty: free.Add(locked)}, nil
		}
		return domain.Position{Symbol: symbol}, nil
	})
}

func orderFromCreateResponse(symbol string, res *binance.CreateOrderResponse) domain.OrderSnapshot {
	snap := domain.OrderSnapshot{
		ID:            strconv.FormatInt(res.OrderID, 10),
		ClientOrderID: res.ClientOrderID,
		Symbol:        symbol,
		Side:          mapBinanceSide(res.Side),
		Type:          mapBinanceType(res.Type),
		Status:        mapBinanceStatus(res.Status),
		CreatedAt:     time.UnixMilli(res.TransactTime).UTC(),
		UpdatedAt:     time.UnixMilli(res.TransactTime).UTC(),
	}
	snap.Qty = parseDecimal(res.OrigQuantity)
	snap.FilledQty = parseDecimal(res.ExecutedQuantity)
	snap.LimitPrice = parseDecimal(res.Price)
	if cum := parseDecimal(res.CummulativeQuoteQuantity); snap.FilledQty.GreaterThan(decimal.Zero) && cum.GreaterThan(decimal.Zero) {
		snap.FilledAvgPrice = cum.Div(snap.FilledQty)
	}
	return snap
}

func orderFromBinance(symbol string, o *binance.Order) domain.OrderSnapshot {
	snap := domain.OrderSnapshot{
		ID:            strconv.FormatInt(o.OrderID, 10),
		ClientOrderID: o.ClientOrderID,
		Symbol:        symbol,
		Side:          mapBinanceSide(o.Side),
		Type:          mapBinanceType(o.Type),
		Status:        mapBinanceStatus(o.Status),
		CreatedAt:     time.UnixMilli(o.Time).UTC(),
		UpdatedAt:     time.UnixMilli(o.UpdateTime).UTC(),
	}
	snap.Qty = parseDecimal(o.OrigQuantity)
	snap.FilledQty = parseDecimal(o.ExecutedQuantity)
	snap.LimitPrice = parseDecimal(o.Price)
	if cum := parseDecimal(o.CummulativeQuoteQuantity); snap.FilledQty.GreaterThan(decimal.Zero) && cum.GreaterThan(decimal.Zero) {
		snap.FilledAvgPrice = cum.Div(snap.FilledQty)
	}
	return snap
}

func mapBinanceSide(side binance.SideType) domain.OrderSide {
	if side == binance.SideTypeSell {
		return domain.SideSell
	}
	return domain.SideBuy
}

func mapBinanceType(t binance.OrderType) domain.OrderType {
	if t == binance.OrderTypeMarket {
		return domain.OrderTypeMarket
	}
	return domain.OrderTypeLimit
}

func mapBinanceStatus(s binance.OrderStatusType) domain.OrderStatus {
	switch s {
	case binance.OrderStatusTypeNew:
		return domain.OrderStatusNew
	case binance.OrderStatusTypePartiallyFilled:
		return domain.OrderStatusPartiallyFilled
	case binance.OrderStatusTypeFilled:
		return domain.OrderStatusFilled
	case binance.OrderStatusTypeCanceled, binance.OrderStatusTypePendingCancel:
		return domain.OrderStatusCanceled
	case binance.OrderStatusTypeRejected:
		return domain.OrderStatusRejected
	case binance.OrderStatusTypeExpired:
		return domain.OrderStatusExpired
	default:
		return domain.OrderStatusAccepted
	}
}

// classifyBinanceErr wraps permanent API failures so the retrier stops early.
func classifyBinanceErr(err error) error {
	if err == nil {
		return nil
	}
	switch apiCode(err) {
	case binanceErrBadAPIKey, binanceErrBadSignature, binanceErrUnauthorized, binanceErrBadSymbol, binanceErrRejectedOrder:
		return retrier.Permanent(errors.Wrap(ErrPermanent, err.Error()))
	}
	return err
}

func apiCode(err error) int64 {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return 0
}

func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
