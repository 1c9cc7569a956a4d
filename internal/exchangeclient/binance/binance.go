// Package binance adapts github.com/adshao/go-binance/v2's USD-M futures
// client to the exchangeclient.ExchangeClient contract. Every outbound
// *common.APIError is parsed into internal/xerrors exactly once here;
// nothing above this package ever touches a go-binance error type.
package binance

import (
	"context"
	"errors"
	"fmt"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/xerrors"
)

// Client wraps a futures.Client for one API key pair.
type Client struct {
	raw *futures.Client
}

// New builds a Client for one API key pair, using the library's default
// endpoint.
func New(apiKey, secretKey string) *Client {
	return &Client{raw: futures.NewClient(apiKey, secretKey)}
}

var _ exchangeclient.ExchangeClient = (*Client)(nil)

func classify(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return xerrors.Classify(int(apiErr.Code), apiErr.Message)
	}
	return fmt.Errorf("%w: %v", xerrors.ErrExchangeTransient, err)
}

func (c *Client) GetAccountSummary(ctx context.Context) ([]exchangeclient.Account, error) {
	acc, err := c.raw.NewGetAccountService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]exchangeclient.Account, 0, len(acc.Assets))
	for _, a := range acc.Assets {
		balance := parseDec(a.WalletBalance)
		available := parseDec(a.AvailableBalance)
		out = append(out, exchangeclient.Account{
			Currency:  a.Asset,
			Balance:   balance,
			Available: available,
			Reserved:  balance.Sub(available),
			Fields: map[string]decimal.Decimal{
				"wallet_balance":    balance,
				"available_balance": available,
				"margin_balance":    parseDec(a.MarginBalance),
				"unrealized_profit": parseDec(a.UnrealizedProfit),
			},
		})
	}
	return out, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	if isMargin && leverage > 0 {
		if _, err := c.raw.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx); err != nil {
			return exchangeclient.PlacedOrder{}, classify(err)
		}
	}

	svc := c.raw.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(futures.OrderTypeMarket).
		QuoteOrderQty(notionalUSD.String())

	resp, err := svc.Do(ctx)
	if err != nil {
		return exchangeclient.PlacedOrder{}, classify(err)
	}
	return exchangeclient.PlacedOrder{
		OrderID:            fmt.Sprintf("%d", resp.OrderID),
		Status:             string(resp.Status),
		AvgPrice:           parseDec(resp.AvgPrice),
		CumulativeQuantity: parseDec(resp.ExecutedQuantity),
	}, nil
}

func (c *Client) PlaceStopLossOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	return c.placeTrigger(ctx, symbol, side, futures.OrderTypeStopMarket, price, qty, triggerPrice)
}

func (c *Client) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	return c.placeTrigger(ctx, symbol, side, futures.OrderTypeTakeProfitMarket, price, qty, triggerPrice)
}

func (c *Client) placeTrigger(ctx context.Context, symbol, side string, orderType futures.OrderType, price, qty, triggerPrice decimal.Decimal) (exchangeclient.PlacedOrder, error) {
	resp, err := c.raw.NewCreateOrderService().
		Symbol(symbol).
		Side(futures.SideType(side)).
		Type(orderType).
		Quantity(qty.String()).
		StopPrice(triggerPrice.String()).
		ClosePosition(true).
		Do(ctx)
	if err != nil {
		return exchangeclient.PlacedOrder{}, classify(err)
	}
	return exchangeclient.PlacedOrder{
		OrderID: fmt.Sprintf("%d", resp.OrderID),
		Status:  string(resp.Status),
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	_, err := c.raw.NewCancelOrderService().OrderID(parseInt(orderID)).Do(ctx)
	return classify(err)
}

func (c *Client) ListOpenOrders(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	orders, err := c.raw.NewListOpenOrdersService().Do(ctx)
	if err != nil {
		return nil, classify(err)
	}
	out := make([]exchangeclient.RawOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, toRawOrder(o))
	}
	return out, nil
}

func (c *Client) ListTriggerOrders(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	// go-binance/v2 futures surfaces trigger (STOP_MARKET/TAKE_PROFIT_MARKET)
	// orders through the same open-orders endpoint as regular orders.
	orders, err := c.ListOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchangeclient.RawOrder, 0, len(orders))
	for _, o := range orders {
		if o.OrderType == "STOP_LIMIT" || o.OrderType == "TAKE_PROFIT_LIMIT" {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *Client) ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]exchangeclient.RawOrder, error) {
	var out []exchangeclient.RawOrder
	var fromID int64
	for page := 0; page < maxPages; page++ {
		svc := c.raw.NewListOrdersService().Limit(pageSize)
		if fromID > 0 {
			svc = svc.OrderID(fromID)
		}
		orders, err := svc.Do(ctx)
		if err != nil {
			return nil, classify(err)
		}
		if len(orders) == 0 {
			break
		}
		for _, o := range orders {
			out = append(out, toRawOrder(o))
			if o.OrderID >= fromID {
				fromID = o.OrderID + 1
			}
		}
		if len(orders) < pageSize {
			break
		}
	}
	return out, nil
}

func (c *Client) GetInstrumentMetadata(ctx context.Context, symbol string) (market.Metadata, error) {
	info, err := c.raw.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return market.Metadata{}, classify(err)
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		meta := market.Metadata{
			Symbol:           symbol,
			PriceDecimals:    int32(s.PricePrecision),
			QuantityDecimals: int32(s.QuantityPrecision),
		}
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "PRICE_FILTER":
				meta.PriceTickSize = parseDec(fmt.Sprint(f["tickSize"]))
			case "LOT_SIZE":
				meta.QuantityStep = parseDec(fmt.Sprint(f["stepSize"]))
				meta.MinQuantity = parseDec(fmt.Sprint(f["minQty"]))
			case "MIN_NOTIONAL":
				meta.MinNotional = parseDec(fmt.Sprint(f["notional"]))
			}
		}
		return meta, nil
	}
	return market.Metadata{}, xerrors.ErrMetadataUnavailable
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (exchangeclient.Ticker, error) {
	books, err := c.raw.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return exchangeclient.Ticker{}, classify(err)
	}
	if len(books) == 0 {
		return exchangeclient.Ticker{}, xerrors.ErrPriceUnavailable
	}
	b := books[0]
	ask := parseDec(b.AskPrice)
	bid := parseDec(b.BidPrice)
	return exchangeclient.Ticker{Ask: ask, Bid: bid, Last: ask.Add(bid).Div(decimal.NewFromInt(2))}, nil
}

func toRawOrder(o *futures.Order) exchangeclient.RawOrder {
	return exchangeclient.RawOrder{
		OrderID:            fmt.Sprintf("%d", o.OrderID),
		ClientOID:          o.ClientOrderID,
		Symbol:             o.Symbol,
		Side:               string(o.Side),
		OrderType:          normalizeOrderType(o.Type),
		Status:             string(o.Status),
		Price:              parseDec(o.Price),
		TriggerPrice:       parseDec(o.StopPrice),
		AvgPrice:           parseDec(o.AvgPrice),
		Quantity:           parseDec(o.OrigQuantity),
		CumulativeQuantity: parseDec(o.ExecutedQuantity),
		CumulativeValue:    parseDec(o.CumQuote),
		CreateTimeUnixMs:   o.Time,
		UpdateTimeUnixMs:   o.UpdateTime,
	}
}

// normalizeOrderType maps go-binance futures order types onto the canonical
// enum the rest of the control plane matches on. Close-position trigger
// orders list with OrigQuantity "0"; callers classifying protection must
// treat a zero quantity as covering the whole position.
func normalizeOrderType(t futures.OrderType) string {
	switch t {
	case futures.OrderTypeStopMarket, futures.OrderTypeStop:
		return "STOP_LIMIT"
	case futures.OrderTypeTakeProfitMarket, futures.OrderTypeTakeProfit:
		return "TAKE_PROFIT_LIMIT"
	default:
		return string(t)
	}
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt(s string) int64 {
	var n int64
	fmt.Sscanf(s, "%d", &n)
	return n
}
