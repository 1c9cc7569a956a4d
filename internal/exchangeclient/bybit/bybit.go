// Package bybit adapts github.com/bybit-exchange/bybit.go.api's generic,
// map-based HTTP client to the exchangeclient.ExchangeClient contract.
// Unlike go-binance/v2, this client returns raw `Result interface{}`
// payloads rather than typed structs, so every call here re-marshals the
// result through encoding/json into a local shape before anything above
// this package sees it, keeping the same parse-once-at-the-boundary
// discipline, just via JSON instead of typed SDK fields.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"

	bybitapi "github.com/bybit-exchange/bybit.go.api"
	"github.com/shopspring/decimal"

	"cryptosentinel/internal/exchangeclient"
	"cryptosentinel/internal/market"
	"cryptosentinel/internal/xerrors"
)

const category = "linear" // USDT perpetual, the only product type this spec trades

// Client wraps a bybit.go.api client for one API key pair.
type Client struct {
	raw *bybitapi.Client
}

// New builds a Client against the Bybit mainnet REST API.
func New(apiKey, apiSecret string) *Client {
	return &Client{raw: bybitapi.NewBybitHttpClient(apiKey, apiSecret, bybitapi.WithBaseURL(bybitapi.MAINNET))}
}

var _ exchangeclient.ExchangeClient = (*Client)(nil)

func classify(err error, retCode int, retMsg string) error {
	if err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrExchangeTransient, err)
	}
	if retCode == 0 {
		return nil
	}
	return xerrors.Classify(retCode, retMsg)
}

func (c *Client) do(ctx context.Context, resp *bybitapi.ServerResponse, err error, out interface{}) error {
	if cerr := classify(err, intOf(resp), msgOf(resp)); cerr != nil {
		return cerr
	}
	raw, merr := json.Marshal(resp.Result)
	if merr != nil {
		return merr
	}
	return json.Unmarshal(raw, out)
}

func intOf(resp *bybitapi.ServerResponse) int {
	if resp == nil {
		return 0
	}
	return int(resp.RetCode)
}

func msgOf(resp *bybitapi.ServerResponse) string {
	if resp == nil {
		return ""
	}
	return resp.RetMsg
}

type balanceEntry struct {
	Coin            string `json:"coin"`
	WalletBalance   string `json:"walletBalance"`
	AvailableToWithdraw string `json:"availableToWithdraw"`
	Equity          string `json:"equity"`
}

type walletBalanceResult struct {
	List []struct {
		Coin []balanceEntry `json:"coin"`
	} `json:"list"`
}

func (c *Client) GetAccountSummary(ctx context.Context) ([]exchangeclient.Account, error) {
	resp, err := c.raw.NewUtaBybitServiceV2().GetWalletBalance(ctx, map[string]interface{}{"accountType": "UNIFIED"})
	var result walletBalanceResult
	if derr := c.do(ctx, resp, err, &result); derr != nil {
		return nil, derr
	}
	var out []exchangeclient.Account
	for _, acct := range result.List {
		for _, coin := range acct.Coin {
			balance := parseDec(coin.WalletBalance)
			available := parseDec(coin.AvailableToWithdraw)
			out = append(out, exchangeclient.Account{
				Currency:  coin.Coin,
				Balance:   balance,
				Available: available,
				Reserved:  balance.Sub(available),
				Fields: map[string]decimal.Decimal{
					"wallet_balance": balance,
					"equity":         parseDec(coin.Equity),
				},
			})
		}
	}
	return out, nil
}

func (c *Client) PlaceMarketOrder(ctx context.Context, symbol, side string, notionalUSD decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	if isMargin && leverage > 0 {
		_, _ = c.raw.NewUtaBybitServiceV2().SetLeverage(ctx, map[string]interface{}{
			"category": category, "symbol": symbol,
			"buyLeverage": fmt.Sprint(leverage), "sellLeverage": fmt.Sprint(leverage),
		})
	}
	return c.placeOrder(ctx, map[string]interface{}{
		"category": category, "symbol": symbol, "side": title(side),
		"orderType": "Market", "marketUnit": "quoteCoin", "qty": notionalUSD.String(),
	})
}

func (c *Client) PlaceStopLossOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	return c.placeOrder(ctx, map[string]interface{}{
		"category": category, "symbol": symbol, "side": title(side),
		"orderType": "Market", "qty": qty.String(),
		"triggerPrice": triggerPrice.String(), "reduceOnly": true,
	})
}

func (c *Client) PlaceTakeProfitOrder(ctx context.Context, symbol, side string, price, qty, triggerPrice, refPrice decimal.Decimal, isMargin bool, leverage int) (exchangeclient.PlacedOrder, error) {
	return c.placeOrder(ctx, map[string]interface{}{
		"category": category, "symbol": symbol, "side": title(side),
		"orderType": "Limit", "price": price.String(), "qty": qty.String(),
		"triggerPrice": triggerPrice.String(), "reduceOnly": true,
	})
}

func (c *Client) placeOrder(ctx context.Context, params map[string]interface{}) (exchangeclient.PlacedOrder, error) {
	resp, err := c.raw.NewUtaBybitServiceV2().PlaceOrder(ctx, params)
	var result struct {
		OrderID string `json:"orderId"`
	}
	if derr := c.do(ctx, resp, err, &result); derr != nil {
		return exchangeclient.PlacedOrder{}, derr
	}
	return exchangeclient.PlacedOrder{OrderID: result.OrderID, Status: "NEW"}, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	resp, err := c.raw.NewUtaBybitServiceV2().CancelOrder(ctx, map[string]interface{}{
		"category": category, "orderId": orderID,
	})
	return c.do(ctx, resp, err, &struct{}{})
}

type orderEntry struct {
	OrderID            string `json:"orderId"`
	OrderLinkID        string `json:"orderLinkId"`
	Symbol             string `json:"symbol"`
	Side               string `json:"side"`
	OrderType          string `json:"orderType"`
	OrderStatus        string `json:"orderStatus"`
	Price              string `json:"price"`
	TriggerPrice       string `json:"triggerPrice"`
	AvgPrice           string `json:"avgPrice"`
	Qty                string `json:"qty"`
	CumExecQty         string `json:"cumExecQty"`
	CumExecValue       string `json:"cumExecValue"`
	CreatedTime        string `json:"createdTime"`
	UpdatedTime        string `json:"updatedTime"`
}

type orderListResult struct {
	List []orderEntry `json:"list"`
}

func (c *Client) ListOpenOrders(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	resp, err := c.raw.NewUtaBybitServiceV2().GetOpenOrders(ctx, map[string]interface{}{"category": category, "settleCoin": "USDT"})
	var result orderListResult
	if derr := c.do(ctx, resp, err, &result); derr != nil {
		return nil, derr
	}
	out := make([]exchangeclient.RawOrder, 0, len(result.List))
	for _, e := range result.List {
		out = append(out, toRawOrder(e))
	}
	return out, nil
}

func (c *Client) ListTriggerOrders(ctx context.Context) ([]exchangeclient.RawOrder, error) {
	orders, err := c.ListOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchangeclient.RawOrder, 0, len(orders))
	for _, o := range orders {
		if o.TriggerPrice.IsPositive() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (c *Client) ListOrderHistory(ctx context.Context, pageSize, maxPages int) ([]exchangeclient.RawOrder, error) {
	var out []exchangeclient.RawOrder
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := map[string]interface{}{"category": category, "limit": pageSize}
		if cursor != "" {
			params["cursor"] = cursor
		}
		resp, err := c.raw.NewUtaBybitServiceV2().GetOrderHistory(ctx, params)
		var result struct {
			List           []orderEntry `json:"list"`
			NextPageCursor string       `json:"nextPageCursor"`
		}
		if derr := c.do(ctx, resp, err, &result); derr != nil {
			return nil, derr
		}
		for _, e := range result.List {
			out = append(out, toRawOrder(e))
		}
		if result.NextPageCursor == "" || len(result.List) == 0 {
			break
		}
		cursor = result.NextPageCursor
	}
	return out, nil
}

func (c *Client) GetInstrumentMetadata(ctx context.Context, symbol string) (market.Metadata, error) {
	resp, err := c.raw.NewUtaBybitServiceV2().GetInstrumentsInfo(ctx, map[string]interface{}{"category": category, "symbol": symbol})
	var result struct {
		List []struct {
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
			LotSizeFilter struct {
				QtyStep    string `json:"qtyStep"`
				MinOrderQty string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			LeverageFilter struct {
				MaxLeverage string `json:"maxLeverage"`
			} `json:"leverageFilter"`
			PriceScale string `json:"priceScale"`
		} `json:"list"`
	}
	if derr := c.do(ctx, resp, err, &result); derr != nil {
		return market.Metadata{}, derr
	}
	if len(result.List) == 0 {
		return market.Metadata{}, xerrors.ErrMetadataUnavailable
	}
	s := result.List[0]
	tick := parseDec(s.PriceFilter.TickSize)
	return market.Metadata{
		Symbol:           symbol,
		PriceTickSize:    tick,
		QuantityStep:     parseDec(s.LotSizeFilter.QtyStep),
		MinQuantity:      parseDec(s.LotSizeFilter.MinOrderQty),
		MinNotional:      decimal.NewFromInt(5), // Bybit linear perpetuals: fixed $5 floor
		PriceDecimals:    decimalsOf(tick),
		QuantityDecimals: decimalsOf(parseDec(s.LotSizeFilter.QtyStep)),
		MaxLeverage:      int(parseDec(s.LeverageFilter.MaxLeverage).IntPart()),
	}, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (exchangeclient.Ticker, error) {
	resp, err := c.raw.NewUtaBybitServiceV2().GetTickers(ctx, map[string]interface{}{"category": category, "symbol": symbol})
	var result struct {
		List []struct {
			Ask1Price string `json:"ask1Price"`
			Bid1Price string `json:"bid1Price"`
			LastPrice string `json:"lastPrice"`
		} `json:"list"`
	}
	if derr := c.do(ctx, resp, err, &result); derr != nil {
		return exchangeclient.Ticker{}, derr
	}
	if len(result.List) == 0 {
		return exchangeclient.Ticker{}, xerrors.ErrPriceUnavailable
	}
	t := result.List[0]
	return exchangeclient.Ticker{Ask: parseDec(t.Ask1Price), Bid: parseDec(t.Bid1Price), Last: parseDec(t.LastPrice)}, nil
}

func toRawOrder(e orderEntry) exchangeclient.RawOrder {
	return exchangeclient.RawOrder{
		OrderID:            e.OrderID,
		ClientOID:          e.OrderLinkID,
		Symbol:             e.Symbol,
		Side:               toUpper(e.Side),
		OrderType:          normalizeOrderType(e.OrderType, parseDec(e.TriggerPrice)),
		Status:             e.OrderStatus,
		Price:              parseDec(e.Price),
		TriggerPrice:       parseDec(e.TriggerPrice),
		AvgPrice:           parseDec(e.AvgPrice),
		Quantity:           parseDec(e.Qty),
		CumulativeQuantity: parseDec(e.CumExecQty),
		CumulativeValue:    parseDec(e.CumExecValue),
		CreateTimeUnixMs:   parseInt(e.CreatedTime),
		UpdateTimeUnixMs:   parseInt(e.UpdatedTime),
	}
}

// normalizeOrderType maps Bybit-native order types ("Market"/"Limit") onto
// the canonical enum the rest of the control plane matches on. Bybit
// expresses SL as a triggered market order and TP as a triggered limit
// order, so the trigger price decides which protective shape a row is.
func normalizeOrderType(t string, triggerPrice decimal.Decimal) string {
	switch {
	case triggerPrice.IsPositive() && t == "Market":
		return "STOP_LIMIT"
	case triggerPrice.IsPositive() && t == "Limit":
		return "TAKE_PROFIT_LIMIT"
	case t == "Market":
		return "MARKET"
	case t == "Limit":
		return "LIMIT"
	default:
		return toUpper(t)
	}
}

func toUpper(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'a' && b[i] <= 'z' {
			b[i] -= 'a' - 'A'
		}
	}
	return string(b)
}

func title(side string) string {
	if len(side) == 0 {
		return side
	}
	return string(side[0]) + toLower(side[1:])
}

func toLower(s string) string {
	b := []byte(s)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] += 'a' - 'A'
		}
	}
	return string(b)
}

func decimalsOf(step decimal.Decimal) int32 {
	s := step.String()
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			return int32(len(s) - i - 1)
		}
	}
	return 0
}

func parseDec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
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
