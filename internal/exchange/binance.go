package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	binanceBaseURL = "https://api.binance.com/api/v3"
	recvWindow     = "5000" // how long a signed request stays valid, in ms
)

// Binance is the connector for the Binance REST API. Symbols are quoted
// without a separator (BTC/USDT -> BTCUSDT).
type Binance struct {
	connector
	apiKey    string
	secretKey string
}

var _ Exchange = (*Binance)(nil)

// NewBinance creates a Binance connector in live or paper mode.
func NewBinance(opts Options, logger *zap.Logger) *Binance {
	o := opts.withDefaults()
	if o.FeeRate == 0 {
		o.FeeRate = 0.001 // 0.1% taker fee
	}
	symbols := newSymbolMapper("", false, nil)
	return &Binance{
		connector: newConnector("binance", binanceBaseURL, o, symbols, logger),
		apiKey:    o.ApiKey,
		secretKey: o.SecretKey,
	}
}

// sign creates a HMAC-SHA256 signature for the request.
func (b *Binance) sign(data string) string {
	h := hmac.New(sha256.New, []byte(b.secretKey))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

// signedParams appends timestamp, recvWindow and signature to query params.
func (b *Binance) signedParams(params url.Values) url.Values {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", recvWindow)
	params.Set("signature", b.sign(params.Encode()))
	return params
}

// Connect verifies reachability. Always succeeds in paper mode.
func (b *Binance) Connect() bool {
	if b.PaperTrading() {
		b.logger.Info("Connected to Binance (paper trading mode)")
		return true
	}
	type serverTimeResponse struct {
		ServerTime int64 `json:"serverTime"`
	}
	req := b.client.R().SetResult(&serverTimeResponse{})
	resp, err := b.do("GET", "/time", req)
	if err != nil {
		b.logger.Error("Failed to connect to Binance", zap.Error(err))
		return false
	}
	b.logger.Info("Connected to Binance",
		zap.Int64("server_time", resp.Result().(*serverTimeResponse).ServerTime))
	return true
}

type binanceBalance struct {
	Asset string `json:"asset"`
	Free  string `json:"free"`
}

type binanceAccount struct {
	Balances []binanceBalance `json:"balances"`
}

// GetBalance returns the free balance of one currency.
func (b *Binance) GetBalance(currency string) (float64, error) {
	if b.paper != nil {
		return b.paper.Balance(currency), nil
	}
	balances, err := b.GetBalances()
	if err != nil {
		return 0, err
	}
	return balances[currency], nil
}

// GetBalances returns all non-zero free balances.
func (b *Binance) GetBalances() (map[string]float64, error) {
	if b.paper != nil {
		return b.paper.Balances(), nil
	}

	params := b.signedParams(url.Values{})
	req := b.client.R().
		SetHeader("X-MBX-APIKEY", b.apiKey).
		SetQueryParamsFromValues(params).
		SetResult(&binanceAccount{})

	resp, err := b.do("GET", "/account", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get account balances: %w", err)
	}

	account := resp.Result().(*binanceAccount)
	balances := make(map[string]float64)
	for _, entry := range account.Balances {
		free, err := strconv.ParseFloat(entry.Free, 64)
		if err != nil || free <= 0 {
			continue
		}
		balances[entry.Asset] = free
	}
	return balances, nil
}

type binanceTicker struct {
	Symbol      string `json:"symbol"`
	BidPrice    string `json:"bidPrice"`
	AskPrice    string `json:"askPrice"`
	LastPrice   string `json:"lastPrice"`
	HighPrice   string `json:"highPrice"`
	LowPrice    string `json:"lowPrice"`
	Volume      string `json:"volume"`
	QuoteVolume string `json:"quoteVolume"`
	CloseTime   int64  `json:"closeTime"`
}

// GetTicker returns the 24h ticker for a symbol. In paper mode a fetch
// failure falls back to the last-known value instead of surfacing.
func (b *Binance) GetTicker(symbol string) (*Ticker, error) {
	req := b.client.R().
		SetQueryParam("symbol", b.symbols.Format(symbol)).
		SetResult(&binanceTicker{})

	resp, err := b.do("GET", "/ticker/24hr", req)
	if err != nil {
		return b.fallbackTicker(symbol, err)
	}

	raw := resp.Result().(*binanceTicker)
	ticker := &Ticker{
		Symbol:    symbol,
		Bid:       parseFloat(raw.BidPrice),
		Ask:       parseFloat(raw.AskPrice),
		Last:      parseFloat(raw.LastPrice),
		High:      parseFloat(raw.HighPrice),
		Low:       parseFloat(raw.LowPrice),
		Volume:    parseFloat(raw.Volume),
		Timestamp: time.UnixMilli(raw.CloseTime),
	}
	b.recordTicker(ticker)
	return ticker, nil
}

// GetHistoricalData returns up to limit OHLCV bars, newest last.
func (b *Binance) GetHistoricalData(symbol, timeframe string, limit int) ([]Candle, error) {
	var klines [][]any
	req := b.client.R().
		SetQueryParams(map[string]string{
			"symbol":   b.symbols.Format(symbol),
			"interval": binanceInterval(timeframe),
			"limit":    strconv.Itoa(limit),
		}).
		SetResult(&klines)

	if _, err := b.do("GET", "/klines", req); err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}

	candles := make([]Candle, 0, len(klines))
	for _, k := range klines {
		if len(k) < 6 {
			continue
		}
		candles = append(candles, Candle{
			Timestamp: time.UnixMilli(int64(toFloat(k[0]))),
			Open:      toFloat(k[1]),
			High:      toFloat(k[2]),
			Low:       toFloat(k[3]),
			Close:     toFloat(k[4]),
			Volume:    toFloat(k[5]),
		})
	}
	return candles, nil
}

type binanceOrder struct {
	Symbol           string `json:"symbol"`
	OrderID          int64  `json:"orderId"`
	Price            string `json:"price"`
	OrigQty          string `json:"origQty"`
	ExecutedQty      string `json:"executedQty"`
	Status           string `json:"status"`
	Type             string `json:"type"`
	Side             string `json:"side"`
	TransactTime     int64  `json:"transactTime"`
	Time             int64  `json:"time"`
	CummulativeQuote string `json:"cummulativeQuoteQty"`
}

func (b *Binance) orderFromResponse(raw *binanceOrder, symbol string) *Order {
	created := raw.TransactTime
	if created == 0 {
		created = raw.Time
	}
	return &Order{
		ID:        strconv.FormatInt(raw.OrderID, 10),
		Symbol:    symbol,
		Kind:      strings.ToLower(raw.Type),
		Side:      strings.ToLower(raw.Side),
		Amount:    parseFloat(raw.OrigQty),
		Price:     parseFloat(raw.Price),
		Status:    binanceStatus(raw.Status),
		Filled:    parseFloat(raw.ExecutedQty),
		CreatedAt: time.UnixMilli(created),
	}
}

// CreateOrder submits an order. Paper mode resolves the execution price and
// settles against the ledger; live mode returns the venue acknowledgement.
func (b *Binance) CreateOrder(symbol, kind, side string, amount, price float64) (*Order, error) {
	if b.paper != nil {
		execPrice := price
		if kind == KindMarket {
			ticker, err := b.GetTicker(symbol)
			if err != nil {
				return nil, fmt.Errorf("cannot price market order: %w", err)
			}
			execPrice = ticker.Last
		}
		return b.paper.CreateOrder(symbol, kind, side, amount, execPrice)
	}

	params := url.Values{}
	params.Set("symbol", b.symbols.Format(symbol))
	params.Set("side", strings.ToUpper(side))
	params.Set("type", strings.ToUpper(kind))
	params.Set("quantity", strconv.FormatFloat(amount, 'f', -1, 64))
	if kind == KindLimit {
		if price <= 0 {
			return nil, fmt.Errorf("price is required for limit orders")
		}
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
		params.Set("timeInForce", "GTC")
	}
	params = b.signedParams(params)

	req := b.client.R().
		SetHeader("X-MBX-APIKEY", b.apiKey).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(params.Encode()).
		SetResult(&binanceOrder{})

	resp, err := b.do("POST", "/order", req)
	if err != nil {
		b.logger.Error("Failed to create order", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	order := b.orderFromResponse(resp.Result().(*binanceOrder), symbol)
	b.logger.Info("Submitted order", zap.Any("order", order))
	return order, nil
}

// CancelOrder cancels an open order.
func (b *Binance) CancelOrder(id, symbol string) bool {
	if b.paper != nil {
		return b.paper.CancelOrder(id)
	}

	params := url.Values{}
	params.Set("symbol", b.symbols.Format(symbol))
	params.Set("orderId", id)
	params = b.signedParams(params)

	req := b.client.R().
		SetHeader("X-MBX-APIKEY", b.apiKey).
		SetQueryParamsFromValues(params)

	if _, err := b.do("DELETE", "/order", req); err != nil {
		b.logger.Error("Failed to cancel order", zap.String("order_id", id), zap.Error(err))
		return false
	}
	return true
}

// GetOrder returns an order by id.
func (b *Binance) GetOrder(id, symbol string) (*Order, error) {
	if b.paper != nil {
		return b.paper.GetOrder(id)
	}

	params := url.Values{}
	params.Set("symbol", b.symbols.Format(symbol))
	params.Set("orderId", id)
	params = b.signedParams(params)

	req := b.client.R().
		SetHeader("X-MBX-APIKEY", b.apiKey).
		SetQueryParamsFromValues(params).
		SetResult(&binanceOrder{})

	resp, err := b.do("GET", "/order", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return b.orderFromResponse(resp.Result().(*binanceOrder), symbol), nil
}

// GetOpenOrders returns open orders, optionally filtered by symbol.
func (b *Binance) GetOpenOrders(symbol string) ([]*Order, error) {
	if b.paper != nil {
		return b.paper.OpenOrders(symbol), nil
	}

	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", b.symbols.Format(symbol))
	}
	params = b.signedParams(params)

	var raw []binanceOrder
	req := b.client.R().
		SetHeader("X-MBX-APIKEY", b.apiKey).
		SetQueryParamsFromValues(params).
		SetResult(&raw)

	if _, err := b.do("GET", "/openOrders", req); err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	orders := make([]*Order, 0, len(raw))
	for i := range raw {
		std, err := b.symbols.Parse(raw[i].Symbol)
		if err != nil {
			b.logger.Warn("Skipping order with unparseable symbol", zap.String("symbol", raw[i].Symbol))
			continue
		}
		orders = append(orders, b.orderFromResponse(&raw[i], std))
	}
	return orders, nil
}

// GetTopSymbols returns symbols quoted in the given currency ranked by
// quote volume over the last 24h.
func (b *Binance) GetTopSymbols(limit int, quote string) ([]string, error) {
	var tickers []binanceTicker
	req := b.client.R().SetResult(&tickers)
	if _, err := b.do("GET", "/ticker/24hr", req); err != nil {
		return nil, fmt.Errorf("failed to get 24h tickers: %w", err)
	}

	type ranked struct {
		symbol string
		volume float64
	}
	candidates := make([]ranked, 0, len(tickers))
	for _, t := range tickers {
		if !strings.HasSuffix(t.Symbol, quote) || len(t.Symbol) <= len(quote) {
			continue
		}
		std, err := b.symbols.Parse(t.Symbol)
		if err != nil {
			continue
		}
		candidates = append(candidates, ranked{symbol: std, volume: parseFloat(t.QuoteVolume)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].volume > candidates[j].volume
	})

	symbols := make([]string, 0, limit)
	for _, c := range candidates {
		symbols = append(symbols, c.symbol)
		if len(symbols) == limit {
			break
		}
	}
	return symbols, nil
}

// CalculatePositionSize caps notional exposure at the configured fraction of
// the available quote balance. A negative balance argument looks it up.
func (b *Binance) CalculatePositionSize(price, balance float64) (float64, error) {
	if balance < 0 {
		var err error
		balance, err = b.GetBalance(b.quoteCurrency)
		if err != nil {
			return 0, err
		}
	}
	return b.positionSize(price, balance)
}

func binanceStatus(status string) string {
	switch status {
	case "NEW", "PARTIALLY_FILLED":
		return StatusOpen
	case "FILLED":
		return StatusFilled
	case "CANCELED", "EXPIRED":
		return StatusCanceled
	case "REJECTED":
		return StatusRejected
	default:
		return strings.ToLower(status)
	}
}

func binanceInterval(timeframe string) string {
	switch timeframe {
	case "1m", "3m", "5m", "15m", "30m", "1h", "2h", "4h", "6h", "8h", "12h", "1d", "3d", "1w", "1M":
		return timeframe
	default:
		return "1h"
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func toFloat(v any) float64 {
	switch value := v.(type) {
	case float64:
		return value
	case string:
		return parseFloat(value)
	case int64:
		return float64(value)
	default:
		return 0
	}
}
