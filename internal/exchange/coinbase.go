package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const coinbaseBaseURL = "https://api.exchange.coinbase.com"

// Coinbase is the connector for the Coinbase Exchange REST API. Symbols are
// quoted with a dash (BTC/USDT -> BTC-USDT).
type Coinbase struct {
	connector
	apiKey    string
	secretKey string
}

var _ Exchange = (*Coinbase)(nil)

// NewCoinbase creates a Coinbase connector in live or paper mode.
func NewCoinbase(opts Options, logger *zap.Logger) *Coinbase {
	o := opts.withDefaults()
	if o.FeeRate == 0 {
		o.FeeRate = 0.005 // 0.5% taker fee
	}
	symbols := newSymbolMapper("-", false, nil)
	return &Coinbase{
		connector: newConnector("coinbase", coinbaseBaseURL, o, symbols, logger),
		apiKey:    o.ApiKey,
		secretKey: o.SecretKey,
	}
}

// signedRequest sets the CB-ACCESS headers: the signature is a base64 HMAC
// of timestamp+method+path+body keyed with the base64-decoded secret.
func (c *Coinbase) signedRequest(method, path, body string) *resty.Request {
	timestamp := strconv.FormatInt(time.Now().Unix(), 10)
	message := timestamp + method + path + body

	key, err := base64.StdEncoding.DecodeString(c.secretKey)
	if err != nil {
		key = []byte(c.secretKey)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req := c.client.R().
		SetHeader("CB-ACCESS-KEY", c.apiKey).
		SetHeader("CB-ACCESS-SIGN", signature).
		SetHeader("CB-ACCESS-TIMESTAMP", timestamp).
		SetHeader("Content-Type", "application/json")
	if body != "" {
		req.SetBody(body)
	}
	return req
}

// Connect verifies reachability. Always succeeds in paper mode.
func (c *Coinbase) Connect() bool {
	if c.PaperTrading() {
		c.logger.Info("Connected to Coinbase (paper trading mode)")
		return true
	}
	req := c.client.R()
	if _, err := c.do("GET", "/time", req); err != nil {
		c.logger.Error("Failed to connect to Coinbase", zap.Error(err))
		return false
	}
	c.logger.Info("Connected to Coinbase")
	return true
}

type coinbaseAccount struct {
	Currency  string `json:"currency"`
	Available string `json:"available"`
}

// GetBalance returns the free balance of one currency.
func (c *Coinbase) GetBalance(currency string) (float64, error) {
	if c.paper != nil {
		return c.paper.Balance(currency), nil
	}
	balances, err := c.GetBalances()
	if err != nil {
		return 0, err
	}
	return balances[currency], nil
}

// GetBalances returns all non-zero available balances.
func (c *Coinbase) GetBalances() (map[string]float64, error) {
	if c.paper != nil {
		return c.paper.Balances(), nil
	}

	var accounts []coinbaseAccount
	req := c.signedRequest("GET", "/accounts", "").SetResult(&accounts)
	if _, err := c.do("GET", "/accounts", req); err != nil {
		return nil, fmt.Errorf("failed to get accounts: %w", err)
	}

	balances := make(map[string]float64)
	for _, account := range accounts {
		available := parseFloat(account.Available)
		if available > 0 {
			balances[account.Currency] = available
		}
	}
	return balances, nil
}

type coinbaseTicker struct {
	Price  string `json:"price"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
	Volume string `json:"volume"`
	Time   string `json:"time"`
}

type coinbaseStats struct {
	High string `json:"high"`
	Low  string `json:"low"`
}

// GetTicker returns the current quote. High/low come from the 24h stats
// endpoint; paper mode falls back to the last-known value on failure.
func (c *Coinbase) GetTicker(symbol string) (*Ticker, error) {
	product := c.symbols.Format(symbol)

	tickerReq := c.client.R().SetResult(&coinbaseTicker{})
	resp, err := c.do("GET", "/products/"+product+"/ticker", tickerReq)
	if err != nil {
		return c.fallbackTicker(symbol, err)
	}
	raw := resp.Result().(*coinbaseTicker)

	ticker := &Ticker{
		Symbol:    symbol,
		Bid:       parseFloat(raw.Bid),
		Ask:       parseFloat(raw.Ask),
		Last:      parseFloat(raw.Price),
		Volume:    parseFloat(raw.Volume),
		Timestamp: time.Now(),
	}
	if at, parseErr := time.Parse(time.RFC3339, raw.Time); parseErr == nil {
		ticker.Timestamp = at
	}

	statsReq := c.client.R().SetResult(&coinbaseStats{})
	if statsResp, statsErr := c.do("GET", "/products/"+product+"/stats", statsReq); statsErr == nil {
		stats := statsResp.Result().(*coinbaseStats)
		ticker.High = parseFloat(stats.High)
		ticker.Low = parseFloat(stats.Low)
	}

	c.recordTicker(ticker)
	return ticker, nil
}

// GetHistoricalData returns up to limit OHLCV bars, newest last. Coinbase
// serves candles newest first as [time, low, high, open, close, volume].
func (c *Coinbase) GetHistoricalData(symbol, timeframe string, limit int) ([]Candle, error) {
	var rows [][]float64
	req := c.client.R().
		SetQueryParam("granularity", strconv.Itoa(coinbaseGranularity(timeframe))).
		SetResult(&rows)

	path := "/products/" + c.symbols.Format(symbol) + "/candles"
	if _, err := c.do("GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get candles for %s: %w", symbol, err)
	}

	if len(rows) > limit {
		rows = rows[:limit]
	}
	candles := make([]Candle, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- { // reverse into oldest-first order
		row := rows[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, Candle{
			Timestamp: time.Unix(int64(row[0]), 0),
			Low:       row[1],
			High:      row[2],
			Open:      row[3],
			Close:     row[4],
			Volume:    row[5],
		})
	}
	return candles, nil
}

type coinbaseOrder struct {
	ID            string `json:"id"`
	ProductID     string `json:"product_id"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	Size          string `json:"size"`
	Price         string `json:"price"`
	FilledSize    string `json:"filled_size"`
	FillFees      string `json:"fill_fees"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

func (c *Coinbase) orderFromResponse(raw *coinbaseOrder) *Order {
	symbol, err := c.symbols.Parse(raw.ProductID)
	if err != nil {
		symbol = raw.ProductID
	}
	order := &Order{
		ID:     raw.ID,
		Symbol: symbol,
		Kind:   raw.Type,
		Side:   raw.Side,
		Amount: parseFloat(raw.Size),
		Price:  parseFloat(raw.Price),
		Status: coinbaseStatus(raw.Status),
		Filled: parseFloat(raw.FilledSize),
		Fee:    parseFloat(raw.FillFees),
	}
	if at, parseErr := time.Parse(time.RFC3339, raw.CreatedAt); parseErr == nil {
		order.CreatedAt = at
	}
	return order
}

// CreateOrder submits an order. Paper mode settles against the ledger.
func (c *Coinbase) CreateOrder(symbol, kind, side string, amount, price float64) (*Order, error) {
	if c.paper != nil {
		execPrice := price
		if kind == KindMarket {
			ticker, err := c.GetTicker(symbol)
			if err != nil {
				return nil, fmt.Errorf("cannot price market order: %w", err)
			}
			execPrice = ticker.Last
		}
		return c.paper.CreateOrder(symbol, kind, side, amount, execPrice)
	}

	body := fmt.Sprintf(`{"product_id":%q,"side":%q,"type":%q,"size":"%v"`,
		c.symbols.Format(symbol), side, kind, amount)
	if kind == KindLimit {
		if price <= 0 {
			return nil, fmt.Errorf("price is required for limit orders")
		}
		body += fmt.Sprintf(`,"price":"%v"`, price)
	}
	body += "}"

	req := c.signedRequest("POST", "/orders", body).SetResult(&coinbaseOrder{})
	resp, err := c.do("POST", "/orders", req)
	if err != nil {
		c.logger.Error("Failed to create order", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	order := c.orderFromResponse(resp.Result().(*coinbaseOrder))
	c.logger.Info("Submitted order", zap.Any("order", order))
	return order, nil
}

// CancelOrder cancels an open order.
func (c *Coinbase) CancelOrder(id, symbol string) bool {
	if c.paper != nil {
		return c.paper.CancelOrder(id)
	}
	req := c.signedRequest("DELETE", "/orders/"+id, "")
	if _, err := c.do("DELETE", "/orders/"+id, req); err != nil {
		c.logger.Error("Failed to cancel order", zap.String("order_id", id), zap.Error(err))
		return false
	}
	return true
}

// GetOrder returns an order by id.
func (c *Coinbase) GetOrder(id, symbol string) (*Order, error) {
	if c.paper != nil {
		return c.paper.GetOrder(id)
	}
	req := c.signedRequest("GET", "/orders/"+id, "").SetResult(&coinbaseOrder{})
	resp, err := c.do("GET", "/orders/"+id, req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	return c.orderFromResponse(resp.Result().(*coinbaseOrder)), nil
}

// GetOpenOrders returns open orders, optionally filtered by symbol.
func (c *Coinbase) GetOpenOrders(symbol string) ([]*Order, error) {
	if c.paper != nil {
		return c.paper.OpenOrders(symbol), nil
	}

	path := "/orders?status=open"
	if symbol != "" {
		path += "&product_id=" + c.symbols.Format(symbol)
	}
	var raw []coinbaseOrder
	req := c.signedRequest("GET", path, "").SetResult(&raw)
	if _, err := c.do("GET", path, req); err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	orders := make([]*Order, 0, len(raw))
	for i := range raw {
		orders = append(orders, c.orderFromResponse(&raw[i]))
	}
	return orders, nil
}

type coinbaseProduct struct {
	ID            string `json:"id"`
	BaseCurrency  string `json:"base_currency"`
	QuoteCurrency string `json:"quote_currency"`
	Status        string `json:"status"`
}

// GetTopSymbols returns active products for the quote currency. Coinbase's
// product listing carries no volume, so ranking is left to the aggregator.
func (c *Coinbase) GetTopSymbols(limit int, quote string) ([]string, error) {
	var products []coinbaseProduct
	req := c.client.R().SetResult(&products)
	if _, err := c.do("GET", "/products", req); err != nil {
		return nil, fmt.Errorf("failed to get products: %w", err)
	}

	symbols := make([]string, 0, limit)
	for _, product := range products {
		if product.QuoteCurrency != quote || product.Status != "online" {
			continue
		}
		symbols = append(symbols, product.BaseCurrency+"/"+product.QuoteCurrency)
		if len(symbols) == limit {
			break
		}
	}
	return symbols, nil
}

// CalculatePositionSize caps notional exposure at the configured fraction of
// the available quote balance. A negative balance argument looks it up.
func (c *Coinbase) CalculatePositionSize(price, balance float64) (float64, error) {
	if balance < 0 {
		var err error
		balance, err = c.GetBalance(c.quoteCurrency)
		if err != nil {
			return 0, err
		}
	}
	return c.positionSize(price, balance)
}

func coinbaseStatus(status string) string {
	switch status {
	case "open", "pending", "active":
		return StatusOpen
	case "done", "settled":
		return StatusFilled
	case "rejected":
		return StatusRejected
	default:
		return StatusCanceled
	}
}

func coinbaseGranularity(timeframe string) int {
	switch timeframe {
	case "1m":
		return 60
	case "5m":
		return 300
	case "15m":
		return 900
	case "1h":
		return 3600
	case "6h":
		return 21600
	case "1d":
		return 86400
	default:
		return 3600
	}
}
