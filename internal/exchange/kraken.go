package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const krakenBaseURL = "https://api.kraken.com/0"

// Kraken asset aliases: Kraken quotes Bitcoin as XBT and Dogecoin as XDG.
var krakenAliases = map[string]string{
	"BTC":  "XBT",
	"DOGE": "XDG",
}

// Legacy asset codes Kraken still uses in balance responses.
var krakenAssetCodes = map[string]string{
	"XXBT": "BTC",
	"XETH": "ETH",
	"XXDG": "DOGE",
	"ZUSD": "USD",
	"ZEUR": "EUR",
	"ZGBP": "GBP",
}

// Kraken is the connector for the Kraken REST API. Request pair names have
// no separator and Bitcoin is aliased to XBT (BTC/USDT -> XBTUSDT).
type Kraken struct {
	connector
	apiKey    string
	secretKey string
}

var _ Exchange = (*Kraken)(nil)

// NewKraken creates a Kraken connector in live or paper mode.
func NewKraken(opts Options, logger *zap.Logger) *Kraken {
	o := opts.withDefaults()
	if o.FeeRate == 0 {
		o.FeeRate = 0.002 // 0.2% taker fee
	}
	symbols := newSymbolMapper("", false, krakenAliases)
	return &Kraken{
		connector: newConnector("kraken", krakenBaseURL, o, symbols, logger),
		apiKey:    o.ApiKey,
		secretKey: o.SecretKey,
	}
}

// krakenEnvelope is the common response wrapper: errors come back in-band
// with HTTP 200, so they are surfaced here as VenueError.
type krakenEnvelope struct {
	Error  []string       `json:"error"`
	Result map[string]any `json:"result"`
}

func (k *Kraken) unwrap(resp *resty.Response) (map[string]any, error) {
	envelope := resp.Result().(*krakenEnvelope)
	if len(envelope.Error) > 0 {
		status := 400
		if strings.Contains(envelope.Error[0], "EService") {
			status = 503
		}
		return nil, &VenueError{Venue: k.name, StatusCode: status, Message: strings.Join(envelope.Error, "; ")}
	}
	return envelope.Result, nil
}

// signedRequest builds a private-endpoint request. API-Sign is the base64
// HMAC-SHA512 of path + SHA256(nonce + postdata), keyed with the decoded secret.
func (k *Kraken) signedRequest(path string, params url.Values) *resty.Request {
	nonce := strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
	params.Set("nonce", nonce)
	postData := params.Encode()

	digest := sha256.Sum256([]byte(nonce + postData))
	secret, err := base64.StdEncoding.DecodeString(k.secretKey)
	if err != nil {
		secret = []byte(k.secretKey)
	}
	mac := hmac.New(sha512.New, secret)
	mac.Write(append([]byte(path), digest[:]...))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return k.client.R().
		SetHeader("API-Key", k.apiKey).
		SetHeader("API-Sign", signature).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(postData).
		SetResult(&krakenEnvelope{})
}

// Connect verifies reachability. Always succeeds in paper mode.
func (k *Kraken) Connect() bool {
	if k.PaperTrading() {
		k.logger.Info("Connected to Kraken (paper trading mode)")
		return true
	}
	req := k.client.R().SetResult(&krakenEnvelope{})
	resp, err := k.do("GET", "/public/Time", req)
	if err != nil {
		k.logger.Error("Failed to connect to Kraken", zap.Error(err))
		return false
	}
	if _, err := k.unwrap(resp); err != nil {
		k.logger.Error("Kraken time request rejected", zap.Error(err))
		return false
	}
	k.logger.Info("Connected to Kraken")
	return true
}

// GetBalance returns the free balance of one currency.
func (k *Kraken) GetBalance(currency string) (float64, error) {
	if k.paper != nil {
		return k.paper.Balance(currency), nil
	}
	balances, err := k.GetBalances()
	if err != nil {
		return 0, err
	}
	return balances[currency], nil
}

// GetBalances returns all non-zero balances, translated from Kraken's
// legacy asset codes.
func (k *Kraken) GetBalances() (map[string]float64, error) {
	if k.paper != nil {
		return k.paper.Balances(), nil
	}

	req := k.signedRequest("/0/private/Balance", url.Values{})
	resp, err := k.do("POST", "/private/Balance", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}
	result, err := k.unwrap(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get balances: %w", err)
	}

	balances := make(map[string]float64)
	for asset, raw := range result {
		amount := toFloat(raw)
		if amount <= 0 {
			continue
		}
		if std, found := krakenAssetCodes[asset]; found {
			asset = std
		}
		balances[asset] = amount
	}
	return balances, nil
}

// GetTicker returns the current quote. Paper mode falls back to the
// last-known value on failure.
func (k *Kraken) GetTicker(symbol string) (*Ticker, error) {
	pair := k.symbols.Format(symbol)
	req := k.client.R().
		SetQueryParam("pair", pair).
		SetResult(&krakenEnvelope{})

	resp, err := k.do("GET", "/public/Ticker", req)
	if err != nil {
		return k.fallbackTicker(symbol, err)
	}
	result, err := k.unwrap(resp)
	if err != nil {
		return k.fallbackTicker(symbol, err)
	}

	// The result is keyed by Kraken's own pair name, which may differ from
	// the requested one; there is exactly one entry.
	var data map[string]any
	for _, v := range result {
		if m, ok := v.(map[string]any); ok {
			data = m
			break
		}
	}
	if data == nil {
		return k.fallbackTicker(symbol, fmt.Errorf("empty ticker result for %s", symbol))
	}

	ticker := &Ticker{
		Symbol:    symbol,
		Bid:       krakenField(data, "b", 0),
		Ask:       krakenField(data, "a", 0),
		Last:      krakenField(data, "c", 0),
		High:      krakenField(data, "h", 1),
		Low:       krakenField(data, "l", 1),
		Volume:    krakenField(data, "v", 1),
		Timestamp: time.Now(),
	}
	k.recordTicker(ticker)
	return ticker, nil
}

// GetHistoricalData returns up to limit OHLCV bars, newest last.
func (k *Kraken) GetHistoricalData(symbol, timeframe string, limit int) ([]Candle, error) {
	req := k.client.R().
		SetQueryParams(map[string]string{
			"pair":     k.symbols.Format(symbol),
			"interval": strconv.Itoa(krakenInterval(timeframe)),
		}).
		SetResult(&krakenEnvelope{})

	resp, err := k.do("GET", "/public/OHLC", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get OHLC for %s: %w", symbol, err)
	}
	result, err := k.unwrap(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get OHLC for %s: %w", symbol, err)
	}

	var rows []any
	for key, v := range result {
		if key == "last" {
			continue
		}
		if list, ok := v.([]any); ok {
			rows = list
			break
		}
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		row, ok := r.([]any)
		if !ok || len(row) < 7 {
			continue
		}
		candles = append(candles, Candle{
			Timestamp: time.Unix(int64(toFloat(row[0])), 0),
			Open:      toFloat(row[1]),
			High:      toFloat(row[2]),
			Low:       toFloat(row[3]),
			Close:     toFloat(row[4]),
			Volume:    toFloat(row[6]),
		})
	}
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// CreateOrder submits an order. Paper mode settles against the ledger; live
// mode returns the acknowledgement built from the transaction id.
func (k *Kraken) CreateOrder(symbol, kind, side string, amount, price float64) (*Order, error) {
	if k.paper != nil {
		execPrice := price
		if kind == KindMarket {
			ticker, err := k.GetTicker(symbol)
			if err != nil {
				return nil, fmt.Errorf("cannot price market order: %w", err)
			}
			execPrice = ticker.Last
		}
		return k.paper.CreateOrder(symbol, kind, side, amount, execPrice)
	}

	params := url.Values{}
	params.Set("pair", k.symbols.Format(symbol))
	params.Set("type", side)
	params.Set("ordertype", kind)
	params.Set("volume", strconv.FormatFloat(amount, 'f', -1, 64))
	if kind == KindLimit {
		if price <= 0 {
			return nil, fmt.Errorf("price is required for limit orders")
		}
		params.Set("price", strconv.FormatFloat(price, 'f', -1, 64))
	}

	req := k.signedRequest("/0/private/AddOrder", params)
	resp, err := k.do("POST", "/private/AddOrder", req)
	if err != nil {
		k.logger.Error("Failed to create order", zap.String("symbol", symbol), zap.Error(err))
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	result, err := k.unwrap(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	var txid string
	if ids, ok := result["txid"].([]any); ok && len(ids) > 0 {
		txid, _ = ids[0].(string)
	}
	order := &Order{
		ID:        txid,
		Symbol:    symbol,
		Kind:      kind,
		Side:      side,
		Amount:    amount,
		Price:     price,
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}
	k.logger.Info("Submitted order", zap.Any("order", order))
	return order, nil
}

// CancelOrder cancels an open order.
func (k *Kraken) CancelOrder(id, symbol string) bool {
	if k.paper != nil {
		return k.paper.CancelOrder(id)
	}

	params := url.Values{}
	params.Set("txid", id)
	req := k.signedRequest("/0/private/CancelOrder", params)
	resp, err := k.do("POST", "/private/CancelOrder", req)
	if err != nil {
		k.logger.Error("Failed to cancel order", zap.String("order_id", id), zap.Error(err))
		return false
	}
	if _, err := k.unwrap(resp); err != nil {
		k.logger.Error("Cancel rejected", zap.String("order_id", id), zap.Error(err))
		return false
	}
	return true
}

func (k *Kraken) orderFromResult(id string, data map[string]any) *Order {
	order := &Order{
		ID:     id,
		Amount: toFloat(data["vol"]),
		Filled: toFloat(data["vol_exec"]),
		Fee:    toFloat(data["fee"]),
		Status: krakenStatus(fmt.Sprint(data["status"])),
	}
	if opentm := toFloat(data["opentm"]); opentm > 0 {
		order.CreatedAt = time.Unix(int64(opentm), 0)
	}
	if descr, ok := data["descr"].(map[string]any); ok {
		if pair, ok := descr["pair"].(string); ok {
			if std, err := k.symbols.Parse(pair); err == nil {
				order.Symbol = std
			} else {
				order.Symbol = pair
			}
		}
		order.Side, _ = descr["type"].(string)
		order.Kind, _ = descr["ordertype"].(string)
		order.Price = toFloat(descr["price"])
	}
	return order
}

// GetOrder returns an order by transaction id.
func (k *Kraken) GetOrder(id, symbol string) (*Order, error) {
	if k.paper != nil {
		return k.paper.GetOrder(id)
	}

	params := url.Values{}
	params.Set("txid", id)
	req := k.signedRequest("/0/private/QueryOrders", params)
	resp, err := k.do("POST", "/private/QueryOrders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}
	result, err := k.unwrap(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", id, err)
	}

	data, ok := result[id].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("order %s not found", id)
	}
	return k.orderFromResult(id, data), nil
}

// GetOpenOrders returns open orders, optionally filtered by symbol.
func (k *Kraken) GetOpenOrders(symbol string) ([]*Order, error) {
	if k.paper != nil {
		return k.paper.OpenOrders(symbol), nil
	}

	req := k.signedRequest("/0/private/OpenOrders", url.Values{})
	resp, err := k.do("POST", "/private/OpenOrders", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}
	result, err := k.unwrap(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get open orders: %w", err)
	}

	var orders []*Order
	if open, ok := result["open"].(map[string]any); ok {
		for id, v := range open {
			data, ok := v.(map[string]any)
			if !ok {
				continue
			}
			order := k.orderFromResult(id, data)
			if symbol != "" && order.Symbol != symbol {
				continue
			}
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// GetTopSymbols returns tradeable pairs for the quote currency from the
// asset-pair listing; volume ranking is left to the aggregator.
func (k *Kraken) GetTopSymbols(limit int, quote string) ([]string, error) {
	req := k.client.R().SetResult(&krakenEnvelope{})
	resp, err := k.do("GET", "/public/AssetPairs", req)
	if err != nil {
		return nil, fmt.Errorf("failed to get asset pairs: %w", err)
	}
	result, err := k.unwrap(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to get asset pairs: %w", err)
	}

	symbols := make([]string, 0, limit)
	for _, v := range result {
		data, ok := v.(map[string]any)
		if !ok {
			continue
		}
		wsname, _ := data["wsname"].(string)
		base, q, ok := SplitSymbol(wsname)
		if !ok || q != quote {
			continue
		}
		switch base {
		case "XBT":
			base = "BTC"
		case "XDG":
			base = "DOGE"
		}
		symbols = append(symbols, base+"/"+q)
		if len(symbols) == limit {
			break
		}
	}
	return symbols, nil
}

// CalculatePositionSize caps notional exposure at the configured fraction of
// the available quote balance. A negative balance argument looks it up.
func (k *Kraken) CalculatePositionSize(price, balance float64) (float64, error) {
	if balance < 0 {
		var err error
		balance, err = k.GetBalance(k.quoteCurrency)
		if err != nil {
			return 0, err
		}
	}
	return k.positionSize(price, balance)
}

// krakenField extracts element idx of an array-valued ticker field like
// c = [last, lot volume].
func krakenField(data map[string]any, key string, idx int) float64 {
	list, ok := data[key].([]any)
	if !ok || len(list) <= idx {
		return 0
	}
	return toFloat(list[idx])
}

func krakenStatus(status string) string {
	switch status {
	case "pending", "open":
		return StatusOpen
	case "closed":
		return StatusFilled
	case "canceled", "expired":
		return StatusCanceled
	default:
		return status
	}
}

func krakenInterval(timeframe string) int {
	switch timeframe {
	case "1m":
		return 1
	case "5m":
		return 5
	case "15m":
		return 15
	case "30m":
		return 30
	case "1h":
		return 60
	case "4h":
		return 240
	case "1d":
		return 1440
	case "1w":
		return 10080
	default:
		return 60
	}
}
