package exchange

import "time"

// Order sides, kinds and lifecycle states. An order leaves "open" exactly
// once and never transitions out of a terminal state.
const (
	SideBuy  = "buy"
	SideSell = "sell"

	KindMarket = "market"
	KindLimit  = "limit"

	StatusOpen     = "open"
	StatusFilled   = "filled"
	StatusRejected = "rejected"
	StatusCanceled = "canceled"
)

// Ticker is a transient market quote for a symbol. It is cached briefly but
// never persisted.
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Volume    float64   `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// Candle is one OHLCV bar. Historical data is ordered oldest first, newest last.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Order is one order as known to a venue. Price is only meaningful for
// limit orders; Filled and Fee are populated once the order settles.
type Order struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Kind      string    `json:"kind"`
	Side      string    `json:"side"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Status    string    `json:"status"`
	Filled    float64   `json:"filled"`
	Fee       float64   `json:"fee"`
	CreatedAt time.Time `json:"created_at"`
}

// Fill is the executed outcome of a filled order.
type Fill struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Cost      float64   `json:"cost"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Exchange is the uniform capability set over one trading venue. Connectors
// implement it once per venue; MultiExchange implements it over N venues.
type Exchange interface {
	// Name returns the venue identifier (e.g. "binance").
	Name() string

	// PaperTrading reports whether orders settle against the in-memory ledger.
	PaperTrading() bool

	// Connect verifies the venue is reachable. Always succeeds in paper mode.
	Connect() bool

	// GetBalance returns the free balance of a single currency.
	GetBalance(currency string) (float64, error)

	// GetBalances returns all non-zero free balances.
	GetBalances() (map[string]float64, error)

	// GetTicker returns the current quote for a symbol in BASE/QUOTE notation.
	GetTicker(symbol string) (*Ticker, error)

	// GetHistoricalData returns up to limit OHLCV bars, newest last.
	GetHistoricalData(symbol, timeframe string, limit int) ([]Candle, error)

	// CreateOrder submits an order. Paper mode settles immediately; live mode
	// returns the venue acknowledgement without waiting for a fill. Price is
	// ignored for market orders.
	CreateOrder(symbol, kind, side string, amount, price float64) (*Order, error)

	// CancelOrder cancels an open order.
	CancelOrder(id, symbol string) bool

	// GetOrder returns an order by id.
	GetOrder(id, symbol string) (*Order, error)

	// GetOpenOrders returns open orders, optionally filtered by symbol
	// (empty string means all symbols).
	GetOpenOrders(symbol string) ([]*Order, error)

	// GetTopSymbols returns up to limit symbols quoted in the given currency,
	// ranked by recent traded volume.
	GetTopSymbols(limit int, quote string) ([]string, error)

	// CalculatePositionSize converts available quote balance into a base
	// amount, capped at the venue's configured notional fraction. A negative
	// balance argument means "look it up".
	CalculatePositionSize(price, balance float64) (float64, error)
}
