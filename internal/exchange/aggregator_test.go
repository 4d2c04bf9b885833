package exchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

// MockExchange is a mock implementation of the Exchange interface.
type MockExchange struct {
	mock.Mock
	name string
}

func (m *MockExchange) Name() string       { return m.name }
func (m *MockExchange) PaperTrading() bool { return true }

func (m *MockExchange) Connect() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *MockExchange) GetBalance(currency string) (float64, error) {
	args := m.Called(currency)
	return args.Get(0).(float64), args.Error(1)
}

func (m *MockExchange) GetBalances() (map[string]float64, error) {
	args := m.Called()
	if balances, ok := args.Get(0).(map[string]float64); ok {
		return balances, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) GetTicker(symbol string) (*Ticker, error) {
	args := m.Called(symbol)
	if ticker, ok := args.Get(0).(*Ticker); ok {
		return ticker, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) GetHistoricalData(symbol, timeframe string, limit int) ([]Candle, error) {
	args := m.Called(symbol, timeframe, limit)
	if candles, ok := args.Get(0).([]Candle); ok {
		return candles, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) CreateOrder(symbol, kind, side string, amount, price float64) (*Order, error) {
	args := m.Called(symbol, kind, side, amount, price)
	if order, ok := args.Get(0).(*Order); ok {
		return order, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) CancelOrder(id, symbol string) bool {
	args := m.Called(id, symbol)
	return args.Bool(0)
}

func (m *MockExchange) GetOrder(id, symbol string) (*Order, error) {
	args := m.Called(id, symbol)
	if order, ok := args.Get(0).(*Order); ok {
		return order, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) GetOpenOrders(symbol string) ([]*Order, error) {
	args := m.Called(symbol)
	if orders, ok := args.Get(0).([]*Order); ok {
		return orders, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) GetTopSymbols(limit int, quote string) ([]string, error) {
	args := m.Called(limit, quote)
	if symbols, ok := args.Get(0).([]string); ok {
		return symbols, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) CalculatePositionSize(price, balance float64) (float64, error) {
	args := m.Called(price, balance)
	return args.Get(0).(float64), args.Error(1)
}

func tickerAt(symbol string, last float64) *Ticker {
	return &Ticker{Symbol: symbol, Bid: last - 1, Ask: last + 1, Last: last, Timestamp: time.Now()}
}

func newTestAggregator(venues []Exchange, opts AggregatorOptions) *MultiExchange {
	return NewMultiExchange(venues, opts, zap.NewNop())
}

func TestMultiExchange_EqualWeightMean(t *testing.T) {
	// Arrange: three venues quoting 100, 102 and 98.
	a := &MockExchange{name: "a"}
	b := &MockExchange{name: "b"}
	c := &MockExchange{name: "c"}
	a.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 100.0), nil)
	b.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 102.0), nil)
	c.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 98.0), nil)

	agg := newTestAggregator([]Exchange{a, b, c}, AggregatorOptions{})

	// Act
	ticker, err := agg.GetTicker("BTC/USDT")

	// Assert
	assert.NoError(t, err)
	assert.InDelta(t, 100.0, ticker.Last, 1e-9)
	// 102 deviates 2% from the mean: divergence 0.02 * 10 = 0.2.
	assert.InDelta(t, 0.2, agg.Divergence("BTC/USDT"), 1e-9)
}

func TestMultiExchange_WeightedMean(t *testing.T) {
	// Arrange: weight 3 on the venue quoting 100, weight 1 on 104.
	a := &MockExchange{name: "a"}
	b := &MockExchange{name: "b"}
	a.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 100.0), nil)
	b.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 104.0), nil)

	agg := newTestAggregator([]Exchange{a, b}, AggregatorOptions{
		Weights: map[string]float64{"a": 3, "b": 1},
	})

	// Act
	ticker, err := agg.GetTicker("BTC/USDT")

	// Assert: (100*3 + 104*1) / 4 = 101.
	assert.NoError(t, err)
	assert.InDelta(t, 101.0, ticker.Last, 1e-9)
}

func TestMultiExchange_SurvivesSingleVenueFailure(t *testing.T) {
	// Arrange
	a := &MockExchange{name: "a"}
	b := &MockExchange{name: "b"}
	a.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 100.0), nil)
	b.On("GetTicker", "BTC/USDT").Return(nil, &VenueError{Venue: "b", StatusCode: 503, Message: "down"})

	agg := newTestAggregator([]Exchange{a, b}, AggregatorOptions{})

	// Act
	ticker, err := agg.GetTicker("BTC/USDT")

	// Assert: mean of the single survivor.
	assert.NoError(t, err)
	assert.InDelta(t, 100.0, ticker.Last, 1e-9)
}

func TestMultiExchange_TotalFailureServesStaleCache(t *testing.T) {
	// Arrange: first call fills the cache, then the venue dies and the
	// cache expires.
	a := &MockExchange{name: "a"}
	a.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 100.0), nil).Once()
	a.On("GetTicker", "BTC/USDT").Return(nil, &VenueError{Venue: "a", StatusCode: 503, Message: "down"})

	agg := newTestAggregator([]Exchange{a}, AggregatorOptions{CacheTTL: time.Millisecond})

	first, err := agg.GetTicker("BTC/USDT")
	assert.NoError(t, err)
	time.Sleep(5 * time.Millisecond)

	// Act
	stale, err := agg.GetTicker("BTC/USDT")

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, first.Last, stale.Last)
}

func TestMultiExchange_TotalFailureNoCache(t *testing.T) {
	// Arrange
	a := &MockExchange{name: "a"}
	a.On("GetTicker", "BTC/USDT").Return(nil, &VenueError{Venue: "a", StatusCode: 503, Message: "down"})

	agg := newTestAggregator([]Exchange{a}, AggregatorOptions{})

	// Act
	_, err := agg.GetTicker("BTC/USDT")

	// Assert
	assert.ErrorIs(t, err, ErrAggregationUnavailable)
}

func TestMultiExchange_CacheHitSkipsVenues(t *testing.T) {
	// Arrange
	a := &MockExchange{name: "a"}
	a.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 100.0), nil).Once()

	agg := newTestAggregator([]Exchange{a}, AggregatorOptions{CacheTTL: time.Minute})

	// Act: the second call must be served from cache.
	_, err := agg.GetTicker("BTC/USDT")
	assert.NoError(t, err)
	cached, err := agg.GetTicker("BTC/USDT")

	// Assert
	assert.NoError(t, err)
	assert.InDelta(t, 100.0, cached.Last, 1e-9)
	a.AssertNumberOfCalls(t, "GetTicker", 1)
}

func TestMultiExchange_MergeHistoricalData(t *testing.T) {
	// Arrange: two venues with one shared bar.
	ts := time.Unix(1700000000, 0)
	a := &MockExchange{name: "a"}
	b := &MockExchange{name: "b"}
	a.On("GetHistoricalData", "BTC/USDT", "1h", 10).Return([]Candle{
		{Timestamp: ts, Open: 100, High: 110, Low: 95, Close: 105, Volume: 10},
	}, nil)
	b.On("GetHistoricalData", "BTC/USDT", "1h", 10).Return([]Candle{
		{Timestamp: ts, Open: 102, High: 108, Low: 90, Close: 107, Volume: 5},
		{Timestamp: ts.Add(time.Hour), Open: 107, High: 112, Low: 106, Close: 111, Volume: 7},
	}, nil)

	agg := newTestAggregator([]Exchange{a, b}, AggregatorOptions{})

	// Act
	candles, err := agg.GetHistoricalData("BTC/USDT", "1h", 10)

	// Assert: shared bar averaged open/close, max high, min low, summed
	// volume; series sorted ascending.
	assert.NoError(t, err)
	assert.Len(t, candles, 2)
	merged := candles[0]
	assert.InDelta(t, 101.0, merged.Open, 1e-9)
	assert.InDelta(t, 106.0, merged.Close, 1e-9)
	assert.InDelta(t, 110.0, merged.High, 1e-9)
	assert.InDelta(t, 90.0, merged.Low, 1e-9)
	assert.InDelta(t, 15.0, merged.Volume, 1e-9)
	assert.True(t, candles[1].Timestamp.After(candles[0].Timestamp))
}

func TestMultiExchange_MergeIgnoresZeroLow(t *testing.T) {
	// Arrange: one venue reports a bar with no low; the merged bar must
	// keep the real low instead of zero.
	ts := time.Unix(1700000000, 0)
	a := &MockExchange{name: "a"}
	b := &MockExchange{name: "b"}
	a.On("GetHistoricalData", "BTC/USDT", "1h", 10).Return([]Candle{
		{Timestamp: ts, Open: 100, High: 110, Low: 95, Close: 105, Volume: 10},
	}, nil)
	b.On("GetHistoricalData", "BTC/USDT", "1h", 10).Return([]Candle{
		{Timestamp: ts, Open: 102, High: 108, Low: 0, Close: 107, Volume: 5},
	}, nil)

	agg := newTestAggregator([]Exchange{a, b}, AggregatorOptions{})

	// Act
	candles, err := agg.GetHistoricalData("BTC/USDT", "1h", 10)

	// Assert
	assert.NoError(t, err)
	assert.Len(t, candles, 1)
	assert.InDelta(t, 95.0, candles[0].Low, 1e-9)
}

func TestMultiExchange_TopSymbolsUnion(t *testing.T) {
	// Arrange
	a := &MockExchange{name: "a"}
	b := &MockExchange{name: "b"}
	a.On("GetTopSymbols", 3, "USDT").Return([]string{"BTC/USDT", "ETH/USDT", "SOL/USDT"}, nil)
	b.On("GetTopSymbols", 3, "USDT").Return([]string{"ETH/USDT", "BTC/USDT", "DOGE/USDT"}, nil)

	agg := newTestAggregator([]Exchange{a, b}, AggregatorOptions{})

	// Act
	symbols, err := agg.GetTopSymbols(3, "USDT")

	// Assert: symbols ranked highly on both venues come first.
	assert.NoError(t, err)
	assert.Len(t, symbols, 3)
	assert.Equal(t, "BTC/USDT", symbols[0])
	assert.Equal(t, "ETH/USDT", symbols[1])
}

func TestMultiExchange_PaperOrdersUseBlendedPrice(t *testing.T) {
	// Arrange
	a := &MockExchange{name: "a"}
	a.On("GetTicker", "BTC/USDT").Return(tickerAt("BTC/USDT", 45000.0), nil)

	agg := newTestAggregator([]Exchange{a}, AggregatorOptions{
		FeeRate:         0.001,
		InitialBalances: map[string]float64{"USDT": 10000},
	})

	// Act
	order, err := agg.CreateOrder("BTC/USDT", KindMarket, SideBuy, 0.1, 0)

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, StatusFilled, order.Status)
	balance, _ := agg.GetBalance("USDT")
	assert.InDelta(t, 5495.5, balance, 1e-9)
}
