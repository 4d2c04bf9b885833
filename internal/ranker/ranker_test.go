package ranker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"crypto-trade-bot-go/internal/exchange"
	"crypto-trade-bot-go/internal/models"
	"crypto-trade-bot-go/internal/strategy"
)

// MockExchange is a mock implementation of the exchange.Exchange interface.
type MockExchange struct {
	mock.Mock
}

func (m *MockExchange) Name() string       { return "mock" }
func (m *MockExchange) PaperTrading() bool { return true }
func (m *MockExchange) Connect() bool      { return true }

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

func (m *MockExchange) GetTicker(symbol string) (*exchange.Ticker, error) {
	args := m.Called(symbol)
	if ticker, ok := args.Get(0).(*exchange.Ticker); ok {
		return ticker, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) GetHistoricalData(symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	args := m.Called(symbol, timeframe, limit)
	if candles, ok := args.Get(0).([]exchange.Candle); ok {
		return candles, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) CreateOrder(symbol, kind, side string, amount, price float64) (*exchange.Order, error) {
	args := m.Called(symbol, kind, side, amount, price)
	if order, ok := args.Get(0).(*exchange.Order); ok {
		return order, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) CancelOrder(id, symbol string) bool {
	args := m.Called(id, symbol)
	return args.Bool(0)
}

func (m *MockExchange) GetOrder(id, symbol string) (*exchange.Order, error) {
	args := m.Called(id, symbol)
	if order, ok := args.Get(0).(*exchange.Order); ok {
		return order, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockExchange) GetOpenOrders(symbol string) ([]*exchange.Order, error) {
	args := m.Called(symbol)
	if orders, ok := args.Get(0).([]*exchange.Order); ok {
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

// scriptedStrategy maps the last close price to a fixed outcome, letting one
// candle series per symbol drive distinct signals.
type scriptedStrategy struct {
	outcomes map[float64]struct {
		signal     string
		confidence float64
	}
}

func (s scriptedStrategy) Name() string { return "scripted" }
func (s scriptedStrategy) GenerateSignals(history []exchange.Candle) (string, float64, strategy.Metadata) {
	last := history[len(history)-1].Close
	if outcome, found := s.outcomes[last]; found {
		return outcome.signal, outcome.confidence, strategy.Metadata{}
	}
	return strategy.SignalHold, 0, strategy.Metadata{}
}

func candlesClosing(close float64) []exchange.Candle {
	return []exchange.Candle{{Timestamp: time.Unix(1700000000, 0), Close: close, Open: close, High: close, Low: close, Volume: 1}}
}

func setupRankerTest(t *testing.T, strat strategy.Strategy) (*Ranker, *MockExchange) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.Trade{}, &models.SignalLog{}))

	mockVenue := new(MockExchange)
	runner := strategy.NewRunner(mockVenue, strat, db, strategy.RunnerOptions{
		Timeframe:    "1h",
		HistoryLimit: 50,
	}, zap.NewNop())
	return New(mockVenue, runner, zap.NewNop()), mockVenue
}

func TestRanker_NoFreeSlotsSkipsScan(t *testing.T) {
	// Arrange
	rk, mockVenue := setupRankerTest(t, scriptedStrategy{})

	// Act: max positions already filled.
	best := rk.BestOpportunities(2, 2, "USDT", 0.4)

	// Assert: nothing returned and the venue never touched.
	assert.Empty(t, best)
	mockVenue.AssertNotCalled(t, "GetTopSymbols", mock.Anything, mock.Anything)
	mockVenue.AssertNotCalled(t, "GetHistoricalData", mock.Anything, mock.Anything, mock.Anything)
}

func TestRanker_BestOpportunities(t *testing.T) {
	// Arrange: five candidates, one free slot, scripted confidences.
	strat := scriptedStrategy{outcomes: map[float64]struct {
		signal     string
		confidence float64
	}{
		1: {strategy.SignalBuy, 0.9},
		2: {strategy.SignalBuy, 0.7},
		3: {strategy.SignalSell, 0.5},
		4: {strategy.SignalHold, 0.8},
		5: {strategy.SignalBuy, 0.2},
	}}
	rk, mockVenue := setupRankerTest(t, strat)

	symbols := []string{"A/USDT", "B/USDT", "C/USDT", "D/USDT", "E/USDT"}
	mockVenue.On("GetTopSymbols", 3, "USDT").Return(symbols, nil)
	for i, symbol := range symbols {
		mockVenue.On("GetHistoricalData", symbol, "1h", 50).
			Return(candlesClosing(float64(i+1)), nil)
	}

	// Act: 2 max positions, 1 active, so exactly one slot.
	best := rk.BestOpportunities(2, 1, "USDT", 0.4)

	// Assert: the 0.9 buy wins the single slot.
	assert.Len(t, best, 1)
	assert.Equal(t, "A/USDT", best[0].Symbol)
	assert.Equal(t, strategy.SignalBuy, best[0].Signal)
	assert.InDelta(t, 0.9, best[0].Confidence, 1e-9)
}

func TestRanker_MinConfidenceFilter(t *testing.T) {
	// Arrange: everything scores below the cutoff.
	strat := scriptedStrategy{outcomes: map[float64]struct {
		signal     string
		confidence float64
	}{
		1: {strategy.SignalBuy, 0.3},
		2: {strategy.SignalSell, 0.2},
	}}
	rk, mockVenue := setupRankerTest(t, strat)

	symbols := []string{"A/USDT", "B/USDT"}
	mockVenue.On("GetTopSymbols", 6, "USDT").Return(symbols, nil)
	for i, symbol := range symbols {
		mockVenue.On("GetHistoricalData", symbol, "1h", 50).
			Return(candlesClosing(float64(i+1)), nil)
	}

	// Act
	best := rk.BestOpportunities(2, 0, "USDT", 0.4)

	// Assert
	assert.Empty(t, best)
}

func TestRanker_FailingSymbolDegradesToHold(t *testing.T) {
	// Arrange: one symbol errors, the other produces a strong buy.
	strat := scriptedStrategy{outcomes: map[float64]struct {
		signal     string
		confidence float64
	}{
		1: {strategy.SignalBuy, 0.8},
	}}
	rk, mockVenue := setupRankerTest(t, strat)

	mockVenue.On("GetTopSymbols", 3, "USDT").Return([]string{"A/USDT", "B/USDT"}, nil)
	mockVenue.On("GetHistoricalData", "A/USDT", "1h", 50).
		Return(candlesClosing(1), nil)
	mockVenue.On("GetHistoricalData", "B/USDT", "1h", 50).
		Return(nil, &exchange.VenueError{Venue: "mock", StatusCode: 500, Message: "boom"})

	// Act
	best := rk.BestOpportunities(1, 0, "USDT", 0.4)

	// Assert: the failure is absorbed, the healthy symbol still ranks.
	assert.Len(t, best, 1)
	assert.Equal(t, "A/USDT", best[0].Symbol)
}

func TestRanker_StableSortKeepsInputOrderOnTies(t *testing.T) {
	// Arrange: identical confidence for two symbols.
	strat := scriptedStrategy{outcomes: map[float64]struct {
		signal     string
		confidence float64
	}{
		1: {strategy.SignalBuy, 0.7},
		2: {strategy.SignalBuy, 0.7},
	}}
	rk, mockVenue := setupRankerTest(t, strat)

	mockVenue.On("GetHistoricalData", "B/USDT", "1h", 50).Return(candlesClosing(1), nil)
	mockVenue.On("GetHistoricalData", "A/USDT", "1h", 50).Return(candlesClosing(2), nil)

	// Act
	ranked := rk.RankSymbols([]string{"B/USDT", "A/USDT"})

	// Assert
	assert.Len(t, ranked, 2)
	assert.Equal(t, "B/USDT", ranked[0].Symbol)
	assert.Equal(t, "A/USDT", ranked[1].Symbol)
}
