package bot

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"crypto-trade-bot-go/internal/config"
	"crypto-trade-bot-go/internal/exchange"
	"crypto-trade-bot-go/internal/models"
	"crypto-trade-bot-go/internal/portfolio"
	"crypto-trade-bot-go/internal/ranker"
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

// holdStrategy never trades.
type holdStrategy struct{}

func (holdStrategy) Name() string { return "hold" }
func (holdStrategy) GenerateSignals(history []exchange.Candle) (string, float64, strategy.Metadata) {
	return strategy.SignalHold, 0, strategy.Metadata{"reason": "test"}
}

func setupEngineTest(t *testing.T, trading config.Trading) (*Engine, *MockExchange) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.Trade{}, &models.SignalLog{}, &models.Balance{}, &models.PortfolioSnapshot{}))

	mockVenue := new(MockExchange)
	runner := strategy.NewRunner(mockVenue, holdStrategy{}, db, strategy.RunnerOptions{
		QuoteCurrency: trading.QuoteCurrency,
		Timeframe:     trading.Timeframe,
		HistoryLimit:  trading.HistoryLimit,
	}, zap.NewNop())
	rk := ranker.New(mockVenue, runner, zap.NewNop())
	valuator := portfolio.NewValuator(mockVenue, db, trading.QuoteCurrency, zap.NewNop())

	return NewEngine(mockVenue, runner, rk, valuator, trading, zap.NewNop()), mockVenue
}

// ledgerVenue settles against a real paper ledger at a fixed price, with a
// short delay before settlement to model venue latency.
type ledgerVenue struct {
	paper *exchange.PaperEngine
	price float64
}

func (v *ledgerVenue) Name() string       { return "ledger" }
func (v *ledgerVenue) PaperTrading() bool { return true }
func (v *ledgerVenue) Connect() bool      { return true }

func (v *ledgerVenue) GetBalance(currency string) (float64, error) {
	return v.paper.Balance(currency), nil
}

func (v *ledgerVenue) GetBalances() (map[string]float64, error) {
	return v.paper.Balances(), nil
}

func (v *ledgerVenue) GetTicker(symbol string) (*exchange.Ticker, error) {
	return &exchange.Ticker{Symbol: symbol, Last: v.price}, nil
}

func (v *ledgerVenue) GetHistoricalData(symbol, timeframe string, limit int) ([]exchange.Candle, error) {
	return []exchange.Candle{{Open: v.price, High: v.price, Low: v.price, Close: v.price, Volume: 1}}, nil
}

func (v *ledgerVenue) CreateOrder(symbol, kind, side string, amount, price float64) (*exchange.Order, error) {
	time.Sleep(10 * time.Millisecond)
	return v.paper.CreateOrder(symbol, kind, side, amount, v.price)
}

func (v *ledgerVenue) CancelOrder(id, symbol string) bool { return v.paper.CancelOrder(id) }

func (v *ledgerVenue) GetOrder(id, symbol string) (*exchange.Order, error) {
	return v.paper.GetOrder(id)
}

func (v *ledgerVenue) GetOpenOrders(symbol string) ([]*exchange.Order, error) {
	return v.paper.OpenOrders(symbol), nil
}

func (v *ledgerVenue) GetTopSymbols(limit int, quote string) ([]string, error) { return nil, nil }

func (v *ledgerVenue) CalculatePositionSize(price, balance float64) (float64, error) {
	return 0, nil
}

// buyStrategy always signals a full-confidence buy.
type buyStrategy struct{}

func (buyStrategy) Name() string { return "always-buy" }
func (buyStrategy) GenerateSignals(history []exchange.Candle) (string, float64, strategy.Metadata) {
	return strategy.SignalBuy, 1.0, strategy.Metadata{}
}

func TestEngine_ConcurrentCyclesAreSerialized(t *testing.T) {
	// Arrange: a real paper ledger behind the venue, so position sizing
	// reads the balance the previous cycle left behind. The loop and the
	// manual HTTP trigger can both call Cycle at the same time.
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(&models.Trade{}, &models.SignalLog{}, &models.Balance{}, &models.PortfolioSnapshot{}))

	venue := &ledgerVenue{
		paper: exchange.NewPaperEngine("ledger", 0.001, map[string]float64{"USDT": 10000}, zap.NewNop()),
		price: 100,
	}
	trading := config.Trading{
		QuoteCurrency: "USDT",
		Symbols:       []string{"BTC/USDT"},
		Timeframe:     "1h",
		HistoryLimit:  50,
	}
	runner := strategy.NewRunner(venue, buyStrategy{}, db, strategy.RunnerOptions{
		QuoteCurrency:  "USDT",
		Timeframe:      "1h",
		HistoryLimit:   50,
		ConfidenceGate: 0.6,
		Risk:           strategy.ResolveRisk("medium"),
	}, zap.NewNop())
	rk := ranker.New(venue, runner, zap.NewNop())
	valuator := portfolio.NewValuator(venue, db, "USDT", zap.NewNop())
	engine := NewEngine(venue, runner, rk, valuator, trading, zap.NewNop())

	// Act: two cycles fired concurrently.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine.Cycle()
		}()
	}
	wg.Wait()

	// Assert: the second cycle must size against the balance the first one
	// left. 10000 USDT at the 25% cap buys 25 units; the remaining 7497.5
	// then buys 18.74375 more. Unserialized cycles would both read 10000
	// and hold 50.
	assert.InDelta(t, 43.74375, venue.paper.Balance("BTC"), 1e-9)
	assert.Equal(t, uint64(2), engine.State().Snapshot().CycleCount)
}

func TestEngine_StartTimeSetAtConstruction(t *testing.T) {
	// The API server reads StartTime as soon as it starts, before Run.
	engine, _ := setupEngineTest(t, config.Trading{QuoteCurrency: "USDT"})
	assert.False(t, engine.StartTime.IsZero())
}

func TestEngine_CycleSurvivesVenueFailures(t *testing.T) {
	// Arrange: every venue call fails, the cycle still completes and
	// publishes its state.
	engine, mockVenue := setupEngineTest(t, config.Trading{
		QuoteCurrency: "USDT",
		Symbols:       []string{"BTC/USDT"},
		Timeframe:     "1h",
		HistoryLimit:  50,
	})
	venueDown := &exchange.VenueError{Venue: "mock", StatusCode: 503, Message: "down"}
	mockVenue.On("GetBalances").Return(nil, venueDown)
	mockVenue.On("GetHistoricalData", "BTC/USDT", "1h", 50).Return(nil, venueDown)

	// Act
	engine.Cycle()

	// Assert
	snapshot := engine.State().Snapshot()
	assert.Equal(t, uint64(1), snapshot.CycleCount)
	assert.Equal(t, strategy.SignalHold, snapshot.LastSignals["BTC/USDT"].Signal)
}

func TestEngine_CyclePublishesState(t *testing.T) {
	// Arrange
	engine, mockVenue := setupEngineTest(t, config.Trading{
		QuoteCurrency: "USDT",
		Symbols:       []string{"BTC/USDT"},
		Timeframe:     "1h",
		HistoryLimit:  50,
	})
	mockVenue.On("GetBalances").Return(map[string]float64{"USDT": 1000, "BTC": 0.1}, nil)
	mockVenue.On("GetTicker", "BTC/USDT").
		Return(&exchange.Ticker{Symbol: "BTC/USDT", Last: 45000}, nil)
	mockVenue.On("GetHistoricalData", "BTC/USDT", "1h", 50).
		Return([]exchange.Candle{{Close: 45000, Open: 45000, High: 45000, Low: 45000, Volume: 1}}, nil)

	// Act
	engine.Cycle()

	// Assert: balances, the held position and the portfolio snapshot all
	// reach the shared state.
	snapshot := engine.State().Snapshot()
	assert.Equal(t, 1000.0, snapshot.Balances["USDT"])
	assert.Equal(t, 0.1, snapshot.Positions["BTC/USDT"])
	assert.NotNil(t, snapshot.Portfolio)
	assert.InDelta(t, 5500.0, snapshot.Portfolio.TotalValue, 1e-9)
	assert.Equal(t, uint64(1), snapshot.CycleCount)
}

func TestEngine_MultiSymbolReevaluatesHeldPositions(t *testing.T) {
	// Arrange: one held position and no free slots, so the scan is skipped
	// but the position is still re-evaluated.
	engine, mockVenue := setupEngineTest(t, config.Trading{
		QuoteCurrency: "USDT",
		Timeframe:     "1h",
		HistoryLimit:  50,
		MultiSymbol:   true,
		MaxPositions:  1,
		MinConfidence: 0.4,
	})
	mockVenue.On("GetBalances").Return(map[string]float64{"USDT": 1000, "ETH": 2.0}, nil)
	mockVenue.On("GetTicker", "ETH/USDT").
		Return(&exchange.Ticker{Symbol: "ETH/USDT", Last: 3000}, nil)
	mockVenue.On("GetHistoricalData", "ETH/USDT", "1h", 50).
		Return([]exchange.Candle{{Close: 3000, Open: 3000, High: 3000, Low: 3000, Volume: 1}}, nil)

	// Act
	engine.Cycle()

	// Assert
	mockVenue.AssertNotCalled(t, "GetTopSymbols", mock.Anything, mock.Anything)
	snapshot := engine.State().Snapshot()
	assert.Contains(t, snapshot.LastSignals, "ETH/USDT")
}
