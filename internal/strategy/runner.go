package strategy

import (
	"encoding/json"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto-trade-bot-go/internal/exchange"
	"crypto-trade-bot-go/internal/models"
)

// riskPerTradePct is the fraction of capital put at risk per trade when
// sizing against the stop distance.
const riskPerTradePct = 0.02

// Result is the outcome of one strategy evaluation for one symbol.
type Result struct {
	Symbol     string
	Signal     string
	Confidence float64
	Price      float64
	Executed   bool
	OrderID    string
	Metadata   Metadata
}

// Runner drives one strategy against one venue: fetch history, generate a
// signal, size and place the order, and persist the outcome. A failing cycle
// degrades to a hold signal rather than returning an error, so one bad
// symbol never halts the engine loop.
type Runner struct {
	venue          exchange.Exchange
	strat          Strategy
	db             *gorm.DB
	logger         *zap.Logger
	quoteCurrency  string
	timeframe      string
	historyLimit   int
	confidenceGate float64
	risk           RiskParams
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	QuoteCurrency  string
	Timeframe      string
	HistoryLimit   int
	ConfidenceGate float64
	Risk           RiskParams
}

// NewRunner creates a runner for one venue and strategy.
func NewRunner(venue exchange.Exchange, strat Strategy, db *gorm.DB, opts RunnerOptions, logger *zap.Logger) *Runner {
	if opts.Timeframe == "" {
		opts.Timeframe = "1h"
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.ConfidenceGate <= 0 {
		opts.ConfidenceGate = 0.6
	}
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "USDT"
	}
	return &Runner{
		venue:          venue,
		strat:          strat,
		db:             db,
		logger:         logger,
		quoteCurrency:  opts.QuoteCurrency,
		timeframe:      opts.Timeframe,
		historyLimit:   opts.HistoryLimit,
		confidenceGate: opts.ConfidenceGate,
		risk:           opts.Risk,
	}
}

// Strategy returns the wrapped strategy.
func (r *Runner) Strategy() Strategy { return r.strat }

// Evaluate generates a signal for the symbol without trading. History or
// strategy failures degrade to a hold signal with a reason.
func (r *Runner) Evaluate(symbol string) Result {
	history, err := r.venue.GetHistoricalData(symbol, r.timeframe, r.historyLimit)
	if err != nil {
		r.logger.Warn("History fetch failed, holding",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		return Result{Symbol: symbol, Signal: SignalHold, Metadata: Metadata{"reason": "history unavailable: " + err.Error()}}
	}
	if len(history) == 0 {
		return Result{Symbol: symbol, Signal: SignalHold, Metadata: Metadata{"reason": "empty history"}}
	}

	signal, confidence, meta := r.strat.GenerateSignals(history)
	if meta == nil {
		meta = Metadata{}
	}
	return Result{
		Symbol:     symbol,
		Signal:     signal,
		Confidence: confidence,
		Price:      history[len(history)-1].Close,
		Metadata:   meta,
	}
}

// Run evaluates a symbol and executes the resulting signal. Every signal is
// persisted; a trade row is only written for a filled order.
func (r *Runner) Run(symbol string) Result {
	result := r.Evaluate(symbol)

	if result.Signal == SignalHold {
		r.logSignal(&result, nil)
		return result
	}

	if result.Confidence < r.confidenceGate {
		r.logger.Info("Signal below confidence gate, not trading",
			zap.String("symbol", symbol),
			zap.String("signal", result.Signal),
			zap.Float64("confidence", result.Confidence),
			zap.Float64("gate", r.confidenceGate),
		)
		result.Metadata["gated"] = true
		r.logSignal(&result, nil)
		return result
	}

	ticker, err := r.venue.GetTicker(symbol)
	if err != nil {
		r.logger.Warn("Ticker fetch failed, not trading",
			zap.String("symbol", symbol),
			zap.Error(err),
		)
		result.Metadata["reason"] = "ticker unavailable: " + err.Error()
		r.logSignal(&result, nil)
		return result
	}
	result.Price = ticker.Last

	amount := r.positionSize(symbol, result, ticker.Last)
	if amount <= 0 {
		r.logger.Warn("Zero position size, not trading", zap.String("symbol", symbol))
		r.logSignal(&result, nil)
		return result
	}

	order, err := r.venue.CreateOrder(symbol, exchange.KindMarket, result.Signal, amount, 0)
	if err != nil {
		r.logger.Error("Order failed",
			zap.String("symbol", symbol),
			zap.String("side", result.Signal),
			zap.Error(err),
		)
		result.Metadata["order_error"] = err.Error()
		r.logSignal(&result, nil)
		return result
	}

	if order.Status != exchange.StatusFilled {
		r.logger.Warn("Order not filled",
			zap.String("symbol", symbol),
			zap.String("status", order.Status),
		)
		result.Metadata["order_status"] = order.Status
		r.logSignal(&result, nil)
		return result
	}

	result.Executed = true
	result.OrderID = order.ID
	trade := &models.Trade{
		Exchange: r.venue.Name(),
		Symbol:   symbol,
		OrderID:  order.ID,
		Side:     order.Side,
		Kind:     order.Kind,
		Amount:   order.Filled,
		Price:    ticker.Last,
		Cost:     order.Filled * ticker.Last,
		Fee:      order.Fee,
		Strategy: r.strat.Name(),
		IsPaper:  r.venue.PaperTrading(),
	}
	if err := r.db.Create(trade).Error; err != nil {
		r.logger.Error("Failed to persist trade", zap.Error(err))
	}
	r.logSignal(&result, &trade.ID)

	r.logger.Info("Executed signal",
		zap.String("symbol", symbol),
		zap.String("side", result.Signal),
		zap.Float64("amount", order.Filled),
		zap.Float64("price", ticker.Last),
		zap.Float64("confidence", result.Confidence),
	)
	return result
}

// positionSize returns the base amount for an order: the smaller of the
// confidence-scaled position cap and the amount that puts riskPerTradePct of
// capital at risk over the stop distance.
func (r *Runner) positionSize(symbol string, result Result, price float64) float64 {
	if result.Signal == SignalSell {
		base, _, ok := exchange.SplitSymbol(symbol)
		if !ok {
			return 0
		}
		held, err := r.venue.GetBalance(base)
		if err != nil {
			r.logger.Warn("Balance lookup failed", zap.String("currency", base), zap.Error(err))
			return 0
		}
		return held
	}

	capital, err := r.venue.GetBalance(r.quoteCurrency)
	if err != nil || capital <= 0 || price <= 0 {
		fallback, ferr := r.venue.CalculatePositionSize(price, -1)
		if ferr != nil {
			return 0
		}
		return fallback
	}

	capped := capital * r.risk.MaxPositionSize * result.Confidence / price
	riskLimited := capped
	if r.risk.StopLossPct > 0 {
		riskLimited = capital * riskPerTradePct / (r.risk.StopLossPct * price)
	}
	amount := capped
	if riskLimited < amount {
		amount = riskLimited
	}
	if amount <= 0 {
		fallback, ferr := r.venue.CalculatePositionSize(price, capital)
		if ferr != nil {
			return 0
		}
		return fallback
	}
	return amount
}

// logSignal persists the signal outcome. tradeID is only set for a filled
// order.
func (r *Runner) logSignal(result *Result, tradeID *uint) {
	encoded, err := json.Marshal(result.Metadata)
	if err != nil {
		encoded = []byte("{}")
	}
	row := &models.SignalLog{
		Symbol:     result.Symbol,
		Strategy:   r.strat.Name(),
		SignalType: result.Signal,
		Confidence: result.Confidence,
		Price:      result.Price,
		Executed:   result.Executed,
		TradeID:    tradeID,
		Metadata:   string(encoded),
	}
	if err := r.db.Create(row).Error; err != nil {
		r.logger.Error("Failed to persist signal", zap.Error(err))
	}
}
