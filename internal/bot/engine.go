package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"crypto-trade-bot-go/internal/config"
	"crypto-trade-bot-go/internal/exchange"
	"crypto-trade-bot-go/internal/models"
	"crypto-trade-bot-go/internal/portfolio"
	"crypto-trade-bot-go/internal/ranker"
	"crypto-trade-bot-go/internal/strategy"
)

// Engine is the single repeating control loop: refresh the portfolio
// snapshot, evaluate and execute strategies, publish the cycle outcome to
// the shared state. It is the sole writer of paper balances and positions.
type Engine struct {
	venue    exchange.Exchange
	runner   *strategy.Runner
	ranker   *ranker.Ranker
	valuator *portfolio.Valuator
	state    *State
	cfg      config.Trading
	logger   *zap.Logger

	// cycleMu serializes cycles: the loop, the cron schedule and the manual
	// HTTP trigger all funnel through Cycle, and paper state must only ever
	// have one writer.
	cycleMu sync.Mutex

	StartTime time.Time
}

// NewEngine wires the engine from its components.
func NewEngine(venue exchange.Exchange, runner *strategy.Runner, rk *ranker.Ranker, valuator *portfolio.Valuator, cfg config.Trading, logger *zap.Logger) *Engine {
	return &Engine{
		venue:     venue,
		runner:    runner,
		ranker:    rk,
		valuator:  valuator,
		state:     NewState(),
		cfg:       cfg,
		logger:    logger,
		StartTime: time.Now(),
	}
}

// State returns the shared read view for the API server.
func (e *Engine) State() *State { return e.state }

// Run starts the trading loop and blocks until the context is cancelled.
// Paper mode ticks on a short interval; live mode runs on a cron cadence in
// minutes since real venues need far less polling.
func (e *Engine) Run(ctx context.Context) {
	if !e.venue.Connect() {
		e.logger.Fatal("Could not connect to execution venue", zap.String("venue", e.venue.Name()))
	}

	if e.venue.PaperTrading() {
		e.runTickerLoop(ctx)
		return
	}
	e.runCronLoop(ctx)
}

func (e *Engine) runTickerLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.TickInterval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("Starting trading loop", zap.Duration("interval", interval), zap.Bool("paper", true))
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping trading engine...")
			return
		case <-ticker.C:
			e.Cycle()
		}
	}
}

func (e *Engine) runCronLoop(ctx context.Context) {
	minutes := e.cfg.LiveInterval
	if minutes <= 0 {
		minutes = 60
	}
	schedule := fmt.Sprintf("@every %dm", minutes)

	// A cycle outlasting the schedule interval must not overlap the next run.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(schedule, e.Cycle); err != nil {
		e.logger.Fatal("Invalid trading schedule", zap.String("schedule", schedule), zap.Error(err))
	}
	c.Start()
	e.logger.Info("Starting trading loop", zap.String("schedule", schedule), zap.Bool("paper", false))

	<-ctx.Done()
	e.logger.Info("Stopping trading engine...")
	stopCtx := c.Stop()
	<-stopCtx.Done()
}

// Cycle executes one full pass. Individual symbol failures are absorbed by
// the runner so the cycle always completes. Concurrent callers (the loop
// and the manual trigger) are serialized, never interleaved.
func (e *Engine) Cycle() {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	started := time.Now()

	snapshot, err := e.valuator.Snapshot()
	if err != nil {
		e.logger.Error("Portfolio snapshot failed", zap.Error(err))
	}

	var results []strategy.Result
	if e.cfg.MultiSymbol {
		results = e.multiSymbolPass()
	} else {
		for _, symbol := range e.cfg.Symbols {
			results = append(results, e.runner.Run(symbol))
		}
	}

	e.publish(results, snapshot)
	e.logger.Info("Cycle complete",
		zap.Int("symbols", len(results)),
		zap.Duration("took", time.Since(started)),
	)
}

// multiSymbolPass lets the ranker pick the best candidates for the free
// position slots and executes them.
func (e *Engine) multiSymbolPass() []strategy.Result {
	active := e.activePositions()
	opportunities := e.ranker.BestOpportunities(e.cfg.MaxPositions, len(active), e.cfg.QuoteCurrency, e.cfg.MinConfidence)

	var results []strategy.Result
	// Held positions are always re-evaluated so sell signals can close them.
	for symbol := range active {
		results = append(results, e.runner.Run(symbol))
	}
	for _, opp := range opportunities {
		if _, held := active[opp.Symbol]; held {
			continue
		}
		results = append(results, e.runner.Run(opp.Symbol))
	}
	return results
}

// activePositions maps held non-quote currencies to their symbol.
func (e *Engine) activePositions() map[string]float64 {
	balances, err := e.venue.GetBalances()
	if err != nil {
		e.logger.Warn("Balance enumeration failed", zap.Error(err))
		return nil
	}
	positions := make(map[string]float64)
	for currency, amount := range balances {
		if amount <= 0 || currency == e.cfg.QuoteCurrency || portfolio.IsStablecoin(currency) {
			continue
		}
		positions[currency+"/"+e.cfg.QuoteCurrency] = amount
	}
	return positions
}

// publish writes the cycle outcome to the shared state in one step.
func (e *Engine) publish(results []strategy.Result, snapshot *models.PortfolioSnapshot) {
	balances, err := e.venue.GetBalances()
	if err != nil {
		e.logger.Warn("Balance enumeration failed", zap.Error(err))
		balances = nil
	}
	positions := e.activePositions()
	now := time.Now()

	e.state.Update(func(s *Snapshot) {
		s.Balances = make(map[string]float64, len(balances))
		for currency, amount := range balances {
			s.Balances[currency] = amount
		}
		s.Positions = make(map[string]float64, len(positions))
		for symbol, amount := range positions {
			s.Positions[symbol] = amount
		}
		for _, r := range results {
			if r.Price > 0 {
				s.Prices[r.Symbol] = r.Price
			}
			s.LastSignals[r.Symbol] = SignalInfo{
				Signal:     r.Signal,
				Confidence: r.Confidence,
				Price:      r.Price,
				Executed:   r.Executed,
				ObservedAt: now,
			}
		}
		if snapshot != nil {
			s.Portfolio = snapshot
		}
		s.LastCycleAt = now
		s.CycleCount++
	})
}
