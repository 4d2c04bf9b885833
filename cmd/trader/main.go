package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"crypto-trade-bot-go/internal/bot"
	"crypto-trade-bot-go/internal/config"
	"crypto-trade-bot-go/internal/database"
	"crypto-trade-bot-go/internal/exchange"
	"crypto-trade-bot-go/internal/logger"
	"crypto-trade-bot-go/internal/portfolio"
	"crypto-trade-bot-go/internal/ranker"
	"crypto-trade-bot-go/internal/strategy"
)

func main() {
	// Load application configuration
	cfg, err := config.LoadConfig("./configs")
	if err != nil {
		// We can't use the logger here because it's not initialized yet.
		panic(fmt.Sprintf("could not load config: %v", err))
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Logger.Level, cfg.Logger.Format)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("Configuration loaded")

	// Initialize database
	db, err := database.NewDatabase(cfg.Database.DSN)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	log.Info("Database connection successful and schema migrated.")

	exchangeLog := log.Named("exchange")
	retrier := exchange.NewRetrier(cfg.Retry.MaxRetries, time.Duration(cfg.Retry.Delay*float64(time.Second)), exchangeLog)

	// Build one connector per configured venue.
	venues := make([]exchange.Exchange, 0, len(cfg.Exchanges))
	weights := make(map[string]float64, len(cfg.Exchanges))
	for _, ex := range cfg.Exchanges {
		venue, err := newVenue(ex, cfg.Trading, retrier, exchangeLog)
		if err != nil {
			log.Fatal("Failed to build venue", zap.String("venue", ex.Name), zap.Error(err))
		}
		venues = append(venues, venue)
		weights[ex.Name] = ex.Weight
	}
	if len(venues) == 0 {
		log.Fatal("No exchanges configured")
	}

	// Pick the execution venue: the aggregator when enabled, otherwise the
	// configured (or first) single venue.
	var execVenue exchange.Exchange
	if cfg.Aggregator.Enabled && len(venues) > 1 {
		execVenue = exchange.NewMultiExchange(venues, exchange.AggregatorOptions{
			CacheTTL:        time.Duration(cfg.Aggregator.CacheTTL) * time.Second,
			MaxConcurrent:   cfg.Aggregator.MaxConcurrent,
			Weights:         weights,
			MaxPositionPct:  cfg.Trading.MaxPositionSizePct,
			QuoteCurrency:   cfg.Trading.QuoteCurrency,
			InitialBalances: cfg.Trading.InitialBalances,
		}, exchangeLog)
	} else {
		execVenue = venues[0]
		for _, v := range venues {
			if v.Name() == cfg.Trading.ExecutionVenue {
				execVenue = v
			}
		}
	}
	log.Info("Execution venue selected",
		zap.String("venue", execVenue.Name()),
		zap.Bool("paper", execVenue.PaperTrading()),
	)

	// Wire the strategy pipeline.
	strat, err := strategy.New(cfg.Trading.Strategy, cfg.Trading.RiskLevel)
	if err != nil {
		log.Fatal("Failed to build strategy", zap.Error(err))
	}
	runner := strategy.NewRunner(execVenue, strat, db, strategy.RunnerOptions{
		QuoteCurrency:  cfg.Trading.QuoteCurrency,
		Timeframe:      cfg.Trading.Timeframe,
		HistoryLimit:   cfg.Trading.HistoryLimit,
		ConfidenceGate: cfg.Trading.ConfidenceGate,
		Risk:           strategy.ResolveRisk(cfg.Trading.RiskLevel),
	}, log.Named("strategy"))
	rk := ranker.New(execVenue, runner, log.Named("ranker"))
	valuator := portfolio.NewValuator(execVenue, db, cfg.Trading.QuoteCurrency, log.Named("portfolio"))

	engine := bot.NewEngine(execVenue, runner, rk, valuator, cfg.Trading, log.Named("engine"))
	apiServer := bot.NewAPIServer(engine, cfg.Server.Port, log)
	apiServer.Start()

	// Setup context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigchan := make(chan os.Signal, 1)
		signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)
		<-sigchan
		log.Info("Shutdown signal received, gracefully shutting down...")
		cancel()
	}()

	engine.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("API server shutdown failed", zap.Error(err))
	}
	log.Info("Bot has been shut down.")
}

// newVenue builds one connector from its config entry.
func newVenue(ex config.Exchange, trading config.Trading, retrier *exchange.Retrier, log *zap.Logger) (exchange.Exchange, error) {
	opts := exchange.Options{
		ApiKey:          ex.ApiKey,
		SecretKey:       ex.SecretKey,
		PaperTrading:    ex.PaperTrading,
		FeeRate:         ex.FeeRate,
		MaxPositionPct:  trading.MaxPositionSizePct,
		QuoteCurrency:   trading.QuoteCurrency,
		InitialBalances: trading.InitialBalances,
		RateLimit:       ex.RateLimit,
		RateLimitBurst:  ex.RateLimitBurst,
		Timeout:         time.Duration(ex.TimeoutSeconds) * time.Second,
		Retrier:         retrier,
	}
	switch ex.Name {
	case "binance":
		return exchange.NewBinance(opts, log), nil
	case "coinbase":
		return exchange.NewCoinbase(opts, log), nil
	case "kraken":
		return exchange.NewKraken(opts, log), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q", ex.Name)
	}
}
