package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Exchanges  []Exchange `mapstructure:"exchanges"`
	Aggregator Aggregator `mapstructure:"aggregator"`
	Trading    Trading    `mapstructure:"trading"`
	Retry      Retry      `mapstructure:"retry"`
	Logger     Logger     `mapstructure:"logger"`
	Server     Server     `mapstructure:"server"`
	Database   Database   `mapstructure:"database"`
}

// Exchange holds the configuration for a single trading venue.
type Exchange struct {
	Name           string  `mapstructure:"name"`
	ApiKey         string  `mapstructure:"apiKey"`
	SecretKey      string  `mapstructure:"secretKey"`
	PaperTrading   bool    `mapstructure:"paper_trading"`
	FeeRate        float64 `mapstructure:"fee_rate"`
	Weight         float64 `mapstructure:"weight"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
}

// Aggregator holds the configuration for the multi-venue price aggregator.
type Aggregator struct {
	Enabled       bool `mapstructure:"enabled"`
	CacheTTL      int  `mapstructure:"cache_ttl"`      // seconds
	MaxConcurrent int  `mapstructure:"max_concurrent"` // fan-out bound
}

// Retry holds the configuration for the resilient call wrapper.
type Retry struct {
	MaxRetries int     `mapstructure:"max_retries"`
	Delay      float64 `mapstructure:"delay"` // base backoff in seconds
}

// Trading holds the configuration for the trading logic.
type Trading struct {
	QuoteCurrency      string             `mapstructure:"quote_currency"`
	Symbols            []string           `mapstructure:"symbols"`
	Timeframe          string             `mapstructure:"timeframe"`
	HistoryLimit       int                `mapstructure:"history_limit"`
	Strategy           string             `mapstructure:"strategy"`
	RiskLevel          string             `mapstructure:"risk_level"`
	MultiSymbol        bool               `mapstructure:"multi_symbol"`
	MaxPositions       int                `mapstructure:"max_positions"`
	MinConfidence      float64            `mapstructure:"min_confidence"`
	ConfidenceGate     float64            `mapstructure:"confidence_gate"`
	MaxPositionSizePct float64            `mapstructure:"max_position_size_pct"`
	TickInterval       int                `mapstructure:"tick_interval"` // seconds, paper mode
	LiveInterval       int                `mapstructure:"live_interval"` // minutes, live mode
	ExecutionVenue     string             `mapstructure:"execution_venue"`
	InitialBalances    map[string]float64 `mapstructure:"initial_balances"`
}

// Server holds the configuration for the status API server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.delay", 1.0)
	viper.SetDefault("aggregator.enabled", true)
	viper.SetDefault("aggregator.cache_ttl", 60)
	viper.SetDefault("aggregator.max_concurrent", 4)
	viper.SetDefault("trading.quote_currency", "USDT")
	viper.SetDefault("trading.timeframe", "1h")
	viper.SetDefault("trading.history_limit", 100)
	viper.SetDefault("trading.strategy", "ma_crossover")
	viper.SetDefault("trading.risk_level", "medium")
	viper.SetDefault("trading.max_positions", 3)
	viper.SetDefault("trading.min_confidence", 0.4)
	viper.SetDefault("trading.confidence_gate", 0.6)
	viper.SetDefault("trading.max_position_size_pct", 0.2)
	viper.SetDefault("trading.tick_interval", 5)
	viper.SetDefault("trading.live_interval", 60)
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("database.dsn", "data/trader.db")

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
