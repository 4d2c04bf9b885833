package strategy

import (
	"fmt"

	"crypto-trade-bot-go/internal/exchange"
)

// Signal types emitted by a strategy.
const (
	SignalBuy  = "buy"
	SignalSell = "sell"
	SignalHold = "hold"
)

// Metadata carries strategy-specific context alongside a signal, such as the
// indicator values that produced it and the suggested stop levels. It is
// JSON-encoded when logged to the database.
type Metadata map[string]any

// Strategy turns a candle history into a trading signal with a confidence
// score in [0, 1].
type Strategy interface {
	// Name returns the unique name of the strategy.
	Name() string

	// GenerateSignals evaluates the history (oldest first) and returns the
	// signal, its confidence and supporting metadata.
	GenerateSignals(history []exchange.Candle) (string, float64, Metadata)
}

// RiskParams holds the risk limits resolved from a named risk level.
type RiskParams struct {
	StopLossPct     float64 // fractional distance to the stop
	TakeProfitPct   float64 // always twice the stop distance
	MaxPositionSize float64 // max fraction of capital per position
}

// ResolveRisk maps a risk level name to its parameters. Unknown levels fall
// back to medium.
func ResolveRisk(level string) RiskParams {
	switch level {
	case "low":
		return RiskParams{StopLossPct: 0.02, TakeProfitPct: 0.04, MaxPositionSize: 0.1}
	case "high":
		return RiskParams{StopLossPct: 0.05, TakeProfitPct: 0.10, MaxPositionSize: 0.5}
	default:
		return RiskParams{StopLossPct: 0.03, TakeProfitPct: 0.06, MaxPositionSize: 0.25}
	}
}

// New constructs a strategy by name.
func New(name, riskLevel string) (Strategy, error) {
	risk := ResolveRisk(riskLevel)
	switch name {
	case "ma_crossover":
		return NewMovingAverageCrossover(10, 30, "ema", risk), nil
	case "rsi":
		return NewRSI(14, 30, 70, risk), nil
	default:
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
}
