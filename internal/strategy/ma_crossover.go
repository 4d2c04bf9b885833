package strategy

import (
	"github.com/markcheno/go-talib"

	"crypto-trade-bot-go/internal/exchange"
)

// MovingAverageCrossover signals on the crossing of a fast and a slow moving
// average. maType selects "sma" or "ema".
type MovingAverageCrossover struct {
	fastPeriod int
	slowPeriod int
	maType     string
	risk       RiskParams
}

// NewMovingAverageCrossover creates a crossover strategy. slowPeriod must be
// larger than fastPeriod.
func NewMovingAverageCrossover(fastPeriod, slowPeriod int, maType string, risk RiskParams) *MovingAverageCrossover {
	return &MovingAverageCrossover{
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		maType:     maType,
		risk:       risk,
	}
}

// Name returns the unique name of the strategy.
func (s *MovingAverageCrossover) Name() string { return "ma_crossover" }

func (s *MovingAverageCrossover) average(closes []float64, period int) []float64 {
	if s.maType == "sma" {
		return talib.Sma(closes, period)
	}
	return talib.Ema(closes, period)
}

// GenerateSignals emits buy when the fast average crosses above the slow one
// and sell on the opposite cross. Confidence scales with the gap between the
// averages relative to the close.
func (s *MovingAverageCrossover) GenerateSignals(history []exchange.Candle) (string, float64, Metadata) {
	// One extra bar is needed to observe the cross itself.
	if len(history) < s.slowPeriod+1 {
		return SignalHold, 0, Metadata{"reason": "insufficient history"}
	}

	closes := make([]float64, len(history))
	for i, c := range history {
		closes[i] = c.Close
	}

	fast := s.average(closes, s.fastPeriod)
	slow := s.average(closes, s.slowPeriod)

	last := len(closes) - 1
	prev := last - 1
	close := closes[last]
	if close <= 0 {
		return SignalHold, 0, Metadata{"reason": "invalid close price"}
	}

	gap := (fast[last] - slow[last]) / close
	trendStrength := gap
	if trendStrength < 0 {
		trendStrength = -trendStrength
	}

	meta := Metadata{
		"fast_ma":        fast[last],
		"slow_ma":        slow[last],
		"trend_strength": trendStrength,
		"stop_loss":      s.risk.StopLossPct,
		"take_profit":    s.risk.TakeProfitPct,
	}

	crossedUp := fast[prev] <= slow[prev] && fast[last] > slow[last]
	crossedDown := fast[prev] >= slow[prev] && fast[last] < slow[last]

	switch {
	case crossedUp:
		meta["reason"] = "fast MA crossed above slow MA"
		return SignalBuy, clamp(trendStrength * 10), meta
	case crossedDown:
		meta["reason"] = "fast MA crossed below slow MA"
		return SignalSell, clamp(trendStrength * 10), meta
	default:
		meta["reason"] = "no crossover"
		return SignalHold, clamp(trendStrength * 5), meta
	}
}

func clamp(v float64) float64 {
	if v > 1 {
		return 1
	}
	if v < 0 {
		return 0
	}
	return v
}
