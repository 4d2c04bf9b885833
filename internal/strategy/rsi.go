package strategy

import (
	"github.com/markcheno/go-talib"

	"crypto-trade-bot-go/internal/exchange"
)

// RSI signals on the relative strength index leaving its neutral band:
// oversold produces a buy, overbought a sell.
type RSI struct {
	period     int
	oversold   float64
	overbought float64
	risk       RiskParams
}

// NewRSI creates an RSI strategy with the given thresholds (typically 30/70).
func NewRSI(period int, oversold, overbought float64, risk RiskParams) *RSI {
	return &RSI{
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		risk:       risk,
	}
}

// Name returns the unique name of the strategy.
func (s *RSI) Name() string { return "rsi" }

// GenerateSignals emits buy below the oversold threshold and sell above the
// overbought one. Confidence grows with the distance past the threshold.
func (s *RSI) GenerateSignals(history []exchange.Candle) (string, float64, Metadata) {
	if len(history) < s.period+1 {
		return SignalHold, 0, Metadata{"reason": "insufficient history"}
	}

	closes := make([]float64, len(history))
	for i, c := range history {
		closes[i] = c.Close
	}

	values := talib.Rsi(closes, s.period)
	current := values[len(values)-1]

	meta := Metadata{
		"rsi":         current,
		"stop_loss":   s.risk.StopLossPct,
		"take_profit": s.risk.TakeProfitPct,
	}

	switch {
	case current <= s.oversold:
		meta["reason"] = "RSI oversold"
		return SignalBuy, clamp(0.5 + (s.oversold-current)/s.oversold), meta
	case current >= s.overbought:
		meta["reason"] = "RSI overbought"
		return SignalSell, clamp(0.5 + (current-s.overbought)/(100-s.overbought)), meta
	default:
		meta["reason"] = "RSI neutral"
		return SignalHold, 0, meta
	}
}
