package ranker

import (
	"sort"

	"go.uber.org/zap"

	"crypto-trade-bot-go/internal/exchange"
	"crypto-trade-bot-go/internal/strategy"
)

// candidateMultiple controls how many candidate symbols are fetched per free
// position slot.
const candidateMultiple = 3

// Opportunity is one ranked trading candidate.
type Opportunity struct {
	Symbol     string
	Signal     string
	Confidence float64
	Metadata   strategy.Metadata
}

// Ranker scans the market for the best symbols to trade next. It evaluates
// candidates independently so one failing symbol never poisons the scan.
type Ranker struct {
	venue  exchange.Exchange
	runner *strategy.Runner
	logger *zap.Logger
}

// New creates a ranker that evaluates candidates with the given runner.
func New(venue exchange.Exchange, runner *strategy.Runner, logger *zap.Logger) *Ranker {
	return &Ranker{venue: venue, runner: runner, logger: logger}
}

// EvaluateSymbol scores one symbol. Any failure degrades to a hold with zero
// confidence.
func (r *Ranker) EvaluateSymbol(symbol string) Opportunity {
	result := r.runner.Evaluate(symbol)
	return Opportunity{
		Symbol:     symbol,
		Signal:     result.Signal,
		Confidence: result.Confidence,
		Metadata:   result.Metadata,
	}
}

// RankSymbols evaluates each symbol and returns the actionable ones ordered
// by descending confidence. Ties keep the input order.
func (r *Ranker) RankSymbols(symbols []string) []Opportunity {
	var ranked []Opportunity
	for _, symbol := range symbols {
		opp := r.EvaluateSymbol(symbol)
		if opp.Signal == strategy.SignalHold || opp.Confidence <= 0 {
			continue
		}
		ranked = append(ranked, opp)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Confidence > ranked[j].Confidence
	})
	return ranked
}

// BestOpportunities returns up to one opportunity per free position slot,
// each meeting minConfidence. With no free slots it returns immediately
// without touching the venue.
func (r *Ranker) BestOpportunities(maxPositions, activePositions int, quote string, minConfidence float64) []Opportunity {
	slots := maxPositions - activePositions
	if slots <= 0 {
		r.logger.Debug("No free position slots, skipping market scan")
		return nil
	}

	candidates, err := r.venue.GetTopSymbols(slots*candidateMultiple, quote)
	if err != nil {
		r.logger.Warn("Candidate symbol listing failed", zap.Error(err))
		return nil
	}

	ranked := r.RankSymbols(candidates)

	var best []Opportunity
	for _, opp := range ranked {
		if opp.Confidence < minConfidence {
			continue
		}
		best = append(best, opp)
		if len(best) == slots {
			break
		}
	}
	r.logger.Info("Market scan complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("actionable", len(ranked)),
		zap.Int("selected", len(best)),
	)
	return best
}
