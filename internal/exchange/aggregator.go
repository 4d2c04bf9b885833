package exchange

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AggregatorOptions configures the multi-venue aggregator.
type AggregatorOptions struct {
	CacheTTL        time.Duration
	MaxConcurrent   int
	Weights         map[string]float64 // venue name -> weight, equal when empty
	FeeRate         float64            // fee for the aggregator's own paper ledger
	MaxPositionPct  float64
	QuoteCurrency   string
	InitialBalances map[string]float64
}

func (o *AggregatorOptions) withDefaults() AggregatorOptions {
	opts := *o
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 60 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.FeeRate <= 0 {
		opts.FeeRate = 0.001
	}
	if opts.MaxPositionPct <= 0 {
		opts.MaxPositionPct = 0.2
	}
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "USDT"
	}
	return opts
}

type cachedTicker struct {
	ticker     Ticker
	divergence float64
	fetchedAt  time.Time
}

// MultiExchange aggregates quotes from several venues behind the same
// Exchange interface. Prices are the weighted mean of the venues that
// answered; orders always settle against the aggregator's own paper ledger
// since no single venue could execute a blended price.
type MultiExchange struct {
	venues         []Exchange
	weights        map[string]float64
	cacheTTL       time.Duration
	maxConcurrent  int
	paper          *PaperEngine
	maxPositionPct float64
	quoteCurrency  string
	logger         *zap.Logger

	mu    sync.Mutex
	cache map[string]cachedTicker
}

var _ Exchange = (*MultiExchange)(nil)

// NewMultiExchange creates an aggregator over the given venues.
func NewMultiExchange(venues []Exchange, opts AggregatorOptions, logger *zap.Logger) *MultiExchange {
	o := opts.withDefaults()
	return &MultiExchange{
		venues:         venues,
		weights:        o.Weights,
		cacheTTL:       o.CacheTTL,
		maxConcurrent:  o.MaxConcurrent,
		paper:          NewPaperEngine("aggregated", o.FeeRate, o.InitialBalances, logger),
		maxPositionPct: o.MaxPositionPct,
		quoteCurrency:  o.QuoteCurrency,
		logger:         logger,
		cache:          make(map[string]cachedTicker),
	}
}

// Name returns the aggregator identifier.
func (m *MultiExchange) Name() string { return "aggregated" }

// PaperTrading always reports true: the aggregator never routes real orders.
func (m *MultiExchange) PaperTrading() bool { return true }

// Connect succeeds when at least one underlying venue is reachable.
func (m *MultiExchange) Connect() bool {
	connected := 0
	for _, venue := range m.venues {
		if venue.Connect() {
			connected++
		}
	}
	if connected == 0 {
		m.logger.Error("No aggregator venue reachable")
		return false
	}
	m.logger.Info("Aggregator connected",
		zap.Int("venues", connected),
		zap.Int("configured", len(m.venues)),
	)
	return true
}

// GetBalance returns the free balance of one currency from the paper ledger.
func (m *MultiExchange) GetBalance(currency string) (float64, error) {
	return m.paper.Balance(currency), nil
}

// GetBalances returns all paper-ledger balances.
func (m *MultiExchange) GetBalances() (map[string]float64, error) {
	return m.paper.Balances(), nil
}

type venueTicker struct {
	venue  string
	ticker *Ticker
	err    error
}

// fanOut runs one call per venue with bounded concurrency and collects the
// per-venue outcomes.
func (m *MultiExchange) fanOut(call func(Exchange) (*Ticker, error)) []venueTicker {
	results := make(chan venueTicker, len(m.venues))
	sem := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup

	for _, venue := range m.venues {
		wg.Add(1)
		go func(v Exchange) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			ticker, err := call(v)
			results <- venueTicker{venue: v.Name(), ticker: ticker, err: err}
		}(venue)
	}
	wg.Wait()
	close(results)

	collected := make([]venueTicker, 0, len(m.venues))
	for r := range results {
		collected = append(collected, r)
	}
	return collected
}

func (m *MultiExchange) venueWeight(name string) float64 {
	if len(m.weights) == 0 {
		return 1
	}
	return m.weights[name]
}

// GetTicker returns the weighted cross-venue quote for a symbol. Fresh
// results are cached; when every venue fails a stale cached quote is served
// with a warning rather than halting the caller.
func (m *MultiExchange) GetTicker(symbol string) (*Ticker, error) {
	m.mu.Lock()
	if cached, found := m.cache[symbol]; found && time.Since(cached.fetchedAt) < m.cacheTTL {
		m.mu.Unlock()
		copied := cached.ticker
		return &copied, nil
	}
	m.mu.Unlock()

	results := m.fanOut(func(v Exchange) (*Ticker, error) {
		return v.GetTicker(symbol)
	})

	var survivors []venueTicker
	for _, r := range results {
		if r.err != nil {
			m.logger.Warn("Venue ticker fetch failed",
				zap.String("venue", r.venue),
				zap.String("symbol", symbol),
				zap.Error(r.err),
			)
			continue
		}
		survivors = append(survivors, r)
	}

	if len(survivors) == 0 {
		m.mu.Lock()
		cached, found := m.cache[symbol]
		m.mu.Unlock()
		if found {
			m.logger.Warn("All venues failed, serving stale aggregated quote",
				zap.String("symbol", symbol),
				zap.Time("fetched_at", cached.fetchedAt),
			)
			copied := cached.ticker
			return &copied, nil
		}
		return nil, fmt.Errorf("%w for %s: all %d venues failed", ErrAggregationUnavailable, symbol, len(m.venues))
	}

	if len(survivors) < len(m.venues) {
		m.logger.Warn("Aggregating from partial venue set",
			zap.String("symbol", symbol),
			zap.Int("answered", len(survivors)),
			zap.Int("configured", len(m.venues)),
		)
	}

	ticker, divergence := m.blend(symbol, survivors)
	m.mu.Lock()
	m.cache[symbol] = cachedTicker{ticker: *ticker, divergence: divergence, fetchedAt: time.Now()}
	m.mu.Unlock()
	return ticker, nil
}

// blend computes the weighted mean quote and the divergence score: the
// largest relative deviation of any venue's last price from the mean,
// scaled by 10 and capped at 1.0.
func (m *MultiExchange) blend(symbol string, survivors []venueTicker) (*Ticker, float64) {
	var totalWeight float64
	for _, s := range survivors {
		totalWeight += m.venueWeight(s.venue)
	}
	// All-zero weights degrade to a plain mean.
	uniform := totalWeight == 0
	if uniform {
		totalWeight = float64(len(survivors))
	}

	blended := &Ticker{Symbol: symbol, Timestamp: time.Now()}
	for _, s := range survivors {
		w := m.venueWeight(s.venue)
		if uniform {
			w = 1
		}
		blended.Bid += s.ticker.Bid * w
		blended.Ask += s.ticker.Ask * w
		blended.Last += s.ticker.Last * w
		blended.Volume += s.ticker.Volume
		if s.ticker.High > blended.High {
			blended.High = s.ticker.High
		}
		if blended.Low == 0 || (s.ticker.Low > 0 && s.ticker.Low < blended.Low) {
			blended.Low = s.ticker.Low
		}
	}
	blended.Bid /= totalWeight
	blended.Ask /= totalWeight
	blended.Last /= totalWeight

	var divergence float64
	if blended.Last > 0 {
		for _, s := range survivors {
			deviation := s.ticker.Last - blended.Last
			if deviation < 0 {
				deviation = -deviation
			}
			if rel := deviation / blended.Last; rel > divergence {
				divergence = rel
			}
		}
	}
	divergence *= 10
	if divergence > 1 {
		divergence = 1
	}
	if divergence > 0.5 {
		m.logger.Warn("High cross-venue price divergence",
			zap.String("symbol", symbol),
			zap.Float64("divergence", divergence),
		)
	}
	return blended, divergence
}

// Divergence returns the last computed cross-venue divergence score for a
// symbol in [0, 1]. Zero means agreement or no data yet.
func (m *MultiExchange) Divergence(symbol string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[symbol].divergence
}

// GetHistoricalData fans out to every venue and merges the bars per
// timestamp: open and close are averaged, high is the max, low the min and
// volume the sum. The merged series is sorted oldest first.
func (m *MultiExchange) GetHistoricalData(symbol, timeframe string, limit int) ([]Candle, error) {
	type venueCandles struct {
		venue   string
		candles []Candle
		err     error
	}
	results := make(chan venueCandles, len(m.venues))
	sem := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup

	for _, venue := range m.venues {
		wg.Add(1)
		go func(v Exchange) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			candles, err := v.GetHistoricalData(symbol, timeframe, limit)
			results <- venueCandles{venue: v.Name(), candles: candles, err: err}
		}(venue)
	}
	wg.Wait()
	close(results)

	type bucket struct {
		candle Candle
		count  int
	}
	merged := make(map[int64]*bucket)
	answered := 0
	for r := range results {
		if r.err != nil {
			m.logger.Warn("Venue history fetch failed",
				zap.String("venue", r.venue),
				zap.String("symbol", symbol),
				zap.Error(r.err),
			)
			continue
		}
		answered++
		for _, c := range r.candles {
			key := c.Timestamp.Unix()
			b, found := merged[key]
			if !found {
				copied := c
				merged[key] = &bucket{candle: copied, count: 1}
				continue
			}
			b.candle.Open += c.Open
			b.candle.Close += c.Close
			b.candle.Volume += c.Volume
			if c.High > b.candle.High {
				b.candle.High = c.High
			}
			if b.candle.Low == 0 || (c.Low > 0 && c.Low < b.candle.Low) {
				b.candle.Low = c.Low
			}
			b.count++
		}
	}
	if answered == 0 {
		return nil, fmt.Errorf("%w: no venue returned history for %s", ErrAggregationUnavailable, symbol)
	}

	candles := make([]Candle, 0, len(merged))
	for _, b := range merged {
		c := b.candle
		c.Open /= float64(b.count)
		c.Close /= float64(b.count)
		candles = append(candles, c)
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
	if len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// CreateOrder settles against the aggregator's paper ledger at the blended
// price.
func (m *MultiExchange) CreateOrder(symbol, kind, side string, amount, price float64) (*Order, error) {
	execPrice := price
	if kind == KindMarket {
		ticker, err := m.GetTicker(symbol)
		if err != nil {
			return nil, fmt.Errorf("cannot price market order: %w", err)
		}
		execPrice = ticker.Last
	}
	return m.paper.CreateOrder(symbol, kind, side, amount, execPrice)
}

// CancelOrder cancels an open paper order.
func (m *MultiExchange) CancelOrder(id, symbol string) bool {
	return m.paper.CancelOrder(id)
}

// GetOrder returns a paper order by id.
func (m *MultiExchange) GetOrder(id, symbol string) (*Order, error) {
	return m.paper.GetOrder(id)
}

// GetOpenOrders returns open paper orders, optionally filtered by symbol.
func (m *MultiExchange) GetOpenOrders(symbol string) ([]*Order, error) {
	return m.paper.OpenOrders(symbol), nil
}

// GetTopSymbols returns the cross-venue candidate set: each venue's ranked
// list contributes positional scores, and the union is ordered by total
// score so symbols liquid on several venues surface first.
func (m *MultiExchange) GetTopSymbols(limit int, quote string) ([]string, error) {
	type venueSymbols struct {
		venue   string
		symbols []string
		err     error
	}
	results := make(chan venueSymbols, len(m.venues))
	sem := make(chan struct{}, m.maxConcurrent)
	var wg sync.WaitGroup

	for _, venue := range m.venues {
		wg.Add(1)
		go func(v Exchange) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			symbols, err := v.GetTopSymbols(limit, quote)
			results <- venueSymbols{venue: v.Name(), symbols: symbols, err: err}
		}(venue)
	}
	wg.Wait()
	close(results)

	scores := make(map[string]int)
	answered := 0
	for r := range results {
		if r.err != nil {
			m.logger.Warn("Venue symbol listing failed",
				zap.String("venue", r.venue),
				zap.Error(r.err),
			)
			continue
		}
		answered++
		for i, symbol := range r.symbols {
			scores[symbol] += limit - i
		}
	}
	if answered == 0 {
		return nil, fmt.Errorf("%w: no venue returned symbols", ErrAggregationUnavailable)
	}

	symbols := make([]string, 0, len(scores))
	for symbol := range scores {
		symbols = append(symbols, symbol)
	}
	sort.SliceStable(symbols, func(i, j int) bool {
		if scores[symbols[i]] != scores[symbols[j]] {
			return scores[symbols[i]] > scores[symbols[j]]
		}
		return symbols[i] < symbols[j]
	})
	if len(symbols) > limit {
		symbols = symbols[:limit]
	}
	return symbols, nil
}

// CalculatePositionSize converts paper-ledger quote balance into a base
// amount capped at the configured notional fraction.
func (m *MultiExchange) CalculatePositionSize(price, balance float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %f", price)
	}
	if balance < 0 {
		balance = m.paper.Balance(m.quoteCurrency)
	}
	return balance * m.maxPositionPct / price, nil
}
