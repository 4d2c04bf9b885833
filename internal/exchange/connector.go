package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Options configures one venue connector.
type Options struct {
	ApiKey          string
	SecretKey       string
	PaperTrading    bool
	FeeRate         float64
	MaxPositionPct  float64 // notional cap as fraction of quote balance
	QuoteCurrency   string  // default quote for position sizing
	InitialBalances map[string]float64
	RateLimit       float64 // requests per second
	RateLimitBurst  int
	Timeout         time.Duration
	Retrier         *Retrier
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.MaxPositionPct <= 0 {
		opts.MaxPositionPct = 0.2
	}
	if opts.QuoteCurrency == "" {
		opts.QuoteCurrency = "USDT"
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 10
	}
	if opts.RateLimitBurst <= 0 {
		opts.RateLimitBurst = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return opts
}

// connector carries the state shared by every venue implementation: the
// REST client, rate limiter, retry wrapper, paper ledger (nil in live mode)
// and the last-known ticker per symbol used as the paper-mode fallback.
type connector struct {
	name           string
	client         *resty.Client
	limiter        *rate.Limiter
	retrier        *Retrier
	logger         *zap.Logger
	paper          *PaperEngine
	symbols        *symbolMapper
	maxPositionPct float64
	quoteCurrency  string

	tickerMu    sync.Mutex
	lastTickers map[string]Ticker
}

func newConnector(name, baseURL string, opts Options, symbols *symbolMapper, logger *zap.Logger) connector {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(opts.Timeout)

	var paper *PaperEngine
	if opts.PaperTrading {
		paper = NewPaperEngine(name, opts.FeeRate, opts.InitialBalances, logger)
	}

	return connector{
		name:           name,
		client:         client,
		limiter:        rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateLimitBurst),
		retrier:        opts.Retrier,
		logger:         logger,
		paper:          paper,
		symbols:        symbols,
		maxPositionPct: opts.MaxPositionPct,
		quoteCurrency:  opts.QuoteCurrency,
		lastTickers:    make(map[string]Ticker),
	}
}

// Name returns the venue identifier.
func (c *connector) Name() string { return c.name }

// PaperTrading reports whether this connector settles against the paper ledger.
func (c *connector) PaperTrading() bool { return c.paper != nil }

// do executes one venue request through the rate limiter and retry wrapper.
// Remote error responses become VenueError so the retrier can distinguish
// 5xx-class (retry) from 4xx-class (fail fast).
func (c *connector) do(method, path string, req *resty.Request) (*resty.Response, error) {
	ctx := context.Background()
	op := c.name + " " + method + " " + path

	return DoWithResult(c.retrier, ctx, op, func() (*resty.Response, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait failed: %w", err)
		}
		c.logger.Debug("Executing request", zap.String("method", method), zap.String("url", c.client.BaseURL+path))
		resp, err := req.Execute(method, path)
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, &VenueError{Venue: c.name, StatusCode: resp.StatusCode(), Message: resp.String()}
		}
		return resp, nil
	})
}

// recordTicker remembers the most recent quote per symbol.
func (c *connector) recordTicker(ticker *Ticker) {
	c.tickerMu.Lock()
	c.lastTickers[ticker.Symbol] = *ticker
	c.tickerMu.Unlock()
}

// fallbackTicker serves the last-known quote when a paper-mode fetch fails,
// keeping the simulation alive. The staleness is logged, never hidden.
func (c *connector) fallbackTicker(symbol string, cause error) (*Ticker, error) {
	if c.paper == nil {
		return nil, cause
	}
	c.tickerMu.Lock()
	last, found := c.lastTickers[symbol]
	c.tickerMu.Unlock()
	if !found {
		return nil, fmt.Errorf("%w for %s: %s", ErrNoTicker, symbol, cause)
	}
	c.logger.Warn("Ticker fetch failed, serving last-known value",
		zap.String("venue", c.name),
		zap.String("symbol", symbol),
		zap.Time("observed_at", last.Timestamp),
		zap.Error(cause),
	)
	copied := last
	return &copied, nil
}

// positionSize caps notional exposure at maxPositionPct of the balance.
func (c *connector) positionSize(price, balance float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("invalid price %f", price)
	}
	if balance < 0 {
		return 0, fmt.Errorf("invalid balance %f", balance)
	}
	return balance * c.maxPositionPct / price, nil
}
