package exchange

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxTradeHistory bounds the in-memory fill log; the oldest entry is
// evicted once the cap is reached.
const maxTradeHistory = 1000

// PaperEngine is the in-memory balance ledger and order matcher used by any
// connector running in simulation mode. It holds no network state: callers
// resolve the execution price before submitting.
type PaperEngine struct {
	venue   string
	feeRate float64
	logger  *zap.Logger

	mu       sync.Mutex
	balances map[string]float64
	orders   map[string]*Order
	fills    []Fill
}

// NewPaperEngine creates a ledger for one simulated venue. initialBalances
// is copied; feeRate is the venue-specific taker fee (e.g. 0.001 for 0.1%).
func NewPaperEngine(venue string, feeRate float64, initialBalances map[string]float64, logger *zap.Logger) *PaperEngine {
	balances := make(map[string]float64, len(initialBalances))
	for currency, amount := range initialBalances {
		balances[currency] = amount
	}
	logger.Info("Initialized paper trading ledger",
		zap.String("venue", venue),
		zap.Float64("fee_rate", feeRate),
		zap.Any("balances", balances),
	)
	return &PaperEngine{
		venue:    venue,
		feeRate:  feeRate,
		logger:   logger,
		balances: balances,
		orders:   make(map[string]*Order),
	}
}

// Deposit credits a currency. This is the only balance mutation besides
// order settlement.
func (p *PaperEngine) Deposit(currency string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[currency] += amount
}

// Balance returns the free balance of one currency.
func (p *PaperEngine) Balance(currency string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[currency]
}

// Balances returns a copy of all balances.
func (p *PaperEngine) Balances() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]float64, len(p.balances))
	for currency, amount := range p.balances {
		out[currency] = amount
	}
	return out
}

// CreateOrder settles an order against the ledger immediately. Market
// orders execute at execPrice (the caller's current last price); limit
// orders execute at the requested limit price. An underfunded order comes
// back with status "rejected" and untouched balances, not an error.
func (p *PaperEngine) CreateOrder(symbol, kind, side string, amount, execPrice float64) (*Order, error) {
	base, quote, ok := SplitSymbol(symbol)
	if !ok {
		return nil, fmt.Errorf("invalid symbol %q", symbol)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("invalid order amount %f", amount)
	}
	if execPrice <= 0 {
		return nil, fmt.Errorf("invalid execution price %f", execPrice)
	}

	order := &Order{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Kind:      kind,
		Side:      side,
		Amount:    amount,
		Status:    StatusOpen,
		CreatedAt: time.Now(),
	}
	if kind == KindLimit {
		order.Price = execPrice
	}

	cost := amount * execPrice
	fee := cost * p.feeRate

	p.mu.Lock()
	defer p.mu.Unlock()

	switch side {
	case SideBuy:
		if p.balances[quote] < cost+fee {
			order.Status = StatusRejected
			p.orders[order.ID] = order
			p.logger.Warn("Rejected paper order: insufficient quote balance",
				zap.String("venue", p.venue),
				zap.String("symbol", symbol),
				zap.String("currency", quote),
				zap.Float64("required", cost+fee),
				zap.Float64("available", p.balances[quote]),
			)
			return order, nil
		}
		p.balances[quote] -= cost + fee
		p.balances[base] += amount
	case SideSell:
		if p.balances[base] < amount {
			order.Status = StatusRejected
			p.orders[order.ID] = order
			p.logger.Warn("Rejected paper order: insufficient base balance",
				zap.String("venue", p.venue),
				zap.String("symbol", symbol),
				zap.String("currency", base),
				zap.Float64("required", amount),
				zap.Float64("available", p.balances[base]),
			)
			return order, nil
		}
		p.balances[base] -= amount
		p.balances[quote] += cost - fee
	default:
		return nil, fmt.Errorf("invalid order side %q", side)
	}

	order.Status = StatusFilled
	order.Filled = amount
	order.Fee = fee
	p.orders[order.ID] = order

	fill := Fill{
		ID:        uuid.NewString(),
		OrderID:   order.ID,
		Symbol:    symbol,
		Side:      side,
		Amount:    amount,
		Price:     execPrice,
		Cost:      cost,
		Fee:       fee,
		Timestamp: order.CreatedAt,
	}
	p.fills = append(p.fills, fill)
	if len(p.fills) > maxTradeHistory {
		p.fills = p.fills[len(p.fills)-maxTradeHistory:]
	}

	p.logger.Info("Executed paper trade",
		zap.String("venue", p.venue),
		zap.String("symbol", symbol),
		zap.String("side", side),
		zap.Float64("amount", amount),
		zap.Float64("price", execPrice),
		zap.Float64("fee", fee),
	)
	return order, nil
}

// CancelOrder cancels an open order. Settled orders are terminal.
func (p *PaperEngine) CancelOrder(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, found := p.orders[id]
	if !found {
		p.logger.Warn("Order not found", zap.String("order_id", id))
		return false
	}
	if order.Status != StatusOpen {
		p.logger.Warn("Cannot cancel settled order",
			zap.String("order_id", id),
			zap.String("status", order.Status),
		)
		return false
	}
	order.Status = StatusCanceled
	return true
}

// GetOrder returns a copy of an order by id.
func (p *PaperEngine) GetOrder(id string) (*Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	order, found := p.orders[id]
	if !found {
		return nil, fmt.Errorf("order %s not found", id)
	}
	copied := *order
	return &copied, nil
}

// OpenOrders returns copies of open orders, optionally filtered by symbol.
func (p *PaperEngine) OpenOrders(symbol string) []*Order {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []*Order
	for _, order := range p.orders {
		if order.Status != StatusOpen {
			continue
		}
		if symbol != "" && order.Symbol != symbol {
			continue
		}
		copied := *order
		out = append(out, &copied)
	}
	return out
}

// Fills returns a copy of the bounded fill history, oldest first.
func (p *PaperEngine) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Fill, len(p.fills))
	copy(out, p.fills)
	return out
}
