package portfolio

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"crypto-trade-bot-go/internal/exchange"
	"crypto-trade-bot-go/internal/models"
)

// stablecoins are valued at face value against the quote currency.
var stablecoins = map[string]bool{
	"USDT": true,
	"USD":  true,
	"USDC": true,
	"BUSD": true,
	"DAI":  true,
}

// IsStablecoin reports whether a currency is valued at face value.
func IsStablecoin(currency string) bool { return stablecoins[currency] }

// Valuator prices the venue's holdings in the quote currency and maintains
// the append-only snapshot series with windowed PnL and drawdown.
type Valuator struct {
	venue         exchange.Exchange
	db            *gorm.DB
	quoteCurrency string
	logger        *zap.Logger
}

// NewValuator creates a valuator for one venue.
func NewValuator(venue exchange.Exchange, db *gorm.DB, quoteCurrency string, logger *zap.Logger) *Valuator {
	if quoteCurrency == "" {
		quoteCurrency = "USDT"
	}
	return &Valuator{venue: venue, db: db, quoteCurrency: quoteCurrency, logger: logger}
}

// TotalValue prices every holding in the quote currency. A currency whose
// ticker cannot be fetched is logged and excluded so one dead market never
// blocks the valuation.
func (v *Valuator) TotalValue() (float64, map[string]float64, error) {
	balances, err := v.venue.GetBalances()
	if err != nil {
		return 0, nil, fmt.Errorf("failed to enumerate balances: %w", err)
	}

	total := 0.0
	valued := make(map[string]float64, len(balances))
	for currency, amount := range balances {
		if amount <= 0 {
			continue
		}
		if currency == v.quoteCurrency || stablecoins[currency] {
			total += amount
			valued[currency] = amount
			continue
		}
		ticker, err := v.venue.GetTicker(currency + "/" + v.quoteCurrency)
		if err != nil {
			v.logger.Warn("Cannot price holding, excluding from valuation",
				zap.String("currency", currency),
				zap.Float64("amount", amount),
				zap.Error(err),
			)
			continue
		}
		value := amount * ticker.Last
		total += value
		valued[currency] = value
	}
	return total, valued, nil
}

// Snapshot values the portfolio and appends one Balance audit row per
// holding plus the PortfolioSnapshot. History is never mutated.
func (v *Valuator) Snapshot() (*models.PortfolioSnapshot, error) {
	total, _, err := v.TotalValue()
	if err != nil {
		return nil, err
	}

	balances, err := v.venue.GetBalances()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate balances: %w", err)
	}
	isPaper := v.venue.PaperTrading()
	for currency, amount := range balances {
		if amount <= 0 {
			continue
		}
		row := &models.Balance{
			Exchange: v.venue.Name(),
			Currency: currency,
			Amount:   amount,
			IsPaper:  isPaper,
		}
		if err := v.db.Create(row).Error; err != nil {
			v.logger.Error("Failed to persist balance row", zap.Error(err))
		}
	}

	now := time.Now()
	snapshot := &models.PortfolioSnapshot{
		TotalValue: total,
		PnLDaily:   v.windowPnL(total, now.Add(-24*time.Hour), isPaper),
		PnLWeekly:  v.windowPnL(total, now.Add(-7*24*time.Hour), isPaper),
		PnLMonthly: v.windowPnL(total, now.Add(-30*24*time.Hour), isPaper),
		PnLAllTime: v.windowPnL(total, time.Time{}, isPaper),
		Drawdown:   v.drawdown(total, isPaper),
		IsPaper:    isPaper,
	}
	if err := v.db.Create(snapshot).Error; err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	v.logger.Info("Portfolio snapshot",
		zap.Float64("total_value", total),
		zap.Float64("drawdown", snapshot.Drawdown),
	)
	return snapshot, nil
}

// windowPnL returns the fractional change since the oldest snapshot at or
// after the window start, or nil when no such snapshot exists.
func (v *Valuator) windowPnL(current float64, since time.Time, isPaper bool) *float64 {
	var reference models.PortfolioSnapshot
	query := v.db.Where("is_paper = ?", isPaper).Order("created_at asc")
	if !since.IsZero() {
		query = query.Where("created_at >= ?", since)
	}
	if err := query.First(&reference).Error; err != nil {
		return nil
	}
	if reference.TotalValue <= 0 {
		return nil
	}
	pnl := (current - reference.TotalValue) / reference.TotalValue
	return &pnl
}

// drawdown returns (peak - current) / peak over the full snapshot history,
// floored at zero when the portfolio sits at a new high.
func (v *Valuator) drawdown(current float64, isPaper bool) float64 {
	var peak float64
	row := v.db.Model(&models.PortfolioSnapshot{}).
		Where("is_paper = ?", isPaper).
		Select("COALESCE(MAX(total_value), 0)").
		Row()
	if err := row.Scan(&peak); err != nil {
		v.logger.Warn("Peak value query failed", zap.Error(err))
		return 0
	}
	if current > peak {
		peak = current
	}
	if peak <= 0 {
		return 0
	}
	dd := (peak - current) / peak
	if dd < 0 {
		return 0
	}
	return dd
}
