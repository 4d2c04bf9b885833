package models

import "gorm.io/gorm"

// PortfolioSnapshot is one point of the append-only portfolio value series.
// A nil PnL field means the window had no reference snapshot yet, which is
// distinct from a PnL of zero.
type PortfolioSnapshot struct {
	gorm.Model
	TotalValue float64  `json:"total_value"`
	PnLDaily   *float64 `json:"pnl_daily,omitempty"`
	PnLWeekly  *float64 `json:"pnl_weekly,omitempty"`
	PnLMonthly *float64 `json:"pnl_monthly,omitempty"`
	PnLAllTime *float64 `json:"pnl_all_time,omitempty"`
	Drawdown   float64  `json:"drawdown"`
	IsPaper    bool     `json:"is_paper"`
}
