package models

import "gorm.io/gorm"

// Trade represents a completed trade record in the database.
type Trade struct {
	gorm.Model
	Exchange string  `json:"exchange"`
	Symbol   string  `json:"symbol"`
	OrderID  string  `json:"order_id"`
	Side     string  `json:"side"` // "buy" or "sell"
	Kind     string  `json:"kind"` // "market" or "limit"
	Amount   float64 `json:"amount"`
	Price    float64 `json:"price"`
	Cost     float64 `json:"cost"`
	Fee      float64 `json:"fee"`
	Strategy string  `json:"strategy"`
	IsPaper  bool    `json:"is_paper"`
}
