package models

import "gorm.io/gorm"

// Balance is an append-only audit row of a venue balance at snapshot time.
type Balance struct {
	gorm.Model
	Exchange string  `json:"exchange"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
	IsPaper  bool    `json:"is_paper"`
}
