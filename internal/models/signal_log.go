package models

import "gorm.io/gorm"

// SignalLog records every signal a strategy produced, traded or not.
// Rows are append-only and never updated after creation.
type SignalLog struct {
	gorm.Model
	Symbol     string  `json:"symbol"`
	Strategy   string  `json:"strategy"`
	SignalType string  `json:"signal_type"` // "buy", "sell" or "hold"
	Confidence float64 `json:"confidence"`
	Price      float64 `json:"price"`
	Executed   bool    `json:"executed"`
	TradeID    *uint   `json:"trade_id,omitempty"`
	Metadata   string  `json:"metadata"` // JSON-encoded strategy metadata
}
