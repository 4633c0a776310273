package domain

import "time"

// AdjustmentRecord captures one attempt to move a position's protective levels.
// Records are immutable once created.
type AdjustmentRecord struct {
	ID        string
	TradeID   int64
	Symbol    string
	Reason    AdjustmentReason
	OldTP     float64
	OldSL     float64
	NewTP     float64
	NewSL     float64
	Timestamp time.Time
	Success   bool
	Message   string
}
