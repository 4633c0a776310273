package domain

import "time"

// Trade is the settlement record written when a close is applied to the ledger.
type Trade struct {
	ID          int64       // Unique identifier for the record (from DB)
	TradeID     int64       // Position that was closed
	Symbol      string      // Trading symbol
	Side        Side        // Side of the closed position
	EntryPrice  float64     // Price at which the position was entered
	ExitPrice   float64     // Fill price of the close
	Quantity    float64     // Size closed
	PNL         float64     // Realised profit and loss
	EntryTime   time.Time   // When the position was entered
	ExitTime    time.Time   // When the close was applied
	CloseReason CloseReason // Why the position was closed
	IsPaper     bool        // Simulated settlement
}
